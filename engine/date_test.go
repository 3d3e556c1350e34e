package engine_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/attendance-ledger/engine"
)

func TestNormalizeDate(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		seoul = time.FixedZone("KST", 9*3600)
	}

	cases := []struct {
		name string
		in   any
		want engine.CalendarDate
	}{
		{"canonical", "2025-07-01", "2025-07-01"},
		{"canonical padded whitespace", "  2025-07-01 ", "2025-07-01"},
		{"dots", "2025.7.1", "2025-07-01"},
		{"dots with spaces and trailing dot", "2025. 7. 1.", "2025-07-01"},
		{"slashes", "2025/07/1", "2025-07-01"},
		{"whitespace", "2025 7 1", "2025-07-01"},
		{"single dash digits", "2025-7-1", "2025-07-01"},
		{"serial float", 45839.0, "2025-07-01"},
		{"serial with time fraction", 45839.75, "2025-07-01"},
		{"serial int", 45839, "2025-07-01"},
		{"serial json number", json.Number("45839"), "2025-07-01"},
		{"month name", "July 1, 2025", "2025-07-01"},
		{"us slashes", "07/01/2025", "2025-07-01"},
		{"time value", time.Date(2025, 7, 1, 23, 0, 0, 0, time.UTC), "2025-07-02"},
		{"calendar date", engine.CalendarDate("2025.7.1"), "2025-07-01"},
		{"impossible day", "2025-02-30", ""},
		{"impossible month", "2025.13.1", ""},
		{"garbage", "not a date", ""},
		{"empty", "", ""},
		{"nil", nil, ""},
		{"zero serial", 0, ""},
		{"negative serial", -3.0, ""},
		{"unsupported type", []string{"2025-07-01"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, engine.NormalizeDate(tc.in, seoul))
		})
	}
}

func TestNormalizeDate_Idempotent(t *testing.T) {
	inputs := []any{
		"2025-07-01", "2025.7.1", "2025/12/31", "2024 2 29", 45839.0, 1, "March 3, 2024",
		"2025-02-30", "junk", nil,
	}
	for _, in := range inputs {
		once := engine.NormalizeDate(in, time.UTC)
		twice := engine.NormalizeDate(once, time.UTC)
		assert.Equal(t, once, twice, "input %v", in)
	}
}

func TestDateOrToday(t *testing.T) {
	now := func() time.Time { return time.Date(2025, 6, 30, 20, 0, 0, 0, time.UTC) }
	kst := time.FixedZone("KST", 9*3600)

	assert.Equal(t, engine.CalendarDate("2025-07-01"), engine.DateOrToday(nil, now, kst), "today is taken in the caller's zone")
	assert.Equal(t, engine.CalendarDate("2025-01-05"), engine.DateOrToday("2025.1.5", now, kst))
}

func TestCalendarDate_Time(t *testing.T) {
	d := engine.CalendarDate("2025-07-01")
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), d.Time(nil))
	assert.True(t, engine.CalendarDate("bad").Time(nil).IsZero())
}

func TestParseFlag(t *testing.T) {
	for _, v := range []any{true, "true", "TRUE", "1", "y", "yes", "O", "present", "출석", 1, 1.0} {
		assert.True(t, engine.ParseFlag(v), "%v", v)
	}
	for _, v := range []any{false, "false", "0", "", "n", "absent", 0, nil} {
		assert.False(t, engine.ParseFlag(v), "%v", v)
	}
}
