package factory

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-ledger/engine"
)

func TestDecodeAttendance_LooseTypes(t *testing.T) {
	f := NewRowFactory()

	// GIVEN: counts as strings, a word flag and a spreadsheet serial date
	body := `{"rows": [
		{"date": 45839, "sub_program": " Zumba ", "member_name": "Kim", "gender": "F",
		 "attended": "Y", "sessions": "2", "cases": 3, "visits": "4"}
	]}`

	// WHEN: decoded
	rows, err := f.DecodeAttendance(strings.NewReader(body))

	// THEN: the row is typed and trimmed
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, rows[0].Err)
	row := rows[0].Row
	assert.Equal(t, "Zumba", row.SubProgram)
	assert.True(t, row.Attended)
	assert.Equal(t, 2, row.Sessions)
	assert.Equal(t, 3, row.Cases)
	require.NotNil(t, row.Visits)
	assert.Equal(t, 4, *row.Visits)
	assert.Nil(t, row.Actual)
	assert.Equal(t, engine.CalendarDate("2025-07-01"), engine.NormalizeDate(row.Date, nil))
}

func TestDecodeAttendance_AttendedDefaultsToPresent(t *testing.T) {
	f := NewRowFactory()

	rows, err := f.DecodeAttendance(strings.NewReader(`{"rows": [
		{"sub_program": "Zumba", "member_name": "Kim"},
		{"sub_program": "Zumba", "member_name": "Lee", "attended": false},
		{"sub_program": "Zumba", "member_name": "Park", "attended": "N"}
	]}`))

	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].Row.Attended)
	assert.False(t, rows[1].Row.Attended)
	assert.False(t, rows[2].Row.Attended)
}

func TestDecodeAttendance_BadRowIsIsolated(t *testing.T) {
	f := NewRowFactory()

	// GIVEN: a valid row, a row missing its sub-program and a row with a bad count
	body := `{"rows": [
		{"sub_program": "Zumba", "member_name": "Kim"},
		{"member_name": "Lee"},
		{"sub_program": "Zumba", "member_name": "Park", "sessions": "many"},
		{"sub_program": "Zumba", "member_name": "Choi", "cases": -1}
	]}`

	// WHEN: decoded
	rows, err := f.DecodeAttendance(strings.NewReader(body))

	// THEN: only the bad rows carry validation errors
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.NoError(t, rows[0].Err)

	var verr *engine.ValidationError
	require.True(t, errors.As(rows[1].Err, &verr))
	assert.Equal(t, "required", verr.Fields["sub_program"])

	assert.ErrorIs(t, rows[2].Err, engine.ErrValidation)
	assert.Equal(t, 2, rows[2].Index)

	require.True(t, errors.As(rows[3].Err, &verr))
	assert.Equal(t, "gte", verr.Fields["cases"])
}

func TestDecodeAttendance_MemberIDReplacesName(t *testing.T) {
	f := NewRowFactory()

	rows, err := f.DecodeAttendance(strings.NewReader(`{"rows": [
		{"sub_program": "Zumba", "member_id": "m-kim"},
		{"sub_program": "Zumba"}
	]}`))

	require.NoError(t, err)
	assert.NoError(t, rows[0].Err)
	assert.Equal(t, engine.MemberID("m-kim"), rows[0].Row.MemberID)

	var verr *engine.ValidationError
	require.True(t, errors.As(rows[1].Err, &verr))
	assert.Equal(t, "required_without", verr.Fields["member_name"])
}

func TestDecode_MalformedBody(t *testing.T) {
	f := NewRowFactory()

	cases := map[string]string{
		"empty":        "",
		"not json":     "rows=1",
		"no rows list": `{"items": []}`,
		"rows object":  `{"rows": {"sub_program": "Zumba"}}`,
		"bare array":   `[{"sub_program": "Zumba"}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.DecodeAttendance(strings.NewReader(body))
			assert.ErrorIs(t, err, ErrMalformedBody)

			_, err = f.DecodeBulk(strings.NewReader(body))
			assert.ErrorIs(t, err, ErrMalformedBody)
		})
	}
}

func TestDecode_EmptyRowsIsValid(t *testing.T) {
	f := NewRowFactory()

	rows, err := f.DecodeBulk(strings.NewReader(`{"rows": []}`))

	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDecodeBulk(t *testing.T) {
	f := NewRowFactory()

	// GIVEN: a bulk row with some counts missing and one negative
	body := `{"rows": [
		{"date": "2025-07-01", "sub_program": "Zumba", "registered": "10", "actual": 8, "remark": "rain"},
		{"date": "2025-07-01", "sub_program": "Zumba", "registered": -2}
	]}`

	// WHEN: decoded
	rows, err := f.DecodeBulk(strings.NewReader(body))

	// THEN: missing counts stay nil for the ingestor's defaults
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.NoError(t, rows[0].Err)
	row := rows[0].Row
	require.NotNil(t, row.Registered)
	assert.Equal(t, 10, *row.Registered)
	assert.Equal(t, 8, *row.Actual)
	assert.Nil(t, row.Visits)
	assert.Nil(t, row.Cases)
	assert.Equal(t, "rain", row.Remark)

	assert.ErrorIs(t, rows[1].Err, engine.ErrValidation)
}

func TestCount_RejectsFractions(t *testing.T) {
	var c Count
	assert.Error(t, c.UnmarshalJSON([]byte(`2.5`)))
	require.NoError(t, c.UnmarshalJSON([]byte(`"1,200"`)))
	assert.Equal(t, Count(1200), c)
	require.NoError(t, c.UnmarshalJSON([]byte(`null`)))
	assert.Equal(t, Count(0), c)
}
