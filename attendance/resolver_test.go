package attendance_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-ledger/attendance"
	"github.com/warp/attendance-ledger/engine"
	"github.com/warp/attendance-ledger/engine/store"
)

func TestResolve_NameAndGender(t *testing.T) {
	mem := store.NewMemory()
	seedRoster(t, mem)
	r := attendance.NewResolver(mem)

	ids, err := r.Resolve(context.Background(), " Lee ", "female", "Zumba")

	require.NoError(t, err)
	assert.ElementsMatch(t, []engine.MemberID{"m-lee-1", "m-lee-2"}, ids)
}

func TestResolve_NotEnrolledInSubProgram(t *testing.T) {
	mem := store.NewMemory()
	seedRoster(t, mem)
	r := attendance.NewResolver(mem)

	_, err := r.Resolve(context.Background(), "Kim", "F", "Korean Class")

	assert.ErrorIs(t, err, engine.ErrUnresolvableIdentity)
}

func TestResolve_MissingName(t *testing.T) {
	r := attendance.NewResolver(store.NewMemory())

	_, err := r.Resolve(context.Background(), "  ", "F", "Zumba")

	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestCanonicalGender(t *testing.T) {
	cases := map[string]string{
		"F": "F", "female": "F", "여": "F", " 여성 ": "F",
		"m": "M", "Male": "M", "남": "M",
		"": "", "x": "X",
	}
	for in, want := range cases {
		assert.Equal(t, want, attendance.CanonicalGender(in), "input %q", in)
	}
}

func TestClassify_ExcludedSiblingIgnored(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	existing := engine.AttendanceRecord{
		ID: "att-1", Date: "2025-07-01", SubProgram: "Zumba",
		MemberID: "m-lee-1", MemberName: "Lee", Gender: "F",
	}
	require.NoError(t, mem.InsertAttendance(ctx, existing))

	cand := existing
	cand.ID = "att-2"
	cand.MemberID = "m-lee-2"

	v, err := attendance.Classify(ctx, mem, cand, nil)
	require.NoError(t, err)
	assert.True(t, v.Duplicate)

	v, err = attendance.Classify(ctx, mem, cand, map[engine.RecordID]bool{"att-1": true})
	require.NoError(t, err)
	assert.False(t, v.Duplicate)
}

func TestClassify_BroadTierComparesPhoneDigits(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.InsertAttendance(ctx, engine.AttendanceRecord{
		ID: "att-1", Date: "2025-07-01", SubProgram: "Zumba",
		MemberID: "m-park", MemberName: "Park", Gender: "M", Phone: "010-1111-2222",
	}))

	v, err := attendance.Classify(ctx, mem, engine.AttendanceRecord{
		Date: "2025-07-01", SubProgram: "Zumba",
		MemberID: "ext-park", MemberName: "Park", Gender: "male", Phone: "01011112222",
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, engine.TierBroadAttributes, v.Tier)
	assert.Equal(t, engine.RecordID("att-1"), v.ExistingID)
}
