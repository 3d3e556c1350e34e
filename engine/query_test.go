package engine_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-ledger/engine"
)

func TestSummary_RatesPerSubProgram(t *testing.T) {
	s, mem := newTestSync(t, nil)
	ctx := context.Background()

	record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{Cases: 1})
	absent := attendanceRec("att-2", "m-park", "Park")
	absent.Attended = false
	record(t, s, absent, engine.Contribution{})
	third := attendanceRec("att-3", "m-lee", "Lee")
	record(t, s, third, engine.Contribution{Sessions: 2})

	bulk := engine.PerformanceRecord{ID: "b-1", Kind: engine.KindBulk, Date: "2025-07-01", SubProgram: "Korean Class",
		RegisteredCount: 8, ActualCount: 6}
	bulk.Fingerprint = engine.AggregateFingerprint(bulk)
	require.NoError(t, mem.InsertPerformance(ctx, bulk))

	out, err := engine.NewQuery(mem).Summary(ctx, engine.Filter{})
	require.NoError(t, err)
	require.Len(t, out, 2)

	korean, zumba := out[0], out[1]
	assert.Equal(t, "Korean Class", korean.SubProgram)
	assert.Equal(t, 1, korean.Submissions)
	assert.True(t, decimal.RequireFromString("0.75").Equal(korean.TurnoutRate))
	assert.True(t, korean.AttendanceRate.IsZero())

	assert.Equal(t, "Zumba", zumba.SubProgram)
	assert.Equal(t, 3, zumba.Members)
	assert.Equal(t, 3, zumba.Events)
	assert.Equal(t, 2, zumba.Attended)
	assert.Equal(t, 4, zumba.Sessions)
	assert.Equal(t, 1, zumba.Cases)
	assert.True(t, decimal.RequireFromString("0.6667").Equal(zumba.AttendanceRate), zumba.AttendanceRate.String())
	assert.Equal(t, "Fitness", zumba.Classification.Unit)
}

func TestQuery_PerformanceByKind(t *testing.T) {
	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{})
	bulk := engine.PerformanceRecord{ID: "b-1", Kind: engine.KindBulk, Date: "2025-07-01", SubProgram: "Zumba"}
	bulk.Fingerprint = engine.AggregateFingerprint(bulk)
	require.NoError(t, mem.InsertPerformance(ctx, bulk))

	q := engine.NewQuery(mem)
	all, _ := q.Performance(ctx, engine.Filter{})
	ind, _ := q.Performance(ctx, engine.Filter{Kind: engine.KindIndividual})
	agg, _ := q.Performance(ctx, engine.Filter{Kind: engine.KindBulk, Unit: ""})
	byUnit, _ := q.Attendance(ctx, engine.Filter{Unit: "Fitness"})
	none, _ := q.Attendance(ctx, engine.Filter{Team: "Other"})

	assert.Len(t, all, 2)
	assert.Len(t, ind, 1)
	assert.Len(t, agg, 1)
	assert.Len(t, byUnit, 1)
	assert.Empty(t, none)
}
