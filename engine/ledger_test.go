package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-ledger/engine"
	"github.com/warp/attendance-ledger/engine/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// stubResolver answers Candidates from a fixed "name/sub" table.
type stubResolver map[string][]engine.Member

func (r stubResolver) Candidates(_ context.Context, name, _, sub string) ([]engine.Member, error) {
	members, ok := r[name+"/"+sub]
	if !ok {
		return nil, &engine.UnresolvableIdentityError{Name: name, SubProgram: sub}
	}
	return members, nil
}

func newTestSync(t *testing.T, resolver engine.IdentityResolver) (*engine.Synchronizer, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	log, _ := test.NewNullLogger()
	s := engine.NewSynchronizer(mem, resolver, log)
	s.Now = func() time.Time { return time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC) }
	return s, mem
}

func attendanceRec(id engine.RecordID, member engine.MemberID, name string) engine.AttendanceRecord {
	return engine.AttendanceRecord{
		ID:             id,
		Date:           "2025-07-01",
		SubProgram:     "Zumba",
		Classification: engine.Classification{Function: "Community", Team: "Wellness", Unit: "Fitness"},
		MemberID:       member,
		MemberName:     name,
		Gender:         "F",
		Attended:       true,
		Fee:            engine.FeePaid,
		SessionCount:   1,
	}
}

// record inserts rec and its mirror the way the attendance writer does.
func record(t *testing.T, s *engine.Synchronizer, rec engine.AttendanceRecord, c engine.Contribution) engine.PerformanceRecord {
	t.Helper()
	var perf engine.PerformanceRecord
	err := s.Store.WithTx(context.Background(), func(st engine.Store) error {
		if err := st.InsertAttendance(context.Background(), rec); err != nil {
			return err
		}
		var err error
		perf, err = s.MirrorAttendance(context.Background(), st, rec, c)
		return err
	})
	require.NoError(t, err)
	return perf
}

func strPtr(s string) *string { return &s }

// =============================================================================
// MIRROR ON CREATE
// =============================================================================

func TestMirrorAttendance_CreatesIndividualRecord(t *testing.T) {
	s, mem := newTestSync(t, nil)
	ctx := context.Background()

	perf := record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{Cases: 2})

	assert.Equal(t, engine.KindIndividual, perf.Kind)
	assert.Equal(t, 1, perf.SessionCount)
	assert.Equal(t, 2, perf.CaseCount)

	got, err := mem.FindIndividual(ctx, engine.Key{Date: "2025-07-01", SubProgram: "Zumba", MemberID: "m-kim"})
	require.NoError(t, err)
	assert.Equal(t, perf.ID, got.ID)
	assert.Equal(t, "Fitness", got.Unit)
	assert.Equal(t, engine.FeePaid, got.Fee)
}

func TestMirrorAttendance_ExistingMirror_Accumulates(t *testing.T) {
	// GIVEN: A mirror for the key already holding 2 sessions, 1 case
	// WHEN: A new attendance event for the same key contributes 3 sessions, 4 cases
	// THEN: The mirror holds 5 sessions, 5 cases (added, not overwritten)

	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	require.NoError(t, mem.InsertPerformance(ctx, engine.PerformanceRecord{
		ID: "perf-1", Kind: engine.KindIndividual, Date: "2025-07-01", SubProgram: "Zumba",
		MemberID: "m-kim", SessionCount: 2, CaseCount: 1,
	}))

	perf := record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{Sessions: 3, Cases: 4})

	assert.Equal(t, engine.RecordID("perf-1"), perf.ID)
	assert.Equal(t, 5, perf.SessionCount)
	assert.Equal(t, 5, perf.CaseCount)

	all, _ := mem.QueryPerformance(ctx, engine.Filter{})
	assert.Len(t, all, 1)
}

func TestMergeContribution(t *testing.T) {
	visits, actual := 4, 2
	rec := engine.PerformanceRecord{SessionCount: 1, CaseCount: 1}

	rec = engine.MergeContribution(rec, engine.Contribution{})
	assert.Equal(t, 2, rec.SessionCount, "zero sessions counts as one")

	rec = engine.MergeContribution(rec, engine.Contribution{Sessions: 2, Cases: 5, Visits: &visits, Actual: &actual})
	assert.Equal(t, 4, rec.SessionCount)
	assert.Equal(t, 1, rec.CaseCount, "cases not derived when visits/actual supplied")
	assert.Equal(t, 4, rec.VisitCount)
	assert.Equal(t, 2, rec.ActualCount)
}

// =============================================================================
// ACCUMULATE
// =============================================================================

func TestAccumulate_UpdatesBothSides(t *testing.T) {
	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	rec := attendanceRec("att-1", "m-kim", "Kim")
	record(t, s, rec, engine.Contribution{})

	perf, err := s.Accumulate(ctx, rec.Key(), engine.Contribution{Sessions: 2, Cases: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, perf.SessionCount)

	atts, _ := mem.QueryAttendance(ctx, engine.Filter{})
	require.Len(t, atts, 1)
	assert.Equal(t, 3, atts[0].SessionCount)
	assert.Equal(t, 1, atts[0].CaseCount)
}

func TestAccumulate_NoAttendance_MirrorMissing(t *testing.T) {
	s, _ := newTestSync(t, nil)

	_, err := s.Accumulate(context.Background(), engine.Key{Date: "2025-07-01", SubProgram: "Zumba", MemberID: "m-x"}, engine.Contribution{})

	assert.ErrorIs(t, err, engine.ErrMirrorMissing)
}

// =============================================================================
// DELETE (performance-authoritative)
// =============================================================================

func TestDeletePerformance_CascadesToAttendance(t *testing.T) {
	// GIVEN: A mirrored pair for Kim
	// WHEN: Deleting the performance record
	// THEN: The attendance record is gone too; no orphan remains

	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	perf := record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{})
	record(t, s, attendanceRec("att-2", "m-park", "Park"), engine.Contribution{})

	removed, err := s.DeletePerformance(ctx, perf.ID)

	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	atts, _ := mem.QueryAttendance(ctx, engine.Filter{})
	require.Len(t, atts, 1)
	assert.Equal(t, engine.MemberID("m-park"), atts[0].MemberID)

	report, err := s.Audit(ctx, engine.Filter{}, false)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

func TestDeletePerformance_Bulk_NoCascade(t *testing.T) {
	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{})
	bulk := engine.PerformanceRecord{ID: "bulk-1", Kind: engine.KindBulk, Date: "2025-07-01", SubProgram: "Zumba", ActualCount: 9}
	bulk.Fingerprint = engine.AggregateFingerprint(bulk)
	require.NoError(t, mem.InsertPerformance(ctx, bulk))

	removed, err := s.DeletePerformance(ctx, "bulk-1")

	require.NoError(t, err)
	assert.Zero(t, removed)
	atts, _ := mem.QueryAttendance(ctx, engine.Filter{})
	assert.Len(t, atts, 1)
}

func TestDeletePerformance_Unknown(t *testing.T) {
	s, _ := newTestSync(t, nil)

	_, err := s.DeletePerformance(context.Background(), "nope")

	assert.True(t, engine.IsNotFound(err))
}

// =============================================================================
// UPDATE
// =============================================================================

func TestUpdatePerformance_PropagatesFields(t *testing.T) {
	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	perf := record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{})

	absent := false
	sessions := 4
	updated, err := s.UpdatePerformance(ctx, perf.ID, engine.PerformancePatch{
		Attended:     &absent,
		Note:         strPtr("left early"),
		SessionCount: &sessions,
	})
	require.NoError(t, err)
	assert.Equal(t, "left early", updated.Note)

	atts, _ := mem.QueryAttendance(ctx, engine.Filter{})
	require.Len(t, atts, 1)
	assert.False(t, atts[0].Attended)
	assert.Equal(t, "left early", atts[0].Note)
	assert.Equal(t, 4, atts[0].SessionCount)
}

func TestUpdatePerformance_DateChange_MovesMirrorKey(t *testing.T) {
	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	perf := record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{})

	newDate := engine.CalendarDate("2025-07-02")
	_, err := s.UpdatePerformance(ctx, perf.ID, engine.PerformancePatch{Date: &newDate})
	require.NoError(t, err)

	old, _ := mem.QueryAttendance(ctx, engine.Filter{Date: "2025-07-01"})
	moved, _ := mem.QueryAttendance(ctx, engine.Filter{Date: "2025-07-02"})
	assert.Empty(t, old)
	require.Len(t, moved, 1)
	assert.Equal(t, engine.RecordID("att-1"), moved[0].ID)
}

func TestUpdatePerformance_NameChange_ReResolvesIdentity(t *testing.T) {
	// GIVEN: Kim's mirrored pair; the roster knows one "Kim Minji" in Zumba
	// WHEN: Renaming the performance record to "Kim Minji"
	// THEN: Both sides move to that member's ID

	resolver := stubResolver{"Kim Minji/Zumba": {{ID: "m-minji", Name: "Kim Minji", Fee: engine.FeePaid}}}
	s, mem := newTestSync(t, resolver)
	ctx := context.Background()
	perf := record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{})

	updated, err := s.UpdatePerformance(ctx, perf.ID, engine.PerformancePatch{MemberName: strPtr("Kim Minji")})

	require.NoError(t, err)
	assert.Equal(t, engine.MemberID("m-minji"), updated.MemberID)
	atts, _ := mem.QueryAttendance(ctx, engine.Filter{})
	require.Len(t, atts, 1)
	assert.Equal(t, engine.MemberID("m-minji"), atts[0].MemberID)
	assert.Equal(t, "Kim Minji", atts[0].MemberName)
}

func TestUpdatePerformance_ReResolve_CopiesNewMemberFields(t *testing.T) {
	// GIVEN: Kim (paid, with a phone) recorded; "Kim Minji" is a free member
	// WHEN: Renaming the performance record to "Kim Minji"
	// THEN: Fee, birth date and phone come from the new member on both sides

	resolver := stubResolver{"Kim Minji/Zumba": {{
		ID: "m-minji", Name: "Kim Minji", Fee: engine.FeeFree,
		BirthDate: "1999-03-14", Phone: "010-5555-0000",
	}}}
	s, mem := newTestSync(t, resolver)
	ctx := context.Background()
	kim := attendanceRec("att-1", "m-kim", "Kim")
	kim.Phone = "010-1111-2222"
	kim.BirthDate = "1980-01-01"
	perf := record(t, s, kim, engine.Contribution{})

	updated, err := s.UpdatePerformance(ctx, perf.ID, engine.PerformancePatch{MemberName: strPtr("Kim Minji")})

	require.NoError(t, err)
	assert.Equal(t, engine.MemberID("m-minji"), updated.MemberID)
	assert.Equal(t, engine.FeeFree, updated.Fee)

	atts, _ := mem.QueryAttendance(ctx, engine.Filter{})
	require.Len(t, atts, 1)
	assert.Equal(t, engine.MemberID("m-minji"), atts[0].MemberID)
	assert.Equal(t, engine.FeeFree, atts[0].Fee)
	assert.Equal(t, engine.CalendarDate("1999-03-14"), atts[0].BirthDate)
	assert.Equal(t, "010-5555-0000", atts[0].Phone)
}

func TestUpdatePerformance_ReResolve_ExplicitFeeWins(t *testing.T) {
	resolver := stubResolver{"Kim Minji/Zumba": {{ID: "m-minji", Name: "Kim Minji", Fee: engine.FeeFree}}}
	s, mem := newTestSync(t, resolver)
	ctx := context.Background()
	perf := record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{})

	paid := engine.FeePaid
	updated, err := s.UpdatePerformance(ctx, perf.ID, engine.PerformancePatch{MemberName: strPtr("Kim Minji"), Fee: &paid})

	require.NoError(t, err)
	assert.Equal(t, engine.FeePaid, updated.Fee)
	atts, _ := mem.QueryAttendance(ctx, engine.Filter{})
	require.Len(t, atts, 1)
	assert.Equal(t, engine.FeePaid, atts[0].Fee)
}

func TestUpdatePerformance_AmbiguousRename_Rejected(t *testing.T) {
	resolver := stubResolver{"Lee/Zumba": {{ID: "m-lee-1", Name: "Lee"}, {ID: "m-lee-2", Name: "Lee"}}}
	s, mem := newTestSync(t, resolver)
	ctx := context.Background()
	perf := record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{})

	_, err := s.UpdatePerformance(ctx, perf.ID, engine.PerformancePatch{MemberName: strPtr("Lee")})

	assert.ErrorIs(t, err, engine.ErrAmbiguousIdentity)
	got, _ := mem.GetPerformance(ctx, perf.ID)
	assert.Equal(t, "Kim", got.MemberName, "nothing written")
}

func TestUpdatePerformance_KeyCollision_RolledBack(t *testing.T) {
	// GIVEN: Kim recorded on 07-01 and 07-02
	// WHEN: Moving the 07-02 record to 07-01
	// THEN: Tier-1 duplicate, both records unchanged

	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{})
	second := attendanceRec("att-2", "m-kim", "Kim")
	second.Date = "2025-07-02"
	perf := record(t, s, second, engine.Contribution{})

	target := engine.CalendarDate("2025-07-01")
	_, err := s.UpdatePerformance(ctx, perf.ID, engine.PerformancePatch{Date: &target, Note: strPtr("moved")})

	tier, ok := engine.TierOf(err)
	require.True(t, ok, "expected duplicate, got %v", err)
	assert.Equal(t, engine.TierExactKey, tier)
	got, _ := mem.GetPerformance(ctx, perf.ID)
	assert.Equal(t, engine.CalendarDate("2025-07-02"), got.Date)
	assert.Empty(t, got.Note)
}

func TestUpdatePerformance_MissingAttendance_Recreated(t *testing.T) {
	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	require.NoError(t, mem.InsertPerformance(ctx, engine.PerformanceRecord{
		ID: "perf-1", Kind: engine.KindIndividual, Date: "2025-07-01", SubProgram: "Zumba", MemberID: "m-kim", MemberName: "Kim",
	}))

	_, err := s.UpdatePerformance(ctx, "perf-1", engine.PerformancePatch{Note: strPtr("fixed")})
	require.NoError(t, err)

	atts, _ := mem.QueryAttendance(ctx, engine.Filter{})
	require.Len(t, atts, 1)
	assert.Equal(t, "fixed", atts[0].Note)
}

func TestUpdatePerformance_BulkFingerprintCollision(t *testing.T) {
	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	for _, r := range []engine.PerformanceRecord{
		{ID: "b-1", Kind: engine.KindBulk, Date: "2025-07-01", SubProgram: "Korean Class", ActualCount: 10},
		{ID: "b-2", Kind: engine.KindBulk, Date: "2025-07-01", SubProgram: "Korean Class", ActualCount: 10, Remark: "morning"},
	} {
		r.Fingerprint = engine.AggregateFingerprint(r)
		require.NoError(t, mem.InsertPerformance(ctx, r))
	}

	_, err := s.UpdatePerformance(ctx, "b-2", engine.PerformancePatch{Remark: strPtr("")})

	tier, ok := engine.TierOf(err)
	require.True(t, ok)
	assert.Equal(t, engine.TierAggregateRow, tier)
}

func TestUpdatePerformance_EmptyDate_Validation(t *testing.T) {
	s, _ := newTestSync(t, nil)
	empty := engine.CalendarDate("")

	_, err := s.UpdatePerformance(context.Background(), "any", engine.PerformancePatch{Date: &empty})

	assert.ErrorIs(t, err, engine.ErrValidation)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAudit_DetectsAndRepairsDrift(t *testing.T) {
	// GIVEN: One healthy pair, one orphaned attendance, one mirror without attendance
	// WHEN: Auditing with repair
	// THEN: Orphan deleted, missing attendance recreated, collections consistent

	s, mem := newTestSync(t, nil)
	ctx := context.Background()
	record(t, s, attendanceRec("att-1", "m-kim", "Kim"), engine.Contribution{})
	require.NoError(t, mem.InsertAttendance(ctx, attendanceRec("att-orphan", "m-ghost", "Ghost")))
	require.NoError(t, mem.InsertPerformance(ctx, engine.PerformanceRecord{
		ID: "perf-lonely", Kind: engine.KindIndividual, Date: "2025-07-01", SubProgram: "Zumba",
		MemberID: "m-park", MemberName: "Park", SessionCount: 2,
	}))

	report, err := s.Audit(ctx, engine.Filter{}, false)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Len(t, report.OrphanAttendance, 1)
	assert.Len(t, report.MissingAttendance, 1)
	assert.Zero(t, report.Repaired)

	report, err = s.Audit(ctx, engine.Filter{}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Repaired)

	after, err := s.Audit(ctx, engine.Filter{}, false)
	require.NoError(t, err)
	assert.True(t, after.Consistent())

	atts, _ := mem.QueryAttendance(ctx, engine.Filter{MemberID: "m-park"})
	require.Len(t, atts, 1)
	assert.Equal(t, 2, atts[0].SessionCount)
}
