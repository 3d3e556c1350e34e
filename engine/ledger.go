/*
ledger.go - Mirror synchronization between attendance and performance

PURPOSE:
  Every individual attendance event has exactly one mirrored individual
  performance record with the same Key, and vice versa. The Synchronizer is
  the only code that writes both collections; nothing else is allowed to
  create, update or delete one side without the other.

CRITICAL INVARIANTS:
  1. MIRROR: for every Key, #attendance == #individual performance (0 or 1)
  2. ACCUMULATE: a new contribution for an existing Key adds to
     sessionCount/caseCount, it never overwrites them
  3. PERFORMANCE-AUTHORITATIVE DELETES: deleting an individual performance
     record deletes every attendance record with its Key; attendance is
     never deleted on its own

ATOMICITY:
  Each operation is a read-modify-write over both collections. All of them
  run inside TxStore.WithTx so the existence check, the merge and the write
  commit together. Stores additionally enforce Key uniqueness, so two
  concurrent writers can never both insert a mirror.

  Roster lookups (identity re-resolution) happen BEFORE the transaction.
  The transaction re-reads the record and returns ErrConcurrentModification
  if the identity inputs moved in the meantime.

OPERATIONS:
  MirrorAttendance:  called by the attendance writer inside its transaction
  Accumulate:        add sessions/cases to an existing mirror
  UpdatePerformance: patch a record, propagate to its attendance mirror
  DeletePerformance: delete a record, cascade to its attendance mirror
  Audit:             find (and optionally repair) broken mirrors

SEE ALSO:
  - attendance/writer.go: creates attendance and calls MirrorAttendance
  - store.go: TxStore and the uniqueness contract
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/warp/attendance-ledger/metrics"
)

// IdentityResolver maps a display name within a sub-program to the matching
// members. Implemented by attendance.Resolver.
type IdentityResolver interface {
	Candidates(ctx context.Context, name, gender, subProgram string) ([]Member, error)
}

// NewRecordID returns a fresh random record identifier.
func NewRecordID() RecordID { return RecordID(uuid.NewString()) }

// =============================================================================
// SYNCHRONIZER
// =============================================================================

type Synchronizer struct {
	Store    TxStore
	Resolver IdentityResolver // nil: identity changes keep the current member
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func NewSynchronizer(store TxStore, resolver IdentityResolver, log logrus.FieldLogger) *Synchronizer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Synchronizer{
		Store:    store,
		Resolver: resolver,
		Log:      log,
		Now:      time.Now,
	}
}

func (s *Synchronizer) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// =============================================================================
// CREATE - mirror a freshly inserted attendance record
// =============================================================================

// MirrorAttendance creates or accumulates the individual performance record
// for rec. It must run inside the caller's transaction (st is the tx view).
func (s *Synchronizer) MirrorAttendance(ctx context.Context, st Store, rec AttendanceRecord, c Contribution) (PerformanceRecord, error) {
	perf, err := s.mirrorAttendance(ctx, st, rec, c)
	metrics.RecordSync("mirror", err)
	return perf, err
}

func (s *Synchronizer) mirrorAttendance(ctx context.Context, st Store, rec AttendanceRecord, c Contribution) (PerformanceRecord, error) {
	key := rec.Key()

	existing, err := st.FindIndividual(ctx, key)
	switch {
	case err == nil:
		return s.accumulateInto(ctx, st, existing, c)
	case !errors.Is(err, ErrRecordNotFound):
		return PerformanceRecord{}, Downstream("find mirror", err)
	}

	perf := MergeContribution(s.performanceFrom(rec), c)
	err = st.InsertPerformance(ctx, perf)
	if errors.Is(err, ErrDuplicateKey) {
		// Lost an insert race on a backend without transactions; the other
		// writer's record is authoritative, add to it.
		existing, ferr := st.FindIndividual(ctx, key)
		if ferr != nil {
			return PerformanceRecord{}, Downstream("find mirror", ferr)
		}
		return s.accumulateInto(ctx, st, existing, c)
	}
	if err != nil {
		return PerformanceRecord{}, Downstream("insert mirror", err)
	}

	s.Log.WithFields(logrus.Fields{
		"key":       key.String(),
		"record_id": perf.ID,
	}).Debug("mirror created")
	return perf, nil
}

func (s *Synchronizer) accumulateInto(ctx context.Context, st Store, existing PerformanceRecord, c Contribution) (PerformanceRecord, error) {
	merged := MergeContribution(existing, c)
	merged.UpdatedAt = s.now()
	if err := st.UpdatePerformance(ctx, merged); err != nil {
		return PerformanceRecord{}, Downstream("accumulate mirror", err)
	}
	s.Log.WithFields(logrus.Fields{
		"key":           existing.Key().String(),
		"session_count": merged.SessionCount,
		"case_count":    merged.CaseCount,
	}).Debug("mirror accumulated")
	return merged, nil
}

// =============================================================================
// ACCUMULATE - extra sessions for an existing key
// =============================================================================

// Accumulate adds c to the mirror of key and copies the resulting counters
// onto the attendance record. Returns ErrMirrorMissing if no attendance
// record exists for key.
func (s *Synchronizer) Accumulate(ctx context.Context, key Key, c Contribution) (PerformanceRecord, error) {
	var out PerformanceRecord
	err := s.Store.WithTx(ctx, func(st Store) error {
		atts, err := attendanceForKey(ctx, st, key)
		if err != nil {
			return err
		}
		if len(atts) == 0 {
			return fmt.Errorf("%w: no attendance for %s", ErrMirrorMissing, key)
		}

		perf, err := st.FindIndividual(ctx, key)
		switch {
		case errors.Is(err, ErrRecordNotFound):
			// Heal: mirror from the attendance counters before adding.
			perf = s.performanceFrom(atts[0])
			perf.SessionCount = atts[0].SessionCount
			perf.CaseCount = atts[0].CaseCount
			if err := st.InsertPerformance(ctx, perf); err != nil {
				return Downstream("insert mirror", err)
			}
		case err != nil:
			return Downstream("find mirror", err)
		}

		out, err = s.accumulateInto(ctx, st, perf, c)
		if err != nil {
			return err
		}
		for _, a := range atts {
			a.SessionCount = out.SessionCount
			a.CaseCount = out.CaseCount
			if err := st.UpdateAttendance(ctx, a); err != nil {
				return Downstream("update attendance", err)
			}
		}
		return nil
	})
	metrics.RecordSync("accumulate", err)
	return out, err
}

// =============================================================================
// UPDATE - patch a performance record, propagate to attendance
// =============================================================================

// PerformancePatch is a partial field set. Nil fields are left unchanged.
type PerformancePatch struct {
	Date       *CalendarDate
	SubProgram *string
	MemberName *string
	Gender     *string
	Function   *string
	Team       *string
	Unit       *string
	Attended   *bool
	Note       *string
	Fee        *FeeCategory

	SessionCount    *int
	CaseCount       *int
	RegisteredCount *int
	ActualCount     *int
	VisitCount      *int
	Remark          *string
}

// Apply returns rec with the patch applied.
func (p PerformancePatch) Apply(rec PerformanceRecord) PerformanceRecord {
	setStr := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	if p.Date != nil {
		rec.Date = *p.Date
	}
	setStr(&rec.SubProgram, p.SubProgram)
	setStr(&rec.MemberName, p.MemberName)
	setStr(&rec.Gender, p.Gender)
	setStr(&rec.Function, p.Function)
	setStr(&rec.Team, p.Team)
	setStr(&rec.Unit, p.Unit)
	setStr(&rec.Note, p.Note)
	setStr(&rec.Remark, p.Remark)
	if p.Attended != nil {
		rec.Attended = *p.Attended
	}
	if p.Fee != nil {
		rec.Fee = *p.Fee
	}
	setInt(&rec.SessionCount, p.SessionCount)
	setInt(&rec.CaseCount, p.CaseCount)
	setInt(&rec.RegisteredCount, p.RegisteredCount)
	setInt(&rec.ActualCount, p.ActualCount)
	setInt(&rec.VisitCount, p.VisitCount)
	return rec
}

// UpdatePerformance applies patch to the record with id. For individual
// records the identity is re-resolved when the name or sub-program changed,
// and the full updated field set is propagated to every attendance record
// sharing the old Key.
func (s *Synchronizer) UpdatePerformance(ctx context.Context, id RecordID, patch PerformancePatch) (PerformanceRecord, error) {
	out, err := s.updatePerformance(ctx, id, patch)
	metrics.RecordSync("update", err)
	return out, err
}

func (s *Synchronizer) updatePerformance(ctx context.Context, id RecordID, patch PerformancePatch) (PerformanceRecord, error) {
	if patch.Date != nil && *patch.Date == "" {
		return PerformanceRecord{}, NewValidationError("date", "date")
	}
	if patch.SubProgram != nil && *patch.SubProgram == "" {
		return PerformanceRecord{}, NewValidationError("sub_program", "required")
	}

	// Identity resolution reads the roster, so it happens outside the tx.
	before, err := s.Store.GetPerformance(ctx, id)
	if err != nil {
		return PerformanceRecord{}, err
	}
	planned := patch.Apply(before)
	var resolved *Member
	if before.IsIndividual() && identityChanged(before, planned) {
		resolved, err = s.reresolve(ctx, planned, before.MemberID)
		if err != nil {
			return PerformanceRecord{}, err
		}
	}

	var out PerformanceRecord
	err = s.Store.WithTx(ctx, func(st Store) error {
		current, err := st.GetPerformance(ctx, id)
		if err != nil {
			return err
		}
		updated := patch.Apply(current)
		if current.IsIndividual() && identityInputs(updated) != identityInputs(planned) {
			return ErrConcurrentModification
		}
		updated.UpdatedAt = s.now()

		if !current.IsIndividual() {
			updated.Fingerprint = AggregateFingerprint(updated)
			if err := st.UpdatePerformance(ctx, updated); err != nil {
				if errors.Is(err, ErrDuplicateKey) {
					return &DuplicateRecordError{Tier: TierAggregateRow, Key: updated.Key()}
				}
				return Downstream("update performance", err)
			}
			out = updated
			return nil
		}

		if resolved != nil {
			updated.MemberID = resolved.ID
			if patch.Fee == nil {
				updated.Fee = resolved.Fee
			}
		}
		oldKey, newKey := current.Key(), updated.Key()
		if newKey != oldKey {
			other, err := st.FindIndividual(ctx, newKey)
			if err == nil && other.ID != current.ID {
				return &DuplicateRecordError{Tier: TierExactKey, Key: newKey, ExistingID: other.ID}
			}
			if err != nil && !errors.Is(err, ErrRecordNotFound) {
				return Downstream("find mirror", err)
			}
		}
		if err := st.UpdatePerformance(ctx, updated); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return &DuplicateRecordError{Tier: TierExactKey, Key: newKey}
			}
			return Downstream("update performance", err)
		}

		atts, err := attendanceForKey(ctx, st, oldKey)
		if err != nil {
			return err
		}
		if len(atts) == 0 {
			s.Log.WithField("key", oldKey.String()).Warn("mirror missing on update, recreating attendance")
			if err := st.InsertAttendance(ctx, withMember(s.attendanceFrom(updated), resolved)); err != nil {
				return Downstream("insert attendance", err)
			}
		}
		for _, a := range atts {
			if err := st.UpdateAttendance(ctx, withMember(propagate(a, updated), resolved)); err != nil {
				if errors.Is(err, ErrDuplicateKey) {
					return &DuplicateRecordError{Tier: TierExactKey, Key: newKey}
				}
				return Downstream("update attendance", err)
			}
		}
		out = updated
		return nil
	})
	if err != nil {
		return PerformanceRecord{}, err
	}
	return out, nil
}

func identityChanged(before, after PerformanceRecord) bool {
	return before.MemberName != after.MemberName || before.SubProgram != after.SubProgram
}

func identityInputs(r PerformanceRecord) string {
	return r.MemberName + "\x1f" + r.Gender + "\x1f" + r.SubProgram
}

// reresolve returns the member the record now belongs to, or nil when the
// current member still matches.
func (s *Synchronizer) reresolve(ctx context.Context, rec PerformanceRecord, current MemberID) (*Member, error) {
	if s.Resolver == nil {
		return nil, nil
	}
	members, err := s.Resolver.Candidates(ctx, rec.MemberName, rec.Gender, rec.SubProgram)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.ID == current {
			return nil, nil
		}
	}
	if len(members) == 1 {
		return &members[0], nil
	}
	return nil, fmt.Errorf("%w: %d members named %q in %q", ErrAmbiguousIdentity, len(members), rec.MemberName, rec.SubProgram)
}

// withMember loads the member-only fields the performance side does not
// carry. Fee already came through the performance record.
func withMember(a AttendanceRecord, m *Member) AttendanceRecord {
	if m == nil {
		return a
	}
	a.MemberID = m.ID
	a.BirthDate = m.BirthDate
	a.Phone = m.Phone
	return a
}

// propagate copies the mirrored field set from perf onto an attendance record.
func propagate(a AttendanceRecord, perf PerformanceRecord) AttendanceRecord {
	a.Date = perf.Date
	a.SubProgram = perf.SubProgram
	a.Classification = perf.Classification
	if a.MemberID != perf.MemberID {
		// Different person: birth date/phone belonged to the old member.
		a.BirthDate = ""
		a.Phone = ""
	}
	a.MemberID = perf.MemberID
	a.MemberName = perf.MemberName
	a.Gender = perf.Gender
	a.Attended = perf.Attended
	a.Note = perf.Note
	a.Fee = perf.Fee
	a.SessionCount = perf.SessionCount
	a.CaseCount = perf.CaseCount
	return a
}

// =============================================================================
// DELETE - performance-authoritative cascade
// =============================================================================

// DeletePerformance removes the record with id. For individual records every
// attendance record sharing its Key goes with it. Returns how many attendance
// records were removed.
func (s *Synchronizer) DeletePerformance(ctx context.Context, id RecordID) (int, error) {
	removed := 0
	err := s.Store.WithTx(ctx, func(st Store) error {
		rec, err := st.GetPerformance(ctx, id)
		if err != nil {
			return err
		}
		if rec.IsIndividual() {
			removed, err = st.DeleteAttendanceByKey(ctx, rec.Key())
			if err != nil {
				return Downstream("delete attendance", err)
			}
		}
		if err := st.DeletePerformance(ctx, id); err != nil {
			return Downstream("delete performance", err)
		}
		return nil
	})
	metrics.RecordSync("delete", err)
	if err != nil {
		return 0, err
	}
	s.Log.WithFields(logrus.Fields{
		"record_id":          id,
		"attendance_removed": removed,
	}).Info("performance record deleted")
	return removed, nil
}

// =============================================================================
// AUDIT - detect and repair broken mirrors
// =============================================================================

// AuditReport lists keys whose mirror is broken.
type AuditReport struct {
	CheckedAttendance  int
	CheckedPerformance int
	OrphanAttendance   []Key // attendance with no individual performance record
	MissingAttendance  []Key // individual performance with no attendance record
	Repaired           int
}

func (r AuditReport) Consistent() bool {
	return len(r.OrphanAttendance) == 0 && len(r.MissingAttendance) == 0
}

// Audit compares both collections under f. With repair set it restores the
// mirror following the delete rule: orphaned attendance is removed (its
// performance record was deleted) and missing attendance is recreated from
// the performance record.
func (s *Synchronizer) Audit(ctx context.Context, f Filter, repair bool) (AuditReport, error) {
	var report AuditReport
	err := s.Store.WithTx(ctx, func(st Store) error {
		report = AuditReport{}
		atts, err := st.QueryAttendance(ctx, f)
		if err != nil {
			return Downstream("query attendance", err)
		}
		pf := f
		pf.Kind = KindIndividual
		perfs, err := st.QueryPerformance(ctx, pf)
		if err != nil {
			return Downstream("query performance", err)
		}
		report.CheckedAttendance = len(atts)
		report.CheckedPerformance = len(perfs)

		perfByKey := make(map[Key]PerformanceRecord, len(perfs))
		for _, p := range perfs {
			perfByKey[p.Key()] = p
		}
		attKeys := make(map[Key]bool, len(atts))
		for _, a := range atts {
			k := a.Key()
			if attKeys[k] {
				continue
			}
			attKeys[k] = true
			if _, ok := perfByKey[k]; !ok {
				report.OrphanAttendance = append(report.OrphanAttendance, k)
			}
		}
		for _, p := range perfs {
			if !attKeys[p.Key()] {
				report.MissingAttendance = append(report.MissingAttendance, p.Key())
			}
		}

		if !repair {
			return nil
		}
		for _, k := range report.OrphanAttendance {
			n, err := st.DeleteAttendanceByKey(ctx, k)
			if err != nil {
				return Downstream("delete orphan attendance", err)
			}
			report.Repaired += n
		}
		for _, k := range report.MissingAttendance {
			if err := st.InsertAttendance(ctx, s.attendanceFrom(perfByKey[k])); err != nil {
				return Downstream("recreate attendance", err)
			}
			report.Repaired++
		}
		return nil
	})
	metrics.RecordSync("audit", err)
	if err != nil {
		return AuditReport{}, err
	}
	metrics.RecordAuditDrift(len(report.OrphanAttendance), len(report.MissingAttendance))
	return report, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// attendanceForKey returns every attendance record with exactly key.
func attendanceForKey(ctx context.Context, st Store, key Key) ([]AttendanceRecord, error) {
	if key.MemberID == "" {
		return nil, NewValidationError("member_id", "required")
	}
	recs, err := st.QueryAttendance(ctx, Filter{Date: key.Date, SubProgram: key.SubProgram, MemberID: key.MemberID})
	if err != nil {
		return nil, Downstream("query attendance", err)
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Key() == key {
			out = append(out, r)
		}
	}
	return out, nil
}

// performanceFrom builds an empty-counter individual mirror for rec.
func (s *Synchronizer) performanceFrom(rec AttendanceRecord) PerformanceRecord {
	now := s.now()
	return PerformanceRecord{
		ID:             NewRecordID(),
		Kind:           KindIndividual,
		Date:           rec.Date,
		SubProgram:     rec.SubProgram,
		Classification: rec.Classification,
		MemberID:       rec.MemberID,
		MemberName:     rec.MemberName,
		Gender:         rec.Gender,
		Fee:            rec.Fee,
		Attended:       rec.Attended,
		Note:           rec.Note,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// attendanceFrom rebuilds an attendance record from its mirror.
func (s *Synchronizer) attendanceFrom(perf PerformanceRecord) AttendanceRecord {
	return AttendanceRecord{
		ID:             NewRecordID(),
		Date:           perf.Date,
		SubProgram:     perf.SubProgram,
		Classification: perf.Classification,
		MemberName:     perf.MemberName,
		Gender:         perf.Gender,
		MemberID:       perf.MemberID,
		Attended:       perf.Attended,
		Note:           perf.Note,
		Fee:            perf.Fee,
		SessionCount:   perf.SessionCount,
		CaseCount:      perf.CaseCount,
		CreatedAt:      s.now(),
	}
}
