package attendance

import (
	"context"

	"github.com/warp/attendance-ledger/engine"
)

// =============================================================================
// DUPLICATE CLASSIFIER
// =============================================================================

// Verdict is the classifier's answer for one candidate.
type Verdict struct {
	Duplicate  bool
	Tier       engine.DuplicateTier
	ExistingID engine.RecordID
}

// Err turns a duplicate verdict into a DuplicateRecordError. Nil otherwise.
func (v Verdict) Err(key engine.Key) error {
	if !v.Duplicate {
		return nil
	}
	return &engine.DuplicateRecordError{Tier: v.Tier, Key: key, ExistingID: v.ExistingID}
}

// Classify decides whether cand already exists. Tiers run in order and the
// first match wins:
//
//  1. exact key: (date, sub-program, memberId)
//  2. broad attributes: (date, sub-program, name, gender) plus birth date
//     and phone, each only when present on the candidate
//  3. minimal attributes: (date, sub-program, name, gender)
//
// Tier 3 ignores memberId, so a second same-named, same-gender member is
// rejected when anyone with that name and gender already has a record that
// day. Records in exclude (siblings expanded from the same input row) are
// not considered.
func Classify(ctx context.Context, st engine.Store, cand engine.AttendanceRecord, exclude map[engine.RecordID]bool) (Verdict, error) {
	existing, err := st.QueryAttendance(ctx, engine.Filter{Date: cand.Date, SubProgram: cand.SubProgram})
	if err != nil {
		return Verdict{}, engine.Downstream("query attendance", err)
	}

	pool := existing[:0]
	for _, e := range existing {
		if exclude[e.ID] || e.Date != cand.Date || e.SubProgram != cand.SubProgram {
			continue
		}
		pool = append(pool, e)
	}

	if cand.MemberID != "" {
		for _, e := range pool {
			if e.MemberID == cand.MemberID {
				return Verdict{Duplicate: true, Tier: engine.TierExactKey, ExistingID: e.ID}, nil
			}
		}
	}

	for _, e := range pool {
		if !sameAttributes(e, cand) {
			continue
		}
		if cand.BirthDate != "" && e.BirthDate != cand.BirthDate {
			continue
		}
		if cand.Phone != "" && NormalizePhone(e.Phone) != NormalizePhone(cand.Phone) {
			continue
		}
		return Verdict{Duplicate: true, Tier: engine.TierBroadAttributes, ExistingID: e.ID}, nil
	}

	for _, e := range pool {
		if sameAttributes(e, cand) {
			return Verdict{Duplicate: true, Tier: engine.TierMinimalAttributes, ExistingID: e.ID}, nil
		}
	}

	return Verdict{}, nil
}

func sameAttributes(a, b engine.AttendanceRecord) bool {
	return SameName(a.MemberName, b.MemberName) && CanonicalGender(a.Gender) == CanonicalGender(b.Gender)
}

// NormalizePhone keeps digits only, so "010-1234-5678" equals "01012345678".
func NormalizePhone(p string) string {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] >= '0' && p[i] <= '9' {
			out = append(out, p[i])
		}
	}
	return string(out)
}
