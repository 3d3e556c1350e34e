/*
Package attendance implements the attendance write path: identity
resolution, duplicate classification and the writer that ties them to the
ledger synchronizer.

PURPOSE:
  Upload rows identify people by display name (+ optional gender) within a
  sub-program. Names are not unique, so a row may resolve to several
  members. The writer then expands the row into one record per candidate
  rather than silently dropping anyone's attendance.

FLOW:
  Row -> NormalizeDate -> Resolver -> Classifier -> insert -> Synchronizer

SEE ALSO:
  - engine/ledger.go: Synchronizer.MirrorAttendance
  - classifier.go: duplicate tiers
*/
package attendance

import (
	"context"
	"strings"

	"github.com/warp/attendance-ledger/engine"
)

// =============================================================================
// IDENTITY RESOLVER
// =============================================================================

// Resolver maps (name, gender, sub-program) to enrolled members.
type Resolver struct {
	Roster engine.Roster
}

var _ engine.IdentityResolver = (*Resolver)(nil)

func NewResolver(roster engine.Roster) *Resolver {
	return &Resolver{Roster: roster}
}

// Resolve returns every matching member ID. One, many, or an
// UnresolvableIdentityError when nobody matches.
func (r *Resolver) Resolve(ctx context.Context, name, gender, subProgram string) ([]engine.MemberID, error) {
	members, err := r.Candidates(ctx, name, gender, subProgram)
	if err != nil {
		return nil, err
	}
	ids := make([]engine.MemberID, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids, nil
}

// Candidates is Resolve returning the full member records.
//
// Members enrolled in the sub-program are matched on name and gender first;
// when that yields nobody the gender is ignored.
func (r *Resolver) Candidates(ctx context.Context, name, gender, subProgram string) ([]engine.Member, error) {
	name = strings.TrimSpace(name)
	subProgram = strings.TrimSpace(subProgram)
	if name == "" {
		return nil, engine.NewValidationError("member_name", "required")
	}
	if subProgram == "" {
		return nil, engine.NewValidationError("sub_program", "required")
	}

	enrolled, err := r.Roster.MembersInSubProgram(ctx, subProgram)
	if err != nil {
		return nil, engine.Downstream("load roster", err)
	}

	var byName, byNameGender []engine.Member
	g := CanonicalGender(gender)
	for _, m := range enrolled {
		if !SameName(m.Name, name) {
			continue
		}
		byName = append(byName, m)
		if g != "" && CanonicalGender(m.Gender) == g {
			byNameGender = append(byNameGender, m)
		}
	}

	switch {
	case len(byNameGender) > 0:
		return byNameGender, nil
	case len(byName) > 0:
		return byName, nil
	}
	return nil, &engine.UnresolvableIdentityError{Name: name, Gender: gender, SubProgram: subProgram}
}

// SameName compares display names ignoring surrounding whitespace.
func SameName(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// CanonicalGender folds the spellings seen in uploads to "F" or "M".
// Unknown values are returned trimmed and upper-cased.
func CanonicalGender(g string) string {
	switch strings.ToLower(strings.TrimSpace(g)) {
	case "":
		return ""
	case "f", "female", "w", "woman", "여", "여자", "여성":
		return "F"
	case "m", "male", "man", "남", "남자", "남성":
		return "M"
	}
	return strings.ToUpper(strings.TrimSpace(g))
}
