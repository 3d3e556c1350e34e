/*
Package engine provides the attendance/performance synchronization core.

PURPOSE:
  This package contains the record types, store contracts and the
  synchronization logic that keeps two denormalized collections consistent:
  individual attendance events and performance records. Everything that
  talks to a roster, a program catalog or a database does it through the
  interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - CalendarDate: canonical YYYY-MM-DD join key
  - Key: (date, sub-program, member) triple shared by an attendance event
    and its mirrored individual performance record
  - AttendanceRecord / PerformanceRecord: the two record families
  - Contribution: what one attendance event adds to its mirror

DESIGN PRINCIPLES:
  1. One key, two collections: the Key is the only join between families
  2. Performance is authoritative for deletes
  3. Counters accumulate: a later event for the same Key adds, never replaces
  4. Aggregate (bulk) records carry no identity and are never mirrored

SEE ALSO:
  - ledger.go: Synchronizer maintaining the mirror
  - date.go: Date normalization
  - store.go: Persistence contracts
*/
package engine

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type RecordID string

// CalendarDate is an ISO YYYY-MM-DD date. The empty value means "date missing".
type CalendarDate string

func (d CalendarDate) IsZero() bool   { return d == "" }
func (d CalendarDate) String() string { return string(d) }

// Time parses the date in loc. Returns the zero time for an empty or malformed date.
func (d CalendarDate) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(isoLayout, string(d), loc)
	if err != nil {
		return time.Time{}
	}
	return t
}

// =============================================================================
// MEMBERS & CATALOG (read-only reference data)
// =============================================================================

type FeeCategory string

const (
	FeePaid FeeCategory = "paid"
	FeeFree FeeCategory = "free"
)

type MemberStatus string

const (
	MemberActive     MemberStatus = "active"
	MemberTerminated MemberStatus = "terminated"
)

// Member is a person enrolled in zero or more sub-programs.
// Owned by the roster; the engine never writes it outside demo seeding.
type Member struct {
	ID          MemberID
	Name        string
	Gender      string
	BirthDate   CalendarDate
	Phone       string
	Fee         FeeCategory
	Status      MemberStatus
	SubPrograms []string
}

// EnrolledIn reports whether the member is associated with the sub-program.
func (m Member) EnrolledIn(subProgram string) bool {
	for _, sp := range m.SubPrograms {
		if sp == subProgram {
			return true
		}
	}
	return false
}

// Classification is the organizational placement of a sub-program:
// function > team > unit > sub-program.
type Classification struct {
	Function string
	Team     string
	Unit     string
}

func (c Classification) IsZero() bool { return c.Function == "" && c.Team == "" && c.Unit == "" }

// Program is a catalog entry.
type Program struct {
	Name string
	Classification
}

// =============================================================================
// KEY - join between the two record families
// =============================================================================

type Key struct {
	Date       CalendarDate
	SubProgram string
	MemberID   MemberID
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Date, k.SubProgram, k.MemberID)
}

// =============================================================================
// ATTENDANCE RECORD
// =============================================================================

// AttendanceRecord is one person's presence on one date for one sub-program.
// At most one exists per Key.
type AttendanceRecord struct {
	ID         RecordID
	Date       CalendarDate
	SubProgram string
	Classification

	MemberName string
	Gender     string
	MemberID   MemberID
	BirthDate  CalendarDate // denormalized from Member, optional
	Phone      string       // denormalized from Member, optional

	Attended     bool
	Note         string
	Fee          FeeCategory
	SessionCount int
	CaseCount    int
	CreatedAt    time.Time
}

func (r AttendanceRecord) Key() Key {
	return Key{Date: r.Date, SubProgram: r.SubProgram, MemberID: r.MemberID}
}

// =============================================================================
// PERFORMANCE RECORD
// =============================================================================

type RecordKind string

const (
	KindIndividual RecordKind = "individual"
	KindBulk       RecordKind = "bulk"
)

// PerformanceRecord is either an individual mirror of an attendance event
// or an aggregate headcount submission with no member identity.
type PerformanceRecord struct {
	ID         RecordID
	Kind       RecordKind
	Date       CalendarDate
	SubProgram string
	Classification

	// Individual only
	MemberID   MemberID
	MemberName string
	Gender     string
	Fee        FeeCategory
	Attended   bool
	Note       string

	SessionCount    int
	CaseCount       int
	RegisteredCount int
	ActualCount     int
	VisitCount      int

	// Bulk only
	Remark      string
	Fingerprint string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r PerformanceRecord) Key() Key {
	return Key{Date: r.Date, SubProgram: r.SubProgram, MemberID: r.MemberID}
}

func (r PerformanceRecord) IsIndividual() bool { return r.Kind == KindIndividual }

// AggregateFingerprint is the full-row identity of a bulk record:
// date, sub-program, unit, the four counts and the remark.
// Any single differing field yields a different fingerprint.
func AggregateFingerprint(r PerformanceRecord) string {
	return strings.Join([]string{
		string(r.Date),
		r.SubProgram,
		r.Unit,
		fmt.Sprint(r.RegisteredCount),
		fmt.Sprint(r.ActualCount),
		fmt.Sprint(r.VisitCount),
		fmt.Sprint(r.CaseCount),
		r.Remark,
	}, "\x1f")
}

// =============================================================================
// CONTRIBUTION - what one attendance event adds to its mirror
// =============================================================================

type Contribution struct {
	Sessions int  // 0 means one session
	Cases    int
	Visits   *int // person-visit count, when supplied separately
	Actual   *int // actual-person count, when supplied separately
}

func (c Contribution) sessions() int {
	if c.Sessions <= 0 {
		return 1
	}
	return c.Sessions
}

// countsSeparately reports whether visit/actual counts were supplied,
// in which case the case count is not derived from Cases.
func (c Contribution) countsSeparately() bool {
	return c.Visits != nil || c.Actual != nil
}

// MergeContribution adds c to an individual record. Counters accumulate.
func MergeContribution(rec PerformanceRecord, c Contribution) PerformanceRecord {
	rec.SessionCount += c.sessions()
	if c.countsSeparately() {
		if c.Visits != nil {
			rec.VisitCount += *c.Visits
		}
		if c.Actual != nil {
			rec.ActualCount += *c.Actual
		}
		return rec
	}
	rec.CaseCount += c.Cases
	return rec
}

// =============================================================================
// FILTER - read paths
// =============================================================================

// Filter selects records. Zero-valued fields are ignored.
type Filter struct {
	Date       CalendarDate
	From       CalendarDate // inclusive
	To         CalendarDate // inclusive
	SubProgram string
	Function   string
	Team       string
	Unit       string
	MemberID   MemberID
	Kind       RecordKind // performance only
}

func (f Filter) matchCommon(date CalendarDate, sub string, c Classification, member MemberID) bool {
	if f.Date != "" && date != f.Date {
		return false
	}
	if f.From != "" && date < f.From {
		return false
	}
	if f.To != "" && date > f.To {
		return false
	}
	if f.SubProgram != "" && sub != f.SubProgram {
		return false
	}
	if f.Function != "" && c.Function != f.Function {
		return false
	}
	if f.Team != "" && c.Team != f.Team {
		return false
	}
	if f.Unit != "" && c.Unit != f.Unit {
		return false
	}
	if f.MemberID != "" && member != f.MemberID {
		return false
	}
	return true
}

// MatchAttendance reports whether rec passes the filter.
func (f Filter) MatchAttendance(rec AttendanceRecord) bool {
	return f.matchCommon(rec.Date, rec.SubProgram, rec.Classification, rec.MemberID)
}

// MatchPerformance reports whether rec passes the filter.
func (f Filter) MatchPerformance(rec PerformanceRecord) bool {
	if f.Kind != "" && rec.Kind != f.Kind {
		return false
	}
	return f.matchCommon(rec.Date, rec.SubProgram, rec.Classification, rec.MemberID)
}

// =============================================================================
// FLAG - attendance flag normalization
// =============================================================================

// ParseFlag normalizes an attendance flag stored or submitted as a bool,
// a number or a string.
func ParseFlag(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []byte:
		return ParseFlag(string(t))
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "y", "yes", "o", "present", "attended", "출석":
			return true
		}
		return false
	}
	return false
}
