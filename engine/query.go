package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUERY FACADE - read paths for both record families
// =============================================================================

type Query struct {
	Store Store
}

func NewQuery(store Store) *Query {
	return &Query{Store: store}
}

// Attendance returns attendance records matching f.
func (q *Query) Attendance(ctx context.Context, f Filter) ([]AttendanceRecord, error) {
	return q.Store.QueryAttendance(ctx, f)
}

// Performance returns performance records matching f. f.Kind selects the
// individual or aggregate family; empty returns both.
func (q *Query) Performance(ctx context.Context, f Filter) ([]PerformanceRecord, error) {
	return q.Store.QueryPerformance(ctx, f)
}

// SubProgramSummary rolls up one sub-program's records under a filter.
type SubProgramSummary struct {
	SubProgram     string
	Classification Classification

	// From individual records
	Members        int // distinct members
	Events         int // individual records
	Attended       int // individual records with the attendance flag set
	Sessions       int
	Cases          int
	AttendanceRate decimal.Decimal // Attended / Events

	// From aggregate records
	Submissions int
	Registered  int
	Actual      int
	Visits      int
	BulkCases   int
	TurnoutRate decimal.Decimal // Actual / Registered
}

// Summary groups performance records by sub-program. Rates are rounded to
// four decimal places; a zero denominator yields a zero rate.
func (q *Query) Summary(ctx context.Context, f Filter) ([]SubProgramSummary, error) {
	f.Kind = ""
	recs, err := q.Store.QueryPerformance(ctx, f)
	if err != nil {
		return nil, err
	}

	bySub := make(map[string]*SubProgramSummary)
	members := make(map[string]map[MemberID]bool)
	for _, r := range recs {
		s, ok := bySub[r.SubProgram]
		if !ok {
			s = &SubProgramSummary{SubProgram: r.SubProgram, Classification: r.Classification}
			bySub[r.SubProgram] = s
			members[r.SubProgram] = make(map[MemberID]bool)
		}
		if s.Classification.IsZero() {
			s.Classification = r.Classification
		}
		switch r.Kind {
		case KindIndividual:
			s.Events++
			if r.Attended {
				s.Attended++
			}
			s.Sessions += r.SessionCount
			s.Cases += r.CaseCount
			members[r.SubProgram][r.MemberID] = true
		case KindBulk:
			s.Submissions++
			s.Registered += r.RegisteredCount
			s.Actual += r.ActualCount
			s.Visits += r.VisitCount
			s.BulkCases += r.CaseCount
		}
	}

	out := make([]SubProgramSummary, 0, len(bySub))
	for name, s := range bySub {
		s.Members = len(members[name])
		s.AttendanceRate = rate(s.Attended, s.Events)
		s.TurnoutRate = rate(s.Actual, s.Registered)
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubProgram < out[j].SubProgram })
	return out, nil
}

func rate(num, den int) decimal.Decimal {
	if den == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(num)).DivRound(decimal.NewFromInt(int64(den)), 4)
}
