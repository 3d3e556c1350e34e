/*
Package performance implements the aggregate (bulk) performance write path.

PURPOSE:
  Headcount-style submissions carry no member identity: a sub-program, a
  date, an organizational unit and four counts plus a remark. They bypass
  identity resolution and attendance entirely and are never mirrored.

DUPLICATE RULE:
  A row is a duplicate only when every fingerprinted field equals an
  existing aggregate record: date, sub-program, unit, registered, actual,
  visits, cases and remark. Any single difference (the remark included)
  makes it a separate record. This is looser than attendance dedup on
  purpose and does not share code with it.

SEE ALSO:
  - engine/types.go: AggregateFingerprint
  - attendance/classifier.go: the attendance tiers
*/
package performance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/attendance-ledger/engine"
	"github.com/warp/attendance-ledger/metrics"
)

// BulkRow is one aggregate submission. Nil counts default to zero.
type BulkRow struct {
	Date       any
	SubProgram string
	Function   string
	Team       string
	Unit       string

	Registered *int
	Actual     *int
	Visits     *int
	Cases      *int
	Remark     string
}

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// BulkResult is the outcome for one row.
type BulkResult struct {
	Index    int
	Row      BulkRow
	RecordID engine.RecordID
	Outcome  Outcome
	Err      error
}

func (r BulkResult) Success() bool { return r.Outcome == OutcomeCreated }

// =============================================================================
// INGESTOR
// =============================================================================

type Ingestor struct {
	Store      engine.TxStore
	Classifier engine.Classifier
	Location   *time.Location
	Now        func() time.Time
	Log        logrus.FieldLogger
}

func NewIngestor(store engine.TxStore, classifier engine.Classifier, log logrus.FieldLogger) *Ingestor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ingestor{
		Store:      store,
		Classifier: classifier,
		Location:   time.Local,
		Now:        time.Now,
		Log:        log,
	}
}

// Ingest processes rows sequentially with per-row error isolation.
func (in *Ingestor) Ingest(ctx context.Context, rows []BulkRow) []BulkResult {
	results := make([]BulkResult, 0, len(rows))
	created, dups := 0, 0
	for i, row := range rows {
		res := in.ingestRow(ctx, row)
		res.Index = i
		metrics.RecordBulkResult(string(res.Outcome))
		switch res.Outcome {
		case OutcomeCreated:
			created++
		case OutcomeDuplicate:
			dups++
			in.Log.WithFields(logrus.Fields{"row": i, "sub_program": row.SubProgram}).Debug("bulk row duplicate")
		default:
			in.Log.WithFields(logrus.Fields{"row": i, "sub_program": row.SubProgram}).WithError(res.Err).Warn("bulk row failed")
		}
		results = append(results, res)
	}
	in.Log.WithFields(logrus.Fields{
		"rows":       len(rows),
		"created":    created,
		"duplicates": dups,
	}).Info("bulk ingest finished")
	return results
}

func (in *Ingestor) ingestRow(ctx context.Context, row BulkRow) BulkResult {
	rec, err := in.build(ctx, row)
	if err != nil {
		return BulkResult{Row: row, Outcome: OutcomeFailed, Err: err}
	}

	err = in.Store.WithTx(ctx, func(st engine.Store) error {
		existing, err := st.QueryPerformance(ctx, engine.Filter{
			Date:       rec.Date,
			SubProgram: rec.SubProgram,
			Kind:       engine.KindBulk,
		})
		if err != nil {
			return engine.Downstream("query performance", err)
		}
		for _, e := range existing {
			if engine.AggregateFingerprint(e) == rec.Fingerprint {
				return &engine.DuplicateRecordError{Tier: engine.TierAggregateRow, Key: rec.Key(), ExistingID: e.ID}
			}
		}
		if err := st.InsertPerformance(ctx, rec); err != nil {
			if errors.Is(err, engine.ErrDuplicateKey) {
				return &engine.DuplicateRecordError{Tier: engine.TierAggregateRow, Key: rec.Key()}
			}
			return engine.Downstream("insert performance", err)
		}
		return nil
	})
	switch {
	case err == nil:
		return BulkResult{Row: row, RecordID: rec.ID, Outcome: OutcomeCreated}
	case errors.Is(err, engine.ErrDuplicateRecord):
		return BulkResult{Row: row, Outcome: OutcomeDuplicate, Err: err}
	}
	return BulkResult{Row: row, Outcome: OutcomeFailed, Err: err}
}

// build applies the row defaults: today for a missing date, catalog
// classification for missing placement fields, zero counts, and
// registered/actual cross-filled from each other.
func (in *Ingestor) build(ctx context.Context, row BulkRow) (engine.PerformanceRecord, error) {
	sub := strings.TrimSpace(row.SubProgram)
	if sub == "" {
		return engine.PerformanceRecord{}, engine.NewValidationError("sub_program", "required")
	}

	date := engine.NormalizeDate(row.Date, in.Location)
	if date == "" {
		if !blank(row.Date) {
			return engine.PerformanceRecord{}, engine.NewValidationError("date", "date")
		}
		date = engine.Today(in.Now, in.Location)
	}

	class := engine.Classification{
		Function: strings.TrimSpace(row.Function),
		Team:     strings.TrimSpace(row.Team),
		Unit:     strings.TrimSpace(row.Unit),
	}
	if class.Function == "" || class.Team == "" || class.Unit == "" {
		looked, err := in.Classifier.Classify(ctx, sub)
		if err != nil {
			return engine.PerformanceRecord{}, engine.Downstream("classify sub-program", err)
		}
		class = fill(class, looked)
	}

	registered, actual := row.Registered, row.Actual
	switch {
	case registered == nil && actual != nil:
		registered = actual
	case actual == nil && registered != nil:
		actual = registered
	}

	now := in.now()
	rec := engine.PerformanceRecord{
		ID:              engine.NewRecordID(),
		Kind:            engine.KindBulk,
		Date:            date,
		SubProgram:      sub,
		Classification:  class,
		RegisteredCount: deref(registered),
		ActualCount:     deref(actual),
		VisitCount:      deref(row.Visits),
		CaseCount:       deref(row.Cases),
		Remark:          row.Remark,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if rec.RegisteredCount < 0 || rec.ActualCount < 0 || rec.VisitCount < 0 || rec.CaseCount < 0 {
		return engine.PerformanceRecord{}, engine.NewValidationError("counts", "gte=0")
	}
	rec.Fingerprint = engine.AggregateFingerprint(rec)
	return rec, nil
}

// Delete removes an aggregate record. Individual records go through the
// synchronizer so their attendance mirror goes with them.
func (in *Ingestor) Delete(ctx context.Context, id engine.RecordID) error {
	return in.Store.WithTx(ctx, func(st engine.Store) error {
		rec, err := st.GetPerformance(ctx, id)
		if err != nil {
			return err
		}
		if rec.IsIndividual() {
			return &engine.ValidationError{Fields: map[string]string{"kind": "bulk"}, Reason: "individual records are deleted through the ledger"}
		}
		if err := st.DeletePerformance(ctx, id); err != nil {
			return engine.Downstream("delete performance", err)
		}
		return nil
	})
}

func (in *Ingestor) now() time.Time {
	if in.Now == nil {
		return time.Now().UTC()
	}
	return in.Now().UTC()
}

func fill(c, from engine.Classification) engine.Classification {
	if c.Function == "" {
		c.Function = from.Function
	}
	if c.Team == "" {
		c.Team = from.Team
	}
	if c.Unit == "" {
		c.Unit = from.Unit
	}
	return c
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func blank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case engine.CalendarDate:
		return t == ""
	}
	return false
}
