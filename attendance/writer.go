package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/attendance-ledger/engine"
	"github.com/warp/attendance-ledger/metrics"
)

// =============================================================================
// ROWS & RESULTS
// =============================================================================

// Row is one logical attendance row as submitted by an upload or a form.
type Row struct {
	Date       any // anything NormalizeDate accepts; nil means today
	SubProgram string
	MemberName string
	Gender     string
	Note       string
	MemberID   engine.MemberID // optional; skips identity resolution
	Attended   bool

	Sessions int  // 0 means one session
	Cases    int
	Visits   *int
	Actual   *int
}

func (r Row) contribution() engine.Contribution {
	return engine.Contribution{Sessions: r.Sessions, Cases: r.Cases, Visits: r.Visits, Actual: r.Actual}
}

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Result is the outcome for one (row, candidate member) pair. A row that
// resolves to several members yields several results.
type Result struct {
	Index    int // position of Row in the batch
	Row      Row
	MemberID engine.MemberID
	RecordID engine.RecordID // set on success
	Outcome  Outcome
	Tier     engine.DuplicateTier // set on duplicates
	Err      error
}

func (r Result) Success() bool { return r.Outcome == OutcomeCreated }

// Report counts results so callers can show duplicates apart from failures.
type Report struct {
	Results    int
	Created    int
	Duplicates int
	Failed     int
}

func Summarize(results []Result) Report {
	rep := Report{Results: len(results)}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeCreated:
			rep.Created++
		case OutcomeDuplicate:
			rep.Duplicates++
		default:
			rep.Failed++
		}
	}
	return rep
}

// =============================================================================
// WRITER
// =============================================================================

// Writer inserts attendance records and keeps their performance mirrors.
type Writer struct {
	Store      engine.TxStore
	Roster     engine.Roster
	Classifier engine.Classifier
	Resolver   *Resolver
	Sync       *engine.Synchronizer
	Location   *time.Location
	Now        func() time.Time
	Log        logrus.FieldLogger
}

func NewWriter(store engine.TxStore, roster engine.Roster, classifier engine.Classifier, sync *engine.Synchronizer, log logrus.FieldLogger) *Writer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Writer{
		Store:      store,
		Roster:     roster,
		Classifier: classifier,
		Resolver:   NewResolver(roster),
		Sync:       sync,
		Location:   time.Local,
		Now:        time.Now,
		Log:        log,
	}
}

// Ingest processes rows sequentially. A failing row never stops the batch;
// every outcome is reported in the returned slice, in input order.
func (w *Writer) Ingest(ctx context.Context, rows []Row) []Result {
	results := make([]Result, 0, len(rows))
	for i, row := range rows {
		rowResults := w.ingestRow(ctx, row)
		for j := range rowResults {
			rowResults[j].Index = i
		}
		for _, res := range rowResults {
			metrics.RecordAttendanceResult(string(res.Outcome), string(res.Tier))
			w.logResult(i, res)
		}
		results = append(results, rowResults...)
	}

	rep := Summarize(results)
	w.Log.WithFields(logrus.Fields{
		"rows":       len(rows),
		"created":    rep.Created,
		"duplicates": rep.Duplicates,
		"failed":     rep.Failed,
	}).Info("attendance ingest finished")
	return results
}

func (w *Writer) logResult(index int, res Result) {
	fields := logrus.Fields{
		"row":         index,
		"sub_program": res.Row.SubProgram,
		"member_name": res.Row.MemberName,
		"member_id":   res.MemberID,
	}
	switch res.Outcome {
	case OutcomeDuplicate:
		w.Log.WithFields(fields).WithField("tier", res.Tier).Debug("attendance duplicate")
	case OutcomeFailed:
		w.Log.WithFields(fields).WithError(res.Err).Warn("attendance row failed")
	}
}

func (w *Writer) ingestRow(ctx context.Context, row Row) []Result {
	row.SubProgram = strings.TrimSpace(row.SubProgram)
	row.MemberName = strings.TrimSpace(row.MemberName)

	date, err := w.rowDate(row)
	if err != nil {
		return []Result{failed(row, "", err)}
	}

	candidates, err := w.candidates(ctx, row)
	if err != nil {
		return []Result{failed(row, "", err)}
	}

	// Catalog lookup happens outside the tx: the store may be the classifier.
	class, err := w.Classifier.Classify(ctx, row.SubProgram)
	if err != nil {
		return []Result{failed(row, "", engine.Downstream("classify sub-program", err))}
	}

	siblings := make(map[engine.RecordID]bool, len(candidates))
	results := make([]Result, 0, len(candidates))
	for _, m := range candidates {
		rec := w.record(row, date, class, m)
		if err := w.insert(ctx, rec, row.contribution(), siblings); err != nil {
			results = append(results, failed(row, m.ID, err))
			continue
		}
		siblings[rec.ID] = true
		results = append(results, Result{Row: row, MemberID: m.ID, RecordID: rec.ID, Outcome: OutcomeCreated})
	}
	return results
}

// rowDate applies the today default to a missing date. A date that was
// supplied but cannot be read is a validation failure, not today.
func (w *Writer) rowDate(row Row) (engine.CalendarDate, error) {
	if d := engine.NormalizeDate(row.Date, w.Location); d != "" {
		return d, nil
	}
	if isBlank(row.Date) {
		return engine.Today(w.Now, w.Location), nil
	}
	return "", engine.NewValidationError("date", "date")
}

func (w *Writer) candidates(ctx context.Context, row Row) ([]engine.Member, error) {
	if row.SubProgram == "" {
		return nil, engine.NewValidationError("sub_program", "required")
	}
	if row.MemberID == "" {
		return w.Resolver.Candidates(ctx, row.MemberName, row.Gender, row.SubProgram)
	}

	m, err := w.Roster.Member(ctx, row.MemberID)
	switch {
	case err == nil:
		return []engine.Member{m}, nil
	case errors.Is(err, engine.ErrRecordNotFound):
		// Explicit IDs are trusted; the row carries the display fields.
		if row.MemberName == "" {
			return nil, engine.NewValidationError("member_name", "required")
		}
		return []engine.Member{{ID: row.MemberID, Name: row.MemberName, Gender: row.Gender}}, nil
	default:
		return nil, engine.Downstream("load member", err)
	}
}

func (w *Writer) record(row Row, date engine.CalendarDate, class engine.Classification, m engine.Member) engine.AttendanceRecord {
	name, gender := m.Name, m.Gender
	if name == "" {
		name = row.MemberName
	}
	if gender == "" {
		gender = row.Gender
	}
	start := engine.MergeContribution(engine.PerformanceRecord{}, row.contribution())
	return engine.AttendanceRecord{
		ID:             engine.NewRecordID(),
		Date:           date,
		SubProgram:     row.SubProgram,
		Classification: class,
		MemberName:     name,
		Gender:         gender,
		MemberID:       m.ID,
		BirthDate:      m.BirthDate,
		Phone:          m.Phone,
		Attended:       row.Attended,
		Note:           row.Note,
		Fee:            m.Fee,
		SessionCount:   start.SessionCount,
		CaseCount:      start.CaseCount,
		CreatedAt:      w.now(),
	}
}

// insert classifies, inserts and mirrors one candidate in a single
// transaction, so a concurrent writer cannot slip in between the duplicate
// check and the insert.
func (w *Writer) insert(ctx context.Context, rec engine.AttendanceRecord, c engine.Contribution, siblings map[engine.RecordID]bool) error {
	return w.Store.WithTx(ctx, func(st engine.Store) error {
		verdict, err := Classify(ctx, st, rec, siblings)
		if err != nil {
			return err
		}
		if verdict.Duplicate {
			return verdict.Err(rec.Key())
		}

		if err := st.InsertAttendance(ctx, rec); err != nil {
			if errors.Is(err, engine.ErrDuplicateKey) {
				return &engine.DuplicateRecordError{Tier: engine.TierExactKey, Key: rec.Key()}
			}
			return engine.Downstream("insert attendance", err)
		}

		perf, err := w.Sync.MirrorAttendance(ctx, st, rec, c)
		if err != nil {
			return err
		}
		if perf.SessionCount != rec.SessionCount || perf.CaseCount != rec.CaseCount {
			// Mirror already carried counters; keep both sides equal.
			rec.SessionCount, rec.CaseCount = perf.SessionCount, perf.CaseCount
			if err := st.UpdateAttendance(ctx, rec); err != nil {
				return engine.Downstream("update attendance", err)
			}
		}
		return nil
	})
}

// =============================================================================
// SESSION ACCUMULATION
// =============================================================================

// AddSessions adds the row's sessions and cases to the existing mirror of
// its key. The row must identify exactly one member.
func (w *Writer) AddSessions(ctx context.Context, row Row) (engine.PerformanceRecord, error) {
	row.SubProgram = strings.TrimSpace(row.SubProgram)
	date, err := w.rowDate(row)
	if err != nil {
		return engine.PerformanceRecord{}, err
	}

	id := row.MemberID
	if id == "" {
		ids, err := w.Resolver.Resolve(ctx, row.MemberName, row.Gender, row.SubProgram)
		if err != nil {
			return engine.PerformanceRecord{}, err
		}
		if len(ids) != 1 {
			return engine.PerformanceRecord{}, fmt.Errorf("%w: %d members named %q in %q",
				engine.ErrAmbiguousIdentity, len(ids), row.MemberName, row.SubProgram)
		}
		id = ids[0]
	} else if row.SubProgram == "" {
		return engine.PerformanceRecord{}, engine.NewValidationError("sub_program", "required")
	}

	key := engine.Key{Date: date, SubProgram: row.SubProgram, MemberID: id}
	return w.Sync.Accumulate(ctx, key, row.contribution())
}

// =============================================================================
// HELPERS
// =============================================================================

func (w *Writer) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func failed(row Row, member engine.MemberID, err error) Result {
	res := Result{Row: row, MemberID: member, Outcome: OutcomeFailed, Err: err}
	if tier, ok := engine.TierOf(err); ok {
		res.Outcome = OutcomeDuplicate
		res.Tier = tier
	}
	return res
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case engine.CalendarDate:
		return strings.TrimSpace(string(t)) == ""
	}
	return false
}
