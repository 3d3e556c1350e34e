/*
handlers.go - HTTP API handlers for the attendance ledger

PURPOSE:
  Exposes the synchronization engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the engine,
  attendance and performance packages.

ENDPOINTS:
  Attendance:
    POST   /api/attendance/ingest       Ingest attendance rows (fan-out per member)
    GET    /api/attendance              List attendance events

  Performance:
    POST   /api/performance/bulk        Ingest aggregate rows
    GET    /api/performance             List performance records (?kind=individual|bulk)
    PATCH  /api/performance/{id}        Update a record; individual edits propagate
    DELETE /api/performance/{id}        Delete a record; individual deletes cascade
    POST   /api/performance/sessions    Add sessions to an existing mirror

  Reports / identity:
    GET    /api/reports/summary         Per sub-program roll-up
    GET    /api/identity/resolve        Preview identity resolution

  Admin:
    POST   /api/admin/audit             Run a mirror audit (?repair=true)
    GET    /api/admin/audit/runs        Recent audit runs

  Scenarios:
    GET    /api/scenarios               List demo scenarios
    POST   /api/scenarios/load          Load a demo scenario
    POST   /api/scenarios/reset         Clear all data

BATCH SEMANTICS:
  A body that is not a {"rows": [...]} object is rejected with 400. Once
  the body decodes, the call answers 200 with one result per (row, member)
  pair; failing rows never fail the call.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Record or member not found, mirror missing
  - 409: Duplicate, ambiguous identity, concurrent modification
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/attendance-ledger/attendance"
	"github.com/warp/attendance-ledger/engine"
	"github.com/warp/attendance-ledger/factory"
	"github.com/warp/attendance-ledger/performance"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend  engine.Backend
	Writer   *attendance.Writer
	Ingestor *performance.Ingestor
	Sync     *engine.Synchronizer
	Query    *engine.Query
	Rows     *factory.RowFactory
	Audits   *AuditScheduler
	Location *time.Location
	Log      logrus.FieldLogger

	// Track currently loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// NewHandler wires the engine components around one backend. loc is the
// zone used for "today" and date parsing.
func NewHandler(backend engine.Backend, loc *time.Location, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if loc == nil {
		loc = time.Local
	}

	resolver := attendance.NewResolver(backend)
	synchronizer := engine.NewSynchronizer(backend, resolver, log.WithField("component", "synchronizer"))

	writer := attendance.NewWriter(backend, backend, backend, synchronizer, log.WithField("component", "attendance"))
	writer.Resolver = resolver
	writer.Location = loc

	ingestor := performance.NewIngestor(backend, backend, log.WithField("component", "performance"))
	ingestor.Location = loc

	audits := NewAuditScheduler(backend, synchronizer, log)
	audits.Enabled = false

	return &Handler{
		Backend:  backend,
		Writer:   writer,
		Ingestor: ingestor,
		Sync:     synchronizer,
		Query:    engine.NewQuery(backend),
		Rows:     factory.NewRowFactory(),
		Audits:   audits,
		Location: loc,
		Log:      log,
	}
}

// SetClock overrides "now" for every component. Tests only.
func (h *Handler) SetClock(now func() time.Time) {
	h.Writer.Now = now
	h.Ingestor.Now = now
	h.Sync.Now = now
	h.Audits.Now = now
}

// =============================================================================
// ATTENDANCE HANDLERS
// =============================================================================

// IngestAttendance writes a batch of attendance rows.
// POST /api/attendance/ingest
func (h *Handler) IngestAttendance(w http.ResponseWriter, r *http.Request) {
	decoded, err := h.Rows.DecodeAttendance(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	// Rows rejected by the decoder are reported as failed; the rest go to
	// the writer, whose indexes are mapped back to the request positions.
	var (
		rows    []attendance.Row
		indexOf []int
		results []attendance.Result
	)
	for _, d := range decoded {
		if d.Err != nil {
			results = append(results, attendance.Result{
				Index: d.Index, Row: d.Row, Outcome: attendance.OutcomeFailed, Err: d.Err,
			})
			continue
		}
		rows = append(rows, d.Row)
		indexOf = append(indexOf, d.Index)
	}
	for _, res := range h.Writer.Ingest(r.Context(), rows) {
		res.Index = indexOf[res.Index]
		results = append(results, res)
	}
	sortResults(results)

	rep := attendance.Summarize(results)
	resp := IngestResponse{
		Summary: ReportDTO{Results: rep.Results, Created: rep.Created, Duplicates: rep.Duplicates, Failed: rep.Failed},
		Results: make([]ResultDTO, len(results)),
	}
	for i, res := range results {
		resp.Results[i] = toResultDTO(res)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListAttendance returns attendance events matching the query filter.
// GET /api/attendance?date=&from=&to=&sub_program=&member_id=
func (h *Handler) ListAttendance(w http.ResponseWriter, r *http.Request) {
	f, err := h.parseFilter(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	recs, err := h.Query.Attendance(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list attendance", err)
		return
	}
	dtos := make([]AttendanceDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toAttendanceDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PERFORMANCE HANDLERS
// =============================================================================

// IngestBulk writes a batch of aggregate rows.
// POST /api/performance/bulk
func (h *Handler) IngestBulk(w http.ResponseWriter, r *http.Request) {
	decoded, err := h.Rows.DecodeBulk(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	results := make([]performance.BulkResult, len(decoded))
	var (
		rows    []performance.BulkRow
		indexOf []int
	)
	for _, d := range decoded {
		if d.Err != nil {
			results[d.Index] = performance.BulkResult{
				Index: d.Index, Row: d.Row, Outcome: performance.OutcomeFailed, Err: d.Err,
			}
			continue
		}
		rows = append(rows, d.Row)
		indexOf = append(indexOf, d.Index)
	}
	for _, res := range h.Ingestor.Ingest(r.Context(), rows) {
		res.Index = indexOf[res.Index]
		results[res.Index] = res
	}

	resp := BulkIngestResponse{Results: make([]BulkResultDTO, len(results))}
	resp.Summary.Results = len(results)
	for i, res := range results {
		switch res.Outcome {
		case performance.OutcomeCreated:
			resp.Summary.Created++
		case performance.OutcomeDuplicate:
			resp.Summary.Duplicates++
		default:
			resp.Summary.Failed++
		}
		resp.Results[i] = toBulkResultDTO(res)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPerformance returns performance records matching the query filter.
// GET /api/performance?kind=individual|bulk&...
func (h *Handler) ListPerformance(w http.ResponseWriter, r *http.Request) {
	f, err := h.parseFilter(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	recs, err := h.Query.Performance(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list performance records", err)
		return
	}
	dtos := make([]PerformanceDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toPerformanceDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpdatePerformance applies a partial update.
// PATCH /api/performance/{id}
func (h *Handler) UpdatePerformance(w http.ResponseWriter, r *http.Request) {
	id := engine.RecordID(chi.URLParam(r, "id"))

	var req UpdatePerformanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Rows.Validate(req); err != nil {
		writeDomainError(w, err)
		return
	}

	var date engine.CalendarDate
	if req.Date != nil {
		if date = engine.NormalizeDate(req.Date, h.Location); date == "" {
			writeDomainError(w, engine.NewValidationError("date", "date"))
			return
		}
	}

	rec, err := h.Sync.UpdatePerformance(r.Context(), id, req.Patch(date))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPerformanceDTO(rec))
}

// DeletePerformance removes a record. Individual deletes cascade to the
// attendance events sharing its key.
// DELETE /api/performance/{id}
func (h *Handler) DeletePerformance(w http.ResponseWriter, r *http.Request) {
	id := engine.RecordID(chi.URLParam(r, "id"))

	removed, err := h.Sync.DeletePerformance(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Status: "deleted", ID: string(id), AttendanceRemoved: removed})
}

// AddSessions accumulates sessions and cases into an existing mirror.
// POST /api/performance/sessions
func (h *Handler) AddSessions(w http.ResponseWriter, r *http.Request) {
	var rj factory.AttendanceRowJSON
	if err := json.NewDecoder(r.Body).Decode(&rj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Rows.Validate(rj); err != nil {
		writeDomainError(w, err)
		return
	}

	rec, err := h.Writer.AddSessions(r.Context(), rj.Row())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPerformanceDTO(rec))
}

// =============================================================================
// REPORT & IDENTITY HANDLERS
// =============================================================================

// Summary rolls performance records up per sub-program.
// GET /api/reports/summary
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	f, err := h.parseFilter(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sums, err := h.Query.Summary(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build summary", err)
		return
	}
	dtos := make([]SummaryDTO, len(sums))
	for i, s := range sums {
		dtos[i] = toSummaryDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResolveIdentity previews which members a row would be written for.
// GET /api/identity/resolve?name=&gender=&sub_program=
func (h *Handler) ResolveIdentity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name, gender, sub := q.Get("name"), q.Get("gender"), q.Get("sub_program")

	members, err := h.Writer.Resolver.Candidates(r.Context(), name, gender, sub)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := ResolveResponse{Name: name, Gender: gender, SubProgram: sub, Candidates: make([]MemberDTO, len(members))}
	for i, m := range members {
		resp.Candidates[i] = toMemberDTO(m)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerAudit runs a mirror audit now.
// POST /api/admin/audit?repair=true
func (h *Handler) TriggerAudit(w http.ResponseWriter, r *http.Request) {
	repair := false
	if v := r.URL.Query().Get("repair"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeDomainError(w, engine.NewValidationError("repair", "boolean"))
			return
		}
		repair = b
	}

	run, report, err := h.Audits.RunNow(r.Context(), repair)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(run, report))
}

// ListAuditRuns returns recent audit runs, newest first.
// GET /api/admin/audit/runs?limit=20
func (h *Handler) ListAuditRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeDomainError(w, engine.NewValidationError("limit", "gt=0"))
			return
		}
		limit = n
	}
	runs, err := h.Backend.ListAuditRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audit runs", err)
		return
	}
	dtos := make([]AuditRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toAuditRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Backend.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// parseFilter reads the common filter query parameters. Dates accept any
// shape the normalizer does.
func (h *Handler) parseFilter(r *http.Request) (engine.Filter, error) {
	q := r.URL.Query()
	f := engine.Filter{
		SubProgram: q.Get("sub_program"),
		Function:   q.Get("function"),
		Team:       q.Get("team"),
		Unit:       q.Get("unit"),
		MemberID:   engine.MemberID(q.Get("member_id")),
	}
	for _, p := range []struct {
		name string
		dst  *engine.CalendarDate
	}{{"date", &f.Date}, {"from", &f.From}, {"to", &f.To}} {
		v := strings.TrimSpace(q.Get(p.name))
		if v == "" {
			continue
		}
		d := engine.NormalizeDate(v, h.Location)
		if d == "" {
			return engine.Filter{}, engine.NewValidationError(p.name, "date")
		}
		*p.dst = d
	}
	switch kind := engine.RecordKind(q.Get("kind")); kind {
	case "", engine.KindIndividual, engine.KindBulk:
		f.Kind = kind
	default:
		return engine.Filter{}, engine.NewValidationError("kind", "oneof=individual bulk")
	}
	return f, nil
}

// sortResults orders by request position, keeping fan-out order within a row.
func sortResults(results []attendance.Result) {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Index < results[j].Index })
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine error categories to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		resp := ErrorResponse{Error: "Validation failed", Code: "validation", Details: verr.Error()}
		if len(verr.Fields) > 0 {
			resp.Details = verr.Fields
		}
		writeJSON(w, http.StatusBadRequest, resp)
	case errors.Is(err, engine.ErrUnresolvableIdentity):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Identity not resolved", Code: "unresolvable_identity", Details: err.Error()})
	case errors.Is(err, engine.ErrMirrorMissing):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Performance record missing", Code: "mirror_missing", Details: err.Error()})
	case engine.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Record not found", Code: "not_found"})
	case errors.Is(err, engine.ErrDuplicateRecord):
		tier, _ := engine.TierOf(err)
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Duplicate record", Code: string(tier), Details: err.Error()})
	case errors.Is(err, engine.ErrAmbiguousIdentity):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Ambiguous identity", Code: "ambiguous_identity", Details: err.Error()})
	case engine.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "Concurrent modification, retry", Code: "retry", Details: err.Error()})
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}
