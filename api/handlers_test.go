/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Attendance ingest: fan-out, duplicates, per-row failures, malformed bodies
- Bulk ingest with full-row dedup
- Update propagation and delete cascade through the API
- Identity preview, summary, audit endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-ledger/engine"
	"github.com/warp/attendance-ledger/engine/store"
)

var fixedNow = time.Date(2025, time.July, 1, 9, 0, 0, 0, time.UTC)

// =============================================================================
// TEST SETUP
// =============================================================================

func setupTestHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	log, _ := test.NewNullLogger()
	h := NewHandler(store.NewMemory(), time.UTC, log)
	h.SetClock(func() time.Time { return fixedNow })
	require.NoError(t, h.LoadScenarioByID(context.Background(), "community-center"))
	return h, NewRouter(h, DefaultRouterOptions())
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// ATTENDANCE
// =============================================================================

func TestIngestAttendance_FanOutAndDuplicates(t *testing.T) {
	// GIVEN: Two female members named Lee enrolled in Zumba
	_, router := setupTestHandler(t)

	body := `{"rows": [
		{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Kim", "gender": "F"},
		{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Lee", "gender": "F"},
		{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Kim", "gender": "F"}
	]}`

	// WHEN: Kim, Lee and Kim again are submitted
	rec := do(t, router, http.MethodPost, "/api/attendance/ingest", body)

	// THEN: Kim once, both Lees, and the repeated Kim as an exact-key duplicate
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[IngestResponse](t, rec)
	assert.Equal(t, ReportDTO{Results: 4, Created: 3, Duplicates: 1}, resp.Summary)

	require.Len(t, resp.Results, 4)
	assert.Equal(t, 0, resp.Results[0].Index)
	assert.Equal(t, 1, resp.Results[1].Index)
	assert.Equal(t, 1, resp.Results[2].Index)
	assert.ElementsMatch(t, []string{"m-lee-1", "m-lee-2"}, []string{resp.Results[1].MemberID, resp.Results[2].MemberID})
	assert.Equal(t, 2, resp.Results[3].Index)
	assert.Equal(t, "duplicate", resp.Results[3].Outcome)
	assert.Equal(t, string(engine.TierExactKey), resp.Results[3].Tier)
}

func TestIngestAttendance_BadRowsDoNotFailTheCall(t *testing.T) {
	// GIVEN: A batch with an undecodable row between two good ones
	_, router := setupTestHandler(t)

	body := `{"rows": [
		{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Kim", "gender": "F"},
		{"date": "2025-07-01", "member_name": "Kim", "sessions": "lots"},
		{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Nobody"}
	]}`

	// WHEN: Ingested
	rec := do(t, router, http.MethodPost, "/api/attendance/ingest", body)

	// THEN: 200 with the failures reported in request order
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[IngestResponse](t, rec)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "created", resp.Results[0].Outcome)
	assert.Equal(t, "failed", resp.Results[1].Outcome)
	assert.Equal(t, 1, resp.Results[1].Index)
	assert.Equal(t, "failed", resp.Results[2].Outcome)
	assert.Contains(t, resp.Results[2].Error, "Nobody")
	assert.Equal(t, 1, resp.Summary.Created)
	assert.Equal(t, 2, resp.Summary.Failed)
}

func TestIngestAttendance_MalformedBody(t *testing.T) {
	_, router := setupTestHandler(t)

	for _, body := range []string{"", "not json", `{"rows": 5}`, `[{"sub_program": "Zumba"}]`} {
		rec := do(t, router, http.MethodPost, "/api/attendance/ingest", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestListAttendance_Filters(t *testing.T) {
	_, router := setupTestHandler(t)
	do(t, router, http.MethodPost, "/api/attendance/ingest", `{"rows": [
		{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Kim", "gender": "F"},
		{"date": "2025-07-02", "sub_program": "Zumba", "member_name": "Kim", "gender": "F"}
	]}`)

	// WHEN: Filtering with a dotted date
	rec := do(t, router, http.MethodGet, "/api/attendance?date=2025.07.02", "")

	// THEN: Only the matching event is returned
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]AttendanceDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "2025-07-02", list[0].Date)

	rec = do(t, router, http.MethodGet, "/api/attendance?date=someday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/performance?kind=weekly", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// PERFORMANCE
// =============================================================================

func TestIngestBulk_FullRowDedup(t *testing.T) {
	// GIVEN: Two submissions identical but for the remark, then a true repeat
	_, router := setupTestHandler(t)

	body := `{"rows": [
		{"date": "2025-07-01", "sub_program": "Zumba", "registered": 10, "actual": 8, "remark": "a"},
		{"date": "2025-07-01", "sub_program": "Zumba", "registered": 10, "actual": 8, "remark": "b"},
		{"date": "2025-07-01", "sub_program": "Zumba", "registered": 10, "actual": 8, "remark": "a"},
		{"date": "2025-07-01", "registered": 1}
	]}`

	// WHEN: Ingested
	rec := do(t, router, http.MethodPost, "/api/performance/bulk", body)

	// THEN: Both distinct rows are accepted, the repeat is a duplicate
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[BulkIngestResponse](t, rec)
	assert.Equal(t, ReportDTO{Results: 4, Created: 2, Duplicates: 1, Failed: 1}, resp.Summary)
	assert.Equal(t, string(engine.TierAggregateRow), resp.Results[2].Tier)
	assert.Equal(t, 3, resp.Results[3].Index)

	rec = do(t, router, http.MethodGet, "/api/performance?kind=bulk", "")
	list := decode[[]PerformanceDTO](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "Fitness", list[0].Unit)
}

func TestUpdatePerformance_PropagatesToAttendance(t *testing.T) {
	// GIVEN: Kim attended on July 1st
	_, router := setupTestHandler(t)
	ingest := decode[IngestResponse](t, do(t, router, http.MethodPost, "/api/attendance/ingest",
		`{"rows": [{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Kim", "gender": "F"}]}`))
	require.Equal(t, 1, ingest.Summary.Created)

	perfs := decode[[]PerformanceDTO](t, do(t, router, http.MethodGet, "/api/performance?kind=individual", ""))
	require.Len(t, perfs, 1)

	// WHEN: The performance record is moved to July 3rd with a note
	rec := do(t, router, http.MethodPatch, "/api/performance/"+perfs[0].ID,
		`{"date": "2025/07/03", "note": "moved", "sessions": 2}`)

	// THEN: The attendance event follows
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[PerformanceDTO](t, rec)
	assert.Equal(t, "2025-07-03", updated.Date)
	assert.Equal(t, 2, updated.Sessions)

	atts := decode[[]AttendanceDTO](t, do(t, router, http.MethodGet, "/api/attendance", ""))
	require.Len(t, atts, 1)
	assert.Equal(t, "2025-07-03", atts[0].Date)
	assert.Equal(t, "moved", atts[0].Note)
}

func TestUpdatePerformance_Errors(t *testing.T) {
	_, router := setupTestHandler(t)

	rec := do(t, router, http.MethodPatch, "/api/performance/missing", `{"note": "x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPatch, "/api/performance/missing", `{"sessions": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPatch, "/api/performance/missing", `{"date": "not a date"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPatch, "/api/performance/missing", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeletePerformance_Cascades(t *testing.T) {
	// GIVEN: Both Lees attended
	_, router := setupTestHandler(t)
	do(t, router, http.MethodPost, "/api/attendance/ingest",
		`{"rows": [{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Lee", "gender": "F"}]}`)
	perfs := decode[[]PerformanceDTO](t, do(t, router, http.MethodGet, "/api/performance?member_id=m-lee-1", ""))
	require.Len(t, perfs, 1)

	// WHEN: One Lee's performance record is deleted
	rec := do(t, router, http.MethodDelete, "/api/performance/"+perfs[0].ID, "")

	// THEN: Only her attendance goes with it
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[DeleteResponse](t, rec).AttendanceRemoved)

	atts := decode[[]AttendanceDTO](t, do(t, router, http.MethodGet, "/api/attendance", ""))
	require.Len(t, atts, 1)
	assert.Equal(t, "m-lee-2", atts[0].MemberID)

	rec = do(t, router, http.MethodDelete, "/api/performance/"+perfs[0].ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAddSessions(t *testing.T) {
	_, router := setupTestHandler(t)
	do(t, router, http.MethodPost, "/api/attendance/ingest",
		`{"rows": [{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Kim", "gender": "F"}]}`)

	// WHEN: Two more sessions are added to Kim's day
	rec := do(t, router, http.MethodPost, "/api/performance/sessions",
		`{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Kim", "sessions": 2, "cases": 1}`)

	// THEN: Counters accumulate on the existing mirror
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	perf := decode[PerformanceDTO](t, rec)
	assert.Equal(t, 3, perf.Sessions)
	assert.Equal(t, 1, perf.Cases)

	// Both Lees: cannot pick one
	rec = do(t, router, http.MethodPost, "/api/performance/sessions",
		`{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Lee"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// No mirror on July 9th
	rec = do(t, router, http.MethodPost, "/api/performance/sessions",
		`{"date": "2025-07-09", "sub_program": "Zumba", "member_name": "Kim"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// REPORTS, IDENTITY, ADMIN
// =============================================================================

func TestResolveIdentity(t *testing.T) {
	_, router := setupTestHandler(t)

	rec := do(t, router, http.MethodGet, "/api/identity/resolve?name=Lee&gender=female&sub_program=Zumba", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ResolveResponse](t, rec)
	assert.Len(t, resp.Candidates, 2)

	rec = do(t, router, http.MethodGet, "/api/identity/resolve?name=Park&sub_program=Zumba", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/identity/resolve?sub_program=Zumba", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummary(t *testing.T) {
	_, router := setupTestHandler(t)
	do(t, router, http.MethodPost, "/api/attendance/ingest", `{"rows": [
		{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Kim", "gender": "F"},
		{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Lee", "gender": "F", "attended": "N"}
	]}`)

	rec := do(t, router, http.MethodGet, "/api/reports/summary?sub_program=Zumba", "")

	require.Equal(t, http.StatusOK, rec.Code)
	sums := decode[[]SummaryDTO](t, rec)
	require.Len(t, sums, 1)
	assert.Equal(t, 3, sums[0].Members)
	assert.Equal(t, 1, sums[0].Attended)
	assert.Equal(t, "0.3333", sums[0].AttendanceRate.String())
}

func TestAudit_DetectAndRepair(t *testing.T) {
	// GIVEN: An individual record whose attendance event was lost
	h, router := setupTestHandler(t)
	do(t, router, http.MethodPost, "/api/attendance/ingest",
		`{"rows": [{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Kim", "gender": "F"}]}`)
	_, err := h.Backend.DeleteAttendanceByKey(context.Background(),
		engine.Key{Date: "2025-07-01", SubProgram: "Zumba", MemberID: "m-kim"})
	require.NoError(t, err)

	// WHEN: Auditing without and then with repair
	rec := do(t, router, http.MethodPost, "/api/admin/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[AuditReportDTO](t, rec)
	assert.Equal(t, []string{"2025-07-01/Zumba/m-kim"}, report.MissingAttendance)
	assert.Equal(t, 0, report.Run.Repaired)

	rec = do(t, router, http.MethodPost, "/api/admin/audit?repair=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[AuditReportDTO](t, rec).Run.Repaired)

	// THEN: The runs are recorded and the mirror is whole again
	runs := decode[[]AuditRunDTO](t, do(t, router, http.MethodGet, "/api/admin/audit/runs", ""))
	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Equal(t, string(engine.AuditCompleted), run.Status)
	}

	atts := decode[[]AttendanceDTO](t, do(t, router, http.MethodGet, "/api/attendance", ""))
	assert.Len(t, atts, 1)

	rec = do(t, router, http.MethodPost, "/api/admin/audit?repair=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := setupTestHandler(t)
	do(t, router, http.MethodPost, "/api/attendance/ingest",
		`{"rows": [{"date": "2025-07-01", "sub_program": "Zumba", "member_name": "Kim", "gender": "F"}]}`)

	rec := do(t, router, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_attendance")
}
