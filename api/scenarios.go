/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the roster, the program
	catalog and, for some, sample records. Roster and catalog are owned
	by other systems in production; scenarios are the only writer here.

AVAILABLE SCENARIOS:

	community-center:  Zumba and Korean Class, Kim, two female Lees, Park
	sample-week:       community-center plus a week of attendance and
	                   aggregate submissions, including duplicates

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save programs with their classification
 3. Save members with their enrollments
 4. Optionally ingest rows through the real writer and ingestor

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "sample-week"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase handler
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/attendance-ledger/attendance"
	"github.com/warp/attendance-ledger/engine"
	"github.com/warp/attendance-ledger/performance"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "community-center",
		Name:        "Community Center",
		Description: "Two sub-programs and four members, two of them female members named Lee",
	},
	{
		ID:          "sample-week",
		Name:        "Sample Week",
		Description: "Community center roster with a week of attendance and headcount submissions",
	},
}

var demoPrograms = []engine.Program{
	{Name: "Zumba", Classification: engine.Classification{Function: "Community", Team: "Wellness", Unit: "Fitness"}},
	{Name: "Korean Class", Classification: engine.Classification{Function: "Community", Team: "Education", Unit: "Language"}},
}

var demoMembers = []engine.Member{
	{ID: "m-kim", Name: "Kim", Gender: "F", Fee: engine.FeePaid, Status: engine.MemberActive,
		SubPrograms: []string{"Zumba"}},
	{ID: "m-lee-1", Name: "Lee", Gender: "F", BirthDate: "1985-05-05", Fee: engine.FeeFree, Status: engine.MemberActive,
		SubPrograms: []string{"Zumba", "Korean Class"}},
	{ID: "m-lee-2", Name: "Lee", Gender: "F", BirthDate: "1990-01-01", Fee: engine.FeePaid, Status: engine.MemberActive,
		SubPrograms: []string{"Zumba"}},
	{ID: "m-park", Name: "Park", Gender: "M", BirthDate: "1978-11-30", Phone: "010-1234-5678",
		Fee: engine.FeePaid, Status: engine.MemberActive, SubPrograms: []string{"Korean Class"}},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Rows.Validate(req); err != nil {
		writeDomainError(w, err)
		return
	}

	if err := h.LoadScenarioByID(r.Context(), req.ScenarioID); err != nil {
		if engine.IsClientError(err) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"scenario_id": req.ScenarioID,
	})
}

// LoadScenarioByID resets the database and loads the named scenario.
func (h *Handler) LoadScenarioByID(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "community-center":
		load = h.loadCommunityCenterScenario
	case "sample-week":
		load = h.loadSampleWeekScenario
	default:
		return engine.NewValidationError("scenario_id", "oneof=community-center sample-week")
	}

	if err := h.Backend.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := load(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.Log.WithField("scenario", id).Info("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCommunityCenterScenario(ctx context.Context) error {
	for _, p := range demoPrograms {
		if err := h.Backend.SaveProgram(ctx, p); err != nil {
			return fmt.Errorf("save program %s: %w", p.Name, err)
		}
	}
	for _, m := range demoMembers {
		if err := h.Backend.SaveMember(ctx, m); err != nil {
			return fmt.Errorf("save member %s: %w", m.ID, err)
		}
	}
	return nil
}

// loadSampleWeekScenario goes through the writer and the ingestor so the
// sample data carries real mirrors and real duplicate outcomes.
func (h *Handler) loadSampleWeekScenario(ctx context.Context) error {
	if err := h.loadCommunityCenterScenario(ctx); err != nil {
		return err
	}

	rows := []attendance.Row{
		{Date: "2025-07-01", SubProgram: "Zumba", MemberName: "Kim", Gender: "F", Attended: true},
		// Fans out to both Lees enrolled in Zumba.
		{Date: "2025-07-01", SubProgram: "Zumba", MemberName: "Lee", Gender: "F", Attended: true},
		{Date: "2025.07.02", SubProgram: "Korean Class", MemberName: "Lee", Gender: "여", Attended: true, Sessions: 2},
		{Date: "2025-07-02", SubProgram: "Korean Class", MemberName: "Park", Gender: "M", Attended: true, Cases: 1},
		{Date: 45841.0, SubProgram: "Zumba", MemberName: "Kim", Gender: "F", Attended: false},
		// Resubmission of the first row: reported as a duplicate.
		{Date: "2025-07-01", SubProgram: "Zumba", MemberName: "Kim", Gender: "F", Attended: true},
	}
	for _, res := range h.Writer.Ingest(ctx, rows) {
		if res.Outcome == attendance.OutcomeFailed {
			return fmt.Errorf("sample attendance row %d: %w", res.Index, res.Err)
		}
	}

	registered, actual, visits := 20, 15, 18
	fewer := 14
	bulk := []performance.BulkRow{
		{Date: "2025-07-01", SubProgram: "Zumba", Registered: &registered, Actual: &actual, Visits: &visits, Remark: "outdoor session"},
		{Date: "2025-07-01", SubProgram: "Zumba", Registered: &registered, Actual: &fewer, Visits: &visits, Remark: "outdoor session"},
		{Date: "2025-07-02", SubProgram: "Korean Class", Registered: &registered, Remark: "registration only"},
	}
	for _, res := range h.Ingestor.Ingest(ctx, bulk) {
		if res.Outcome == performance.OutcomeFailed {
			return fmt.Errorf("sample bulk row %d: %w", res.Index, res.Err)
		}
	}
	return nil
}
