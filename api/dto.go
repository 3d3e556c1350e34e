/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Upload rows are
  decoded by the factory package; everything else the API sends or
  receives lives here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Ingest:      IngestResponse, ResultDTO, BulkIngestResponse, BulkResultDTO
  Records:     AttendanceDTO, PerformanceDTO, UpdatePerformanceRequest
  Reports:     SummaryDTO
  Identity:    MemberDTO, ResolveResponse
  Audit:       AuditRunDTO, AuditReportDTO
  Scenarios:   ScenarioDTO, LoadScenarioRequest

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rows.go: Upload row shapes
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/attendance-ledger/attendance"
	"github.com/warp/attendance-ledger/engine"
	"github.com/warp/attendance-ledger/performance"
)

// =============================================================================
// INGEST
// =============================================================================

type ReportDTO struct {
	Results    int `json:"results"`
	Created    int `json:"created"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
}

// ResultDTO is one (row, member) outcome.
type ResultDTO struct {
	Index      int    `json:"index"`
	SubProgram string `json:"sub_program,omitempty"`
	MemberName string `json:"member_name,omitempty"`
	MemberID   string `json:"member_id,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
	Outcome    string `json:"outcome"`
	Tier       string `json:"duplicate_tier,omitempty"`
	Error      string `json:"error,omitempty"`
}

type IngestResponse struct {
	Summary ReportDTO   `json:"summary"`
	Results []ResultDTO `json:"results"`
}

type BulkResultDTO struct {
	Index      int    `json:"index"`
	SubProgram string `json:"sub_program,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
	Outcome    string `json:"outcome"`
	Tier       string `json:"duplicate_tier,omitempty"`
	Error      string `json:"error,omitempty"`
}

type BulkIngestResponse struct {
	Summary ReportDTO       `json:"summary"`
	Results []BulkResultDTO `json:"results"`
}

func toResultDTO(r attendance.Result) ResultDTO {
	dto := ResultDTO{
		Index:      r.Index,
		SubProgram: r.Row.SubProgram,
		MemberName: r.Row.MemberName,
		MemberID:   string(r.MemberID),
		RecordID:   string(r.RecordID),
		Outcome:    string(r.Outcome),
		Tier:       string(r.Tier),
	}
	if r.Err != nil {
		dto.Error = r.Err.Error()
	}
	return dto
}

func toBulkResultDTO(r performance.BulkResult) BulkResultDTO {
	dto := BulkResultDTO{
		Index:      r.Index,
		SubProgram: r.Row.SubProgram,
		RecordID:   string(r.RecordID),
		Outcome:    string(r.Outcome),
	}
	if tier, ok := engine.TierOf(r.Err); ok {
		dto.Tier = string(tier)
	}
	if r.Err != nil {
		dto.Error = r.Err.Error()
	}
	return dto
}

// =============================================================================
// RECORDS
// =============================================================================

type AttendanceDTO struct {
	ID         string    `json:"id"`
	Date       string    `json:"date"`
	SubProgram string    `json:"sub_program"`
	Function   string    `json:"function,omitempty"`
	Team       string    `json:"team,omitempty"`
	Unit       string    `json:"unit,omitempty"`
	MemberID   string    `json:"member_id"`
	MemberName string    `json:"member_name"`
	Gender     string    `json:"gender,omitempty"`
	Attended   bool      `json:"attended"`
	Note       string    `json:"note,omitempty"`
	Fee        string    `json:"fee,omitempty"`
	Sessions   int       `json:"sessions"`
	Cases      int       `json:"cases"`
	CreatedAt  time.Time `json:"created_at"`
}

func toAttendanceDTO(r engine.AttendanceRecord) AttendanceDTO {
	return AttendanceDTO{
		ID: string(r.ID), Date: string(r.Date), SubProgram: r.SubProgram,
		Function: r.Function, Team: r.Team, Unit: r.Unit,
		MemberID: string(r.MemberID), MemberName: r.MemberName, Gender: r.Gender,
		Attended: r.Attended, Note: r.Note, Fee: string(r.Fee),
		Sessions: r.SessionCount, Cases: r.CaseCount, CreatedAt: r.CreatedAt,
	}
}

type PerformanceDTO struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Date       string    `json:"date"`
	SubProgram string    `json:"sub_program"`
	Function   string    `json:"function,omitempty"`
	Team       string    `json:"team,omitempty"`
	Unit       string    `json:"unit,omitempty"`
	MemberID   string    `json:"member_id,omitempty"`
	MemberName string    `json:"member_name,omitempty"`
	Gender     string    `json:"gender,omitempty"`
	Fee        string    `json:"fee,omitempty"`
	Attended   bool      `json:"attended"`
	Note       string    `json:"note,omitempty"`
	Sessions   int       `json:"sessions"`
	Cases      int       `json:"cases"`
	Registered int       `json:"registered"`
	Actual     int       `json:"actual"`
	Visits     int       `json:"visits"`
	Remark     string    `json:"remark,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toPerformanceDTO(r engine.PerformanceRecord) PerformanceDTO {
	return PerformanceDTO{
		ID: string(r.ID), Kind: string(r.Kind), Date: string(r.Date), SubProgram: r.SubProgram,
		Function: r.Function, Team: r.Team, Unit: r.Unit,
		MemberID: string(r.MemberID), MemberName: r.MemberName, Gender: r.Gender,
		Fee: string(r.Fee), Attended: r.Attended, Note: r.Note,
		Sessions: r.SessionCount, Cases: r.CaseCount,
		Registered: r.RegisteredCount, Actual: r.ActualCount, Visits: r.VisitCount,
		Remark: r.Remark, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

// UpdatePerformanceRequest is a partial update. Absent fields are unchanged.
type UpdatePerformanceRequest struct {
	Date       any     `json:"date"`
	SubProgram *string `json:"sub_program"`
	MemberName *string `json:"member_name"`
	Gender     *string `json:"gender"`
	Function   *string `json:"function"`
	Team       *string `json:"team"`
	Unit       *string `json:"unit"`
	Attended   *bool   `json:"attended"`
	Note       *string `json:"note"`
	Fee        *string `json:"fee" validate:"omitempty,oneof=paid free"`

	Sessions   *int    `json:"sessions" validate:"omitempty,gte=0"`
	Cases      *int    `json:"cases" validate:"omitempty,gte=0"`
	Registered *int    `json:"registered" validate:"omitempty,gte=0"`
	Actual     *int    `json:"actual" validate:"omitempty,gte=0"`
	Visits     *int    `json:"visits" validate:"omitempty,gte=0"`
	Remark     *string `json:"remark"`
}

// Patch converts the request; date must already be normalized.
func (req UpdatePerformanceRequest) Patch(date engine.CalendarDate) engine.PerformancePatch {
	p := engine.PerformancePatch{
		SubProgram:      req.SubProgram,
		MemberName:      req.MemberName,
		Gender:          req.Gender,
		Function:        req.Function,
		Team:            req.Team,
		Unit:            req.Unit,
		Attended:        req.Attended,
		Note:            req.Note,
		SessionCount:    req.Sessions,
		CaseCount:       req.Cases,
		RegisteredCount: req.Registered,
		ActualCount:     req.Actual,
		VisitCount:      req.Visits,
		Remark:          req.Remark,
	}
	if date != "" {
		p.Date = &date
	}
	if req.Fee != nil {
		fee := engine.FeeCategory(*req.Fee)
		p.Fee = &fee
	}
	return p
}

type DeleteResponse struct {
	Status            string `json:"status"`
	ID                string `json:"id"`
	AttendanceRemoved int    `json:"attendance_removed"`
}

// =============================================================================
// REPORTS
// =============================================================================

type SummaryDTO struct {
	SubProgram     string          `json:"sub_program"`
	Function       string          `json:"function,omitempty"`
	Team           string          `json:"team,omitempty"`
	Unit           string          `json:"unit,omitempty"`
	Members        int             `json:"members"`
	Events         int             `json:"events"`
	Attended       int             `json:"attended"`
	Sessions       int             `json:"sessions"`
	Cases          int             `json:"cases"`
	AttendanceRate decimal.Decimal `json:"attendance_rate"`
	Submissions    int             `json:"submissions"`
	Registered     int             `json:"registered"`
	Actual         int             `json:"actual"`
	Visits         int             `json:"visits"`
	BulkCases      int             `json:"bulk_cases"`
	TurnoutRate    decimal.Decimal `json:"turnout_rate"`
}

func toSummaryDTO(s engine.SubProgramSummary) SummaryDTO {
	return SummaryDTO{
		SubProgram: s.SubProgram, Function: s.Classification.Function,
		Team: s.Classification.Team, Unit: s.Classification.Unit,
		Members: s.Members, Events: s.Events, Attended: s.Attended,
		Sessions: s.Sessions, Cases: s.Cases, AttendanceRate: s.AttendanceRate,
		Submissions: s.Submissions, Registered: s.Registered, Actual: s.Actual,
		Visits: s.Visits, BulkCases: s.BulkCases, TurnoutRate: s.TurnoutRate,
	}
}

// =============================================================================
// IDENTITY
// =============================================================================

type MemberDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Gender      string   `json:"gender,omitempty"`
	BirthDate   string   `json:"birth_date,omitempty"`
	Fee         string   `json:"fee,omitempty"`
	Status      string   `json:"status,omitempty"`
	SubPrograms []string `json:"sub_programs"`
}

func toMemberDTO(m engine.Member) MemberDTO {
	return MemberDTO{
		ID: string(m.ID), Name: m.Name, Gender: m.Gender, BirthDate: string(m.BirthDate),
		Fee: string(m.Fee), Status: string(m.Status), SubPrograms: m.SubPrograms,
	}
}

type ResolveResponse struct {
	Name       string      `json:"name"`
	Gender     string      `json:"gender,omitempty"`
	SubProgram string      `json:"sub_program"`
	Candidates []MemberDTO `json:"candidates"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditRunDTO struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	Repair            bool       `json:"repair"`
	OrphanAttendance  int        `json:"orphan_attendance"`
	MissingAttendance int        `json:"missing_attendance"`
	Repaired          int        `json:"repaired"`
	Error             string     `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func toAuditRunDTO(r engine.AuditRun) AuditRunDTO {
	return AuditRunDTO{
		ID: string(r.ID), Status: string(r.Status), Repair: r.Repair,
		OrphanAttendance: r.OrphanAttendance, MissingAttendance: r.MissingAttendance,
		Repaired: r.Repaired, Error: r.Error, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
	}
}

// AuditReportDTO answers a manual audit with the drifted keys.
type AuditReportDTO struct {
	Run               AuditRunDTO `json:"run"`
	OrphanAttendance  []string    `json:"orphan_attendance"`
	MissingAttendance []string    `json:"missing_attendance"`
}

func toAuditReportDTO(run engine.AuditRun, rep engine.AuditReport) AuditReportDTO {
	dto := AuditReportDTO{
		Run:               toAuditRunDTO(run),
		OrphanAttendance:  make([]string, len(rep.OrphanAttendance)),
		MissingAttendance: make([]string, len(rep.MissingAttendance)),
	}
	for i, k := range rep.OrphanAttendance {
		dto.OrphanAttendance[i] = k.String()
	}
	for i, k := range rep.MissingAttendance {
		dto.MissingAttendance[i] = k.String()
	}
	return dto
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
