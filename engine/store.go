/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the boundary between the engine and everything it does not own:
  the two record collections, the member roster, the program catalog and
  the audit log. Backends live in engine/store (memory), store/sqlite and
  store/mongo.

KEY INTERFACES:
  Store:      Two logical collections ("attendance events", "performance records")
  TxStore:    Store + WithTx, so check-then-write sequences run atomically
  Roster:     Read-only member lookup (identity resolution, denormalization)
  Classifier: Sub-program -> function/team/unit lookup
  AuditLog:   Mirror audit runs

UNIQUENESS CONTRACT:
  Backends MUST reject, with ErrDuplicateKey:
  - a second AttendanceRecord with the same Key
  - a second individual PerformanceRecord with the same Key
  - a second bulk PerformanceRecord with the same Fingerprint
  This is what closes the read-then-write race: even if two writers both
  observe "no duplicate", only one insert can succeed.

SEE ALSO:
  - ledger.go: Synchronizer, the main consumer of TxStore
  - engine/store/memory.go: In-memory implementation for tests
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// STORE - the two record collections
// =============================================================================

type Store interface {
	// InsertAttendance adds a record. Returns ErrDuplicateKey if the Key exists.
	InsertAttendance(ctx context.Context, rec AttendanceRecord) error

	// QueryAttendance returns records matching f, ordered by date then creation.
	QueryAttendance(ctx context.Context, f Filter) ([]AttendanceRecord, error)

	// UpdateAttendance replaces the record with rec.ID.
	UpdateAttendance(ctx context.Context, rec AttendanceRecord) error

	// DeleteAttendanceByKey removes every record sharing key. Returns the count.
	DeleteAttendanceByKey(ctx context.Context, key Key) (int, error)

	// InsertPerformance adds a record. Returns ErrDuplicateKey on a Key
	// (individual) or Fingerprint (bulk) clash.
	InsertPerformance(ctx context.Context, rec PerformanceRecord) error

	// GetPerformance returns ErrRecordNotFound if id does not exist.
	GetPerformance(ctx context.Context, id RecordID) (PerformanceRecord, error)

	// FindIndividual returns the individual record for key, or ErrRecordNotFound.
	FindIndividual(ctx context.Context, key Key) (PerformanceRecord, error)

	// QueryPerformance returns records matching f, ordered by date then creation.
	QueryPerformance(ctx context.Context, f Filter) ([]PerformanceRecord, error)

	// UpdatePerformance replaces the record with rec.ID.
	UpdatePerformance(ctx context.Context, rec PerformanceRecord) error

	// DeletePerformance removes the record with id.
	DeletePerformance(ctx context.Context, id RecordID) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, everything fn wrote is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Roster is the read side of the membership service.
type Roster interface {
	// MembersInSubProgram returns every member associated with the sub-program.
	MembersInSubProgram(ctx context.Context, subProgram string) ([]Member, error)

	// Member returns ErrRecordNotFound if the member does not exist.
	Member(ctx context.Context, id MemberID) (Member, error)
}

// Classifier is the organizational-hierarchy lookup.
type Classifier interface {
	// Classify returns the zero Classification (and no error) for unknown sub-programs.
	Classify(ctx context.Context, subProgram string) (Classification, error)
}

// RosterWriter seeds reference data. Only demo scenarios and tests use it.
type RosterWriter interface {
	SaveMember(ctx context.Context, m Member) error
	SaveProgram(ctx context.Context, p Program) error
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type AuditStatus string

const (
	AuditRunning   AuditStatus = "running"
	AuditCompleted AuditStatus = "completed"
	AuditFailed    AuditStatus = "failed"
)

// AuditRun records one mirror-consistency check.
type AuditRun struct {
	ID                RecordID
	Status            AuditStatus
	Repair            bool
	OrphanAttendance  int
	MissingAttendance int
	Repaired          int
	Error             string
	StartedAt         time.Time
	CompletedAt       *time.Time
}

type AuditLog interface {
	SaveAuditRun(ctx context.Context, run AuditRun) error
	ListAuditRuns(ctx context.Context, limit int) ([]AuditRun, error)
}

// =============================================================================
// BACKEND - everything a server needs from one database
// =============================================================================

type Backend interface {
	TxStore
	Roster
	Classifier
	RosterWriter
	AuditLog

	// Reset drops all records and reference data.
	Reset(ctx context.Context) error
	Close() error
}
