/*
Package sqlite provides a SQLite-backed engine.Backend.

PURPOSE:
  Persists both record collections plus the roster, the program catalog
  and the audit log. In production the same schema works on PostgreSQL
  with minor dialect changes.

INTERFACES IMPLEMENTED:
  engine.TxStore:      attendance events + performance records
  engine.Roster:       members and their sub-program enrollments
  engine.Classifier:   program catalog
  engine.RosterWriter: demo seeding
  engine.AuditLog:     mirror audit runs

KEY TABLES:
  attendance_events:   one row per (date, sub_program, member_id)
  performance_records: individual mirrors and bulk submissions
  members, member_programs, programs: reference data
  audit_runs:          mirror audit history

INDEXES:
  The uniqueness contract of engine.Store lives here, not in Go code:
  - idx_attendance_key:               (date, sub_program, member_id)
  - idx_performance_individual_key:   same triple, WHERE kind = 'individual'
  - idx_performance_bulk_fingerprint: fingerprint, WHERE kind = 'bulk'
  A write that would break one of them fails with engine.ErrDuplicateKey,
  which closes the check-then-insert race even across processes.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so an
  in-memory database is shared by every caller. WithTx holds the write
  lock for the life of the transaction; code running inside it must only
  use the Store it is handed.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/attendance-ledger/engine"
)

// Store implements engine.Backend using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ engine.Backend = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Attendance events (one per person, date and sub-program)
	CREATE TABLE IF NOT EXISTS attendance_events (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		sub_program TEXT NOT NULL,
		function TEXT NOT NULL DEFAULT '',
		team TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL DEFAULT '',
		member_id TEXT NOT NULL,
		member_name TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		birth_date TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		attended INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		fee TEXT NOT NULL DEFAULT '',
		session_count INTEGER NOT NULL DEFAULT 0,
		case_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one attendance event per key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_attendance_key
		ON attendance_events(date, sub_program, member_id);

	-- Duplicate classification reads everything for a (date, sub_program)
	CREATE INDEX IF NOT EXISTS idx_attendance_date_sub
		ON attendance_events(date, sub_program);

	-- Performance records (individual mirrors and bulk submissions)
	CREATE TABLE IF NOT EXISTS performance_records (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('individual', 'bulk')),
		date TEXT NOT NULL,
		sub_program TEXT NOT NULL,
		function TEXT NOT NULL DEFAULT '',
		team TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL DEFAULT '',
		member_id TEXT NOT NULL DEFAULT '',
		member_name TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		fee TEXT NOT NULL DEFAULT '',
		attended INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		session_count INTEGER NOT NULL DEFAULT 0,
		case_count INTEGER NOT NULL DEFAULT 0,
		registered_count INTEGER NOT NULL DEFAULT 0,
		actual_count INTEGER NOT NULL DEFAULT 0,
		visit_count INTEGER NOT NULL DEFAULT 0,
		remark TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one individual mirror per key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_performance_individual_key
		ON performance_records(date, sub_program, member_id)
		WHERE kind = 'individual';

	-- CRITICAL: bulk rows are unique on their full field set
	CREATE UNIQUE INDEX IF NOT EXISTS idx_performance_bulk_fingerprint
		ON performance_records(fingerprint)
		WHERE kind = 'bulk';

	CREATE INDEX IF NOT EXISTS idx_performance_date_sub
		ON performance_records(date, sub_program, kind);

	-- Roster
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		gender TEXT NOT NULL DEFAULT '',
		birth_date TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		fee TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active'
	);

	CREATE TABLE IF NOT EXISTS member_programs (
		member_id TEXT NOT NULL REFERENCES members(id) ON DELETE CASCADE,
		sub_program TEXT NOT NULL,
		PRIMARY KEY (member_id, sub_program)
	);

	CREATE INDEX IF NOT EXISTS idx_member_programs_sub
		ON member_programs(sub_program);

	-- Program catalog
	CREATE TABLE IF NOT EXISTS programs (
		name TEXT PRIMARY KEY,
		function TEXT NOT NULL DEFAULT '',
		team TEXT NOT NULL DEFAULT '',
		unit TEXT NOT NULL DEFAULT ''
	);

	-- Audit runs
	CREATE TABLE IF NOT EXISTS audit_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		repair INTEGER NOT NULL DEFAULT 0,
		orphan_attendance INTEGER NOT NULL DEFAULT 0,
		missing_attendance INTEGER NOT NULL DEFAULT 0,
		repaired INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_runs_started
		ON audit_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RECORD STORE (engine.Store interface)
// =============================================================================

func (s *Store) InsertAttendance(ctx context.Context, rec engine.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertAttendance(ctx, s.db, rec)
}

func (s *Store) QueryAttendance(ctx context.Context, f engine.Filter) ([]engine.AttendanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryAttendance(ctx, s.db, f)
}

func (s *Store) UpdateAttendance(ctx context.Context, rec engine.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateAttendance(ctx, s.db, rec)
}

func (s *Store) DeleteAttendanceByKey(ctx context.Context, key engine.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteAttendanceByKey(ctx, s.db, key)
}

func (s *Store) InsertPerformance(ctx context.Context, rec engine.PerformanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertPerformance(ctx, s.db, rec)
}

func (s *Store) GetPerformance(ctx context.Context, id engine.RecordID) (engine.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPerformance(ctx, s.db, id)
}

func (s *Store) FindIndividual(ctx context.Context, key engine.Key) (engine.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findIndividual(ctx, s.db, key)
}

func (s *Store) QueryPerformance(ctx context.Context, f engine.Filter) ([]engine.PerformanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryPerformance(ctx, s.db, f)
}

func (s *Store) UpdatePerformance(ctx context.Context, rec engine.PerformanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updatePerformance(ctx, s.db, rec)
}

func (s *Store) DeletePerformance(ctx context.Context, id engine.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deletePerformance(ctx, s.db, id)
}

// --- attendance ---

const attendanceColumns = `id, date, sub_program, function, team, unit, member_id, member_name,
	gender, birth_date, phone, attended, note, fee, session_count, case_count, created_at`

func insertAttendance(ctx context.Context, q querier, rec engine.AttendanceRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO attendance_events (`+attendanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Date, rec.SubProgram, rec.Function, rec.Team, rec.Unit,
		rec.MemberID, rec.MemberName, rec.Gender, rec.BirthDate, rec.Phone,
		rec.Attended, rec.Note, rec.Fee, rec.SessionCount, rec.CaseCount,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert attendance: %w", err)
	}
	return nil
}

func queryAttendance(ctx context.Context, q querier, f engine.Filter) ([]engine.AttendanceRecord, error) {
	f.Kind = ""
	where, args := buildWhere(f)
	rows, err := q.QueryContext(ctx,
		`SELECT `+attendanceColumns+` FROM attendance_events`+where+` ORDER BY date ASC, rowid ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}
	defer rows.Close()

	var out []engine.AttendanceRecord
	for rows.Next() {
		var (
			r         engine.AttendanceRecord
			attended  any
			createdAt string
		)
		if err := rows.Scan(
			&r.ID, &r.Date, &r.SubProgram, &r.Function, &r.Team, &r.Unit,
			&r.MemberID, &r.MemberName, &r.Gender, &r.BirthDate, &r.Phone,
			&attended, &r.Note, &r.Fee, &r.SessionCount, &r.CaseCount, &createdAt,
		); err != nil {
			return nil, err
		}
		r.Attended = engine.ParseFlag(attended)
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func updateAttendance(ctx context.Context, q querier, rec engine.AttendanceRecord) error {
	res, err := q.ExecContext(ctx, `
		UPDATE attendance_events SET
			date = ?, sub_program = ?, function = ?, team = ?, unit = ?,
			member_id = ?, member_name = ?, gender = ?, birth_date = ?, phone = ?,
			attended = ?, note = ?, fee = ?, session_count = ?, case_count = ?
		WHERE id = ?`,
		rec.Date, rec.SubProgram, rec.Function, rec.Team, rec.Unit,
		rec.MemberID, rec.MemberName, rec.Gender, rec.BirthDate, rec.Phone,
		rec.Attended, rec.Note, rec.Fee, rec.SessionCount, rec.CaseCount,
		rec.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateKey
		}
		return fmt.Errorf("failed to update attendance: %w", err)
	}
	return requireAffected(res)
}

func deleteAttendanceByKey(ctx context.Context, q querier, key engine.Key) (int, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM attendance_events WHERE date = ? AND sub_program = ? AND member_id = ?`,
		key.Date, key.SubProgram, key.MemberID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete attendance: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- performance ---

const performanceColumns = `id, kind, date, sub_program, function, team, unit, member_id, member_name,
	gender, fee, attended, note, session_count, case_count, registered_count, actual_count,
	visit_count, remark, fingerprint, created_at, updated_at`

func insertPerformance(ctx context.Context, q querier, rec engine.PerformanceRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO performance_records (`+performanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.Date, rec.SubProgram, rec.Function, rec.Team, rec.Unit,
		rec.MemberID, rec.MemberName, rec.Gender, rec.Fee, rec.Attended, rec.Note,
		rec.SessionCount, rec.CaseCount, rec.RegisteredCount, rec.ActualCount, rec.VisitCount,
		rec.Remark, rec.Fingerprint, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert performance record: %w", err)
	}
	return nil
}

func getPerformance(ctx context.Context, q querier, id engine.RecordID) (engine.PerformanceRecord, error) {
	recs, err := selectPerformance(ctx, q, ` WHERE id = ?`, id)
	if err != nil {
		return engine.PerformanceRecord{}, err
	}
	if len(recs) == 0 {
		return engine.PerformanceRecord{}, engine.ErrRecordNotFound
	}
	return recs[0], nil
}

func findIndividual(ctx context.Context, q querier, key engine.Key) (engine.PerformanceRecord, error) {
	recs, err := selectPerformance(ctx, q,
		` WHERE kind = 'individual' AND date = ? AND sub_program = ? AND member_id = ?`,
		key.Date, key.SubProgram, key.MemberID)
	if err != nil {
		return engine.PerformanceRecord{}, err
	}
	if len(recs) == 0 {
		return engine.PerformanceRecord{}, engine.ErrRecordNotFound
	}
	return recs[0], nil
}

func queryPerformance(ctx context.Context, q querier, f engine.Filter) ([]engine.PerformanceRecord, error) {
	where, args := buildWhere(f)
	return selectPerformance(ctx, q, where, args...)
}

func selectPerformance(ctx context.Context, q querier, where string, args ...any) ([]engine.PerformanceRecord, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+performanceColumns+` FROM performance_records`+where+` ORDER BY date ASC, rowid ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query performance records: %w", err)
	}
	defer rows.Close()

	var out []engine.PerformanceRecord
	for rows.Next() {
		var (
			r                    engine.PerformanceRecord
			attended             any
			createdAt, updatedAt string
		)
		if err := rows.Scan(
			&r.ID, &r.Kind, &r.Date, &r.SubProgram, &r.Function, &r.Team, &r.Unit,
			&r.MemberID, &r.MemberName, &r.Gender, &r.Fee, &attended, &r.Note,
			&r.SessionCount, &r.CaseCount, &r.RegisteredCount, &r.ActualCount, &r.VisitCount,
			&r.Remark, &r.Fingerprint, &createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		r.Attended = engine.ParseFlag(attended)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func updatePerformance(ctx context.Context, q querier, rec engine.PerformanceRecord) error {
	res, err := q.ExecContext(ctx, `
		UPDATE performance_records SET
			date = ?, sub_program = ?, function = ?, team = ?, unit = ?,
			member_id = ?, member_name = ?, gender = ?, fee = ?, attended = ?, note = ?,
			session_count = ?, case_count = ?, registered_count = ?, actual_count = ?,
			visit_count = ?, remark = ?, fingerprint = ?, updated_at = ?
		WHERE id = ?`,
		rec.Date, rec.SubProgram, rec.Function, rec.Team, rec.Unit,
		rec.MemberID, rec.MemberName, rec.Gender, rec.Fee, rec.Attended, rec.Note,
		rec.SessionCount, rec.CaseCount, rec.RegisteredCount, rec.ActualCount,
		rec.VisitCount, rec.Remark, rec.Fingerprint, formatTime(rec.UpdatedAt),
		rec.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return engine.ErrDuplicateKey
		}
		return fmt.Errorf("failed to update performance record: %w", err)
	}
	return requireAffected(res)
}

func deletePerformance(ctx context.Context, q querier, id engine.RecordID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM performance_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete performance record: %w", err)
	}
	return requireAffected(res)
}

// buildWhere renders f as a WHERE clause shared by both record tables.
func buildWhere(f engine.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.Date != "" {
		add("date = ?", f.Date)
	}
	if f.From != "" {
		add("date >= ?", f.From)
	}
	if f.To != "" {
		add("date <= ?", f.To)
	}
	if f.SubProgram != "" {
		add("sub_program = ?", f.SubProgram)
	}
	if f.Function != "" {
		add("function = ?", f.Function)
	}
	if f.Team != "" {
		add("team = ?", f.Team)
	}
	if f.Unit != "" {
		add("unit = ?", f.Unit)
	}
	if f.MemberID != "" {
		add("member_id = ?", f.MemberID)
	}
	if f.Kind != "" {
		add("kind = ?", f.Kind)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every operation on the open transaction, reads included,
// so fn sees its own writes.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertAttendance(ctx context.Context, rec engine.AttendanceRecord) error {
	return insertAttendance(ctx, ts.tx, rec)
}

func (ts *txStore) QueryAttendance(ctx context.Context, f engine.Filter) ([]engine.AttendanceRecord, error) {
	return queryAttendance(ctx, ts.tx, f)
}

func (ts *txStore) UpdateAttendance(ctx context.Context, rec engine.AttendanceRecord) error {
	return updateAttendance(ctx, ts.tx, rec)
}

func (ts *txStore) DeleteAttendanceByKey(ctx context.Context, key engine.Key) (int, error) {
	return deleteAttendanceByKey(ctx, ts.tx, key)
}

func (ts *txStore) InsertPerformance(ctx context.Context, rec engine.PerformanceRecord) error {
	return insertPerformance(ctx, ts.tx, rec)
}

func (ts *txStore) GetPerformance(ctx context.Context, id engine.RecordID) (engine.PerformanceRecord, error) {
	return getPerformance(ctx, ts.tx, id)
}

func (ts *txStore) FindIndividual(ctx context.Context, key engine.Key) (engine.PerformanceRecord, error) {
	return findIndividual(ctx, ts.tx, key)
}

func (ts *txStore) QueryPerformance(ctx context.Context, f engine.Filter) ([]engine.PerformanceRecord, error) {
	return queryPerformance(ctx, ts.tx, f)
}

func (ts *txStore) UpdatePerformance(ctx context.Context, rec engine.PerformanceRecord) error {
	return updatePerformance(ctx, ts.tx, rec)
}

func (ts *txStore) DeletePerformance(ctx context.Context, id engine.RecordID) error {
	return deletePerformance(ctx, ts.tx, id)
}

// =============================================================================
// ROSTER & CATALOG
// =============================================================================

// SaveMember upserts a member and replaces its enrollments.
func (s *Store) SaveMember(ctx context.Context, m engine.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO members (id, name, gender, birth_date, phone, fee, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			gender = excluded.gender,
			birth_date = excluded.birth_date,
			phone = excluded.phone,
			fee = excluded.fee,
			status = excluded.status`,
		m.ID, m.Name, m.Gender, m.BirthDate, m.Phone, m.Fee, string(m.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to save member: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM member_programs WHERE member_id = ?`, m.ID); err != nil {
		return fmt.Errorf("failed to save member programs: %w", err)
	}
	for _, sp := range m.SubPrograms {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO member_programs (member_id, sub_program) VALUES (?, ?)`, m.ID, sp); err != nil {
			return fmt.Errorf("failed to save member programs: %w", err)
		}
	}
	return tx.Commit()
}

const memberSelect = `
	SELECT m.id, m.name, m.gender, m.birth_date, m.phone, m.fee, m.status,
		(SELECT GROUP_CONCAT(sub_program, char(31)) FROM member_programs WHERE member_id = m.id)
	FROM members m`

func (s *Store) MembersInSubProgram(ctx context.Context, subProgram string) ([]engine.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, memberSelect+`
		JOIN member_programs mp ON mp.member_id = m.id
		WHERE mp.sub_program = ?
		ORDER BY m.id`, subProgram)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var out []engine.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) Member(ctx context.Context, id engine.MemberID) (engine.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanMember(s.db.QueryRowContext(ctx, memberSelect+` WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Member{}, engine.ErrRecordNotFound
	}
	return m, err
}

func scanMember(row interface{ Scan(...any) error }) (engine.Member, error) {
	var (
		m      engine.Member
		status string
		subs   sql.NullString
	)
	if err := row.Scan(&m.ID, &m.Name, &m.Gender, &m.BirthDate, &m.Phone, &m.Fee, &status, &subs); err != nil {
		return engine.Member{}, err
	}
	m.Status = engine.MemberStatus(status)
	if subs.Valid && subs.String != "" {
		m.SubPrograms = strings.Split(subs.String, "\x1f")
	}
	return m, nil
}

func (s *Store) SaveProgram(ctx context.Context, p engine.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO programs (name, function, team, unit) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			function = excluded.function,
			team = excluded.team,
			unit = excluded.unit`,
		p.Name, p.Function, p.Team, p.Unit)
	return err
}

// Classify returns the zero Classification for programs not in the catalog.
func (s *Store) Classify(ctx context.Context, subProgram string) (engine.Classification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c engine.Classification
	err := s.db.QueryRowContext(ctx,
		`SELECT function, team, unit FROM programs WHERE name = ?`, subProgram,
	).Scan(&c.Function, &c.Team, &c.Unit)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Classification{}, nil
	}
	return c, err
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// SaveAuditRun inserts or updates a run by ID.
func (s *Store) SaveAuditRun(ctx context.Context, r engine.AuditRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt *string
	if r.CompletedAt != nil {
		v := formatTime(*r.CompletedAt)
		completedAt = &v
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_runs (id, status, repair, orphan_attendance, missing_attendance,
			repaired, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			repair = excluded.repair,
			orphan_attendance = excluded.orphan_attendance,
			missing_attendance = excluded.missing_attendance,
			repaired = excluded.repaired,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		r.ID, r.Status, r.Repair, r.OrphanAttendance, r.MissingAttendance,
		r.Repaired, r.Error, formatTime(r.StartedAt), completedAt,
	)
	return err
}

// ListAuditRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListAuditRuns(ctx context.Context, limit int) ([]engine.AuditRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, repair, orphan_attendance, missing_attendance, repaired, error,
			started_at, completed_at
		FROM audit_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []engine.AuditRun
	for rows.Next() {
		var (
			r           engine.AuditRun
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.Status, &r.Repair, &r.OrphanAttendance, &r.MissingAttendance,
			&r.Repaired, &r.Error, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"attendance_events", "performance_records", "member_programs", "members", "programs", "audit_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrRecordNotFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
