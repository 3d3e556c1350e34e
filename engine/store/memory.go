// Package store provides an in-memory engine.Backend.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/attendance-ledger/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps both record collections and the reference data in maps.
// Records and reference data have separate locks so roster lookups never
// wait on an open transaction.
type Memory struct {
	mu          sync.RWMutex
	attendance  map[engine.RecordID]engine.AttendanceRecord
	performance map[engine.RecordID]engine.PerformanceRecord
	seq         map[engine.RecordID]int
	next        int

	refMu    sync.RWMutex
	members  map[engine.MemberID]engine.Member
	programs map[string]engine.Program
	audits   []engine.AuditRun
}

var _ engine.Backend = (*Memory)(nil)

func NewMemory() *Memory {
	m := &Memory{}
	m.resetRecords()
	m.resetReference()
	return m
}

func (m *Memory) resetRecords() {
	m.attendance = make(map[engine.RecordID]engine.AttendanceRecord)
	m.performance = make(map[engine.RecordID]engine.PerformanceRecord)
	m.seq = make(map[engine.RecordID]int)
	m.next = 0
}

func (m *Memory) resetReference() {
	m.members = make(map[engine.MemberID]engine.Member)
	m.programs = make(map[string]engine.Program)
	m.audits = nil
}

func (m *Memory) Close() error { return nil }

// Reset drops everything.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	m.resetRecords()
	m.mu.Unlock()

	m.refMu.Lock()
	m.resetReference()
	m.refMu.Unlock()
	return nil
}

// =============================================================================
// RECORDS (engine.Store)
// =============================================================================

func (m *Memory) InsertAttendance(_ context.Context, rec engine.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertAttendanceLocked(rec)
}

func (m *Memory) QueryAttendance(_ context.Context, f engine.Filter) ([]engine.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryAttendanceLocked(f), nil
}

func (m *Memory) UpdateAttendance(_ context.Context, rec engine.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAttendanceLocked(rec)
}

func (m *Memory) DeleteAttendanceByKey(_ context.Context, key engine.Key) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteAttendanceLocked(key), nil
}

func (m *Memory) InsertPerformance(_ context.Context, rec engine.PerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertPerformanceLocked(rec)
}

func (m *Memory) GetPerformance(_ context.Context, id engine.RecordID) (engine.PerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getPerformanceLocked(id)
}

func (m *Memory) FindIndividual(_ context.Context, key engine.Key) (engine.PerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findIndividualLocked(key)
}

func (m *Memory) QueryPerformance(_ context.Context, f engine.Filter) ([]engine.PerformanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryPerformanceLocked(f), nil
}

func (m *Memory) UpdatePerformance(_ context.Context, rec engine.PerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePerformanceLocked(rec)
}

func (m *Memory) DeletePerformance(_ context.Context, id engine.RecordID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletePerformanceLocked(id)
}

// --- locked implementations ---

func (m *Memory) insertAttendanceLocked(rec engine.AttendanceRecord) error {
	if _, exists := m.attendance[rec.ID]; exists {
		return engine.ErrDuplicateKey
	}
	for _, existing := range m.attendance {
		if existing.Key() == rec.Key() {
			return engine.ErrDuplicateKey
		}
	}
	m.attendance[rec.ID] = rec
	m.seq[rec.ID] = m.next
	m.next++
	return nil
}

func (m *Memory) queryAttendanceLocked(f engine.Filter) []engine.AttendanceRecord {
	var out []engine.AttendanceRecord
	for _, rec := range m.attendance {
		if f.MatchAttendance(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out
}

func (m *Memory) updateAttendanceLocked(rec engine.AttendanceRecord) error {
	if _, ok := m.attendance[rec.ID]; !ok {
		return engine.ErrRecordNotFound
	}
	for id, existing := range m.attendance {
		if id != rec.ID && existing.Key() == rec.Key() {
			return engine.ErrDuplicateKey
		}
	}
	m.attendance[rec.ID] = rec
	return nil
}

func (m *Memory) deleteAttendanceLocked(key engine.Key) int {
	n := 0
	for id, rec := range m.attendance {
		if rec.Key() == key {
			delete(m.attendance, id)
			delete(m.seq, id)
			n++
		}
	}
	return n
}

func (m *Memory) insertPerformanceLocked(rec engine.PerformanceRecord) error {
	if _, exists := m.performance[rec.ID]; exists {
		return engine.ErrDuplicateKey
	}
	if m.clashesLocked(rec) {
		return engine.ErrDuplicateKey
	}
	m.performance[rec.ID] = rec
	m.seq[rec.ID] = m.next
	m.next++
	return nil
}

// clashesLocked mirrors the unique indexes of the database backends.
func (m *Memory) clashesLocked(rec engine.PerformanceRecord) bool {
	for id, existing := range m.performance {
		if id == rec.ID || existing.Kind != rec.Kind {
			continue
		}
		switch rec.Kind {
		case engine.KindIndividual:
			if existing.Key() == rec.Key() {
				return true
			}
		case engine.KindBulk:
			if rec.Fingerprint != "" && existing.Fingerprint == rec.Fingerprint {
				return true
			}
		}
	}
	return false
}

func (m *Memory) getPerformanceLocked(id engine.RecordID) (engine.PerformanceRecord, error) {
	rec, ok := m.performance[id]
	if !ok {
		return engine.PerformanceRecord{}, engine.ErrRecordNotFound
	}
	return rec, nil
}

func (m *Memory) findIndividualLocked(key engine.Key) (engine.PerformanceRecord, error) {
	for _, rec := range m.performance {
		if rec.Kind == engine.KindIndividual && rec.Key() == key {
			return rec, nil
		}
	}
	return engine.PerformanceRecord{}, engine.ErrRecordNotFound
}

func (m *Memory) queryPerformanceLocked(f engine.Filter) []engine.PerformanceRecord {
	var out []engine.PerformanceRecord
	for _, rec := range m.performance {
		if f.MatchPerformance(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out
}

func (m *Memory) updatePerformanceLocked(rec engine.PerformanceRecord) error {
	if _, ok := m.performance[rec.ID]; !ok {
		return engine.ErrRecordNotFound
	}
	if m.clashesLocked(rec) {
		return engine.ErrDuplicateKey
	}
	m.performance[rec.ID] = rec
	return nil
}

func (m *Memory) deletePerformanceLocked(id engine.RecordID) error {
	if _, ok := m.performance[id]; !ok {
		return engine.ErrRecordNotFound
	}
	delete(m.performance, id)
	delete(m.seq, id)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	attendance  map[engine.RecordID]engine.AttendanceRecord
	performance map[engine.RecordID]engine.PerformanceRecord
	seq         map[engine.RecordID]int
	next        int
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		attendance:  make(map[engine.RecordID]engine.AttendanceRecord, len(m.attendance)),
		performance: make(map[engine.RecordID]engine.PerformanceRecord, len(m.performance)),
		seq:         make(map[engine.RecordID]int, len(m.seq)),
		next:        m.next,
	}
	for k, v := range m.attendance {
		s.attendance[k] = v
	}
	for k, v := range m.performance {
		s.performance[k] = v
	}
	for k, v := range m.seq {
		s.seq[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.attendance = s.attendance
	m.performance = s.performance
	m.seq = s.seq
	m.next = s.next
}

// txView runs against the parent's maps while the parent lock is held.
type txView struct {
	m *Memory
}

func (v *txView) InsertAttendance(_ context.Context, rec engine.AttendanceRecord) error {
	return v.m.insertAttendanceLocked(rec)
}

func (v *txView) QueryAttendance(_ context.Context, f engine.Filter) ([]engine.AttendanceRecord, error) {
	return v.m.queryAttendanceLocked(f), nil
}

func (v *txView) UpdateAttendance(_ context.Context, rec engine.AttendanceRecord) error {
	return v.m.updateAttendanceLocked(rec)
}

func (v *txView) DeleteAttendanceByKey(_ context.Context, key engine.Key) (int, error) {
	return v.m.deleteAttendanceLocked(key), nil
}

func (v *txView) InsertPerformance(_ context.Context, rec engine.PerformanceRecord) error {
	return v.m.insertPerformanceLocked(rec)
}

func (v *txView) GetPerformance(_ context.Context, id engine.RecordID) (engine.PerformanceRecord, error) {
	return v.m.getPerformanceLocked(id)
}

func (v *txView) FindIndividual(_ context.Context, key engine.Key) (engine.PerformanceRecord, error) {
	return v.m.findIndividualLocked(key)
}

func (v *txView) QueryPerformance(_ context.Context, f engine.Filter) ([]engine.PerformanceRecord, error) {
	return v.m.queryPerformanceLocked(f), nil
}

func (v *txView) UpdatePerformance(_ context.Context, rec engine.PerformanceRecord) error {
	return v.m.updatePerformanceLocked(rec)
}

func (v *txView) DeletePerformance(_ context.Context, id engine.RecordID) error {
	return v.m.deletePerformanceLocked(id)
}

// =============================================================================
// REFERENCE DATA (engine.Roster, engine.Classifier, engine.RosterWriter)
// =============================================================================

func (m *Memory) SaveMember(_ context.Context, member engine.Member) error {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	member.SubPrograms = append([]string(nil), member.SubPrograms...)
	m.members[member.ID] = member
	return nil
}

func (m *Memory) SaveProgram(_ context.Context, p engine.Program) error {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	m.programs[p.Name] = p
	return nil
}

func (m *Memory) MembersInSubProgram(_ context.Context, subProgram string) ([]engine.Member, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()

	var out []engine.Member
	for _, member := range m.members {
		if member.EnrolledIn(subProgram) {
			member.SubPrograms = append([]string(nil), member.SubPrograms...)
			out = append(out, member)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Member(_ context.Context, id engine.MemberID) (engine.Member, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()

	member, ok := m.members[id]
	if !ok {
		return engine.Member{}, engine.ErrRecordNotFound
	}
	member.SubPrograms = append([]string(nil), member.SubPrograms...)
	return member, nil
}

func (m *Memory) Classify(_ context.Context, subProgram string) (engine.Classification, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	return m.programs[subProgram].Classification, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) SaveAuditRun(_ context.Context, run engine.AuditRun) error {
	m.refMu.Lock()
	defer m.refMu.Unlock()
	for i, existing := range m.audits {
		if existing.ID == run.ID {
			m.audits[i] = run
			return nil
		}
	}
	m.audits = append(m.audits, run)
	return nil
}

// ListAuditRuns returns the most recent runs first.
func (m *Memory) ListAuditRuns(_ context.Context, limit int) ([]engine.AuditRun, error) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()

	out := make([]engine.AuditRun, 0, len(m.audits))
	for i := len(m.audits) - 1; i >= 0; i-- {
		out = append(out, m.audits[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
