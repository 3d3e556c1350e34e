/*
scheduler.go - Automated mirror audit scheduler

PURPOSE:
  Periodically checks that every attendance event has its individual
  performance mirror and vice versa, and records each check as an
  AuditRun for the admin endpoints.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - With Repair set, drift is fixed following the delete rule
  - Overlapping runs are serialized (manual + scheduled)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)
  - Repair: Whether scheduled runs repair drift (default: false)

USAGE:
  scheduler := NewAuditScheduler(backend, sync, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerAudit endpoint (manual audit)
  - engine/ledger.go: Synchronizer.Audit
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/attendance-ledger/engine"
)

// AuditScheduler handles automated mirror audits.
type AuditScheduler struct {
	Log           engine.AuditLog
	Sync          *engine.Synchronizer
	CheckInterval time.Duration
	Enabled       bool
	Repair        bool
	Logger        logrus.FieldLogger
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(auditLog engine.AuditLog, sync *engine.Synchronizer, logger logrus.FieldLogger) *AuditScheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AuditScheduler{
		Log:           auditLog,
		Sync:          sync,
		CheckInterval: time.Hour,
		Enabled:       true,
		Logger:        logger.WithField("component", "audit-scheduler"),
		Now:           time.Now,
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.Logger.Info("disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)

	go as.run(as.ticker, as.stop)

	as.Logger.WithField("interval", as.CheckInterval).Info("started")
}

// Stop stops the scheduler and waits for an in-flight run.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.Logger.Info("stopped")
	}
}

func (as *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer as.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	as.scheduled(ctx)
	for {
		select {
		case <-ticker.C:
			as.scheduled(ctx)
		case <-stop:
			return
		}
	}
}

func (as *AuditScheduler) scheduled(ctx context.Context) {
	if _, _, err := as.RunNow(ctx, as.Repair); err != nil {
		as.Logger.WithError(err).Error("scheduled audit failed")
	}
}

// RunNow audits every record and stores the run. The run is saved as
// failed, with the error, when the audit itself fails.
func (as *AuditScheduler) RunNow(ctx context.Context, repair bool) (engine.AuditRun, engine.AuditReport, error) {
	as.runMu.Lock()
	defer as.runMu.Unlock()

	run := engine.AuditRun{
		ID:        engine.NewRecordID(),
		Status:    engine.AuditRunning,
		Repair:    repair,
		StartedAt: as.now(),
	}
	if err := as.Log.SaveAuditRun(ctx, run); err != nil {
		return run, engine.AuditReport{}, engine.Downstream("save audit run", err)
	}

	report, auditErr := as.Sync.Audit(ctx, engine.Filter{}, repair)

	completed := as.now()
	run.CompletedAt = &completed
	if auditErr != nil {
		run.Status = engine.AuditFailed
		run.Error = auditErr.Error()
	} else {
		run.Status = engine.AuditCompleted
		run.OrphanAttendance = len(report.OrphanAttendance)
		run.MissingAttendance = len(report.MissingAttendance)
		run.Repaired = report.Repaired
	}
	if err := as.Log.SaveAuditRun(ctx, run); err != nil && auditErr == nil {
		return run, report, engine.Downstream("save audit run", err)
	}
	if auditErr != nil {
		return run, engine.AuditReport{}, auditErr
	}

	fields := logrus.Fields{
		"run":                run.ID,
		"orphan_attendance":  run.OrphanAttendance,
		"missing_attendance": run.MissingAttendance,
		"repaired":           run.Repaired,
	}
	if report.Consistent() {
		as.Logger.WithFields(fields).Debug("mirror consistent")
	} else {
		as.Logger.WithFields(fields).Warn("mirror drift detected")
	}
	return run, report, nil
}

// NextRunTime returns when the next scheduled check will occur.
func (as *AuditScheduler) NextRunTime() time.Time {
	return as.now().Add(as.CheckInterval)
}

func (as *AuditScheduler) now() time.Time {
	if as.Now == nil {
		return time.Now().UTC()
	}
	return as.Now().UTC()
}
