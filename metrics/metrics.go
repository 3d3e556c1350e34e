// Package metrics exposes Prometheus instruments for the ingest and sync paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attendanceResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "attendance",
		Name:      "results_total",
		Help:      "Attendance ingest results broken down by outcome and duplicate tier.",
	}, []string{"outcome", "tier"})

	bulkResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "bulk",
		Name:      "results_total",
		Help:      "Bulk performance ingest results broken down by outcome.",
	}, []string{"outcome"})

	syncOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Subsystem: "sync",
		Name:      "operations_total",
		Help:      "Mirror synchronization operations broken down by operation and result.",
	}, []string{"op", "result"})

	auditDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ledger",
		Subsystem: "audit",
		Name:      "drift_records",
		Help:      "Records found out of mirror by the last audit run.",
	}, []string{"kind"})
)

// RecordAttendanceResult counts one attendance result entry.
func RecordAttendanceResult(outcome, tier string) {
	if tier == "" {
		tier = "none"
	}
	attendanceResults.WithLabelValues(outcome, tier).Inc()
}

func RecordBulkResult(outcome string) {
	bulkResults.WithLabelValues(outcome).Inc()
}

// RecordSync counts a synchronizer operation; err == nil is a success.
func RecordSync(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	syncOperations.WithLabelValues(op, result).Inc()
}

func RecordAuditDrift(orphanAttendance, missingAttendance int) {
	auditDrift.WithLabelValues("orphan_attendance").Set(float64(orphanAttendance))
	auditDrift.WithLabelValues("missing_attendance").Set(float64(missingAttendance))
}
