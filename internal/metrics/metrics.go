// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReportsTotal counts processed reports by classification and outcome.
	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_reports_total",
			Help: "Incident reports processed, by classification and outcome.",
		},
		[]string{"classification", "outcome"},
	)

	// ReportDuration tracks end-to-end report handling latency.
	ReportDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "responder_report_duration_seconds",
			Help:    "End-to-end report handling latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"classification"},
	)

	// ResolvesTotal counts resolve operations by outcome.
	ResolvesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_resolves_total",
			Help: "Resolve operations, by outcome.",
		},
		[]string{"outcome"},
	)

	// IndexDirtyRecords gauges records awaiting index repair.
	IndexDirtyRecords = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "responder_index_dirty_records",
			Help: "Records whose index projection is pending repair.",
		},
	)

	// IndexRepairsTotal counts repair attempts by result.
	IndexRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "responder_index_repairs_total",
			Help: "Index repair attempts, by result.",
		},
		[]string{"result"},
	)

	// VersionConflictsTotal counts compare-and-swap retries on the record store.
	VersionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "responder_version_conflicts_total",
			Help: "Version conflicts observed on durable writes.",
		},
	)

	// IdempotentReplaysTotal counts reports short-circuited by a request token.
	IdempotentReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "responder_idempotent_replays_total",
			Help: "Reports answered from a previously reserved request token.",
		},
	)
)

// Register installs all collectors on the given registerer. Registering twice
// is tolerated so tests and embedded callers can share the default registry.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		ReportsTotal,
		ReportDuration,
		ResolvesTotal,
		IndexDirtyRecords,
		IndexRepairsTotal,
		VersionConflictsTotal,
		IdempotentReplaysTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
