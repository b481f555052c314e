// Package telemetry provides the prometheus collectors and the OpenTelemetry
// tracer used by schemaguard components.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "schemaguard"

// Metrics holds the schemaguard collectors. Every method is safe to call on
// a nil *Metrics, which records nothing.
type Metrics struct {
	lockAcquisitions  *prometheus.CounterVec
	lockWait          prometheus.Histogram
	locksActive       prometheus.Gauge
	checkpointResults *prometheus.CounterVec
	rollbacks         *prometheus.CounterVec
	riskScore         prometheus.Histogram
	stagingRuns       *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg uses a fresh
// private registry, which keeps tests and embedded use from colliding on
// the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		lockAcquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquisitions_total",
			Help:      "Lock acquisition attempts by scope and outcome",
		}, []string{"scope", "outcome"}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a lock",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		locksActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locks_active",
			Help:      "Locks currently held by this process",
		}),
		checkpointResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_results_total",
			Help:      "Validation checkpoint results by stage and outcome",
		}, []string{"stage", "outcome"}),
		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback attempts by outcome",
		}, []string{"outcome"}),
		riskScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Overall risk score of assessed operations",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		stagingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_runs_total",
			Help:      "Staging dry runs by outcome",
		}, []string{"outcome"}),
		operationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "End to end duration of orchestrated operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
	}
}

// LockAcquired records an acquisition attempt and how long it waited.
func (m *Metrics) LockAcquired(scope, outcome string, wait time.Duration) {
	if m == nil {
		return
	}
	m.lockAcquisitions.WithLabelValues(scope, outcome).Inc()
	m.lockWait.Observe(wait.Seconds())
	if outcome == "acquired" {
		m.locksActive.Inc()
	}
}

// LockReleased decrements the active lock gauge.
func (m *Metrics) LockReleased() {
	if m == nil {
		return
	}
	m.locksActive.Dec()
}

// CheckpointResult records one checkpoint run.
func (m *Metrics) CheckpointResult(stage string, passed bool) {
	if m == nil {
		return
	}
	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	m.checkpointResults.WithLabelValues(stage, outcome).Inc()
}

// Rollback records a rollback outcome.
func (m *Metrics) Rollback(outcome string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(outcome).Inc()
}

// RiskScore observes an overall risk score.
func (m *Metrics) RiskScore(score float64) {
	if m == nil {
		return
	}
	m.riskScore.Observe(score)
}

// StagingRun records a staging dry run outcome.
func (m *Metrics) StagingRun(outcome string) {
	if m == nil {
		return
	}
	m.stagingRuns.WithLabelValues(outcome).Inc()
}

// OperationFinished observes the duration of an orchestrated operation.
func (m *Metrics) OperationFinished(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}
