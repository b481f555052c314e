package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.LockAcquired("table", "acquired", 20*time.Millisecond)
	m.LockAcquired("table", "timeout", time.Second)
	m.LockReleased()
	m.CheckpointResult("pre", true)
	m.CheckpointResult("post", false)
	m.Rollback("succeeded")
	m.RiskScore(62)
	m.StagingRun("failed")
	m.OperationFinished("drop_column", "succeeded", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockAcquisitions.WithLabelValues("table", "acquired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockAcquisitions.WithLabelValues("table", "timeout")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.locksActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkpointResults.WithLabelValues("post", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rollbacks.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stagingRuns.WithLabelValues("failed")))

	count, err := testutil.GatherAndCount(reg, "schemaguard_risk_score", "schemaguard_lock_wait_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LockAcquired("schema", "acquired", 0)
		m.LockReleased()
		m.CheckpointResult("pre", true)
		m.Rollback("failed")
		m.RiskScore(10)
		m.StagingRun("succeeded")
		m.OperationFinished("x", "y", 0)
	})
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(nil)
		NewMetrics(nil)
	})
}

func TestSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer(TracerName)

	_, ok := StartSpan(context.Background(), tracer, "analyze", attribute.String("target", "orders"))
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), tracer, "execute")
	EndSpan(failed, errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "analyze", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("target", "orders"))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}
