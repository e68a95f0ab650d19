package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(MetricsConfig{
		Enabled:       true,
		ListenAddress: ":0",
		Path:          "/metrics",
		Namespace:     "layerctl",
	})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	return m
}

func TestActiveBuildsGaugeBalanced(t *testing.T) {
	m := testMetrics(t)

	m.RecordBuildActive()
	if got := testutil.ToFloat64(m.activeBuilds); got != 1 {
		t.Errorf("gauge after start = %v, want 1", got)
	}
	m.RecordBuildCompleted("published", time.Second)
	if got := testutil.ToFloat64(m.activeBuilds); got != 0 {
		t.Errorf("gauge after completion = %v, want 0", got)
	}

	// A build that fails before its flavor resolves still moves the
	// gauge through the same increment/decrement pair.
	m.RecordBuildActive()
	m.RecordBuildCompleted("failed", time.Millisecond)
	if got := testutil.ToFloat64(m.activeBuilds); got != 0 {
		t.Errorf("gauge after early failure = %v, want 0, never negative", got)
	}
}

func TestRecordFeaturesDeduped(t *testing.T) {
	m := testMetrics(t)
	m.RecordFeaturesDeduped(3)
	m.RecordFeaturesDeduped(2)
	if got := testutil.ToFloat64(m.featuresDeduped); got != 5 {
		t.Errorf("deduplicated counter = %v, want 5", got)
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	// None of these may panic on the nil collectors.
	m.RecordBuildActive()
	m.RecordBuildStarted("centos9")
	m.RecordBuildCompleted("published", time.Second)
	m.RecordFeaturesDeduped(1)
	m.RecordGCPass("ok", 1, 0, time.Second)
	m.RecordError("build")
}
