package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/fieldmesh/meshcore/metrics"
)

func TestCountersIncrementIndependently(t *testing.T) {
	r := metrics.New()

	r.FramesSent.Inc()
	r.FramesSent.Inc()
	r.FramesReceived.Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(r.FramesSent))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.FramesReceived))
}

func TestHealthReportPenalizesNoPeersAndOpenCircuit(t *testing.T) {
	r := metrics.New()

	healthy := r.HealthReport(5, false, false)
	assert.Equal(t, 1.0, healthy.Score)
	assert.Empty(t, healthy.Recommendations)

	degraded := r.HealthReport(0, true, true)
	assert.Less(t, degraded.Score, healthy.Score)
	assert.Len(t, degraded.Recommendations, 3)
}

func TestGuardBlockedCounterVecLabelsIndependently(t *testing.T) {
	r := metrics.New()
	r.GuardBlocked.WithLabelValues("rate_limit").Inc()
	r.GuardBlocked.WithLabelValues("banned").Inc()
	r.GuardBlocked.WithLabelValues("banned").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(r.GuardBlocked.WithLabelValues("rate_limit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.GuardBlocked.WithLabelValues("banned")))
}
