package router_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/meshcore/frame"
	"github.com/fieldmesh/meshcore/router"
	"github.com/fieldmesh/meshcore/topology"
)

func TestFindBestRouteDirectHop(t *testing.T) {
	g := topology.New()
	g.AddEdge("a", "b")

	r := router.New(g, nil)
	r.UpdateMetrics("b", 1.0, 0.0)

	path, ok := r.FindBestRoute("a", "b", false)
	require.True(t, ok)
	assert.Equal(t, []frame.PeerID{"a", "b"}, path)
}

func TestFindBestRoutePrefersHigherReliabilityPath(t *testing.T) {
	g := topology.New()
	// a-b-d (b unreliable), a-c-d (c reliable)
	g.AddEdge("a", "b")
	g.AddEdge("b", "d")
	g.AddEdge("a", "c")
	g.AddEdge("c", "d")

	r := router.New(g, nil)
	r.UpdateMetrics("b", 0.1, 0.5)
	r.UpdateMetrics("c", 0.95, 0.0)

	path, ok := r.FindBestRoute("a", "d", false)
	require.True(t, ok)
	assert.Contains(t, path, frame.PeerID("c"))
}

func TestFindBestRouteNoRouteReturnsFalse(t *testing.T) {
	g := topology.New()
	g.AddEdge("a", "b")
	g.AddEdge("x", "y")

	r := router.New(g, nil)
	_, ok := r.FindBestRoute("a", "y", false)
	assert.False(t, ok)
}

func TestMarkFailedExcludesPeerFromRouting(t *testing.T) {
	g := topology.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "d")
	g.AddEdge("a", "c")
	g.AddEdge("c", "d")

	r := router.New(g, nil)
	r.UpdateMetrics("b", 1.0, 0.0)
	r.UpdateMetrics("c", 1.0, 0.0)

	r.MarkFailed("b")

	path, ok := r.FindBestRoute("a", "d", false)
	require.True(t, ok)
	assert.NotContains(t, path, frame.PeerID("b"))
}

func TestEmergencyPathIsCachedAndReused(t *testing.T) {
	g := topology.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "d")

	r := router.New(g, nil)
	r.UpdateMetrics("b", 1.0, 0.0)

	first, ok := r.FindBestRoute("a", "d", true)
	require.True(t, ok)

	second, ok := r.FindBestRoute("a", "d", true)
	require.True(t, ok)
	assert.Equal(t, first, second)
}

func TestEmergencyCacheInvalidatedWhenHopFails(t *testing.T) {
	g := topology.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "d")
	g.AddEdge("a", "c")
	g.AddEdge("c", "d")

	r := router.New(g, nil)
	r.UpdateMetrics("b", 1.0, 0.0)
	r.UpdateMetrics("c", 0.9, 0.0)

	first, ok := r.FindBestRoute("a", "d", true)
	require.True(t, ok)

	var failedHop frame.PeerID
	for _, hop := range first {
		if hop != "a" && hop != "d" {
			failedHop = hop
		}
	}
	require.NotEmpty(t, failedHop)

	r.MarkFailed(failedHop)

	second, ok := r.FindBestRoute("a", "d", true)
	require.True(t, ok)
	assert.NotContains(t, second, failedHop)
}

func TestStaleMetricsScoreZeroExcludesPeerFromReliability(t *testing.T) {
	base := time.Now()
	clock := base
	now := func() time.Time { return clock }

	g := topology.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "d")
	g.AddEdge("a", "c")
	g.AddEdge("c", "d")

	r := router.New(g, now)
	r.UpdateMetrics("b", 1.0, 0.0)
	r.UpdateMetrics("c", 1.0, 0.0)

	clock = base.Add(90 * time.Second) // b goes stale, c kept fresh via heartbeat
	r.RefreshHeartbeat("c")

	path, ok := r.FindBestRoute("a", "d", false)
	require.True(t, ok)
	assert.Contains(t, path, frame.PeerID("c"))
}
