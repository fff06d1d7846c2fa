package topology_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fieldmesh/meshcore/frame"
	"github.com/fieldmesh/meshcore/topology"
)

func TestAddEdgeIsSymmetric(t *testing.T) {
	g := topology.New()
	g.AddEdge("a", "b")

	assert.ElementsMatch(t, []frame.PeerID{"b"}, g.Neighbors("a"))
	assert.ElementsMatch(t, []frame.PeerID{"a"}, g.Neighbors("b"))
}

func TestRemoveVertexDropsIncidentEdges(t *testing.T) {
	g := topology.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	g.RemoveVertex("b")

	assert.Empty(t, g.Neighbors("a"))
	assert.Empty(t, g.Neighbors("c"))
	assert.False(t, g.HasVertex("b"))
}

func TestFindRouteShortestPath(t *testing.T) {
	g := topology.New()
	// a - b - c - d
	// a - e - d  (no direct a-d edge; the route via e is shorter)
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "d")
	g.AddEdge("a", "e")
	g.AddEdge("e", "d")

	path, ok := g.FindRoute("a", "d", nil)
	assert.True(t, ok)
	assert.Equal(t, 3, len(path), "shortest route should be a-e-d")
	assert.Equal(t, frame.PeerID("a"), path[0])
	assert.Equal(t, frame.PeerID("d"), path[len(path)-1])
}

func TestFindRouteUnreachableReturnsFalse(t *testing.T) {
	g := topology.New()
	g.AddEdge("a", "b")
	g.AddEdge("x", "y")

	_, ok := g.FindRoute("a", "y", nil)
	assert.False(t, ok)
}

func TestFindRouteRespectsExcluded(t *testing.T) {
	g := topology.New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("a", "d")
	g.AddEdge("d", "c")

	excluded := map[frame.PeerID]struct{}{"b": {}}
	path, ok := g.FindRoute("a", "c", excluded)
	assert.True(t, ok)
	assert.NotContains(t, path, frame.PeerID("b"))
}

func TestMergeAddsAdjacenciesFromSnapshot(t *testing.T) {
	g := topology.New()
	g.Merge("peer1", []frame.PeerID{"peer2", "peer3"})

	assert.ElementsMatch(t, []frame.PeerID{"peer2", "peer3"}, g.Neighbors("peer1"))
	assert.Contains(t, g.Neighbors("peer2"), frame.PeerID("peer1"))
}

func TestFindRouteSameSourceAndDest(t *testing.T) {
	g := topology.New()
	g.AddEdge("a", "b")
	path, ok := g.FindRoute("a", "a", nil)
	assert.True(t, ok)
	assert.Equal(t, []frame.PeerID{"a"}, path)
}
