// Package topology maintains the local view of mesh connectivity: an
// undirected adjacency graph and a breadth-first route finder (spec
// §4.4, component C6).
package topology

import (
	"sync"

	"github.com/fieldmesh/meshcore/frame"
)

// Graph is a mutex-guarded undirected adjacency set. Every edge is
// stored symmetrically: adding (a, b) makes b reachable from a's
// neighbor list and a reachable from b's.
type Graph struct {
	mu    sync.RWMutex
	edges map[frame.PeerID]map[frame.PeerID]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{edges: make(map[frame.PeerID]map[frame.PeerID]struct{})}
}

func (g *Graph) ensure(p frame.PeerID) map[frame.PeerID]struct{} {
	n, ok := g.edges[p]
	if !ok {
		n = make(map[frame.PeerID]struct{})
		g.edges[p] = n
	}
	return n
}

// AddEdge records an adjacency between a and b. A self-loop is a
// no-op.
func (g *Graph) AddEdge(a, b frame.PeerID) {
	if a == b {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensure(a)[b] = struct{}{}
	g.ensure(b)[a] = struct{}{}
}

// RemoveVertex deletes p and every edge incident to it.
func (g *Graph) RemoveVertex(p frame.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for neighbor := range g.edges[p] {
		delete(g.edges[neighbor], p)
	}
	delete(g.edges, p)
}

// Neighbors returns a snapshot of p's adjacent peers.
func (g *Graph) Neighbors(p frame.PeerID) []frame.PeerID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]frame.PeerID, 0, len(g.edges[p]))
	for n := range g.edges[p] {
		out = append(out, n)
	}
	return out
}

// HasVertex reports whether p is currently recorded in the graph;
// RemoveVertex clears it.
func (g *Graph) HasVertex(p frame.PeerID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[p]
	return ok
}

// Merge folds a received adjacency snapshot into the graph (spec
// §4.5 step 7: routing_update merges the sender's adjacency list).
func (g *Graph) Merge(source frame.PeerID, neighbors []frame.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range neighbors {
		if n == source {
			continue
		}
		g.ensure(source)[n] = struct{}{}
		g.ensure(n)[source] = struct{}{}
	}
}

// Snapshot returns the local peer's current neighbor list, used for
// the forwarder's post connect/disconnect routing-update broadcast.
func (g *Graph) Snapshot(local frame.PeerID) []frame.PeerID {
	return g.Neighbors(local)
}

// FindRoute runs BFS from src to dst, skipping every vertex in
// excluded, and returns the shortest path as [src, ..., dst]. Returns
// (nil, false) if dst is unreachable (spec §4.4).
func (g *Graph) FindRoute(src, dst frame.PeerID, excluded map[frame.PeerID]struct{}) ([]frame.PeerID, bool) {
	if src == dst {
		return []frame.PeerID{src}, true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, excludedSrc := excluded[src]; excludedSrc {
		return nil, false
	}

	visited := map[frame.PeerID]struct{}{src: {}}
	prev := map[frame.PeerID]frame.PeerID{}
	queue := []frame.PeerID{src}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for n := range g.edges[cur] {
			if _, blocked := excluded[n]; blocked {
				continue
			}
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			prev[n] = cur
			if n == dst {
				return reconstruct(prev, src, dst), true
			}
			queue = append(queue, n)
		}
	}
	return nil, false
}

func reconstruct(prev map[frame.PeerID]frame.PeerID, src, dst frame.PeerID) []frame.PeerID {
	path := []frame.PeerID{dst}
	for cur := dst; cur != src; {
		cur = prev[cur]
		path = append(path, cur)
	}
	// reverse into src -> dst order
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
