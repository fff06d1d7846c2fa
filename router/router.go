// Package router implements the Router (spec §4.4, component C7): up
// to three vertex-disjoint candidate routes scored by EWMA
// reliability, with a cached emergency-path fast path.
package router

import (
	"math"
	"sync"
	"time"

	"github.com/fieldmesh/meshcore/frame"
	"github.com/fieldmesh/meshcore/topology"
)

const maxCandidatePaths = 3
const hopPenaltyBase = 0.9
const emergencyTieMargin = 0.1

// Router finds and scores routes over a topology.Graph, maintaining
// an exclusion set for failed peers and a cache of validated
// emergency paths.
type Router struct {
	graph   *topology.Graph
	metrics *metricsTable

	mu             sync.Mutex
	emergencyCache map[frame.PeerID][]frame.PeerID

	now func() time.Time
}

// New builds a Router over graph. now defaults to time.Now.
func New(graph *topology.Graph, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{
		graph:          graph,
		metrics:        newMetricsTable(now),
		emergencyCache: make(map[frame.PeerID][]frame.PeerID),
		now:            now,
	}
}

// UpdateMetrics folds a fresh signal/loss sample into peer's EWMA
// route metrics and refreshes its last-heartbeat timestamp (spec
// §4.4).
func (r *Router) UpdateMetrics(peer frame.PeerID, signal, loss float64) {
	r.metrics.update(peer, signal, loss)
}

// RefreshHeartbeat bumps peer's last-heartbeat without touching its
// signal/loss estimate (spec §4.5 step 6).
func (r *Router) RefreshHeartbeat(peer frame.PeerID) {
	r.metrics.refreshHeartbeat(peer)
}

// MarkFailed excludes peer from future route computation.
func (r *Router) MarkFailed(peer frame.PeerID) {
	r.metrics.markFailed(peer)
	r.invalidateRoutesThrough(peer)
}

// MarkRecovered re-admits peer to route computation.
func (r *Router) MarkRecovered(peer frame.PeerID) {
	r.metrics.markRecovered(peer)
}

func (r *Router) invalidateRoutesThrough(peer frame.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dst, path := range r.emergencyCache {
		for _, hop := range path {
			if hop == peer {
				delete(r.emergencyCache, dst)
				break
			}
		}
	}
}

type candidate struct {
	path        []frame.PeerID
	reliability float64
}

// FindBestRoute returns the best path from src to dst (spec §4.4).
// A nil, false result means "no route" and callers fall back to
// broadcast or drop.
func (r *Router) FindBestRoute(src, dst frame.PeerID, isEmergency bool) ([]frame.PeerID, bool) {
	if isEmergency {
		if cached, ok := r.validCachedEmergencyPath(dst); ok {
			return cached, true
		}
	}

	candidates := r.disjointCandidates(src, dst)
	if len(candidates) == 0 {
		return nil, false
	}

	best := r.selectBest(candidates, isEmergency)
	if best == nil {
		return nil, false
	}

	if isEmergency {
		r.mu.Lock()
		r.emergencyCache[dst] = best.path
		r.mu.Unlock()
	}
	return best.path, true
}

func (r *Router) validCachedEmergencyPath(dst frame.PeerID) ([]frame.PeerID, bool) {
	r.mu.Lock()
	path, ok := r.emergencyCache[dst]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	excluded := r.metrics.excluded()
	for _, hop := range path {
		if _, blocked := excluded[hop]; blocked {
			return nil, false
		}
		if r.metrics.scoreOf(hop) <= 0 {
			return nil, false
		}
	}
	return path, true
}

// disjointCandidates computes up to maxCandidatePaths vertex-disjoint
// routes by repeated BFS, excluding the interior vertices of every
// previously found path (spec §4.4 step 2).
func (r *Router) disjointCandidates(src, dst frame.PeerID) []candidate {
	excluded := r.metrics.excluded()
	var out []candidate

	for len(out) < maxCandidatePaths {
		path, ok := r.graph.FindRoute(src, dst, excluded)
		if !ok {
			break
		}
		out = append(out, candidate{path: path, reliability: r.reliability(path)})
		for _, v := range path {
			if v == src || v == dst {
				continue
			}
			excluded[v] = struct{}{}
		}
	}
	return out
}

// reliability computes Π route_score(v) over interior vertices (spec
// §4.4 step 3). A path with no interior vertices (direct hop) scores
// 1.0.
func (r *Router) reliability(path []frame.PeerID) float64 {
	if len(path) <= 2 {
		return 1.0
	}
	score := 1.0
	for _, v := range path[1 : len(path)-1] {
		score *= r.metrics.scoreOf(v)
	}
	return score
}

func (r *Router) selectBest(candidates []candidate, isEmergency bool) *candidate {
	if len(candidates) == 0 {
		return nil
	}

	if isEmergency {
		best := &candidates[0]
		for i := 1; i < len(candidates); i++ {
			c := &candidates[i]
			if c.reliability > best.reliability+emergencyTieMargin {
				best = c
			} else if math.Abs(c.reliability-best.reliability) <= emergencyTieMargin && len(c.path) < len(best.path) {
				best = c
			}
		}
		if best.reliability <= 0 {
			return nil
		}
		return best
	}

	var best *candidate
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		score := c.reliability * math.Pow(hopPenaltyBase, float64(len(c.path)-2))
		if best == nil || score > bestScore {
			best = c
			bestScore = score
		}
	}
	if best == nil || best.reliability <= 0 {
		return nil
	}
	return best
}
