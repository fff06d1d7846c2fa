package router

import (
	"sync"
	"time"

	"github.com/fieldmesh/meshcore/frame"
)

const ewmaAlpha = 0.3
const staleAfter = 60 * time.Second

// routeMetrics is the EWMA-smoothed per-neighbor signal used to score
// candidate routes (spec §4.4: update_metrics(peer, signal, loss)).
type routeMetrics struct {
	signal        float64 // 0..1, higher is better
	loss          float64 // 0..1, packet loss fraction
	lastHeartbeat time.Time
}

// routeScore collapses signal/loss into a single 0..1 reliability
// figure, and goes to zero once the peer has been silent past
// staleAfter (spec §4.4: "staleness rule").
func (m routeMetrics) routeScore(now time.Time) float64 {
	if now.Sub(m.lastHeartbeat) > staleAfter {
		return 0
	}
	score := m.signal * (1 - m.loss)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// metricsTable is the mutex-guarded per-peer metrics store plus the
// failed-peer exclusion set (spec §4.4: mark_failed/mark_recovered).
type metricsTable struct {
	mu      sync.RWMutex
	byPeer  map[frame.PeerID]routeMetrics
	failed  map[frame.PeerID]struct{}
	now     func() time.Time
}

func newMetricsTable(now func() time.Time) *metricsTable {
	return &metricsTable{
		byPeer: make(map[frame.PeerID]routeMetrics),
		failed: make(map[frame.PeerID]struct{}),
		now:    now,
	}
}

func (t *metricsTable) update(peer frame.PeerID, signal, loss float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.byPeer[peer]
	next := routeMetrics{signal: signal, loss: loss, lastHeartbeat: t.now()}
	if ok {
		next.signal = ewmaAlpha*signal + (1-ewmaAlpha)*prev.signal
		next.loss = ewmaAlpha*loss + (1-ewmaAlpha)*prev.loss
	}
	t.byPeer[peer] = next
}

// refreshHeartbeat updates only last_heartbeat, used when a heartbeat
// frame arrives without an explicit signal/loss sample (spec §4.5
// step 6).
func (t *metricsTable) refreshHeartbeat(peer frame.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byPeer[peer]
	m.lastHeartbeat = t.now()
	t.byPeer[peer] = m
}

func (t *metricsTable) markFailed(peer frame.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[peer] = struct{}{}
}

func (t *metricsTable) markRecovered(peer frame.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failed, peer)
}

func (t *metricsTable) excluded() map[frame.PeerID]struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[frame.PeerID]struct{}, len(t.failed))
	for p := range t.failed {
		out[p] = struct{}{}
	}
	return out
}

// scoreOf returns the current route_score for peer: 0.5 for an
// unknown vertex, per spec §4.4 step 3.
func (t *metricsTable) scoreOf(peer frame.PeerID) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byPeer[peer]
	if !ok {
		return 0.5
	}
	return m.routeScore(t.now())
}
