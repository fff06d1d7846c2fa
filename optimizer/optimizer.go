// Package optimizer implements the Connection Optimizer (spec §4.8,
// component C11): per-peer latency/loss/bandwidth tracking, admission
// control, and best-peer selection.
package optimizer

import (
	"sort"
	"sync"
	"time"

	"github.com/fieldmesh/meshcore/frame"
)

const initialLatencyMs = 100.0
const initialBandwidthBps = 512.0
const stableAfterConnect = 3 * time.Second

const latencyReference = 1000.0     // ms, worst-case normalization ceiling
const bandwidthReference = 1_000_000.0 // B/s, best-case normalization ceiling

// peerStats is the per-peer tracked state of spec §4.8.
type peerStats struct {
	latencyMs float64
	loss      float64
	bandwidth float64
	connectedAt time.Time
	lastUpdate  time.Time
}

func (p peerStats) isStable(now time.Time) bool {
	return p.loss < 0.3 && now.Sub(p.connectedAt) >= stableAfterConnect
}

// Optimizer tracks connection quality per peer and enforces the
// max_connections admission cap.
type Optimizer struct {
	mu             sync.Mutex
	byPeer         map[frame.PeerID]*peerStats
	maxConnections int
	now            func() time.Time
}

// New returns an Optimizer with the given admission cap (spec §4.8
// default: 30). now defaults to time.Now.
func New(maxConnections int, now func() time.Time) *Optimizer {
	if now == nil {
		now = time.Now
	}
	if maxConnections <= 0 {
		maxConnections = 30
	}
	return &Optimizer{
		byPeer:         make(map[frame.PeerID]*peerStats),
		maxConnections: maxConnections,
		now:            now,
	}
}

// AdmitConnection reports whether a new connection to peer may be
// accepted, and records it if so (spec §4.8: reject when
// len(stable_peers) >= max_connections).
func (o *Optimizer) AdmitConnection(peer frame.PeerID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, already := o.byPeer[peer]; already {
		return true
	}

	if o.countStableLocked() >= o.maxConnections {
		return false
	}

	now := o.now()
	o.byPeer[peer] = &peerStats{
		latencyMs:   initialLatencyMs,
		loss:        0,
		bandwidth:   initialBandwidthBps,
		connectedAt: now,
		lastUpdate:  now,
	}
	return true
}

func (o *Optimizer) countStableLocked() int {
	now := o.now()
	count := 0
	for _, p := range o.byPeer {
		if p.isStable(now) {
			count++
		}
	}
	return count
}

// RemovePeer drops peer's tracked stats on disconnect.
func (o *Optimizer) RemovePeer(peer frame.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.byPeer, peer)
}

// RecordSuccess folds a successful send's observed latency/bytes into
// peer's running estimates (spec §4.8).
func (o *Optimizer) RecordSuccess(peer frame.PeerID, observedLatencyMs float64, bytesSent int, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.byPeer[peer]
	if !ok {
		return
	}
	p.latencyMs = 0.7*p.latencyMs + 0.3*observedLatencyMs
	if elapsed > 0 {
		observedBandwidth := float64(bytesSent) / elapsed.Seconds()
		p.bandwidth = 0.8*p.bandwidth + 0.2*observedBandwidth
	}
	p.loss = 0.9 * p.loss
	p.lastUpdate = o.now()
}

// RecordFailure folds a failed send into peer's running estimates.
func (o *Optimizer) RecordFailure(peer frame.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.byPeer[peer]
	if !ok {
		return
	}
	p.loss = minF(1, p.loss+0.1)
	p.bandwidth = 0.9 * p.bandwidth
	p.lastUpdate = o.now()
}

// IsStable reports whether peer currently counts as a stable
// connection.
func (o *Optimizer) IsStable(peer frame.PeerID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.byPeer[peer]
	if !ok {
		return false
	}
	return p.isStable(o.now())
}

// score averages normalized latency, loss, and bandwidth; higher is
// better.
func (p peerStats) score() float64 {
	latencyScore := 1 - minF(1, p.latencyMs/latencyReference)
	lossScore := 1 - p.loss
	bandwidthScore := minF(1, p.bandwidth/bandwidthReference)
	return (latencyScore + lossScore + bandwidthScore) / 3
}

// BestPeers returns the top-k connected peers by score (spec §4.8).
func (o *Optimizer) BestPeers(k int) []frame.PeerID {
	o.mu.Lock()
	defer o.mu.Unlock()

	type scored struct {
		peer  frame.PeerID
		score float64
	}
	ranked := make([]scored, 0, len(o.byPeer))
	for peer, p := range o.byPeer {
		ranked = append(ranked, scored{peer, p.score()})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]frame.PeerID, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].peer
	}
	return out
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
