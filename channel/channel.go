// Package channel implements the Channel Pool (spec §4.2): one or
// more logical send slots per peer, quality tracking by EWMA, and a
// global concurrency cap. Grounded on the teacher's
// transport/transport.go ConnectionPool/PeerConnection bookkeeping.
package channel

import (
	"sync"
	"time"

	"github.com/fieldmesh/meshcore/frame"
)

// State is a channel's lifecycle state (spec §3).
type State int

const (
	StateIdle State = iota
	StateActive
	StateCongested
	StateFailed
	StateRecovering
	StateMaintenance
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCongested:
		return "congested"
	case StateFailed:
		return "failed"
	case StateRecovering:
		return "recovering"
	case StateMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

const ewmaAlpha = 0.3

// Quality holds the EWMA-smoothed quality signals of spec §3.
type Quality struct {
	Reliability       float64
	Throughput        float64 // bytes/sec, EWMA
	LatencyMs         float64
	ErrorRate         float64
	CongestionLevel   float64
}

func (q *Quality) recordSuccess(latencyMs float64, bytesSent int, elapsed time.Duration) {
	q.Reliability = ewma(q.Reliability, 1.0)
	q.ErrorRate = ewma(q.ErrorRate, 0.0)
	q.LatencyMs = ewma(q.LatencyMs, latencyMs)
	if elapsed > 0 {
		throughput := float64(bytesSent) / elapsed.Seconds()
		q.Throughput = ewma(q.Throughput, throughput)
	}
	q.CongestionLevel = ewma(q.CongestionLevel, 0.0)
}

func (q *Quality) recordFailure() {
	q.Reliability = ewma(q.Reliability, 0.0)
	q.ErrorRate = ewma(q.ErrorRate, 1.0)
	q.CongestionLevel = ewma(q.CongestionLevel, 1.0)
}

func ewma(prev, sample float64) float64 {
	return (1-ewmaAlpha)*prev + ewmaAlpha*sample
}

// normalizedThroughput maps raw bytes/sec onto [0,1] against a
// reference ceiling; used only by OverallScore.
const throughputReference = 1_000_000.0 // 1 MB/s treated as "full score"

func (q *Quality) normalizedThroughput() float64 {
	n := q.Throughput / throughputReference
	if n > 1 {
		return 1
	}
	return n
}

func (q *Quality) latencyNorm() float64 {
	// 0ms -> 0, 1000ms+ -> 1
	n := q.LatencyMs / 1000.0
	if n > 1 {
		return 1
	}
	return n
}

// OverallScore is the derived quality score of spec §3.
func (q *Quality) OverallScore() float64 {
	return 0.4*q.Reliability +
		0.25*q.normalizedThroughput() +
		0.2*(1-q.latencyNorm()) +
		0.15*(1-q.ErrorRate)
}

// IsHealthy reports spec §3's health predicate.
func (q *Quality) IsHealthy() bool {
	return q.OverallScore() > 0.6 && q.Reliability > 0.7 && q.ErrorRate < 0.3
}

// Channel is a logical send slot to a peer (spec §3).
type Channel struct {
	ID     string
	PeerID frame.PeerID

	mu sync.Mutex

	state   State
	quality Quality

	totalOps      uint64
	successfulOps uint64
	failedOps     uint64
	failureCount  uint64
	recoveryAttempts int

	activeOps    int
	lastActivity time.Time
}

func newChannel(id string, peer frame.PeerID, now time.Time) *Channel {
	return &Channel{
		ID:           id,
		PeerID:       peer,
		state:        StateIdle,
		lastActivity: now,
	}
}

// Snapshot is an immutable view of a channel's state for diagnostics.
type Snapshot struct {
	ID               string
	PeerID           frame.PeerID
	State            State
	Quality          Quality
	OverallScore     float64
	TotalOps         uint64
	SuccessfulOps    uint64
	FailedOps        uint64
	RecoveryAttempts int
	ActiveOps        int
	LastActivity     time.Time
}

func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:               c.ID,
		PeerID:           c.PeerID,
		State:            c.state,
		Quality:          c.quality,
		OverallScore:     c.quality.OverallScore(),
		TotalOps:         c.totalOps,
		SuccessfulOps:    c.successfulOps,
		FailedOps:        c.failedOps,
		RecoveryAttempts: c.recoveryAttempts,
		ActiveOps:        c.activeOps,
		LastActivity:     c.lastActivity,
	}
}

// needsMaintenance reports spec §3's maintenance predicate. Caller
// must hold c.mu.
func (c *Channel) needsMaintenance() bool {
	return c.quality.OverallScore() < 0.4 || c.failureCount > 5 || c.recoveryAttempts >= 3
}
