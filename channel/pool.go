package channel

import (
	"sync"
	"time"

	"github.com/fieldmesh/meshcore/frame"
)

const maxChannelsPerPeer = 3

// Metrics receives pool-level observations. Implementations must be
// safe for concurrent use. A nil Metrics is never called directly;
// Pool substitutes noopMetrics instead.
type Metrics interface {
	ObserveAcquireLatency(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveAcquireLatency(time.Duration) {}

// Pool bounds in-flight sends per channel (maxOpsPerChannel), caps total
// concurrent operations globally, and exposes quality to the router
// (spec §4.2).
type Pool struct {
	mu      sync.Mutex
	byPeer  map[frame.PeerID][]*Channel
	nextIdx uint64

	sem chan struct{} // buffered channel used as a counting semaphore

	channelTimeout     time.Duration
	maxOpsPerChannel   int
	acquireWait        time.Duration

	metrics Metrics

	now func() time.Time
}

// New creates a Pool. maxConcurrentOps bounds the global number of
// in-flight sends; maxOpsPerChannel bounds per-channel concurrency;
// channelTimeout is the inactivity window after which a non-active
// channel is failed; acquireWait bounds how long Acquire waits on the
// global semaphore before giving up (spec §4.2: default 100ms).
func New(maxConcurrentOps, maxOpsPerChannel int, channelTimeout, acquireWait time.Duration) *Pool {
	return &Pool{
		byPeer:           make(map[frame.PeerID][]*Channel),
		sem:              make(chan struct{}, maxConcurrentOps),
		channelTimeout:   channelTimeout,
		maxOpsPerChannel: maxOpsPerChannel,
		acquireWait:      acquireWait,
		metrics:          noopMetrics{},
		now:              time.Now,
	}
}

// SetMetrics installs the sink Acquire reports wait latency to. Safe
// to call at any time; nil reinstalls the no-op sink.
func (p *Pool) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	p.mu.Lock()
	p.metrics = m
	p.mu.Unlock()
}

// SetConcurrencyCap resizes the global semaphore. No component in this
// module calls it; the Robust Layer does not shrink the cap on a
// background transition. Shrinking only affects future acquisitions; in-flight holders are
// unaffected.
func (p *Pool) SetConcurrencyCap(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sem = make(chan struct{}, n)
}

// Priority selects the sort order Acquire uses among candidate
// channels.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityEmergency
)

// Acquire returns the highest-scoring available channel for peer, or
// nil if none is available within the configured wait on the global
// semaphore (spec §4.2). Acquire failure is non-fatal; callers retry
// via the Robust Layer.
func (p *Pool) Acquire(peer frame.PeerID, priority Priority) *Channel {
	waitStart := p.now()
	defer func() {
		p.mu.Lock()
		m := p.metrics
		p.mu.Unlock()
		m.ObserveAcquireLatency(p.now().Sub(waitStart))
	}()

	select {
	case p.sem <- struct{}{}:
	case <-time.After(p.acquireWait):
		return nil
	}

	p.mu.Lock()
	channels := p.byPeer[peer]
	p.mu.Unlock()

	var best *Channel
	var bestScore float64
	for _, c := range channels {
		c.mu.Lock()
		state := c.state
		active := c.activeOps
		score := c.quality.Reliability
		if priority != PriorityEmergency {
			score = c.quality.OverallScore()
		}
		c.mu.Unlock()

		if state == StateFailed || active >= p.maxOpsPerChannel {
			continue
		}
		if best == nil || score > bestScore {
			best = c
			bestScore = score
		}
	}

	if best == nil {
		<-p.sem
		return nil
	}

	best.mu.Lock()
	best.activeOps++
	best.lastActivity = p.now()
	best.mu.Unlock()
	p.transition(best)

	return best
}

// Release records the outcome of an operation on c and recomputes its
// state. Release never blocks.
func (p *Pool) Release(c *Channel, success bool, latency time.Duration, bytesSent int) {
	c.mu.Lock()
	c.activeOps--
	if c.activeOps < 0 {
		c.activeOps = 0
	}
	c.totalOps++
	c.lastActivity = p.now()
	if success {
		c.successfulOps++
		c.recoveryAttempts = 0
		c.quality.recordSuccess(float64(latency.Milliseconds()), bytesSent, latency)
	} else {
		c.failedOps++
		c.failureCount++
		c.quality.recordFailure()
	}
	c.mu.Unlock()

	p.transition(c)

	select {
	case <-p.sem:
	default:
	}
}

// transition applies the state-transition table of spec §4.2. It is
// called on every Release and may also be called on a periodic tick.
func (p *Pool) transition(c *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := p.now()

	switch {
	case now.Sub(c.lastActivity) > p.channelTimeout || c.recoveryAttempts >= 3:
		c.state = StateFailed
		return
	case c.needsMaintenance():
		c.state = StateMaintenance
		return
	case c.quality.CongestionLevel > 0.8:
		c.state = StateCongested
		return
	case !c.quality.IsHealthy():
		if c.state != StateRecovering {
			c.recoveryAttempts++
		}
		c.state = StateRecovering
		return
	}

	switch c.state {
	case StateIdle, StateRecovering:
		if c.activeOps > 0 {
			c.state = StateActive
		} else if c.state == StateRecovering {
			// A maintenance pass (via Tick) resets failure/recovery
			// counters before returning to idle (spec §4.2).
			c.state = StateIdle
		}
	case StateActive:
		if c.activeOps == 0 {
			c.state = StateIdle
		}
	}
}

// Tick re-evaluates every channel's state against the transition
// table, performing the "recovering -> idle after maintenance pass"
// reset of failure_count/recovery_attempts (spec §4.2).
func (p *Pool) Tick() {
	p.mu.Lock()
	all := make([]*Channel, 0)
	for _, cs := range p.byPeer {
		all = append(all, cs...)
	}
	p.mu.Unlock()

	for _, c := range all {
		c.mu.Lock()
		wasRecovering := c.state == StateRecovering
		c.mu.Unlock()

		p.transition(c)

		if wasRecovering {
			c.mu.Lock()
			if c.state == StateIdle {
				c.failureCount = 0
				c.recoveryAttempts = 0
				c.state = StateIdle
			}
			c.mu.Unlock()
		}
	}
}

// OnPeerConnected is idempotent: if no channel exists for peer, one is
// created (spec §4.2, §8 property 7).
func (p *Pool) OnPeerConnected(peer frame.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.byPeer[peer]) > 0 {
		return
	}
	p.nextIdx++
	id := channelID(peer, p.nextIdx)
	p.byPeer[peer] = []*Channel{newChannel(id, peer, p.now())}
}

// OnPeerDisconnected removes every channel for peer and releases any
// semaphore slots it held, so no dangling send task remains for peer
// (spec §4.2, §8 property 7).
func (p *Pool) OnPeerDisconnected(peer frame.PeerID) {
	p.mu.Lock()
	channels := p.byPeer[peer]
	delete(p.byPeer, peer)
	p.mu.Unlock()

	for _, c := range channels {
		c.mu.Lock()
		held := c.activeOps
		c.activeOps = 0
		c.mu.Unlock()
		for i := 0; i < held; i++ {
			select {
			case <-p.sem:
			default:
			}
		}
	}
}

// EmergencyReset keeps the top-3 channels by reliability (across all
// peers) as "emergency reserved" and marks the rest recovering,
// incrementing their recovery_attempts (spec §4.2).
func (p *Pool) EmergencyReset() {
	p.mu.Lock()
	all := make([]*Channel, 0)
	for _, cs := range p.byPeer {
		all = append(all, cs...)
	}
	p.mu.Unlock()

	type scored struct {
		c     *Channel
		score float64
	}
	ranked := make([]scored, 0, len(all))
	for _, c := range all {
		c.mu.Lock()
		ranked = append(ranked, scored{c, c.quality.Reliability})
		c.mu.Unlock()
	}

	// simple selection of top 3 by reliability
	reserved := make(map[*Channel]struct{})
	for i := 0; i < 3 && i < len(ranked); i++ {
		best := -1
		bestScore := -1.0
		for j, r := range ranked {
			if _, already := reserved[r.c]; already {
				continue
			}
			if r.score > bestScore {
				bestScore = r.score
				best = j
			}
		}
		if best >= 0 {
			reserved[ranked[best].c] = struct{}{}
		}
	}

	for _, c := range all {
		if _, ok := reserved[c]; ok {
			continue
		}
		c.mu.Lock()
		c.state = StateRecovering
		c.recoveryAttempts++
		c.mu.Unlock()
	}
}

// AllForPeer returns the channels tracked for peer, for diagnostics.
func (p *Pool) AllForPeer(peer frame.PeerID) []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Channel, len(p.byPeer[peer]))
	copy(out, p.byPeer[peer])
	return out
}

// PeerCount returns how many peers currently have channels.
func (p *Pool) PeerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byPeer)
}

func channelID(peer frame.PeerID, idx uint64) string {
	return string(peer) + "#" + itoa(idx)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
