// Package robust implements the Robust Layer (spec §4.6, component
// C9): retrying multi-peer sends wrapped in a process-wide circuit
// breaker and a pluggable edge-case handler registry. Grounded on the
// teacher's coordinator.go CircuitBreaker (state machine shape) and
// the generic message-router example's RetryAttempts/RetryBackoff
// config fields.
package robust

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fieldmesh/meshcore/channel"
	"github.com/fieldmesh/meshcore/frame"
	"github.com/fieldmesh/meshcore/guard"
	"github.com/fieldmesh/meshcore/security"
	"github.com/fieldmesh/meshcore/transport"
)

const maxAttempts = 3
const backoffBase = 0.5
const backoffCap = 30 * time.Second

// OutcomeKind classifies the result of a robust_send call.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomePartialSuccess
	OutcomeFailure
	OutcomeTimeout
	OutcomeCancelled
)

// Outcome is the result of robust_send (spec §4.6).
type Outcome struct {
	Kind   OutcomeKind
	Errors map[frame.PeerID]error // populated for PartialSuccess/Failure
}

// Layer owns the circuit breaker and edge-case registry shared by
// every robust_send call.
type Layer struct {
	pool  *channel.Pool
	sec   security.Provider
	tr    transport.Transport
	guard *guard.Guard

	breaker  *circuitBreaker
	registry *registry

	mu                sync.Mutex
	pendingSignals    []Signal
	concurrencyShrunk bool

	now func() time.Time
}

// New wires a Layer over its collaborators. now defaults to time.Now.
func New(pool *channel.Pool, sec security.Provider, tr transport.Transport, now func() time.Time) *Layer {
	if now == nil {
		now = time.Now
	}
	return &Layer{
		pool:     pool,
		sec:      sec,
		tr:       tr,
		breaker:  newCircuitBreaker(now),
		registry: defaultRegistry(),
		now:      now,
	}
}

// BreakerConfig overrides the circuit breaker's thresholds (spec §6:
// circuit_failure_threshold, circuit_recovery_timeout,
// circuit_half_open_max). A zero field leaves the package default in
// place.
type BreakerConfig struct {
	FailureThreshold         int
	HalfOpenSuccessThreshold int
	RecoveryTimeout          time.Duration
}

// SetBreakerConfig overrides the Layer's circuit breaker thresholds.
// Safe to call at any time.
func (l *Layer) SetBreakerConfig(cfg BreakerConfig) {
	l.breaker.configure(cfg.FailureThreshold, cfg.HalfOpenSuccessThreshold, cfg.RecoveryTimeout)
}

// SetGuard installs the side channel sendOnce reports PlaintextSend
// events to when a peer has no session key. Safe to call at any time;
// nil disables the report.
func (l *Layer) SetGuard(g *guard.Guard) {
	l.mu.Lock()
	l.guard = g
	l.mu.Unlock()
}

// ReportSignal queues an edge-case signal (e.g. an app-state
// transition) to be handled on the next RobustSend pass.
func (l *Layer) ReportSignal(s Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingSignals = append(l.pendingSignals, s)
}

// BreakerState exposes the current breaker state for diagnostics.
func (l *Layer) BreakerState() BreakerState {
	return l.breaker.currentState()
}

// RobustSend fans payload out to peers with retry and edge-case
// handling (spec §4.6 algorithm).
func (l *Layer) RobustSend(ctx context.Context, payload []byte, peers []frame.PeerID, timeout time.Duration) Outcome {
	if !l.breaker.allow() {
		return Outcome{Kind: OutcomeFailure, Errors: allErrors(peers, ErrCircuitOpen)}
	}

	l.mu.Lock()
	signals := l.pendingSignals
	l.pendingSignals = nil
	l.mu.Unlock()
	l.registry.dispatch(signals)

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := l.fanOut(sendCtx, payload, peers)

	select {
	case <-sendCtx.Done():
		if ctx.Err() != nil && ctx.Err() == context.Canceled {
			return Outcome{Kind: OutcomeCancelled}
		}
	default:
	}

	return summarize(results, len(peers), sendCtx.Err())
}

func (l *Layer) fanOut(ctx context.Context, payload []byte, peers []frame.PeerID) map[frame.PeerID]error {
	results := make(map[frame.PeerID]error, len(peers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, peer := range peers {
		wg.Add(1)
		go func(peer frame.PeerID) {
			defer wg.Done()
			err := l.sendWithRetry(ctx, payload, peer)
			mu.Lock()
			results[peer] = err
			mu.Unlock()
		}(peer)
	}
	wg.Wait()
	return results
}

func (l *Layer) sendWithRetry(ctx context.Context, payload []byte, peer frame.PeerID) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := l.sendOnce(ctx, payload, peer)
		if err == nil {
			l.breaker.recordSuccess()
			return nil
		}
		lastErr = err
		l.breaker.recordFailure()

		if attempt == maxAttempts {
			break
		}
		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (l *Layer) sendOnce(ctx context.Context, payload []byte, peer frame.PeerID) error {
	c := l.pool.Acquire(peer, channel.PriorityNormal)
	if c == nil {
		return ErrChannelUnavailable
	}

	data := payload
	if l.sec != nil && l.sec.HasSessionKey(peer) {
		encrypted, err := l.sec.Encrypt(payload, peer)
		if err != nil {
			l.pool.Release(c, false, 0, 0)
			return err
		}
		data = encrypted
	} else {
		l.mu.Lock()
		g := l.guard
		l.mu.Unlock()
		if g != nil {
			g.EmitPlaintextSend(peer)
		}
	}

	start := l.now()
	err := l.tr.Send(ctx, data, peer)
	latency := l.now().Sub(start)

	l.pool.Release(c, err == nil, latency, len(data))
	return err
}

// backoffDelay implements delay_k = min(0.5*2^(k-1) + U(0, 0.1*base), 30)s
// (spec §4.6 step 5).
func backoffDelay(attempt int) time.Duration {
	base := backoffBase * math.Pow(2, float64(attempt-1))
	j := rand.Float64() * 0.1 * base
	seconds := math.Min(base+j, backoffCap.Seconds())
	return time.Duration(seconds * float64(time.Second))
}

func summarize(results map[frame.PeerID]error, total int, ctxErr error) Outcome {
	successCount := 0
	errs := make(map[frame.PeerID]error)
	for peer, err := range results {
		if err == nil {
			successCount++
		} else {
			errs[peer] = err
		}
	}

	if ctxErr != nil {
		if successCount == 0 {
			return Outcome{Kind: OutcomeTimeout, Errors: errs}
		}
	}

	switch {
	case successCount == total && total > 0:
		return Outcome{Kind: OutcomeSuccess}
	case successCount > 0:
		return Outcome{Kind: OutcomePartialSuccess, Errors: errs}
	default:
		return Outcome{Kind: OutcomeFailure, Errors: errs}
	}
}

func allErrors(peers []frame.PeerID, err error) map[frame.PeerID]error {
	out := make(map[frame.PeerID]error, len(peers))
	for _, p := range peers {
		out[p] = err
	}
	return out
}

type robustError string

func (e robustError) Error() string { return string(e) }

// ErrCircuitOpen and ErrChannelUnavailable are exported so callers can
// classify RobustSend's per-peer Outcome.Errors with errors.Is.
var (
	ErrCircuitOpen        = robustError("robust: circuit breaker open")
	ErrChannelUnavailable = robustError("robust: no channel available")
)
