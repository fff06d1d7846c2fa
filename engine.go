package meshcore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fieldmesh/meshcore/channel"
	"github.com/fieldmesh/meshcore/forwarder"
	"github.com/fieldmesh/meshcore/frame"
	"github.com/fieldmesh/meshcore/guard"
	"github.com/fieldmesh/meshcore/metrics"
	"github.com/fieldmesh/meshcore/optimizer"
	"github.com/fieldmesh/meshcore/robust"
	"github.com/fieldmesh/meshcore/router"
	"github.com/fieldmesh/meshcore/security"
	"github.com/fieldmesh/meshcore/state"
	"github.com/fieldmesh/meshcore/topology"
	"github.com/fieldmesh/meshcore/transport"
)

// Callbacks are the application-facing hooks the Engine invokes (spec
// §6): delivered frames, emergency frames, topology changes, and
// guard/security events.
type Callbacks struct {
	OnFrameDelivered func(f *frame.Frame)
	OnEmergencyFrame func(f *frame.Frame)
	OnTopologyChanged func()
	OnSecurityEvent   func(ev guard.Event)
}

// Engine is the composition root: it owns every component (spec §1)
// and wires them together the way the teacher's MeshCoordinator wires
// transport/dht/gossip/reputation/allocator/metrics into one struct.
type Engine struct {
	local frame.PeerID
	cfg   Config

	transport transport.Transport
	sec       security.Provider

	pool    *channel.Pool
	graph   *topology.Graph
	rt      *router.Router
	guard   *guard.Guard
	fw      *forwarder.Forwarder
	rb      *robust.Layer
	st      *state.Coordinator
	opt     *optimizer.Optimizer
	metrics *metrics.Registry

	callbacks Callbacks
	logger    *slog.Logger

	shutdown      *shutdownRegistry
	metricsCancel context.CancelFunc
	metricsDone   chan struct{}
}

// New builds an Engine wired over tr and sec. local is this process's
// peer id (see NewLocalPeerID); logger defaults to slog.Default.
func New(local frame.PeerID, cfg Config, tr transport.Transport, sec security.Provider, cb Callbacks, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "meshcore_engine", "local_peer", string(local))

	pool := channel.New(cfg.MaxConcurrentOps, cfg.MaxOpsPerChannel, cfg.ChannelTimeout, cfg.ChannelAcquireWait)
	graph := topology.New()
	rt := router.New(graph, nil)
	g := guard.New(toGuardLimits(cfg), nil)
	m := metrics.New()
	opt := optimizer.New(cfg.MaxDirectPeers, nil)
	st := state.NewWithStableWindow(nil, cfg.StableAfter)
	rb := robust.New(pool, sec, tr, nil)
	rb.SetGuard(g)
	rb.SetBreakerConfig(robust.BreakerConfig{
		FailureThreshold:         cfg.CircuitFailureMax,
		HalfOpenSuccessThreshold: cfg.CircuitHalfOpenMax,
		RecoveryTimeout:          cfg.CircuitRecovery,
	})

	e := &Engine{
		local:     local,
		cfg:       cfg,
		transport: tr,
		sec:       sec,
		pool:      pool,
		graph:     graph,
		rt:        rt,
		guard:     g,
		rb:        rb,
		st:        st,
		opt:       opt,
		metrics:   m,
		callbacks: cb,
		logger:    logger,
		shutdown:  newShutdownRegistry(cfg.ShutdownTimeout),
	}

	e.guard.Subscribe(e.onGuardEvent)

	fwdCallbacks := forwarder.Callbacks{
		OnFrameDelivered: e.onFrameDelivered,
		OnTopologyChanged: func() {
			if cb.OnTopologyChanged != nil {
				cb.OnTopologyChanged()
			}
		},
		OnDecodeError: func(err error) {
			wrapped := wrapDecodeError(err)
			e.logger.Warn("frame decode failed", "code", wrapped.Code, "error", wrapped)
		},
		OnSendError: func(peer frame.PeerID, err error) {
			wrapped := wrapSendError(err).WithContext("peer", string(peer))
			e.logger.Warn("frame send failed", "code", wrapped.Code, "peer", peer, "error", wrapped)
		},
		OnPeerConnected: func(peer frame.PeerID) {
			e.opt.AdmitConnection(peer)
			e.metrics.ConnectedPeers.Set(float64(len(e.transport.ConnectedPeers())))
		},
		OnPeerDisconnected: func(peer frame.PeerID) {
			e.opt.RemovePeer(peer)
			e.metrics.ConnectedPeers.Set(float64(len(e.transport.ConnectedPeers())))
		},
	}
	fwdLimits := forwarder.Limits{
		DedupCacheSize:    cfg.DedupCacheSize,
		NormalQueueCap:    cfg.NormalQueueCap,
		EmergencyQueueCap: cfg.EmergencyQueueCap,
		HeartbeatInterval: cfg.HeartbeatInterval,
		OutboundTick:      cfg.QueueTick,
	}
	e.fw = forwarder.New(local, tr, pool, sec, g, graph, rt, fwdCallbacks, fwdLimits, nil)
	e.fw.SetMetrics(forwarderMetrics{m})
	pool.SetMetrics(poolMetrics{m})

	return e
}

// forwarderMetrics adapts *metrics.Registry to forwarder.Metrics.
type forwarderMetrics struct{ r *metrics.Registry }

func (f forwarderMetrics) FrameSent()      { f.r.FramesSent.Inc() }
func (f forwarderMetrics) FrameReceived()  { f.r.FramesReceived.Inc() }
func (f forwarderMetrics) FrameForwarded() { f.r.FramesForwarded.Inc() }
func (f forwarderMetrics) FrameDropped(reason string) {
	f.r.FramesDropped.WithLabelValues(reason).Inc()
}
func (f forwarderMetrics) ObserveSendLatency(d time.Duration) { f.r.ObserveSendLatency(d) }
func (f forwarderMetrics) SetQueueDepth(queue string, depth int) {
	f.r.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// poolMetrics adapts *metrics.Registry to channel.Metrics.
type poolMetrics struct{ r *metrics.Registry }

func (p poolMetrics) ObserveAcquireLatency(d time.Duration) { p.r.ChannelAcquireLatency.Observe(d.Seconds()) }

func toGuardLimits(cfg Config) guard.Limits {
	limits := guard.Limits{
		PerType:        make(map[frame.Type]guard.TypeLimit, len(cfg.TypeLimits)),
		MaxPayloadSize: cfg.MaxPayloadBytes,
		Overall: guard.TypeLimit{
			PerSecond: cfg.OverallLimit.PerSecond,
			PerMinute: cfg.OverallLimit.PerMinute,
			Burst:     cfg.OverallLimit.BurstSize,
		},
		Emergency: guard.EmergencyLimit{
			BurstWindow: cfg.Emergency.BurstWindow,
			MaxBurst:    cfg.Emergency.MaxBurst,
			PerMinute:   cfg.Emergency.PerMinute,
			Per5Min:     cfg.Emergency.Per5Min,
			PerHour:     cfg.Emergency.PerHour,
			AbuseBan:    cfg.Emergency.AbuseBan,
		},
	}
	for t, fp := range cfg.TypeLimits {
		limits.PerType[t] = guard.TypeLimit{PerSecond: fp.PerSecond, PerMinute: fp.PerMinute, Burst: fp.BurstSize}
	}
	return limits
}

// onFrameDelivered fires OnFrameDelivered for every delivered frame;
// emergency frames additionally mirror to OnEmergencyFrame (spec §6:
// on_frame_delivered covers normal + emergency, on_emergency_frame is
// the emergency-only mirror). Dedup upstream guarantees each frame id
// reaches here once, so this is not a double-delivery.
func (e *Engine) onFrameDelivered(f *frame.Frame) {
	e.metrics.FramesDelivered.Inc()
	if e.callbacks.OnFrameDelivered != nil {
		e.callbacks.OnFrameDelivered(f)
	}
	if f.Type.IsEmergency() && e.callbacks.OnEmergencyFrame != nil {
		e.callbacks.OnEmergencyFrame(f)
	}
}

func (e *Engine) onGuardEvent(ev guard.Event) {
	e.metrics.GuardBlocked.WithLabelValues(guardEventLabel(ev.Kind)).Inc()
	if e.callbacks.OnSecurityEvent != nil {
		e.callbacks.OnSecurityEvent(ev)
	}
}

func guardEventLabel(k guard.EventKind) string {
	switch k {
	case guard.EventRateLimitBlocked:
		return "rate_limit"
	case guard.EventBannedPeerMessageBlocked:
		return "banned"
	case guard.EventContentRepetitionSuspicious:
		return "repetition"
	case guard.EventSizeLimitBlocked:
		return "size_limit"
	case guard.EventEmergencyLimitBlocked:
		return "emergency_limit"
	case guard.EventEmergencyAbuseBanned:
		return "emergency_abuse_ban"
	case guard.EventTieredBanApplied:
		return "tiered_ban"
	default:
		return "plaintext"
	}
}

// wrapDecodeError classifies a frame.Decode failure into the engine's
// error taxonomy so application logs carry a stable Code alongside the
// raw codec message.
func wrapDecodeError(err error) *Error {
	switch {
	case errors.Is(err, frame.ErrTruncatedInput):
		return NewError(KindCodec, ErrCodeTruncatedFrame, "frame truncated", err)
	case errors.Is(err, frame.ErrUnknownVersion):
		return NewError(KindCodec, ErrCodeUnknownVersion, "unknown wire version", err)
	case errors.Is(err, frame.ErrUnknownType):
		return NewError(KindCodec, ErrCodeUnknownType, "unknown frame type", err)
	case errors.Is(err, frame.ErrPathTooLong):
		return NewError(KindCodec, ErrCodePathTooLong, "route path exceeds cap", err)
	default:
		return NewError(KindCodec, ErrCodeTruncatedFrame, "frame decode failed", err)
	}
}

// wrapSendError classifies a forwarder/robust send failure into the
// engine's error taxonomy.
func wrapSendError(err error) *Error {
	switch {
	case errors.Is(err, forwarder.ErrNoRoute):
		return NewError(KindRouting, ErrCodeNoRoute, "no route to target", err)
	case errors.Is(err, robust.ErrCircuitOpen):
		return NewError(KindSystem, ErrCodeCircuitOpen, "circuit breaker open", err)
	case errors.Is(err, robust.ErrChannelUnavailable):
		return NewError(KindChannel, ErrCodeChannelUnavailable, "no channel available", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindChannel, ErrCodeChannelTimeout, "send timed out", err)
	default:
		return NewError(KindTransport, ErrCodeTransportSendFailed, "send failed", err)
	}
}

const metricsUpdatePeriod = 5 * time.Second

// Start brings the engine's background loops up and registers their
// teardown with the shutdown registry Close drains.
func (e *Engine) Start(ctx context.Context) {
	e.fw.Start(ctx)
	e.st.SetLayer(state.LayerPhysical, state.StatusConnecting)
	e.shutdown.register("forwarder", func() error {
		e.fw.Stop()
		return nil
	})

	metricsCtx, metricsCancel := context.WithCancel(ctx)
	e.metricsCancel = metricsCancel
	e.metricsDone = make(chan struct{})
	go e.metricsLoop(metricsCtx)
	e.shutdown.register("metrics_loop", func() error {
		e.metricsCancel()
		<-e.metricsDone
		return nil
	})
}

// Stop tears the engine's background loops down, discarding any
// shutdown error. Equivalent to Close with the configured
// ShutdownTimeout and no caller-supplied deadline.
func (e *Engine) Stop() {
	_ = e.Close(context.Background())
}

// Close starts every registered subsystem's teardown function in LIFO
// order, each on its own goroutine (spec SPEC_FULL.md §7 graceful
// shutdown), bounded by ctx and Config.ShutdownTimeout, whichever
// elapses first. The teardowns run concurrently.
func (e *Engine) Close(ctx context.Context) error {
	err := e.shutdown.run(ctx)
	if err != nil {
		e.logger.Warn("engine shutdown did not complete cleanly", "error", err)
	}
	return err
}

// metricsLoop periodically refreshes gauges no single event cleanly
// drives, mirroring the teacher's updateMetrics ticker.
func (e *Engine) metricsLoop(ctx context.Context) {
	defer close(e.metricsDone)
	ticker := time.NewTicker(metricsUpdatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.metrics.CircuitBreakerState.Set(float64(e.rb.BreakerState()))
		}
	}
}

// RobustSend delegates a multi-peer send to the Robust Layer (spec
// §4.6), gated on the State Coordinator's can_send predicate.
func (e *Engine) RobustSend(ctx context.Context, payload []byte, peers []frame.PeerID, timeout time.Duration) robust.Outcome {
	if !e.st.CanSend() {
		return robust.Outcome{Kind: robust.OutcomeFailure}
	}
	if timeout <= 0 {
		timeout = e.cfg.RobustTimeout
	}
	out := e.rb.RobustSend(ctx, payload, peers, timeout)
	for peer, err := range out.Errors {
		out.Errors[peer] = wrapSendError(err).WithContext("peer", string(peer))
	}
	return out
}

// Health returns a diagnostic snapshot (spec §9).
func (e *Engine) Health() metrics.HealthStatus {
	return e.metrics.HealthReport(
		len(e.transport.ConnectedPeers()),
		e.rb.BreakerState() == robust.BreakerOpen,
		e.fw.QueueNearCapacity(),
	)
}

// LocalID returns this engine's peer id.
func (e *Engine) LocalID() frame.PeerID { return e.local }

// AdmitConnection reports whether the Connection Optimizer (spec
// §4.8) will allow a new direct connection to peer, given
// Config.MaxDirectPeers. Discovery/transport-layer code should call
// this before dialing a newly seen peer.
func (e *Engine) AdmitConnection(peer frame.PeerID) bool {
	return e.opt.AdmitConnection(peer)
}

// RecordSendOutcome feeds a completed send's observed quality back
// into the Connection Optimizer so BestPeers reflects live conditions.
func (e *Engine) RecordSendOutcome(peer frame.PeerID, success bool, observedLatency time.Duration, bytesSent int, elapsed time.Duration) {
	if success {
		e.opt.RecordSuccess(peer, float64(observedLatency.Milliseconds()), bytesSent, elapsed)
		return
	}
	e.opt.RecordFailure(peer)
}

// BestPeers returns up to k directly connected peers ranked by the
// Connection Optimizer's quality score (spec §4.8).
func (e *Engine) BestPeers(k int) []frame.PeerID {
	return e.opt.BestPeers(k)
}
