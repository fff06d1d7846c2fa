// Package forwarder implements the Mesh Forwarder (spec §4.5,
// component C8): the inbound decode/guard/dedup/deliver pipeline, the
// outbound priority queues, periodic heartbeats, and routing-update
// broadcasts. Grounded on the shape of a generic distributed-system
// message router: handler map replaced by a direct inbound pipeline,
// in/out queues, a routing table collaborator, and ticker-driven
// background loops started from Start/stopped from Stop.
package forwarder

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/fieldmesh/meshcore/channel"
	"github.com/fieldmesh/meshcore/frame"
	"github.com/fieldmesh/meshcore/guard"
	"github.com/fieldmesh/meshcore/router"
	"github.com/fieldmesh/meshcore/security"
	"github.com/fieldmesh/meshcore/topology"
	"github.com/fieldmesh/meshcore/transport"
)

const defaultHeartbeatInterval = 120 * time.Second
const defaultOutboundTick = 200 * time.Millisecond
const failureWindow = 5 * time.Minute
const failureThreshold = 3

type forwarderError string

func (e forwarderError) Error() string { return string(e) }

// ErrNoRoute is reported via Callbacks.OnSendError when the router has
// no candidate path to a frame's target (spec §4.5 step 2).
var ErrNoRoute = forwarderError("forwarder: no route to target")

// Limits configures the sizes and timings spec §5/§6 names for the
// forwarder's queues and background loops. A zero field takes the
// package default.
type Limits struct {
	DedupCacheSize    int
	NormalQueueCap    int
	EmergencyQueueCap int
	HeartbeatInterval time.Duration
	OutboundTick      time.Duration
}

func (l Limits) normalized() Limits {
	if l.DedupCacheSize <= 0 {
		l.DedupCacheSize = dedupCacheCap
	}
	if l.NormalQueueCap <= 0 {
		l.NormalQueueCap = normalQueueCap
	}
	if l.EmergencyQueueCap <= 0 {
		l.EmergencyQueueCap = emergencyQueueCap
	}
	if l.HeartbeatInterval <= 0 {
		l.HeartbeatInterval = defaultHeartbeatInterval
	}
	if l.OutboundTick <= 0 {
		l.OutboundTick = defaultOutboundTick
	}
	return l
}

// Callbacks are the application-facing hooks the forwarder invokes;
// nil entries are simply skipped.
type Callbacks struct {
	OnFrameDelivered   func(f *frame.Frame)
	OnTopologyChanged  func()
	OnDecodeError      func(err error)
	OnSendError        func(peer frame.PeerID, err error)
	OnPeerConnected    func(peer frame.PeerID)
	OnPeerDisconnected func(peer frame.PeerID)
}

// Metrics receives forwarder-level counter/gauge observations.
// Implementations must be safe for concurrent use. A nil Metrics is
// never called directly; Forwarder substitutes noopMetrics instead.
type Metrics interface {
	FrameSent()
	FrameReceived()
	FrameForwarded()
	FrameDropped(reason string)
	ObserveSendLatency(d time.Duration)
	SetQueueDepth(queue string, depth int)
}

type noopMetrics struct{}

func (noopMetrics) FrameSent()                       {}
func (noopMetrics) FrameReceived()                   {}
func (noopMetrics) FrameForwarded()                  {}
func (noopMetrics) FrameDropped(string)              {}
func (noopMetrics) ObserveSendLatency(time.Duration) {}
func (noopMetrics) SetQueueDepth(string, int)        {}

// Forwarder owns the priority queues, dedup cache, and the
// inbound/outbound pipelines that connect Transport, the Channel
// Pool, the Security Provider, the Flood Guard, Topology, and the
// Router (spec §4.5).
type Forwarder struct {
	local frame.PeerID

	transport transport.Transport
	pool      *channel.Pool
	sec       security.Provider
	guard     *guard.Guard
	graph     *topology.Graph
	rt        *router.Router
	callbacks Callbacks

	dedup  *dedupCache
	queues *outboundQueues
	limits Limits

	metrics Metrics

	mu       sync.Mutex
	failures map[frame.PeerID][]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New wires a Forwarder over its collaborators. now defaults to
// time.Now; a zero Limits field takes the package default.
func New(local frame.PeerID, tr transport.Transport, pool *channel.Pool, sec security.Provider, g *guard.Guard, graph *topology.Graph, rt *router.Router, cb Callbacks, limits Limits, now func() time.Time) *Forwarder {
	if now == nil {
		now = time.Now
	}
	limits = limits.normalized()
	f := &Forwarder{
		local:     local,
		transport: tr,
		pool:      pool,
		sec:       sec,
		guard:     g,
		graph:     graph,
		rt:        rt,
		callbacks: cb,
		dedup:     newDedupCache(limits.DedupCacheSize),
		queues:    newOutboundQueues(limits.NormalQueueCap, limits.EmergencyQueueCap),
		limits:    limits,
		metrics:   noopMetrics{},
		failures:  make(map[frame.PeerID][]time.Time),
		now:       now,
	}
	tr.SetHandlers(transport.Handlers{
		OnDataReceived:     f.HandleIncoming,
		OnPeerConnected:    f.onPeerConnected,
		OnPeerDisconnected: f.onPeerDisconnected,
	})
	return f
}

// SetMetrics installs the sink frame counters/latencies/queue depths
// are reported to. Safe to call at any time; nil reinstalls the no-op
// sink.
func (f *Forwarder) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	f.mu.Lock()
	f.metrics = m
	f.mu.Unlock()
}

// QueueLens reports the current depth of the emergency and normal
// outbound queues, for diagnostics (spec §9).
func (f *Forwarder) QueueLens() (emergency, normal int) {
	return f.queues.lens()
}

// QueueNearCapacity reports whether either outbound queue has crossed
// 80% of its configured cap.
func (f *Forwarder) QueueNearCapacity() bool {
	return f.queues.nearCapacity()
}

func (f *Forwarder) metricsSink() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

// Start launches the outbound tick loop and the periodic heartbeat.
func (f *Forwarder) Start(ctx context.Context) {
	f.ctx, f.cancel = context.WithCancel(ctx)

	f.wg.Add(1)
	go f.outboundLoop()

	f.wg.Add(1)
	go f.heartbeatLoop()
}

// Stop halts the background loops and waits for them to exit.
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *Forwarder) onPeerConnected(peer frame.PeerID) {
	f.pool.OnPeerConnected(peer)
	f.rt.MarkRecovered(peer)
	f.graph.AddEdge(f.local, peer)
	f.broadcastRoutingUpdate()
	if f.callbacks.OnPeerConnected != nil {
		f.callbacks.OnPeerConnected(peer)
	}
	if f.callbacks.OnTopologyChanged != nil {
		f.callbacks.OnTopologyChanged()
	}
}

func (f *Forwarder) onPeerDisconnected(peer frame.PeerID) {
	f.pool.OnPeerDisconnected(peer)
	f.graph.RemoveVertex(peer)
	f.broadcastRoutingUpdate()
	if f.callbacks.OnPeerDisconnected != nil {
		f.callbacks.OnPeerDisconnected(peer)
	}
	if f.callbacks.OnTopologyChanged != nil {
		f.callbacks.OnTopologyChanged()
	}
}

// HandleIncoming implements the inbound pipeline of spec §4.5.
func (f *Forwarder) HandleIncoming(raw []byte, from frame.PeerID) {
	data := raw
	if f.sec != nil && f.sec.HasSessionKey(from) {
		plain, err := f.sec.Decrypt(raw, from)
		if err != nil {
			f.metricsSink().FrameDropped("decrypt_error")
			return
		}
		data = plain
	}

	fr, err := frame.Decode(data)
	if err != nil {
		if f.callbacks.OnDecodeError != nil {
			f.callbacks.OnDecodeError(err)
		}
		f.metricsSink().FrameDropped("decode_error")
		return
	}
	f.metricsSink().FrameReceived()

	if f.guard != nil {
		if f.guard.ShouldBlock(fr, from) {
			f.metricsSink().FrameDropped("guard")
			return
		}
	}

	if f.dedup.seenOrInsert(fr.ID) {
		f.metricsSink().FrameDropped("duplicate")
		return
	}

	switch fr.Type {
	case frame.TypeHeartbeat:
		f.graph.AddEdge(fr.SourceID, from)
		f.rt.RefreshHeartbeat(from)
	case frame.TypeRoutingUpdate:
		f.graph.Merge(fr.SourceID, decodeNeighborList(fr.Payload))
	}

	deliverLocal := !fr.HasTarget() || fr.TargetID == f.local
	if deliverLocal && f.callbacks.OnFrameDelivered != nil {
		f.callbacks.OnFrameDelivered(fr)
	}

	if fr.HasTarget() && fr.TargetID == f.local {
		return // directed at us and not broadcast: nothing further to forward
	}

	now := f.now()
	if fr.TTL == 0 || fr.Expired(now) {
		f.metricsSink().FrameDropped("ttl_expired")
		return
	}
	if fr.ContainsLoop(f.local) {
		f.metricsSink().FrameDropped("loop")
		return
	}
	if fr.ExceedsPathCap() {
		f.metricsSink().FrameDropped("path_cap")
		return
	}

	fwd := fr.ForwardedCopy(f.local)
	if !f.queues.enqueue(fwd) {
		f.metricsSink().FrameDropped("queue_full")
		return
	}
	f.metricsSink().FrameForwarded()
}

func (f *Forwarder) outboundLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.limits.OutboundTick)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.drainOne()
			emergency, normal := f.queues.lens()
			f.metricsSink().SetQueueDepth("emergency", emergency)
			f.metricsSink().SetQueueDepth("normal", normal)
		}
	}
}

func (f *Forwarder) drainOne() {
	fr, ok := f.queues.dequeue(f.now())
	if !ok {
		return
	}

	if fr.HasTarget() {
		f.sendToTarget(&fr)
		return
	}
	f.broadcastExceptRoutePath(&fr)
}

func (f *Forwarder) sendToTarget(fr *frame.Frame) {
	for _, peer := range f.transport.ConnectedPeers() {
		if peer == fr.TargetID {
			f.send(peer, fr)
			return
		}
	}

	path, ok := f.rt.FindBestRoute(f.local, fr.TargetID, fr.Type.IsEmergency())
	if !ok || len(path) < 2 {
		f.metricsSink().FrameDropped("no_route")
		if f.callbacks.OnSendError != nil {
			f.callbacks.OnSendError(fr.TargetID, ErrNoRoute)
		}
		return
	}
	f.send(path[1], fr)
}

func (f *Forwarder) broadcastExceptRoutePath(fr *frame.Frame) {
	inPath := make(map[frame.PeerID]struct{}, len(fr.RoutePath))
	for _, p := range fr.RoutePath {
		inPath[p] = struct{}{}
	}
	for _, peer := range f.transport.ConnectedPeers() {
		if _, already := inPath[peer]; already {
			continue
		}
		f.send(peer, fr)
	}
}

// send acquires a channel, encrypts if keyed, invokes Transport, and
// releases with latency/byte count (spec §4.5 "Sending").
func (f *Forwarder) send(peer frame.PeerID, fr *frame.Frame) {
	priority := channel.PriorityNormal
	if fr.Type.IsEmergency() {
		priority = channel.PriorityEmergency
	}
	c := f.pool.Acquire(peer, priority)
	if c == nil {
		f.recordFailure(peer)
		return
	}

	data, err := frame.Encode(fr)
	if err != nil {
		f.pool.Release(c, false, 0, 0)
		f.recordFailure(peer)
		return
	}
	if f.sec != nil && f.sec.HasSessionKey(peer) {
		encrypted, encErr := f.sec.Encrypt(data, peer)
		if encErr != nil {
			f.pool.Release(c, false, 0, 0)
			f.recordFailure(peer)
			return
		}
		data = encrypted
	} else if f.guard != nil {
		f.guard.EmitPlaintextSend(peer)
	}

	start := f.now()
	ctx, cancel := context.WithTimeout(f.backgroundCtx(), 10*time.Second)
	err = f.transport.Send(ctx, data, peer)
	cancel()
	latency := f.now().Sub(start)

	if err != nil {
		f.pool.Release(c, false, latency, 0)
		f.recordFailure(peer)
		return
	}
	f.pool.Release(c, true, latency, len(data))
	f.clearFailures(peer)
	f.metricsSink().FrameSent()
	f.metricsSink().ObserveSendLatency(latency)
}

func (f *Forwarder) backgroundCtx() context.Context {
	if f.ctx != nil {
		return f.ctx
	}
	return context.Background()
}

// recordFailure tracks a send failure toward the mark_failed
// threshold (3 failures within 5 min, spec §4.5 "Failure tracking").
func (f *Forwarder) recordFailure(peer frame.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	cutoff := now.Add(-failureWindow)
	recent := f.failures[peer][:0]
	for _, t := range f.failures[peer] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	f.failures[peer] = recent

	if len(recent) >= failureThreshold {
		f.rt.MarkFailed(peer)
	}
}

func (f *Forwarder) clearFailures(peer frame.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, peer)
	f.rt.MarkRecovered(peer)
}

func (f *Forwarder) heartbeatLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.limits.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.sendHeartbeat()
		}
	}
}

func (f *Forwarder) sendHeartbeat() {
	peers := f.transport.ConnectedPeers()
	if len(peers) == 0 {
		return
	}
	payload := []byte(string(f.local) + ":" + strconv.Itoa(len(peers)))
	hb := frame.Frame{
		ID:        newFrameID(),
		Type:      frame.TypeHeartbeat,
		SourceID:  f.local,
		Payload:   payload,
		Timestamp: f.now(),
		TTL:       frame.TypeHeartbeat.InitialTTL(),
	}
	f.queues.enqueue(hb)
}

func (f *Forwarder) broadcastRoutingUpdate() {
	neighbors := f.graph.Snapshot(f.local)
	ru := frame.Frame{
		ID:        newFrameID(),
		Type:      frame.TypeRoutingUpdate,
		SourceID:  f.local,
		Payload:   encodeNeighborList(neighbors),
		Timestamp: f.now(),
		TTL:       frame.TypeRoutingUpdate.InitialTTL(),
	}
	f.queues.enqueue(ru)
}
