package meshcore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/meshcore/frame"
	"github.com/fieldmesh/meshcore/guard"
	"github.com/fieldmesh/meshcore/robust"
	"github.com/fieldmesh/meshcore/security"
	"github.com/fieldmesh/meshcore/state"
	"github.com/fieldmesh/meshcore/transport"
)

// engineNode wraps an Engine plus the application-side callback
// bookkeeping a real app would do, for the end-to-end scenarios of
// spec §8 exercised here against the in-process Loopback transport.
type engineNode struct {
	id     frame.PeerID
	engine *Engine

	mu          sync.Mutex
	delivered   []*frame.Frame
	emergencies []*frame.Frame
	guardEvents []guard.Event
}

func newEngineNode(hub *transport.Hub, id frame.PeerID) *engineNode {
	return newEngineNodeWithConfig(hub, id, looseGuardConfig())
}

// looseGuardConfig loosens the flood guard's per-type/overall limits
// so multi-frame scenarios aren't incidentally blocked by the ambient
// rate tables DefaultConfig ships with.
func looseGuardConfig() Config {
	cfg := DefaultConfig()
	for t, fp := range cfg.TypeLimits {
		fp.PerSecond = 1000
		fp.PerMinute = 10000
		cfg.TypeLimits[t] = fp
	}
	cfg.OverallLimit.PerSecond = 1000
	cfg.OverallLimit.PerMinute = 10000
	return cfg
}

func newEngineNodeWithConfig(hub *transport.Hub, id frame.PeerID, cfg Config) *engineNode {
	n := &engineNode{id: id}
	tr := hub.NewNode(id)

	n.engine = New(id, cfg, tr, security.Plaintext{}, Callbacks{
		OnFrameDelivered: func(f *frame.Frame) {
			n.mu.Lock()
			n.delivered = append(n.delivered, f)
			n.mu.Unlock()
		},
		OnEmergencyFrame: func(f *frame.Frame) {
			n.mu.Lock()
			n.emergencies = append(n.emergencies, f)
			n.mu.Unlock()
		},
		OnSecurityEvent: func(ev guard.Event) {
			n.mu.Lock()
			n.guardEvents = append(n.guardEvents, ev)
			n.mu.Unlock()
		},
	}, nil)
	return n
}

func (n *engineNode) deliveredCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.delivered)
}

func (n *engineNode) deliveredWithID(id [16]byte) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, f := range n.delivered {
		if f.ID == id {
			count++
		}
	}
	return count
}

func (n *engineNode) emergencyCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.emergencies)
}

func (n *engineNode) guardEventsSnapshot() []guard.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]guard.Event, len(n.guardEvents))
	copy(out, n.guardEvents)
	return out
}

func chatFrame(id byte, source, target frame.PeerID, payload string) frame.Frame {
	return frame.Frame{
		ID:        [16]byte{id},
		Type:      frame.TypeChat,
		SourceID:  source,
		TargetID:  target,
		Payload:   []byte(payload),
		Timestamp: time.Now(),
		TTL:       10,
	}
}

func TestThreeNodeChainDeliversAndSuppressesDuplicates(t *testing.T) {
	hub := transport.NewHub()
	a := newEngineNode(hub, "a")
	b := newEngineNode(hub, "b")
	c := newEngineNode(hub, "c")
	hub.Link("a", "b")
	hub.Link("b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.engine.Start(ctx)
	b.engine.Start(ctx)
	c.engine.Start(ctx)
	defer a.engine.Stop()
	defer b.engine.Stop()
	defer c.engine.Stop()

	fr := chatFrame(1, "a", "", "hello mesh")
	data, err := frame.Encode(&fr)
	require.NoError(t, err)

	// Deliver the same encoded broadcast to b's inbound pipeline
	// twice, simulating a retransmit arriving over the wire.
	b.engine.fw.HandleIncoming(data, "a")
	b.engine.fw.HandleIncoming(data, "a")

	assert.Equal(t, 1, b.deliveredCount(), "duplicate delivery must be suppressed")

	// b's outbound queue sends one frame per 200ms tick, and the routing
	// updates from the Link calls are queued ahead of the chat frame.
	time.Sleep(2 * time.Second)
	assert.GreaterOrEqual(t, c.deliveredWithID(fr.ID), 1, "c should receive the forwarded broadcast")
}

func TestEmergencyFrameMirrorsToBothCallbacks(t *testing.T) {
	hub := transport.NewHub()
	a := newEngineNode(hub, "a")
	b := newEngineNode(hub, "b")
	hub.Link("a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.engine.Start(ctx)
	b.engine.Start(ctx)
	defer a.engine.Stop()
	defer b.engine.Stop()

	fr := frame.Frame{
		ID:        [16]byte{7},
		Type:      frame.TypeEmergencyMedical,
		SourceID:  "a",
		TargetID:  "b",
		Payload:   []byte("help"),
		Timestamp: time.Now(),
		TTL:       10,
	}
	require.True(t, fr.Type.IsEmergency())
	data, err := frame.Encode(&fr)
	require.NoError(t, err)

	b.engine.fw.HandleIncoming(data, "a")

	assert.Equal(t, 1, b.emergencyCount(), "emergency frames mirror to OnEmergencyFrame")
	assert.Equal(t, 1, b.deliveredCount(), "emergency frames also fire OnFrameDelivered")
}

func TestRobustSendFailsFastWhenMeshLayerNotReady(t *testing.T) {
	hub := transport.NewHub()
	a := newEngineNode(hub, "a")
	b := newEngineNode(hub, "b")
	hub.Link("a", "b") // "ghost" intentionally left unlinked

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.engine.Start(ctx)
	b.engine.Start(ctx)
	defer a.engine.Stop()
	defer b.engine.Stop()

	// A freshly started engine's state coordinator has not reached
	// Ready+stable, so RobustSend must fail fast rather than attempt
	// a send while the mesh layer is still connecting (spec §4.7).
	outcome := a.engine.RobustSend(ctx, []byte("ping"), []frame.PeerID{"b", "ghost"}, time.Second)
	assert.Equal(t, robust.OutcomeFailure, outcome.Kind)
}

func TestRobustSendStillGatedDuringStabilityWindow(t *testing.T) {
	hub := transport.NewHub()
	a := newEngineNode(hub, "a")
	b := newEngineNode(hub, "b")
	hub.Link("a", "b") // "ghost" intentionally left unlinked

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.engine.Start(ctx)
	b.engine.Start(ctx)
	defer a.engine.Stop()
	defer b.engine.Stop()

	a.engine.st.SetLayer(state.LayerPhysical, state.StatusReady)
	a.engine.st.SetLayer(state.LayerMesh, state.StatusReady)
	a.engine.st.SetLayer(state.LayerApplication, state.StatusReady)
	time.Sleep(10 * time.Millisecond)

	outcome := a.engine.RobustSend(ctx, []byte("ping"), []frame.PeerID{"b", "ghost"}, time.Second)
	assert.Equal(t, robust.OutcomeFailure, outcome.Kind, "stability window has not elapsed yet")
}

func TestHealthReportsDegradedWithNoConnectedPeers(t *testing.T) {
	hub := transport.NewHub()
	a := newEngineNode(hub, "a")

	health := a.engine.Health()
	assert.Less(t, health.Score, 1.0)
	assert.NotEmpty(t, health.Recommendations)
}

func TestGuardEventsSurfaceOnSecurityCallback(t *testing.T) {
	hub := transport.NewHub()
	a := newEngineNode(hub, "a")

	strictCfg := looseGuardConfig()
	strictCfg.MaxPayloadBytes = 10
	b := newEngineNodeWithConfig(hub, "b", strictCfg)
	hub.Link("a", "b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.engine.Start(ctx)
	b.engine.Start(ctx)
	defer a.engine.Stop()
	defer b.engine.Stop()

	oversized := frame.Frame{
		ID:        [16]byte{2},
		Type:      frame.TypeChat,
		SourceID:  "a",
		TargetID:  "b",
		Payload:   make([]byte, 20),
		Timestamp: time.Now(),
		TTL:       10,
	}
	data, err := frame.Encode(&oversized)
	require.NoError(t, err)

	b.engine.fw.HandleIncoming(data, "a")

	events := b.guardEventsSnapshot()
	require.Len(t, events, 1)
	assert.Equal(t, guard.EventSizeLimitBlocked, events[0].Kind)
}
