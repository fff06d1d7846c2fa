package robust_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/meshcore/channel"
	"github.com/fieldmesh/meshcore/frame"
	"github.com/fieldmesh/meshcore/robust"
	"github.com/fieldmesh/meshcore/security"
	"github.com/fieldmesh/meshcore/transport"
)

// setup wires a local robust.Layer against a hub, linking it to every
// named peer and registering a matching channel in the pool (the
// Forwarder/engine normally does this wiring on connect; robust_test
// does it directly since it exercises the Robust Layer in isolation).
func setup(t *testing.T, hub *transport.Hub, peers ...frame.PeerID) (*robust.Layer, *channel.Pool) {
	t.Helper()
	local := hub.NewNode("local")
	pool := channel.New(20, 5, 300*time.Second, 50*time.Millisecond)
	for _, p := range peers {
		hub.NewNode(p)
		hub.Link("local", p)
		pool.OnPeerConnected(p)
	}
	layer := robust.New(pool, security.Plaintext{}, local, nil)
	return layer, pool
}

func TestRobustSendSuccessToAllPeers(t *testing.T) {
	hub := transport.NewHub()
	layer, _ := setup(t, hub, "b", "c")

	out := layer.RobustSend(context.Background(), []byte("hi"), []frame.PeerID{"b", "c"}, 2*time.Second)
	assert.Equal(t, robust.OutcomeSuccess, out.Kind)
}

func TestRobustSendPartialSuccessWhenOnePeerUnreachable(t *testing.T) {
	hub := transport.NewHub()
	layer, _ := setup(t, hub, "b")

	out := layer.RobustSend(context.Background(), []byte("hi"), []frame.PeerID{"b", "unreachable"}, 3*time.Second)
	assert.Equal(t, robust.OutcomePartialSuccess, out.Kind)
	assert.Contains(t, out.Errors, frame.PeerID("unreachable"))
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	hub := transport.NewHub()
	layer, _ := setup(t, hub)

	// No peer is ever linked: every attempt fails immediately,
	// tripping the breaker after 5 consecutive failures.
	for i := 0; i < 6; i++ {
		layer.RobustSend(context.Background(), []byte("x"), []frame.PeerID{"ghost"}, 200*time.Millisecond)
	}

	require.Equal(t, robust.BreakerOpen, layer.BreakerState())

	out := layer.RobustSend(context.Background(), []byte("x"), []frame.PeerID{"ghost"}, 200*time.Millisecond)
	assert.Equal(t, robust.OutcomeFailure, out.Kind)
}

func TestRobustSendEmptyPeerListIsFailure(t *testing.T) {
	hub := transport.NewHub()
	layer, _ := setup(t, hub)
	out := layer.RobustSend(context.Background(), []byte("x"), nil, time.Second)
	assert.Equal(t, robust.OutcomeFailure, out.Kind)
}
