package transport_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/meshcore/frame"
	"github.com/fieldmesh/meshcore/transport"
)

func TestLoopbackDeliversBetweenLinkedPeers(t *testing.T) {
	hub := transport.NewHub()
	a := hub.NewNode("a")
	b := hub.NewNode("b")

	var mu sync.Mutex
	var received []byte
	var from frame.PeerID
	b.SetHandlers(transport.Handlers{
		OnDataReceived: func(data []byte, f frame.PeerID) {
			mu.Lock()
			defer mu.Unlock()
			received = data
			from = f
		},
	})

	hub.Link("a", "b")
	assert.ElementsMatch(t, []frame.PeerID{"b"}, a.ConnectedPeers())

	err := a.Send(context.Background(), []byte("hi"), "b")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("hi"), received)
	assert.Equal(t, frame.PeerID("a"), from)
}

func TestLoopbackSendToUnlinkedPeerFails(t *testing.T) {
	hub := transport.NewHub()
	a := hub.NewNode("a")
	hub.NewNode("b")

	err := a.Send(context.Background(), []byte("hi"), "b")
	assert.Error(t, err)
}

func TestLoopbackUnlinkFiresDisconnect(t *testing.T) {
	hub := transport.NewHub()
	a := hub.NewNode("a")
	b := hub.NewNode("b")

	var disconnected frame.PeerID
	a.SetHandlers(transport.Handlers{
		OnPeerDisconnected: func(p frame.PeerID) { disconnected = p },
	})

	hub.Link("a", "b")
	hub.Unlink("a", "b")

	assert.Equal(t, frame.PeerID("b"), disconnected)
	assert.Empty(t, a.ConnectedPeers())
}

func TestLoopbackSimulatedFailure(t *testing.T) {
	hub := transport.NewHub()
	a := hub.NewNode("a")
	hub.NewNode("b")
	hub.Link("a", "b")

	a.SetFailure("b", true)
	err := a.Send(context.Background(), []byte("x"), "b")
	assert.Error(t, err)

	a.SetFailure("b", false)
	err = a.Send(context.Background(), []byte("x"), "b")
	assert.NoError(t, err)
}
