package transport

import (
	"context"
	"sync"

	"github.com/fieldmesh/meshcore/frame"
)

// Hub wires a set of Loopback transports together in-process, so
// engine tests can reproduce the literal multi-node scenarios of spec
// §8 (three-node chains, partial-failure graphs) without a real
// network stack. It mirrors the stream-handler dispatch shape of the
// libp2p adapter (register handlers, route bytes to the right peer's
// handler) without the network I/O.
type Hub struct {
	mu    sync.RWMutex
	nodes map[frame.PeerID]*Loopback
}

// NewHub creates an empty test hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[frame.PeerID]*Loopback)}
}

// Loopback is an in-process Transport bound to a Hub. Peers are
// "connected" explicitly via Hub.Link/Unlink rather than discovered.
type Loopback struct {
	hub *Hub
	id  frame.PeerID

	mu       sync.RWMutex
	peers    map[frame.PeerID]struct{}
	handlers Handlers

	failMu    sync.Mutex
	failPeers map[frame.PeerID]bool
}

// NewNode creates a Loopback transport for id and registers it on hub.
func (h *Hub) NewNode(id frame.PeerID) *Loopback {
	node := &Loopback{
		hub:       h,
		id:        id,
		peers:     make(map[frame.PeerID]struct{}),
		failPeers: make(map[frame.PeerID]bool),
	}
	h.mu.Lock()
	h.nodes[id] = node
	h.mu.Unlock()
	return node
}

// Link marks a and b as connected and fires both sides' OnPeerConnected.
func (h *Hub) Link(a, b frame.PeerID) {
	h.mu.RLock()
	na, okA := h.nodes[a]
	nb, okB := h.nodes[b]
	h.mu.RUnlock()
	if !okA || !okB {
		return
	}
	na.addPeer(b)
	nb.addPeer(a)
}

// Unlink marks a and b as disconnected and fires both sides'
// OnPeerDisconnected.
func (h *Hub) Unlink(a, b frame.PeerID) {
	h.mu.RLock()
	na, okA := h.nodes[a]
	nb, okB := h.nodes[b]
	h.mu.RUnlock()
	if !okA || !okB {
		return
	}
	na.removePeer(b)
	nb.removePeer(a)
}

func (n *Loopback) addPeer(id frame.PeerID) {
	n.mu.Lock()
	_, already := n.peers[id]
	n.peers[id] = struct{}{}
	handler := n.handlers.OnPeerConnected
	n.mu.Unlock()
	if !already && handler != nil {
		handler(id)
	}
}

func (n *Loopback) removePeer(id frame.PeerID) {
	n.mu.Lock()
	_, existed := n.peers[id]
	delete(n.peers, id)
	handler := n.handlers.OnPeerDisconnected
	n.mu.Unlock()
	if existed && handler != nil {
		handler(id)
	}
}

// SetFailure makes every Send from n to peer fail until cleared, for
// exercising partial-failure scenarios (spec §8).
func (n *Loopback) SetFailure(peer frame.PeerID, fail bool) {
	n.failMu.Lock()
	defer n.failMu.Unlock()
	if fail {
		n.failPeers[peer] = true
	} else {
		delete(n.failPeers, peer)
	}
}

func (n *Loopback) LocalID() frame.PeerID { return n.id }

func (n *Loopback) ConnectedPeers() []frame.PeerID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]frame.PeerID, 0, len(n.peers))
	for p := range n.peers {
		out = append(out, p)
	}
	return out
}

func (n *Loopback) Send(ctx context.Context, data []byte, to frame.PeerID) error {
	n.failMu.Lock()
	shouldFail := n.failPeers[to]
	n.failMu.Unlock()
	if shouldFail {
		return errTransportUnreachable
	}

	n.mu.RLock()
	_, connected := n.peers[to]
	n.mu.RUnlock()
	if !connected {
		return errTransportUnreachable
	}

	n.hub.mu.RLock()
	peer, ok := n.hub.nodes[to]
	n.hub.mu.RUnlock()
	if !ok {
		return errTransportUnreachable
	}

	peer.mu.RLock()
	handler := peer.handlers.OnDataReceived
	peer.mu.RUnlock()

	cp := append([]byte(nil), data...)
	if handler != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		handler(cp, n.id)
	}
	return nil
}

func (n *Loopback) SetHandlers(h Handlers) {
	n.mu.Lock()
	n.handlers = h
	n.mu.Unlock()
}

type loopbackError string

func (e loopbackError) Error() string { return string(e) }

var errTransportUnreachable = loopbackError("loopback: peer unreachable")
