package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/fieldmesh/meshcore/frame"
)

// meshProtocol is the libp2p stream protocol this adapter speaks;
// every stream carries exactly one codec-encoded mesh frame.
const meshProtocol = "/meshcore/frame/1.0.0"

// LibP2P is a Transport built on a libp2p host: it advertises and
// dials over whatever libp2p transports the host was configured with,
// and carries one mesh frame per stream. It is the desktop/server
// reference implementation of the spec's "OS-provided peer-to-peer
// link" (spec §1, §6) — grounded on the teacher's
// internal/network/mesh.go host bring-up.
type LibP2P struct {
	host libp2phost.Host
	id   frame.PeerID

	mu       sync.RWMutex
	peers    map[frame.PeerID]libp2ppeer.ID
	handlers Handlers
}

// NewLibP2P brings up a libp2p host with the given private key (or a
// freshly generated Ed25519 key if priv is nil) and registers the mesh
// frame stream handler.
func NewLibP2P(priv crypto.PrivKey) (*LibP2P, error) {
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(nil)
		if err != nil {
			return nil, fmt.Errorf("generate host key: %w", err)
		}
	}

	host, err := libp2p.New(libp2p.Identity(priv))
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}

	lp := &LibP2P{
		host:  host,
		id:    frame.PeerID(host.ID().String()),
		peers: make(map[frame.PeerID]libp2ppeer.ID),
	}

	host.SetStreamHandler(meshProtocol, lp.handleStream)
	host.Network().Notify(lp)

	return lp, nil
}

func (lp *LibP2P) Host() libp2phost.Host { return lp.host }

func (lp *LibP2P) LocalID() frame.PeerID { return lp.id }

func (lp *LibP2P) ConnectedPeers() []frame.PeerID {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	out := make([]frame.PeerID, 0, len(lp.peers))
	for id := range lp.peers {
		out = append(out, id)
	}
	return out
}

// Connect dials a peer at a multiaddr, registering it for later Send
// calls (grounded on the teacher's SendPacket dial path).
func (lp *LibP2P) Connect(ctx context.Context, addr string) (frame.PeerID, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("parse multiaddr: %w", err)
	}
	info, err := libp2ppeer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", fmt.Errorf("parse peer info: %w", err)
	}
	if err := lp.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("dial peer: %w", err)
	}

	pid := frame.PeerID(info.ID.String())
	lp.mu.Lock()
	lp.peers[pid] = info.ID
	lp.mu.Unlock()
	return pid, nil
}

func (lp *LibP2P) Send(ctx context.Context, data []byte, to frame.PeerID) error {
	lp.mu.RLock()
	pid, ok := lp.peers[to]
	lp.mu.RUnlock()
	if !ok {
		return fmt.Errorf("libp2p transport: unknown peer %s", to)
	}

	stream, err := lp.host.NewStream(ctx, pid, meshProtocol)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if _, err := stream.Write(data); err != nil {
		return fmt.Errorf("write stream: %w", err)
	}
	return nil
}

func (lp *LibP2P) SetHandlers(h Handlers) {
	lp.mu.Lock()
	lp.handlers = h
	lp.mu.Unlock()
}

func (lp *LibP2P) handleStream(s network.Stream) {
	defer s.Close()

	from := frame.PeerID(s.Conn().RemotePeer().String())
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := s.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}

	lp.mu.RLock()
	handler := lp.handlers.OnDataReceived
	lp.mu.RUnlock()
	if handler != nil && len(buf) > 0 {
		handler(buf, from)
	}
}

// network.Notifiee implementation: track connect/disconnect so
// ConnectedPeers and the engine's on_peer_connected/disconnected
// callbacks stay in sync with the libp2p swarm.

func (lp *LibP2P) Connected(_ network.Network, c network.Conn) {
	pid := frame.PeerID(c.RemotePeer().String())
	lp.mu.Lock()
	_, existed := lp.peers[pid]
	lp.peers[pid] = c.RemotePeer()
	handler := lp.handlers.OnPeerConnected
	lp.mu.Unlock()
	if !existed && handler != nil {
		handler(pid)
	}
}

func (lp *LibP2P) Disconnected(_ network.Network, c network.Conn) {
	pid := frame.PeerID(c.RemotePeer().String())
	lp.mu.Lock()
	_, existed := lp.peers[pid]
	delete(lp.peers, pid)
	handler := lp.handlers.OnPeerDisconnected
	lp.mu.Unlock()
	if existed && handler != nil {
		handler(pid)
	}
}

func (lp *LibP2P) Listen(network.Network, ma.Multiaddr)      {}
func (lp *LibP2P) ListenClose(network.Network, ma.Multiaddr) {}

// Close shuts down the underlying libp2p host.
func (lp *LibP2P) Close() error {
	return lp.host.Close()
}
