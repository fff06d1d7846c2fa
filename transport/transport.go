// Package transport defines the external Transport collaborator (spec
// §1, §6) and provides two concrete adapters: a libp2p-hosted adapter
// standing in for the OS-provided peer-to-peer link on desktop/server
// builds, and an in-process loopback adapter for tests.
package transport

import (
	"context"

	"github.com/fieldmesh/meshcore/frame"
)

// Handlers are the callbacks a Transport invokes on inbound events.
// The engine registers these once at construction; the transport
// never calls back into anything but these functions (Design Notes:
// break forwarder<->transport cycles with interface types).
type Handlers struct {
	OnDataReceived     func(data []byte, from frame.PeerID)
	OnPeerConnected    func(peer frame.PeerID)
	OnPeerDisconnected func(peer frame.PeerID)
}

// Transport is the OS peer-to-peer link: advertise, discover, accept,
// session I/O. The engine never assumes reliability of Send; every
// failure is counted by the caller (spec §6).
type Transport interface {
	LocalID() frame.PeerID
	ConnectedPeers() []frame.PeerID
	Send(ctx context.Context, data []byte, to frame.PeerID) error
	SetHandlers(h Handlers)
}
