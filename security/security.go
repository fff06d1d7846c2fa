// Package security defines the abstract SecurityProvider collaborator
// (spec §1, §6). The engine never depends on a concrete cryptographic
// primitive; callers supply an implementation (e.g. ChaCha20-Poly1305
// AEAD, as the spec recommends) that satisfies this interface.
package security

import "github.com/fieldmesh/meshcore/frame"

// Provider manages per-peer session keys and frames' confidentiality.
// When HasSessionKey(peer) is true, frames to/from that peer are
// expected to be encrypted with an AEAD construction of the caller's
// choice. Absent a key, frames travel in the clear and the engine
// emits a PlaintextSend security event.
type Provider interface {
	HasSessionKey(peer frame.PeerID) bool
	Encrypt(data []byte, forPeer frame.PeerID) ([]byte, error)
	Decrypt(data []byte, fromPeer frame.PeerID) ([]byte, error)
	PublicKey() []byte
	RemoveSessionKey(peer frame.PeerID)
}
