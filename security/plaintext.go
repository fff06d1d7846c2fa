package security

import "github.com/fieldmesh/meshcore/frame"

// Plaintext is a no-op Provider: it never holds session keys, so
// every frame travels in the clear. It exists for tests and for
// bring-up before a real SecurityProvider is wired in; it is
// deliberately not a cryptographic implementation (spec §1: the
// concrete primitive is out of scope for the core).
type Plaintext struct{}

func (Plaintext) HasSessionKey(frame.PeerID) bool { return false }

func (Plaintext) Encrypt(data []byte, _ frame.PeerID) ([]byte, error) {
	return data, nil
}

func (Plaintext) Decrypt(data []byte, _ frame.PeerID) ([]byte, error) {
	return data, nil
}

func (Plaintext) PublicKey() []byte { return nil }

func (Plaintext) RemoveSessionKey(frame.PeerID) {}
