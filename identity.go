package meshcore

import (
	"github.com/google/uuid"

	"github.com/fieldmesh/meshcore/frame"
)

// NewLocalPeerID mints a fresh peer id for this process. Identity is
// deliberately not persisted to disk (spec §3: "generated once per
// process"; see SPEC_FULL.md §7) — unlike the teacher's
// internal/core/identity.go, which the composition root this package
// replaces would otherwise have reused verbatim.
func NewLocalPeerID() frame.PeerID {
	return frame.PeerID(uuid.New().String())
}
