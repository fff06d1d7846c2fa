package forwarder

import (
	"strings"

	"github.com/google/uuid"

	"github.com/fieldmesh/meshcore/frame"
)

func newFrameID() [16]byte {
	return [16]byte(uuid.New())
}

// encodeNeighborList serializes a routing_update payload as a
// comma-joined peer id list; the codec's payload field is opaque
// bytes, so this application-level encoding lives entirely in the
// forwarder.
func encodeNeighborList(neighbors []frame.PeerID) []byte {
	parts := make([]string, len(neighbors))
	for i, n := range neighbors {
		parts[i] = string(n)
	}
	return []byte(strings.Join(parts, ","))
}

func decodeNeighborList(payload []byte) []frame.PeerID {
	if len(payload) == 0 {
		return nil
	}
	parts := strings.Split(string(payload), ",")
	out := make([]frame.PeerID, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, frame.PeerID(p))
		}
	}
	return out
}
