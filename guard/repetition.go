package guard

import (
	"crypto/sha256"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/fieldmesh/meshcore/frame"
)

const repetitionCap = 1000

// repetitionDetector maintains a bounded payload_hash -> count map
// (global and per-sender) per spec §4.3 step 4. A bloom filter
// (grounded on the teacher's routing/gossip.go seenFilter) is tested
// and filled alongside the exact counts; it does not short-circuit
// them, and the counts are updated for every payload.
type repetitionDetector struct {
	mu sync.Mutex

	seen    *bloom.BloomFilter
	global  map[string]int
	perPeer map[frame.PeerID]map[string]int

	order []string // insertion order for bounded eviction
}

func newRepetitionDetector() *repetitionDetector {
	return &repetitionDetector{
		seen:    bloom.NewWithEstimates(repetitionCap*10, 0.01),
		global:  make(map[string]int),
		perPeer: make(map[frame.PeerID]map[string]int),
	}
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return string(sum[:])
}

// record ingests a payload from sender and reports whether the
// pattern has become suspicious: global count >= 5 with this sender
// among the contributors (spec §4.3 step 4).
func (r *repetitionDetector) record(sender frame.PeerID, payload []byte) (suspicious bool) {
	h := hashPayload(payload)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.seen.TestString(h) {
		r.seen.AddString(h)
	}

	if _, tracked := r.global[h]; !tracked {
		if len(r.order) >= repetitionCap {
			r.evictOldest()
		}
		r.order = append(r.order, h)
	}
	r.global[h]++

	peerCounts, ok := r.perPeer[sender]
	if !ok {
		peerCounts = make(map[string]int)
		r.perPeer[sender] = peerCounts
	}
	peerCounts[h]++

	return r.global[h] >= 5 && peerCounts[h] > 0
}

func (r *repetitionDetector) evictOldest() {
	if len(r.order) == 0 {
		return
	}
	oldest := r.order[0]
	r.order = r.order[1:]
	delete(r.global, oldest)
	for _, peerCounts := range r.perPeer {
		delete(peerCounts, oldest)
	}
}
