package forwarder

import "sync"

const dedupCacheCap = 1000

// dedupCache is a bounded frame-id seen-set. Unlike the guard
// package's content-repetition detector (which hashes payload bytes
// to catch abusive senders), this cache is keyed by the frame's own
// id and exists purely to stop the same frame being forwarded twice
// (spec §4.5 steps 4-5).
type dedupCache struct {
	mu       sync.Mutex
	seen     map[[16]byte]struct{}
	order    [][16]byte
	capacity int
}

func newDedupCache(capacity int) *dedupCache {
	return &dedupCache{seen: make(map[[16]byte]struct{}, capacity), capacity: capacity}
}

// seenOrInsert reports whether id was already present; if not, it is
// inserted, evicting the single oldest entry first if full (spec
// §4.5 step 5).
func (d *dedupCache) seenOrInsert(id [16]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true
	}

	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}

	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return false
}
