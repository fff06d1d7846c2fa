package guard

import (
	"sync"
	"time"

	"github.com/fieldmesh/meshcore/frame"
)

// banTable implements the tiered ban ladder of spec §3/§4.3: 1st and
// 2nd offence ban for 2h, 3rd and beyond ban for 5 days. Ban state is
// process-lifetime only (spec §3).
type banTable struct {
	mu         sync.RWMutex
	bannedUntil map[frame.PeerID]time.Time
	banCount    map[frame.PeerID]uint32

	tier1Duration time.Duration
	tier3Duration time.Duration

	now func() time.Time
}

func newBanTable(now func() time.Time) *banTable {
	return &banTable{
		bannedUntil:   make(map[frame.PeerID]time.Time),
		banCount:      make(map[frame.PeerID]uint32),
		tier1Duration: 2 * time.Hour,
		tier3Duration: 5 * 24 * time.Hour,
		now:           now,
	}
}

// Ban applies the next tier of the ladder to peer and returns the
// duration applied.
func (b *banTable) Ban(peer frame.PeerID) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.banCount[peer]++
	count := b.banCount[peer]

	duration := b.tier1Duration
	if count >= 3 {
		duration = b.tier3Duration
	}

	b.bannedUntil[peer] = b.now().Add(duration)
	return duration
}

// BanFor applies an explicit duration (used by the emergency-specific
// limiter's hourly-abuse ban, which does not consume the tiered
// ladder, spec §4.3).
func (b *banTable) BanFor(peer frame.PeerID, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until := b.now().Add(d)
	if existing, ok := b.bannedUntil[peer]; !ok || until.After(existing) {
		b.bannedUntil[peer] = until
	}
}

// IsBanned reports whether peer is currently banned.
func (b *banTable) IsBanned(peer frame.PeerID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	until, ok := b.bannedUntil[peer]
	return ok && b.now().Before(until)
}

// Unban clears peer's ban (administrative operation).
func (b *banTable) Unban(peer frame.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bannedUntil, peer)
}

// BannedUntil returns the ban expiry and whether one is on record.
func (b *banTable) BannedUntil(peer frame.PeerID) (time.Time, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.bannedUntil[peer]
	return t, ok
}

// Count returns how many times peer has been banned.
func (b *banTable) Count(peer frame.PeerID) uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.banCount[peer]
}
