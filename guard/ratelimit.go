package guard

import (
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/fieldmesh/meshcore/frame"
)

// window is a single sliding-window rate check, built on the
// teacher's token-bucket usage (routing/gossip.go: limiter.NewTokenBucket
// backed by a store.Store, keyed per entity via Allow(key)).
type window struct {
	bucket *limiter.TokenBucket
}

func newWindow(rate int, duration time.Duration, burst int) *window {
	st := store.NewMemoryStore(duration * 2)
	tb, _ := limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(rate),
		Duration: duration,
		Burst:    int64(burst),
	}, st)
	return &window{bucket: tb}
}

// allow reports whether key is within the window's budget. A nil
// bucket (rate<=0, i.e. unconfigured) always allows.
func (w *window) allow(key string) bool {
	if w == nil || w.bucket == nil {
		return true
	}
	return w.bucket.Allow(key)
}

// typeLimiter enforces the fixed per-(peer,type) table of spec §4.3:
// a 1s window and a 60s window, both must pass.
type typeLimiter struct {
	second *window
	minute *window

	mu        sync.Mutex
	violations map[frame.PeerID][]time.Time

	burstSize int
	now       func() time.Time
}

func newTypeLimiter(perSecond, perMinute, burstSize int, now func() time.Time) *typeLimiter {
	if burstSize <= 0 {
		burstSize = perSecond
	}
	return &typeLimiter{
		second:     newWindow(perSecond, time.Second, burstSize),
		minute:     newWindow(perMinute, time.Minute, perMinute),
		violations: make(map[frame.PeerID][]time.Time),
		burstSize:  burstSize,
		now:        now,
	}
}

// check reports (withinLimit, escalatedBanDuration>0). Escalation per
// spec §4.3: repeated excess within 5s triggers a ban at half the
// default duration; excess at twice the burst size within 10s
// triggers a full ban.
func (l *typeLimiter) check(peer frame.PeerID, defaultBan time.Duration) (ok bool, banDuration time.Duration) {
	key := string(peer)
	within := l.second.allow(key) && l.minute.allow(key)
	if within {
		return true, 0
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.violations[peer]
	cutoff10 := now.Add(-10 * time.Second)
	filtered := recent[:0]
	for _, t := range recent {
		if t.After(cutoff10) {
			filtered = append(filtered, t)
		}
	}
	filtered = append(filtered, now)
	l.violations[peer] = filtered

	within5s := 0
	within10s := len(filtered)
	cutoff5 := now.Add(-5 * time.Second)
	for _, t := range filtered {
		if t.After(cutoff5) {
			within5s++
		}
	}

	if within10s >= 2*l.burstSize {
		return false, 0 // caller applies full tiered ban
	}
	if within5s >= 2 {
		return false, defaultBan / 2
	}
	return false, 0
}

func (l *typeLimiter) fullBanTriggered(peer frame.PeerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-10 * time.Second)
	count := 0
	for _, t := range l.violations[peer] {
		if t.After(cutoff) {
			count++
		}
	}
	return count >= 2*l.burstSize
}

// emergencyLimiter implements the separate per-sender burst limiter
// for emergency traffic (spec §4.3): 2/10s burst, 5/min, 10/5min,
// 20/hour. Violating the hourly bound bans the sender from emergency
// traffic only, for 1h.
type emergencyLimiter struct {
	burst   *window
	minute  *window
	fiveMin *window
	hour    *window

	mu         sync.Mutex
	hourEvents map[frame.PeerID][]time.Time
	hourCap    int
	now        func() time.Time
}

func newEmergencyLimiter(burstWindow time.Duration, maxBurst, perMinute, per5Min, perHour int, now func() time.Time) *emergencyLimiter {
	return &emergencyLimiter{
		burst:      newWindow(maxBurst, burstWindow, maxBurst),
		minute:     newWindow(perMinute, time.Minute, perMinute),
		fiveMin:    newWindow(per5Min, 5*time.Minute, per5Min),
		hour:       newWindow(perHour, time.Hour, perHour),
		hourEvents: make(map[frame.PeerID][]time.Time),
		hourCap:    perHour,
		now:        now,
	}
}

// allow reports whether peer may send another emergency frame, and
// whether the hourly bound was violated (triggering a 1h emergency-only
// ban).
func (l *emergencyLimiter) allow(peer frame.PeerID) (ok bool, hourlyViolated bool) {
	key := string(peer)

	within := l.burst.allow(key) && l.minute.allow(key) && l.fiveMin.allow(key)
	hourOK := l.hour.allow(key)

	l.mu.Lock()
	now := l.now()
	cutoff := now.Add(-time.Hour)
	events := l.hourEvents[peer]
	filtered := events[:0]
	for _, t := range events {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	filtered = append(filtered, now)
	l.hourEvents[peer] = filtered
	exceeded := len(filtered) > l.hourCap
	l.mu.Unlock()

	if !hourOK || exceeded {
		return false, true
	}
	return within, false
}
