// Package guard implements the Flood / Abuse Guard (spec §4.3): fixed
// check order, per-type and overall rate limits, content-repetition
// detection, tiered bans, and the emergency-channel limiter.
package guard

import (
	"sync"
	"time"

	"github.com/fieldmesh/meshcore/frame"
)

// EventKind enumerates the security events the guard emits on its
// side channel (spec §4.3 invariant: "all decisions are emitted as
// security events... for logging/telemetry").
type EventKind int

const (
	EventPlaintextSend EventKind = iota
	EventRateLimitBlocked
	EventBannedPeerMessageBlocked
	EventContentRepetitionSuspicious
	EventSizeLimitBlocked
	EventEmergencyLimitBlocked
	EventEmergencyAbuseBanned
	EventTieredBanApplied
)

// Event is a single guard decision, handed to every registered
// observer.
type Event struct {
	Kind    EventKind
	Peer    frame.PeerID
	Details string
}

// Observer receives security events. Implementations must not block.
type Observer func(Event)

// Guard is a pure function of in-memory state; it never calls the
// Transport (spec §4.3 invariant).
type Guard struct {
	mu sync.RWMutex

	bans           *banTable
	emergencyBans  *banTable
	typeLimiters   map[frame.Type]*typeLimiter
	overall        *typeLimiter
	emergency      *emergencyLimiter
	repetition     *repetitionDetector
	maxPayloadSize int

	defaultBanDuration time.Duration

	observers []Observer
	now       func() time.Time
}

// Limits configures the guard's rate tables (spec §4.3 / §6).
type Limits struct {
	PerType        map[frame.Type]TypeLimit
	Overall        TypeLimit
	Emergency      EmergencyLimit
	MaxPayloadSize int
}

// TypeLimit is a per-second/per-minute pair with a burst threshold
// used for escalation detection.
type TypeLimit struct {
	PerSecond int
	PerMinute int
	Burst     int
}

// EmergencyLimit configures the emergency-only limiter.
type EmergencyLimit struct {
	BurstWindow time.Duration
	MaxBurst    int
	PerMinute   int
	Per5Min     int
	PerHour     int
	AbuseBan    time.Duration
}

// New builds a Guard from Limits. now defaults to time.Now.
func New(limits Limits, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}

	g := &Guard{
		bans:               newBanTable(now),
		emergencyBans:      newBanTable(now),
		typeLimiters:       make(map[frame.Type]*typeLimiter),
		overall:            newTypeLimiter(limits.Overall.PerSecond, limits.Overall.PerMinute, limits.Overall.Burst, now),
		emergency:          newEmergencyLimiter(limits.Emergency.BurstWindow, limits.Emergency.MaxBurst, limits.Emergency.PerMinute, limits.Emergency.Per5Min, limits.Emergency.PerHour, now),
		repetition:         newRepetitionDetector(),
		maxPayloadSize:     limits.MaxPayloadSize,
		defaultBanDuration: 2 * time.Hour,
		now:                now,
	}
	g.emergencyBans.tier1Duration = limits.Emergency.AbuseBan
	g.emergencyBans.tier3Duration = limits.Emergency.AbuseBan

	for t, tl := range limits.PerType {
		g.typeLimiters[t] = newTypeLimiter(tl.PerSecond, tl.PerMinute, tl.Burst, now)
	}

	return g
}

// Subscribe registers an observer for security events.
func (g *Guard) Subscribe(obs Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, obs)
}

// EmitPlaintextSend publishes a PlaintextSend event (spec §6):
// "absent a key, frames go in the clear and the engine emits a
// PlaintextSend security event." Callers are the send paths in
// forwarder and robust, which hold the per-peer HasSessionKey check
// this guard itself never performs.
func (g *Guard) EmitPlaintextSend(peer frame.PeerID) {
	g.emit(Event{Kind: EventPlaintextSend, Peer: peer})
}

func (g *Guard) emit(ev Event) {
	g.mu.RLock()
	obs := append([]Observer(nil), g.observers...)
	g.mu.RUnlock()
	for _, o := range obs {
		o(ev)
	}
}

// ShouldBlock evaluates f from sender against the fixed check order
// of spec §4.3: ban, per-type rate, overall rate, content repetition,
// size. Emergency/system/key_exchange frames bypass every check but
// the ban check and, for emergency frames specifically, the emergency
// limiter (spec §8 property 6).
func (g *Guard) ShouldBlock(f *frame.Frame, sender frame.PeerID) bool {
	if g.bans.IsBanned(sender) {
		g.emit(Event{Kind: EventBannedPeerMessageBlocked, Peer: sender})
		return true
	}

	if f.Type.IsEmergency() {
		ok, hourlyViolated := g.emergency.allow(sender)
		if hourlyViolated {
			g.emergencyBans.BanFor(sender, g.emergencyBans.tier1Duration)
			g.emit(Event{Kind: EventEmergencyAbuseBanned, Peer: sender})
		}
		if g.emergencyBans.IsBanned(sender) {
			g.emit(Event{Kind: EventBannedPeerMessageBlocked, Peer: sender, Details: "emergency-channel ban"})
			return true
		}
		if !ok {
			g.emit(Event{Kind: EventEmergencyLimitBlocked, Peer: sender})
			return true
		}
		return false
	}

	if f.Type.BypassesGuard() {
		return false
	}

	if tl, ok := g.typeLimiters[f.Type]; ok {
		within, banDur := tl.check(sender, g.defaultBanDuration)
		if !within {
			if tl.fullBanTriggered(sender) {
				d := g.bans.Ban(sender)
				g.emit(Event{Kind: EventTieredBanApplied, Peer: sender, Details: d.String()})
			} else if banDur > 0 {
				g.bans.BanFor(sender, banDur)
				g.emit(Event{Kind: EventTieredBanApplied, Peer: sender, Details: banDur.String()})
			}
			g.emit(Event{Kind: EventRateLimitBlocked, Peer: sender, Details: f.Type.String()})
			return true
		}
	}

	withinOverall, banDur := g.overall.check(sender, g.defaultBanDuration)
	if !withinOverall {
		if g.overall.fullBanTriggered(sender) {
			d := g.bans.Ban(sender)
			g.emit(Event{Kind: EventTieredBanApplied, Peer: sender, Details: d.String()})
		} else if banDur > 0 {
			g.bans.BanFor(sender, banDur)
			g.emit(Event{Kind: EventTieredBanApplied, Peer: sender, Details: banDur.String()})
		}
		g.emit(Event{Kind: EventRateLimitBlocked, Peer: sender, Details: "overall"})
		return true
	}

	if g.repetition.record(sender, f.Payload) {
		d := g.bans.Ban(sender)
		g.emit(Event{Kind: EventContentRepetitionSuspicious, Peer: sender, Details: d.String()})
		return true
	}

	if len(f.Payload) > g.maxPayloadSize {
		g.emit(Event{Kind: EventSizeLimitBlocked, Peer: sender})
		return true
	}

	return false
}

// Ban administratively bans a peer at the next tier (e.g. operator
// action); returns the applied duration.
func (g *Guard) Ban(peer frame.PeerID) time.Duration {
	return g.bans.Ban(peer)
}

// Unban administratively clears a peer's ban.
func (g *Guard) Unban(peer frame.PeerID) {
	g.bans.Unban(peer)
}

// IsBanned reports whether peer is currently banned from non-emergency
// traffic.
func (g *Guard) IsBanned(peer frame.PeerID) bool {
	return g.bans.IsBanned(peer)
}

// Stats summarizes a peer's ban state for diagnostics.
type Stats struct {
	Banned        bool
	BannedUntil   time.Time
	BanCount      uint32
	EmergencyBan  bool
}

func (g *Guard) StatsFor(peer frame.PeerID) Stats {
	until, ok := g.bans.BannedUntil(peer)
	return Stats{
		Banned:       ok && g.now().Before(until),
		BannedUntil:  until,
		BanCount:     g.bans.Count(peer),
		EmergencyBan: g.emergencyBans.IsBanned(peer),
	}
}
