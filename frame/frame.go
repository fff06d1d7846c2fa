// Package frame defines the mesh frame wire model (spec §3, §4.1): the
// canonical unit exchanged between peers, its priority/emergency
// classification, and the binary codec used to put it on the wire.
package frame

import "time"

// PeerID is an opaque, session-stable identifier. The engine never
// interprets its contents and compares it byte-for-byte.
type PeerID string

// Type enumerates the mesh frame types named in spec §3.
type Type uint8

const (
	TypeEmergencyMedical Type = iota
	TypeEmergencyDanger
	TypeSignal
	TypeChat
	TypeGame
	TypeHeartbeat
	TypeRoutingUpdate
	TypeKeyExchange
	TypeSystem
	TypeTopology
)

var typeNames = map[Type]string{
	TypeEmergencyMedical: "emergency_medical",
	TypeEmergencyDanger:  "emergency_danger",
	TypeSignal:           "signal",
	TypeChat:             "chat",
	TypeGame:             "game",
	TypeHeartbeat:        "heartbeat",
	TypeRoutingUpdate:    "routing_update",
	TypeKeyExchange:      "key_exchange",
	TypeSystem:           "system",
	TypeTopology:         "topology",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}

// IsValid reports whether t is one of the ten known frame types.
func (t Type) IsValid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsEmergency reports whether t is one of the two emergency variants
// (spec §3: "is_emergency flag true iff one of the two emergency
// variants").
func (t Type) IsEmergency() bool {
	return t == TypeEmergencyMedical || t == TypeEmergencyDanger
}

// Priority returns the fixed priority integer for t; lower sorts
// first in the forwarder's priority queue. Emergency types always
// outrank every non-emergency type.
func (t Type) Priority() int {
	switch t {
	case TypeEmergencyMedical, TypeEmergencyDanger:
		return 0
	case TypeSystem, TypeKeyExchange:
		return 1
	case TypeRoutingUpdate, TypeHeartbeat:
		return 2
	case TypeSignal:
		return 3
	case TypeChat:
		return 4
	case TypeGame:
		return 5
	case TypeTopology:
		return 6
	default:
		return 7
	}
}

// BypassesGuard reports whether frames of this type skip every guard
// check except the ban check (spec §4.3 step 1, §8 property 6).
func (t Type) BypassesGuard() bool {
	return t.IsEmergency() || t == TypeSystem || t == TypeKeyExchange
}

// InitialTTL returns the starting hop budget for a freshly originated
// frame of this type (spec §3: 20 for emergency, 10 otherwise).
func (t Type) InitialTTL() uint8 {
	if t.IsEmergency() {
		return 20
	}
	return 10
}

// MaxAge returns the expiry window past which a frame of this type is
// dropped rather than forwarded (spec §4.5 step 9).
func (t Type) MaxAge() time.Duration {
	if t.IsEmergency() {
		return 600 * time.Second
	}
	return 300 * time.Second
}

const maxRoutePathLen = 32

// Frame is the canonical unit exchanged on the wire (spec §3).
type Frame struct {
	ID        [16]byte
	Type      Type
	SourceID  PeerID
	TargetID  PeerID // empty means broadcast
	Payload   []byte
	Timestamp time.Time
	TTL       uint8
	HopCount  uint8
	RoutePath []PeerID // route_path[0] == SourceID, last == most recent forwarder
}

// HasTarget reports whether the frame is a directed unicast.
func (f *Frame) HasTarget() bool { return f.TargetID != "" }

// ContainsLoop reports whether the local peer already appears in the
// route path, or the path itself contains a duplicate (spec §3
// invariant: duplicates in route_path indicate a loop).
func (f *Frame) ContainsLoop(local PeerID) bool {
	seen := make(map[PeerID]struct{}, len(f.RoutePath)+1)
	for _, p := range f.RoutePath {
		if _, dup := seen[p]; dup {
			return true
		}
		seen[p] = struct{}{}
		if p == local {
			return true
		}
	}
	return false
}

// Expired reports whether the frame has exceeded its type's max age
// as of now (spec §4.5 step 9, §8 property 4).
func (f *Frame) Expired(now time.Time) bool {
	return now.Sub(f.Timestamp) > f.Type.MaxAge()
}

// ForwardedCopy returns a copy of f advanced by one hop: ttl-1,
// hop_count+1, local peer appended to route_path (spec §4.5 step 9).
// It does not mutate f.
func (f *Frame) ForwardedCopy(local PeerID) Frame {
	cp := *f
	cp.TTL = f.TTL - 1
	cp.HopCount = f.HopCount + 1
	cp.RoutePath = make([]PeerID, len(f.RoutePath)+1)
	copy(cp.RoutePath, f.RoutePath)
	cp.RoutePath[len(f.RoutePath)] = local
	cp.Payload = append([]byte(nil), f.Payload...)
	return cp
}

// ExceedsPathCap reports whether appending one more hop would exceed
// the wire format's path_count cap (spec §4.1: cap 32).
func (f *Frame) ExceedsPathCap() bool {
	return len(f.RoutePath) >= maxRoutePathLen
}
