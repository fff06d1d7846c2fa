package meshcore

import (
	"time"

	"github.com/fieldmesh/meshcore/frame"
)

// FloodProtectionConfig configures the per-type and overall rate
// limiter tables enforced by the guard package (spec §4.3, §6).
type FloodProtectionConfig struct {
	PerSecond  int
	PerMinute  int
	BurstSize  int
	BanDuration time.Duration
	Window     time.Duration
}

// EmergencyLimitsConfig configures the emergency-channel limiter
// (spec §4.3).
type EmergencyLimitsConfig struct {
	BurstWindow time.Duration
	MaxBurst    int
	PerMinute   int
	Per5Min     int
	PerHour     int
	AbuseBan    time.Duration
}

// Config carries every tunable named in spec §6 plus the resource
// caps of spec §5, threaded explicitly into every component's
// constructor rather than held as package-level mutable state.
type Config struct {
	MaxDirectPeers           int
	MaxHopCount              uint8
	MessageTTLSeconds        uint32
	HeartbeatInterval        time.Duration

	// Per-(peer,type) rate tables, keyed by frame type.
	TypeLimits map[frame.Type]FloodProtectionConfig
	// Overall per-sender limiter.
	OverallLimit FloodProtectionConfig
	Emergency    EmergencyLimitsConfig

	// Resource caps (spec §5).
	MaxConcurrentOps     int
	MaxOpsPerChannel     int
	ChannelAcquireWait   time.Duration
	DedupCacheSize       int
	NormalQueueCap       int
	EmergencyQueueCap    int
	ChannelTimeout       time.Duration
	QueueTick            time.Duration

	MaxPayloadBytes int

	RobustTimeout       time.Duration
	CircuitFailureMax   int
	CircuitRecovery     time.Duration
	CircuitHalfOpenMax  int

	StableAfter time.Duration // State Coordinator is_stable window

	ShutdownTimeout time.Duration // bound on Engine.Close's graceful shutdown
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxDirectPeers:    30,
		MaxHopCount:       15,
		MessageTTLSeconds: 600,
		HeartbeatInterval: 120 * time.Second,

		TypeLimits: map[frame.Type]FloodProtectionConfig{
			frame.TypeSignal:        {PerSecond: 5, PerMinute: 30},
			frame.TypeChat:          {PerSecond: 10, PerMinute: 100},
			frame.TypeGame:          {PerSecond: 15, PerMinute: 150},
			frame.TypeHeartbeat:     {PerSecond: 1, PerMinute: 10},
			frame.TypeRoutingUpdate: {PerSecond: 2, PerMinute: 20},
			frame.TypeKeyExchange:   {PerSecond: 1, PerMinute: 5},
			frame.TypeSystem:        {PerSecond: 3, PerMinute: 30},
		},
		OverallLimit: FloodProtectionConfig{PerSecond: 10, PerMinute: 100},
		Emergency: EmergencyLimitsConfig{
			BurstWindow: 10 * time.Second,
			MaxBurst:    2,
			PerMinute:   5,
			Per5Min:     10,
			PerHour:     20,
			AbuseBan:    1 * time.Hour,
		},

		MaxConcurrentOps:   20,
		MaxOpsPerChannel:   5,
		ChannelAcquireWait: 100 * time.Millisecond,
		DedupCacheSize:     1000,
		NormalQueueCap:     500,
		EmergencyQueueCap:  125,
		ChannelTimeout:     300 * time.Second,
		QueueTick:          200 * time.Millisecond,

		MaxPayloadBytes: 1 << 20,

		RobustTimeout:      30 * time.Second,
		CircuitFailureMax:  5,
		CircuitRecovery:    60 * time.Second,
		CircuitHalfOpenMax: 3,

		StableAfter: 5 * time.Second,

		ShutdownTimeout: 10 * time.Second,
	}
}
