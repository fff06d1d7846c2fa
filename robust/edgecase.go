package robust

import (
	"math/rand"
	"time"
)

// SignalKind enumerates the edge-case signals the detector can raise
// (spec §4.6). A sum type, not a [string]any map, per the Design
// Notes' explicit instruction — the teacher's own
// PenaltyReason-style enum plus switch dispatch is the model.
type SignalKind int

const (
	SignalSimultaneousConnection SignalKind = iota
	SignalRapidDisconnection
	SignalBackgroundTransition
	SignalForegroundTransition
	SignalMemoryPressure
	SignalChannelContention
	SignalResourceExhaustion
)

// Signal carries whatever context a handler needs to act, without
// resorting to an untyped bag: only one of the optional fields is
// populated, matching the Kind.
type Signal struct {
	Kind SignalKind
	Peer string
}

// Action is a handler's requested response.
type Action int

const (
	ActionNone Action = iota
	ActionRetry
	ActionFallback
	ActionIsolate
	ActionRestart
)

// Decision is a handler's verdict: an Action plus an optional delay.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Handler reacts to one Signal kind. Handlers are pure with respect
// to the engine: they never touch Transport directly (spec §4.6).
type Handler interface {
	Kind() SignalKind
	Priority() int // lower runs first
	Handle(s Signal) Decision
}

// registry holds one handler per kind, dispatched by priority when
// several signals fire in the same pass.
type registry struct {
	handlers map[SignalKind]Handler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[SignalKind]Handler)}
}

func (r *registry) register(h Handler) {
	r.handlers[h.Kind()] = h
}

// dispatch runs the registered handler for each signal, highest
// priority (lowest number) first, and returns their decisions in that
// order.
func (r *registry) dispatch(signals []Signal) []Decision {
	ordered := make([]Signal, len(signals))
	copy(ordered, signals)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0; j-- {
			if r.priorityOf(ordered[j]) < r.priorityOf(ordered[j-1]) {
				ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
			} else {
				break
			}
		}
	}

	out := make([]Decision, 0, len(ordered))
	for _, s := range ordered {
		h, ok := r.handlers[s.Kind]
		if !ok {
			continue
		}
		out = append(out, h.Handle(s))
	}
	return out
}

func (r *registry) priorityOf(s Signal) int {
	if h, ok := r.handlers[s.Kind]; ok {
		return h.Priority()
	}
	return 1 << 30
}

// Built-in handlers implementing spec §4.6's table.

type simultaneousConnectionHandler struct{ active map[string]time.Time }

func newSimultaneousConnectionHandler() *simultaneousConnectionHandler {
	return &simultaneousConnectionHandler{active: make(map[string]time.Time)}
}
func (h *simultaneousConnectionHandler) Kind() SignalKind { return SignalSimultaneousConnection }
func (h *simultaneousConnectionHandler) Priority() int    { return 0 }
func (h *simultaneousConnectionHandler) Handle(s Signal) Decision {
	if _, active := h.active[s.Peer]; active {
		return Decision{Action: ActionRetry, Delay: jitter(0.5, 2.0)}
	}
	h.active[s.Peer] = time.Now()
	return Decision{Action: ActionNone}
}

type rapidDisconnectionHandler struct{}

func (rapidDisconnectionHandler) Kind() SignalKind { return SignalRapidDisconnection }
func (rapidDisconnectionHandler) Priority() int    { return 1 }
func (rapidDisconnectionHandler) Handle(Signal) Decision {
	return Decision{Action: ActionIsolate, Delay: 60 * time.Second}
}

type backgroundTransitionHandler struct{}

func (backgroundTransitionHandler) Kind() SignalKind { return SignalBackgroundTransition }
func (backgroundTransitionHandler) Priority() int    { return 2 }
func (backgroundTransitionHandler) Handle(Signal) Decision {
	return Decision{Action: ActionFallback}
}

type foregroundTransitionHandler struct{}

func (foregroundTransitionHandler) Kind() SignalKind { return SignalForegroundTransition }
func (foregroundTransitionHandler) Priority() int    { return 2 }
func (foregroundTransitionHandler) Handle(Signal) Decision {
	return Decision{Action: ActionRestart}
}

type memoryPressureHandler struct{}

func (memoryPressureHandler) Kind() SignalKind { return SignalMemoryPressure }
func (memoryPressureHandler) Priority() int    { return 0 }
func (memoryPressureHandler) Handle(Signal) Decision {
	return Decision{Action: ActionFallback}
}

type channelContentionHandler struct{}

func (channelContentionHandler) Kind() SignalKind { return SignalChannelContention }
func (channelContentionHandler) Priority() int    { return 3 }
func (channelContentionHandler) Handle(Signal) Decision {
	return Decision{Action: ActionRetry, Delay: jitter(0.1, 0.5)}
}

type resourceExhaustionHandler struct{}

func (resourceExhaustionHandler) Kind() SignalKind { return SignalResourceExhaustion }
func (resourceExhaustionHandler) Priority() int    { return 1 }
func (resourceExhaustionHandler) Handle(Signal) Decision {
	return Decision{Action: ActionFallback}
}

func defaultRegistry() *registry {
	r := newRegistry()
	r.register(newSimultaneousConnectionHandler())
	r.register(rapidDisconnectionHandler{})
	r.register(backgroundTransitionHandler{})
	r.register(foregroundTransitionHandler{})
	r.register(memoryPressureHandler{})
	r.register(channelContentionHandler{})
	r.register(resourceExhaustionHandler{})
	return r
}

func jitter(lo, hi float64) time.Duration {
	d := lo + rand.Float64()*(hi-lo)
	return time.Duration(d * float64(time.Second))
}
