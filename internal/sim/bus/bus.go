// Package bus is the coordination fan-out between the executor, the claim
// manager, and the planners. Delivery is synchronous, same-tick, in publish
// order, to a fixed set of subscribers registered before the loop starts.
package bus

import "errors"

type Kind string

const (
	ClaimAcquired   Kind = "CLAIM_ACQUIRED"
	ClaimReleased   Kind = "CLAIM_RELEASED"
	ClaimExpired    Kind = "CLAIM_EXPIRED"
	ActionSucceeded Kind = "ACTION_SUCCEEDED"
	ActionFailed    Kind = "ACTION_FAILED"
	ZoneClaimed     Kind = "ZONE_CLAIMED"
	ZoneCompleted   Kind = "ZONE_COMPLETED"
)

type Event struct {
	Kind     Kind
	Tick     uint64
	AgentID  string
	TaskID   string
	ActionID string
	Resource string
	ZoneID   string
	Code     string
	Reason   string
}

type Handler func(Event)

var ErrSealed = errors.New("bus: sealed, no dynamic subscriber churn")

// Bus performs no business logic; it is pure fan-out. Registration is only
// allowed before Seal so iteration order stays deterministic within a tick.
type Bus struct {
	subs   map[Kind][]Handler
	taps   []Handler
	sealed bool
}

func New() *Bus {
	return &Bus{subs: map[Kind][]Handler{}}
}

// Subscribe registers h for one event kind. Must happen before Seal.
func (b *Bus) Subscribe(kind Kind, h Handler) error {
	if b.sealed {
		return ErrSealed
	}
	b.subs[kind] = append(b.subs[kind], h)
	return nil
}

// Tap registers h for every event (audit/transport feeds). Must happen before Seal.
func (b *Bus) Tap(h Handler) error {
	if b.sealed {
		return ErrSealed
	}
	b.taps = append(b.taps, h)
	return nil
}

// Seal freezes the subscriber set.
func (b *Bus) Seal() { b.sealed = true }

// Publish delivers e to kind subscribers then taps, in registration order,
// synchronously on the caller's goroutine.
func (b *Bus) Publish(e Event) {
	for _, h := range b.subs[e.Kind] {
		h(e)
	}
	for _, h := range b.taps {
		h(e)
	}
}
