package backend

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// EventKind names a backend-originated event.
type EventKind string

const (
	EventStatus             EventKind = "status"
	EventSnapshotLoading    EventKind = "snapshot:loading"
	EventSnapshotLoaded     EventKind = "snapshot:loaded"
	EventSnapshotLoadFailed EventKind = "snapshot:load-failed"
	EventBreakpointHit      EventKind = "breakpoint:hit"
	EventStepComplete       EventKind = "step:complete"
)

// Event is one backend lifecycle or debug event. Fields beyond Kind are
// populated per kind: Status for status transitions, Snapshot (and Error on
// failure) for the snapshot events, Registers for breakpoint-hit and
// step-complete.
type Event struct {
	Kind      EventKind         `json:"kind"`
	Status    *types.StatusInfo `json:"status,omitempty"`
	Snapshot  string            `json:"snapshot,omitempty"`
	Error     string            `json:"error,omitempty"`
	Registers types.Registers   `json:"registers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Emitter fans backend events out to any number of subscribers. Delivery is
// best effort: a subscriber that stops draining loses events rather than
// blocking the backend.
type Emitter struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewEmitter returns an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the channel.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	ch := make(chan Event, 32)
	e.subs[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

// Emit delivers the event to every subscriber, stamping the time if unset.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			log.Debug().Str("kind", string(ev.Kind)).Msg("backend event dropped, subscriber not draining")
		}
	}
}
