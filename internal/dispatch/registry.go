// Package dispatch is the subscription registry the engine and UI surfaces
// use to observe transport events. Handlers are keyed by event kind and
// every subscription carries exactly one disposer; cancelling twice is
// safe and cancelling is the only way to unhook a handler.
package dispatch

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"marketchat/internal/protocol"
)

type Handler func(protocol.Event)

type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]map[string]Handler),
	}
}

// Subscribe registers a handler for one event kind. The returned
// Subscription must be cancelled when the subscriber goes away.
func (r *Registry) Subscribe(event string, fn Handler) *Subscription {
	id := uuid.New().String()

	r.mu.Lock()
	if r.subs[event] == nil {
		r.subs[event] = make(map[string]Handler)
	}
	r.subs[event][id] = fn
	r.mu.Unlock()

	return &Subscription{registry: r, event: event, id: id}
}

// Publish delivers an event to every handler subscribed to its kind.
// Handlers run synchronously on the caller's goroutine: the engine's apply
// loop delivers all transport events sequentially, so handlers observe
// them in arrival order.
func (r *Registry) Publish(e protocol.Event) {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.subs[e.EventName()]))
	for _, fn := range r.subs[e.EventName()] {
		handlers = append(handlers, fn)
	}
	r.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}

// Len reports the number of live handlers for an event kind.
func (r *Registry) Len(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[event])
}

// Subscription is the disposer handle returned by Subscribe.
type Subscription struct {
	registry *Registry
	event    string
	id       string
	once     sync.Once
}

// Cancel removes the handler. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.registry.mu.Lock()
		delete(s.registry.subs[s.event], s.id)
		s.registry.mu.Unlock()
		log.Printf("[DISPATCH] Cancelled subscription %s for %s", s.id, s.event)
	})
}

// On wires a handler for one concrete event type, hiding the type
// assertion from subscribers.
func On[T protocol.Event](r *Registry, event string, fn func(T)) *Subscription {
	return r.Subscribe(event, func(e protocol.Event) {
		typed, ok := e.(T)
		if !ok {
			log.Printf("[DISPATCH] Dropping %s event with unexpected payload type %T", event, e)
			return
		}
		fn(typed)
	})
}
