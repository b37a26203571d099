package services

import (
	"fmt"
	"sync"

	"stagewire/internal/core/domain"
)

// LifecycleHandler observes one lifecycle event.
type LifecycleHandler func(domain.LifecycleEvent)

type subscription struct {
	id int
	fn LifecycleHandler
}

// EventBus is the typed observer registry for lifecycle events. Handlers run
// synchronously on the emitting goroutine, in registration order.
type EventBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[domain.LifecycleKind][]subscription
	all      []subscription
}

func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[domain.LifecycleKind][]subscription),
	}
}

// On registers fn for one kind. The returned func removes the registration.
func (b *EventBus) On(kind domain.LifecycleKind, fn LifecycleHandler) (func(), error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown lifecycle kind %d", int(kind))
	}
	if fn == nil {
		return nil, fmt.Errorf("nil handler for %s", kind)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[kind] = append(b.handlers[kind], subscription{id: id, fn: fn})

	return func() { b.remove(kind, id) }, nil
}

// OnAll registers fn for every kind.
func (b *EventBus) OnAll(fn LifecycleHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = without(b.all, id)
	}
}

func (b *EventBus) remove(kind domain.LifecycleKind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = without(b.handlers[kind], id)
}

// Emit delivers ev to the handlers registered for its kind, then to the
// catch-all handlers.
func (b *EventBus) Emit(ev domain.LifecycleEvent) {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers[ev.Kind])+len(b.all))
	subs = append(subs, b.handlers[ev.Kind]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

func without(subs []subscription, id int) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
