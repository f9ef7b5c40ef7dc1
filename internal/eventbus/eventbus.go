// Package eventbus implements the typed publish-subscribe hub described in
// spec.md's design notes: a callback registry keyed by event kind, plus a
// separate "all" registry that observes every emitted event regardless of
// kind. It replaces the browser-style EventTarget the source system used.
package eventbus

import "sync"

// Event is one emitted occurrence. Kind identifies the event type
// (e.g. "execution_start", "reconnected"); Data carries the typed payload
// for that kind and is asserted back to its concrete type by handlers.
type Event struct {
	Kind string
	Data any
}

// Handler receives one Event. Handlers run synchronously inside Emit on the
// emitting goroutine; a handler that blocks or does slow work should hand
// off to its own goroutine.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed later.
type Subscription struct {
	id   uint64
	kind string
	all  bool
}

// Hub is a typed publish-subscribe registry with an "all" fan-out.
type Hub struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	all      map[uint64]Handler
	nextID   uint64
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{
		handlers: make(map[string]map[uint64]Handler),
		all:      make(map[uint64]Handler),
	}
}

// On registers fn to run whenever an event of the given kind is emitted.
func (h *Hub) On(kind string, fn Handler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	m, ok := h.handlers[kind]
	if !ok {
		m = make(map[uint64]Handler)
		h.handlers[kind] = m
	}
	m[id] = fn
	return Subscription{id: id, kind: kind}
}

// OnAll registers fn to run for every event, regardless of kind.
func (h *Hub) OnAll(fn Handler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.all[id] = fn
	return Subscription{id: id, all: true}
}

// Off removes a previously registered subscription. Safe to call twice.
func (h *Hub) Off(sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.all {
		delete(h.all, sub.id)
		return
	}
	if m, ok := h.handlers[sub.kind]; ok {
		delete(m, sub.id)
	}
}

// Emit dispatches an event of the given kind to every kind-specific handler
// and every "all" handler. The handler snapshot is taken under lock, then
// invoked outside the lock so a handler may itself subscribe/unsubscribe.
func (h *Hub) Emit(kind string, data any) {
	h.mu.RLock()
	var kindHandlers []Handler
	if m, ok := h.handlers[kind]; ok {
		kindHandlers = make([]Handler, 0, len(m))
		for _, fn := range m {
			kindHandlers = append(kindHandlers, fn)
		}
	}
	allHandlers := make([]Handler, 0, len(h.all))
	for _, fn := range h.all {
		allHandlers = append(allHandlers, fn)
	}
	h.mu.RUnlock()

	ev := Event{Kind: kind, Data: data}
	for _, fn := range kindHandlers {
		fn(ev)
	}
	for _, fn := range allHandlers {
		fn(ev)
	}
}

// Close removes every registered handler.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = make(map[string]map[uint64]Handler)
	h.all = make(map[uint64]Handler)
}
