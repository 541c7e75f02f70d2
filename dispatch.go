package taskroom

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// EventHandler is the callback type for server-pushed events.
type EventHandler func(payload json.RawMessage)

// eventDispatcher maps each event kind to at most one active handler.
//
// Registration replaces, never appends: the slot always holds the most
// recently registered callback, and dispatch reads the slot at delivery
// time rather than capturing it at subscription time, so a handler replaced
// between subscription and delivery is never invoked.
//
// Dispatch is synchronous and happens on the connection's read goroutine:
// arrival order is the tie-break for last-write-wins reconciliation, so
// events must not be reordered by handler scheduling.
type eventDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	logger   *zap.Logger
}

func newEventDispatcher(logger *zap.Logger) *eventDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &eventDispatcher{
		handlers: make(map[string]EventHandler),
		logger:   logger,
	}
}

// setHandler replaces the handler for the given event kind. A nil handler
// clears the slot.
func (d *eventDispatcher) setHandler(kind string, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, kind)
		return
	}
	d.handlers[kind] = h
}

// dispatch invokes the currently registered handler for the envelope's
// kind, or does nothing if none is registered. A handler panic is contained
// here — nothing may raise past the dispatcher boundary into the read loop.
func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	h := d.handlers[env.Type]
	d.mu.RUnlock()

	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.String("event", env.Type),
				zap.Any("panic", r))
		}
	}()
	h(env.Payload)
}
