// Package events implements observer lists and the token lifetime timers
// built on them.
package events

import (
	"log/slog"
	"sync"
)

// Handle identifies a registered handler.
type Handle uint64

type registration struct {
	handle Handle
	fn     func()
}

// Event is an ordered list of handlers raised together.
type Event struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	next     Handle
	handlers []registration
}

// NewEvent builds an empty event.
func NewEvent(name string, logger *slog.Logger) *Event {
	if logger == nil {
		logger = slog.Default()
	}
	return &Event{name: name, logger: logger}
}

// Name identifies the event in logs and metrics.
func (e *Event) Name() string {
	return e.name
}

// Add registers fn and returns the handle that removes it.
func (e *Event) Add(fn func()) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.handlers = append(e.handlers, registration{handle: e.next, fn: fn})
	return e.next
}

// Remove unregisters h. Unknown handles are ignored.
func (e *Event) Remove(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.handlers {
		if r.handle == h {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Raise calls every handler in registration order. A panicking handler is
// logged and the remaining handlers still run.
func (e *Event) Raise() {
	e.mu.Lock()
	handlers := append([]registration(nil), e.handlers...)
	e.mu.Unlock()

	e.logger.Debug("raising event", "event", e.name, "handlers", len(handlers))
	for _, r := range handlers {
		e.call(r)
	}
}

func (e *Event) call(r registration) {
	defer func() {
		if v := recover(); v != nil {
			e.logger.Error("event handler panicked", "event", e.name, "handle", r.handle, "panic", v)
		}
	}()
	r.fn()
}
