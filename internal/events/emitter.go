// Package events implements a small typed publish/subscribe emitter.
package events

import (
	"fmt"
	"log/slog"
	"sync"
)

type Handler[P any] func(P)

// Emitter dispatches payloads of type P to handlers registered per kind K.
// K is expected to be a closed enum owned by the emitting package.
type Emitter[K comparable, P any] struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers map[K][]Handler[P]
}

func New[K comparable, P any](log *slog.Logger) *Emitter[K, P] {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter[K, P]{log: log, handlers: make(map[K][]Handler[P])}
}

func (e *Emitter[K, P]) On(kind K, h Handler[P]) {
	if h == nil {
		return
	}
	e.mu.Lock()
	e.handlers[kind] = append(e.handlers[kind], h)
	e.mu.Unlock()
}

// Off removes every handler registered for kind.
func (e *Emitter[K, P]) Off(kind K) {
	e.mu.Lock()
	delete(e.handlers, kind)
	e.mu.Unlock()
}

func (e *Emitter[K, P]) Count(kind K) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[kind])
}

// Emit calls the handlers for kind synchronously in registration order. A
// panicking handler is logged and does not stop the ones after it.
func (e *Emitter[K, P]) Emit(kind K, payload P) {
	e.mu.RLock()
	hs := e.handlers[kind]
	e.mu.RUnlock()

	for i, h := range hs {
		if err := call(h, payload); err != nil {
			e.log.Error("event handler failed", "kind", fmt.Sprint(kind), "handler", i, "err", err)
		}
	}
}

func call[P any](h Handler[P], payload P) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	h(payload)
	return nil
}
