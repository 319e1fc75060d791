// Package concurrency caps the number of simultaneously running upstream tasks.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/veda-ui/veda-analysis/internal/core/observability"
)

const DefaultMaxConcurrent = 15

// ErrCleared is returned to waiters of tasks discarded by Clear before they started.
var ErrCleared = errors.New("concurrency: task cleared before start")

type Task func(ctx context.Context) (any, error)

// Future settles with the outcome of one enqueued task.
type Future struct {
	done chan struct{}
	val  any
	err  error
}

func (f *Future) settle(v any, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed once the task has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task settles or ctx is done. Returning early on ctx
// does not cancel the task.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, fmt.Errorf("concurrency: wait: %w", ctx.Err())
	}
}

type item struct {
	ctx  context.Context
	task Task
	fut  *Future
}

// Manager runs tasks in FIFO order with at most max of them in flight.
type Manager struct {
	max int

	mu      sync.Mutex
	running int
	queue   []item
}

func New(maxConcurrent int) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Manager{max: maxConcurrent}
}

func (m *Manager) Max() int { return m.max }

// Enqueue appends task to the queue and starts it right away when a slot is free.
func (m *Manager) Enqueue(ctx context.Context, task Task) *Future {
	fut := &Future{done: make(chan struct{})}
	m.mu.Lock()
	m.queue = append(m.queue, item{ctx: ctx, task: task, fut: fut})
	m.mu.Unlock()
	observability.AddTasks(0, 1)

	m.pump()
	return fut
}

// Clear drops every queued task that has not started. Running tasks are left
// alone and the manager stays usable.
func (m *Manager) Clear() {
	m.mu.Lock()
	dropped := m.queue
	m.queue = nil
	m.mu.Unlock()

	if len(dropped) == 0 {
		return
	}
	observability.AddTasks(0, -len(dropped))
	for _, it := range dropped {
		it.fut.settle(nil, ErrCleared)
	}
}

// Stats reports the number of running and queued tasks.
func (m *Manager) Stats() (running, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, len(m.queue)
}

// starts queued tasks while capacity allows
func (m *Manager) pump() {
	for {
		m.mu.Lock()
		if m.running >= m.max || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		it := m.queue[0]
		m.queue[0] = item{}
		m.queue = m.queue[1:]

		// a task whose caller already gave up never takes a slot
		if err := it.ctx.Err(); err != nil {
			m.mu.Unlock()
			observability.AddTasks(0, -1)
			it.fut.settle(nil, err)
			continue
		}
		m.running++
		m.mu.Unlock()
		observability.AddTasks(1, -1)

		go m.run(it)
	}
}

func (m *Manager) run(it item) {
	var (
		v   any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("concurrency: task panic: %v", r)
			}
		}()
		v, err = it.task(it.ctx)
	}()

	m.mu.Lock()
	m.running--
	m.mu.Unlock()
	observability.AddTasks(-1, 0)

	it.fut.settle(v, err)
	m.pump()
}

// Do runs fn through m and waits for its typed result.
func Do[T any](ctx context.Context, m *Manager, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	fut := m.Enqueue(ctx, func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		return v, err
	})
	v, err := fut.Wait(ctx)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("concurrency: unexpected result type %T", v)
	}
	return out, nil
}
