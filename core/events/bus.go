// Package events is the in-process event bus that decouples state transitions
// from their side effects (audit, realtime fan-out, health polling, alerts).
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ml-orchestrator/core/logger"
)

// Event is a named, timestamped payload. Payloads are value snapshots so every
// listener of one emission sees the same data.
type Event struct {
	Name    Name
	OwnerID string
	Payload interface{}
	At      time.Time
}

// Listener handles one event. A returned error is logged by the bus and never
// reaches the emitter.
type Listener func(ctx context.Context, e Event) error

// Outcome is the result of one listener invocation in EmitAsync
type Outcome struct {
	Listener string
	Err      error
}

type subscription struct {
	id   uint64
	name string
	fn   Listener
}

// Bus dispatches events to listeners in registration order
type Bus struct {
	mu        sync.RWMutex
	listeners map[Name][]subscription
	nextID    uint64
	now       func() time.Time
}

// Option configures a Bus
type Option func(*Bus)

// WithClock sets the time source used to stamp events
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		listeners: make(map[Name][]subscription),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn for name. The returned function removes it.
func (b *Bus) Subscribe(name Name, listenerName string, fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], subscription{id: id, name: listenerName, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.listeners[name]
		for i, s := range subs {
			if s.id == id {
				b.listeners[name] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// ListenerCount returns the number of listeners registered for name
func (b *Bus) ListenerCount(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

func (b *Bus) snapshot(name Name) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]subscription, len(b.listeners[name]))
	copy(subs, b.listeners[name])
	return subs
}

func (b *Bus) stamp(e Event) Event {
	if e.At.IsZero() {
		e.At = b.now()
	}
	return e
}

// Emit calls every listener for e.Name synchronously. A failing or panicking
// listener is logged and the remaining listeners still run.
func (b *Bus) Emit(ctx context.Context, e Event) {
	e = b.stamp(e)
	for _, s := range b.snapshot(e.Name) {
		if err := invoke(ctx, s, e); err != nil {
			logger.Warnf("event %s: listener %s failed: %v", e.Name, s.name, err)
		}
	}
}

// EmitAsync runs all listeners concurrently and returns their outcomes in
// registration order.
func (b *Bus) EmitAsync(ctx context.Context, e Event) []Outcome {
	e = b.stamp(e)
	subs := b.snapshot(e.Name)
	outcomes := make([]Outcome, len(subs))

	var wg sync.WaitGroup
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s subscription) {
			defer wg.Done()
			err := invoke(ctx, s, e)
			if err != nil {
				logger.Warnf("event %s: listener %s failed: %v", e.Name, s.name, err)
			}
			outcomes[i] = Outcome{Listener: s.name, Err: err}
		}(i, s)
	}
	wg.Wait()
	return outcomes
}

func invoke(ctx context.Context, s subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(ctx, e)
}
