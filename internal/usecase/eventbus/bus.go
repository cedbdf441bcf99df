// Package eventbus delivers domain events to in-process subscribers.
//
// Every subscriber owns a bounded queue drained by its own goroutine, so
// a subscriber sees events in publish order and a slow subscriber never
// blocks publishers or other subscribers. Events that do not fit in a
// full queue are dropped and counted.
package eventbus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"konvo/internal/domain"
	"konvo/internal/infra/metrics"
)

const defaultQueueSize = 256

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscription struct {
	id      uint64
	all     bool
	typ     domain.EventType
	handler domain.EventHandler
	queue   chan delivery
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.queue) })
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu        sync.RWMutex
	subs      []*subscription
	nextID    atomic.Uint64
	queueSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithMetrics counts published and dropped events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		queueSize: defaultQueueSize,
		logger:    logger.With("component", "eventbus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish enqueues event for every matching subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed.Load() {
		return
	}
	b.metrics.EventPublished(string(event.Type))
	for _, sub := range b.subs {
		if !sub.all && sub.typ != event.Type {
			continue
		}
		select {
		case sub.queue <- delivery{ctx: context.WithoutCancel(ctx), event: event}:
		default:
			b.metrics.EventDropped(string(event.Type))
			b.logger.Warn("event dropped, subscriber queue full",
				"event", string(event.Type),
				"subscription", sub.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(&subscription{typ: eventType, handler: handler})
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(&subscription{all: true, handler: handler})
}

func (b *Bus) add(sub *subscription) func() {
	sub.id = b.nextID.Add(1)
	sub.queue = make(chan delivery, b.queueSize)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s.id == sub.id })
		sub.stop()
	}
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for d := range sub.queue {
		b.deliver(sub, d)
	}
}

func (b *Bus) deliver(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

// Close prevents new publishes and waits until every queued event has been
// handled. Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
