package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"
)

// Listener receives published events
type Listener interface {
	OnEvent(ctx context.Context, event interface{}) error
}

// ListenerFunc is a function adapter for Listener
type ListenerFunc func(ctx context.Context, event interface{}) error

// OnEvent implements Listener
func (f ListenerFunc) OnEvent(ctx context.Context, event interface{}) error {
	return f(ctx, event)
}

type subscription struct {
	id       uint64
	listener Listener
}

// Bus is an explicit in-process event publisher. Listener failures are logged
// and never reach the publisher.
type Bus struct {
	mu            sync.RWMutex
	subscriptions []subscription
	nextID        *atomic.Uint64

	poolSize int
	pool     *ants.Pool
	logger   *slog.Logger
}

// BusOption configures a Bus
type BusOption func(*Bus)

// WithBusLogger sets the logger
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithAsyncListeners runs listeners on a worker pool of the given size instead
// of the publishing goroutine
func WithAsyncListeners(poolSize int) BusOption {
	return func(b *Bus) {
		b.poolSize = poolSize
	}
}

// NewBus creates a new event bus
func NewBus(options ...BusOption) (*Bus, error) {
	b := &Bus{
		nextID: atomic.NewUint64(0),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}

	if b.poolSize > 0 {
		pool, err := ants.NewPool(b.poolSize, ants.WithPanicHandler(func(r interface{}) {
			b.logger.Error("event listener panicked", "panic", r)
		}))
		if err != nil {
			return nil, fmt.Errorf("failed to create listener pool: %w", err)
		}
		b.pool = pool
	}
	return b, nil
}

// Subscribe registers listener and returns the function removing it
func (b *Bus) Subscribe(listener Listener) (unsubscribe func()) {
	if listener == nil {
		return func() {}
	}

	id := b.nextID.Inc()
	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, subscription{id: id, listener: listener})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subscriptions {
		if s.id == id {
			b.subscriptions = append(b.subscriptions[:i:i], b.subscriptions[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of subscribed listeners
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Publish delivers event to every listener in subscription order
func (b *Bus) Publish(ctx context.Context, event interface{}) {
	if event == nil {
		return
	}

	b.mu.RLock()
	subscriptions := append([]subscription(nil), b.subscriptions...)
	b.mu.RUnlock()

	for _, s := range subscriptions {
		listener := s.listener
		if b.pool == nil {
			b.notify(ctx, listener, event)
			continue
		}

		// the publisher's context may end before the listener runs
		asyncCtx := context.WithoutCancel(ctx)
		if err := b.pool.Submit(func() { b.notify(asyncCtx, listener, event) }); err != nil {
			b.logger.Warn("event listener task rejected",
				"eventType", fmt.Sprintf("%T", event),
				"error", err,
			)
		}
	}
}

func (b *Bus) notify(ctx context.Context, listener Listener, event interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"eventType", fmt.Sprintf("%T", event),
				"panic", r,
			)
		}
	}()

	if err := listener.OnEvent(ctx, event); err != nil {
		b.logger.Warn("event listener failed",
			"eventType", fmt.Sprintf("%T", event),
			"error", err,
		)
	}
}

// Close waits for asynchronous listeners and releases the pool
func (b *Bus) Close() error {
	if b.pool == nil {
		return nil
	}
	return b.pool.ReleaseTimeout(defaultReleaseTimeout)
}
