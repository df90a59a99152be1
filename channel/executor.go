package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-flow/contracts"
	"github.com/panjf2000/ants/v2"
)

// ExecutorChannel hands each message off to a worker pool, which delivers it to
// one subscriber in round-robin order. Send returns once the task is queued;
// subscriber errors are logged, not propagated.
type ExecutorChannel struct {
	baseChannel
	dispatcher *UnicastingDispatcher
	pool       *ants.Pool // owned pool, nil when an executor was supplied
}

// NewExecutorChannel creates an executor channel. Without WithExecutor an ants
// pool of WithPoolSize workers is created and released by Close.
func NewExecutorChannel(options ...Option) (*ExecutorChannel, error) {
	cfg := newConfig(options)

	ch := &ExecutorChannel{
		dispatcher: NewUnicastingDispatcher(cfg.failover, cfg.logger),
	}
	ch.init(cfg)

	executor := cfg.executor
	if executor == nil {
		pool, err := ants.NewPool(cfg.poolSize, ants.WithNonblocking(true))
		if err != nil {
			return nil, fmt.Errorf("failed to create worker pool: %w", err)
		}
		ch.pool = pool
		executor = pool
	}
	ch.dispatcher.executor = executor

	return ch, nil
}

// Send implements MessageChannel. It returns false when the pool is saturated.
func (c *ExecutorChannel) Send(ctx context.Context, msg contracts.Message) (bool, error) {
	return c.send(ctx, c, msg, func(ctx context.Context, msg contracts.Message) (bool, error) {
		return c.dispatcher.Dispatch(ctx, c.Name(), msg)
	})
}

// Subscribe implements SubscribableChannel
func (c *ExecutorChannel) Subscribe(handler MessageHandler) error {
	return c.dispatcher.AddHandler(handler)
}

// Unsubscribe implements SubscribableChannel
func (c *ExecutorChannel) Unsubscribe(handler MessageHandler) bool {
	return c.dispatcher.RemoveHandler(handler)
}

// SubscriberCount implements SubscribableChannel
func (c *ExecutorChannel) SubscriberCount() int {
	return c.dispatcher.HandlerCount()
}

// Running returns the number of in-flight deliveries on the owned pool
func (c *ExecutorChannel) Running() int {
	if c.pool == nil {
		return 0
	}
	return c.pool.Running()
}

// Close releases the owned worker pool, waiting up to 5 seconds for in-flight
// deliveries
func (c *ExecutorChannel) Close() error {
	if c.pool == nil {
		return nil
	}
	if err := c.pool.ReleaseTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("failed to release worker pool of channel '%s': %w", c.Name(), err)
	}
	return nil
}

// String implements fmt.Stringer
func (c *ExecutorChannel) String() string {
	return fmt.Sprintf("ExecutorChannel[%s]", c.Name())
}

// PublishSubscribeChannel broadcasts every message to all subscribers. With an
// executor the subscribers run asynchronously.
type PublishSubscribeChannel struct {
	baseChannel
	dispatcher *BroadcastingDispatcher
}

// NewPublishSubscribeChannel creates a new publish-subscribe channel
func NewPublishSubscribeChannel(options ...Option) *PublishSubscribeChannel {
	cfg := newConfig(options)
	ch := &PublishSubscribeChannel{
		dispatcher: NewBroadcastingDispatcher(cfg.executor, cfg.logger),
	}
	ch.init(cfg)
	return ch
}

// Send implements MessageChannel
func (c *PublishSubscribeChannel) Send(ctx context.Context, msg contracts.Message) (bool, error) {
	return c.send(ctx, c, msg, func(ctx context.Context, msg contracts.Message) (bool, error) {
		return c.dispatcher.Dispatch(ctx, c.Name(), msg)
	})
}

// Subscribe implements SubscribableChannel
func (c *PublishSubscribeChannel) Subscribe(handler MessageHandler) error {
	return c.dispatcher.AddHandler(handler)
}

// Unsubscribe implements SubscribableChannel
func (c *PublishSubscribeChannel) Unsubscribe(handler MessageHandler) bool {
	return c.dispatcher.RemoveHandler(handler)
}

// SubscriberCount implements SubscribableChannel
func (c *PublishSubscribeChannel) SubscriberCount() int {
	return c.dispatcher.HandlerCount()
}

// String implements fmt.Stringer
func (c *PublishSubscribeChannel) String() string {
	return fmt.Sprintf("PublishSubscribeChannel[%s]", c.Name())
}
