package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-flow/contracts"
)

// DirectChannel delivers each message synchronously on the sender's goroutine
// to one subscriber, load balanced round-robin when several are subscribed.
// Subscriber errors propagate back to the sender.
type DirectChannel struct {
	baseChannel
	dispatcher *UnicastingDispatcher
}

// NewDirectChannel creates a new direct channel
func NewDirectChannel(options ...Option) *DirectChannel {
	cfg := newConfig(options)
	ch := &DirectChannel{
		dispatcher: NewUnicastingDispatcher(cfg.failover, cfg.logger),
	}
	ch.init(cfg)
	return ch
}

// Send implements MessageChannel
func (c *DirectChannel) Send(ctx context.Context, msg contracts.Message) (bool, error) {
	return c.send(ctx, c, msg, func(ctx context.Context, msg contracts.Message) (bool, error) {
		return c.dispatcher.Dispatch(ctx, c.Name(), msg)
	})
}

// Subscribe implements SubscribableChannel
func (c *DirectChannel) Subscribe(handler MessageHandler) error {
	if err := c.dispatcher.AddHandler(handler); err != nil {
		return err
	}
	c.logger.Debug("subscriber added", "channel", c.Name(), "subscribers", c.dispatcher.HandlerCount())
	return nil
}

// Unsubscribe implements SubscribableChannel
func (c *DirectChannel) Unsubscribe(handler MessageHandler) bool {
	return c.dispatcher.RemoveHandler(handler)
}

// SubscriberCount implements SubscribableChannel
func (c *DirectChannel) SubscriberCount() int {
	return c.dispatcher.HandlerCount()
}

// String implements fmt.Stringer
func (c *DirectChannel) String() string {
	return fmt.Sprintf("DirectChannel[%s]", c.Name())
}

// FixedSubscriberChannel is a direct channel bound to exactly one subscriber.
// The subscriber is set once, either at construction or by the first
// Subscribe; attaching any other handler afterwards fails.
type FixedSubscriberChannel struct {
	baseChannel
	handlerMu sync.RWMutex
	handler   MessageHandler
}

// NewFixedSubscriberChannel creates a fixed subscriber channel. A nil handler
// leaves the channel unbound until the first Subscribe.
func NewFixedSubscriberChannel(handler MessageHandler, options ...Option) *FixedSubscriberChannel {
	cfg := newConfig(options)
	ch := &FixedSubscriberChannel{handler: handler}
	ch.init(cfg)
	return ch
}

func (c *FixedSubscriberChannel) subscriber() MessageHandler {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

// Send implements MessageChannel
func (c *FixedSubscriberChannel) Send(ctx context.Context, msg contracts.Message) (bool, error) {
	return c.send(ctx, c, msg, func(ctx context.Context, msg contracts.Message) (bool, error) {
		handler := c.subscriber()
		if handler == nil {
			c.logger.Warn("fixed subscriber channel is not bound, message rejected",
				"channel", c.Name(),
				"messageId", msg.GetID(),
			)
			return false, nil
		}
		if err := handler.HandleMessage(ctx, msg); err != nil {
			return false, &contracts.MessageDeliveryError{
				Channel:   c.Name(),
				MessageID: msg.GetID(),
				Err:       err,
			}
		}
		return true, nil
	})
}

// Subscribe implements SubscribableChannel. Subscribing the bound handler again
// is a no-op, any other handler fails with a CompositionError.
func (c *FixedSubscriberChannel) Subscribe(handler MessageHandler) error {
	if handler == nil {
		return contracts.NewCompositionError("subscribe", c.Name(), contracts.ErrNilArgument)
	}

	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	if c.handler == nil {
		c.handler = handler
		return nil
	}
	if sameHandler(c.handler, handler) {
		return nil
	}
	return contracts.NewCompositionError("subscribe", c.Name(), contracts.ErrFixedSubscriber)
}

// Unsubscribe implements SubscribableChannel. The bound handler cannot be removed.
func (c *FixedSubscriberChannel) Unsubscribe(handler MessageHandler) bool {
	c.logger.Debug("unsubscribe ignored on fixed subscriber channel", "channel", c.Name())
	return false
}

// SubscriberCount implements SubscribableChannel
func (c *FixedSubscriberChannel) SubscriberCount() int {
	if c.subscriber() == nil {
		return 0
	}
	return 1
}

// String implements fmt.Stringer
func (c *FixedSubscriberChannel) String() string {
	return fmt.Sprintf("FixedSubscriberChannel[%s]", c.Name())
}
