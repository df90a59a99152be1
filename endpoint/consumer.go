package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
)

// consumerInput holds the input channel of a consumer, given directly or by
// name resolved at start
type consumerInput struct {
	mu       sync.RWMutex
	input    channel.MessageChannel
	name     string
	resolver channel.Resolver
}

func (c *consumerInput) resolve() (channel.MessageChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.input != nil {
		return c.input, nil
	}
	ch, err := channel.ResolveDestination(c.name, c.resolver)
	if err != nil {
		return nil, err
	}
	c.input = ch
	return ch, nil
}

// SetChannelResolver implements ResolverAware
func (c *consumerInput) SetChannelResolver(resolver channel.Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolver = resolver
}

// InputChannel returns the input channel, nil until resolved
func (c *consumerInput) InputChannel() channel.MessageChannel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.input
}

// InputChannelName returns the configured input channel name
func (c *consumerInput) InputChannelName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.input != nil && c.input.Name() != "" {
		return c.input.Name()
	}
	return c.name
}

// EventDrivenConsumer subscribes a handler to a subscribable channel while running
type EventDrivenConsumer struct {
	consumerInput
	lifecycle lifecycleState
	handler   channel.MessageHandler
	logger    *slog.Logger
}

// NewEventDrivenConsumer creates a consumer for input
func NewEventDrivenConsumer(input channel.SubscribableChannel, handler channel.MessageHandler, logger *slog.Logger) (*EventDrivenConsumer, error) {
	if input == nil {
		return nil, contracts.NewCompositionError("event driven consumer", "input", contracts.ErrNilArgument)
	}
	c, err := NewEventDrivenConsumerFor("", handler, logger)
	if err != nil {
		return nil, err
	}
	c.input = input
	return c, nil
}

// NewEventDrivenConsumerFor creates a consumer whose input channel is resolved
// by name at start
func NewEventDrivenConsumerFor(inputName string, handler channel.MessageHandler, logger *slog.Logger) (*EventDrivenConsumer, error) {
	if handler == nil {
		return nil, contracts.NewCompositionError("event driven consumer", "handler", contracts.ErrNilArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &EventDrivenConsumer{
		handler: handler,
		logger:  logger,
	}
	c.name = inputName
	return c, nil
}

// Handler returns the consumer handler
func (c *EventDrivenConsumer) Handler() channel.MessageHandler {
	return c.handler
}

// SetChannelResolver implements ResolverAware
func (c *EventDrivenConsumer) SetChannelResolver(resolver channel.Resolver) {
	c.consumerInput.SetChannelResolver(resolver)
	propagateResolver(c.handler, resolver)
}

// Start implements Lifecycle
func (c *EventDrivenConsumer) Start(ctx context.Context) error {
	return c.lifecycle.start(ctx, func(ctx context.Context) error {
		input, err := c.resolve()
		if err != nil {
			return err
		}
		subscribable, ok := input.(channel.SubscribableChannel)
		if !ok {
			return contracts.NewCompositionError("start consumer", input.Name(),
				fmt.Errorf("%w: channel is not subscribable", contracts.ErrInvalidConfiguration))
		}
		if err := subscribable.Subscribe(c.handler); err != nil {
			return err
		}
		c.logger.Debug("consumer subscribed", "channel", input.Name())
		return nil
	})
}

// Stop implements Lifecycle
func (c *EventDrivenConsumer) Stop(ctx context.Context) error {
	return c.lifecycle.stop(ctx, func(ctx context.Context) error {
		if subscribable, ok := c.InputChannel().(channel.SubscribableChannel); ok {
			subscribable.Unsubscribe(c.handler)
		}
		return nil
	})
}

// IsRunning implements Lifecycle
func (c *EventDrivenConsumer) IsRunning() bool {
	return c.lifecycle.current() == StateRunning
}

// State implements Lifecycle
func (c *EventDrivenConsumer) State() State {
	return c.lifecycle.current()
}

// PollingConsumer receives from a pollable channel on a trigger and hands each
// message to its handler. Handler failures are routed like poll failures.
type PollingConsumer struct {
	consumerInput
	lifecycle lifecycleState
	handler   channel.MessageHandler
	poller    *poller
	errors    *ErrorHandler
	logger    *slog.Logger
}

// NewPollingConsumer creates a polling consumer. A nil input is resolved by
// inputName at start.
func NewPollingConsumer(input channel.PollableChannel, inputName string, handler channel.MessageHandler, metadata PollerMetadata, logger *slog.Logger) (*PollingConsumer, error) {
	if handler == nil {
		return nil, contracts.NewCompositionError("polling consumer", "handler", contracts.ErrNilArgument)
	}
	if input == nil && inputName == "" {
		return nil, contracts.NewCompositionError("polling consumer", "input", contracts.ErrNilArgument)
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &PollingConsumer{
		handler: handler,
		poller:  newPoller(metadata),
		errors:  NewErrorHandler(logger),
		logger:  logger,
	}
	if input != nil {
		c.input = input
	}
	c.name = inputName
	if metadata.ErrorChannel != nil {
		c.errors.SetErrorChannel(metadata.ErrorChannel)
	}
	if metadata.ErrorChannelName != "" {
		c.errors.SetErrorChannelName(metadata.ErrorChannelName)
	}
	return c, nil
}

// SetChannelResolver implements ResolverAware
func (c *PollingConsumer) SetChannelResolver(resolver channel.Resolver) {
	c.consumerInput.SetChannelResolver(resolver)
	c.errors.SetChannelResolver(resolver)
	propagateResolver(c.handler, resolver)
}

// SetScheduler sets a shared scheduler used from the next start
func (c *PollingConsumer) SetScheduler(scheduler *TaskScheduler) {
	if c.poller.metadata.Scheduler == nil {
		c.poller.metadata.Scheduler = scheduler
	}
}

// Handler returns the consumer handler
func (c *PollingConsumer) Handler() channel.MessageHandler {
	return c.handler
}

// Start implements Lifecycle
func (c *PollingConsumer) Start(ctx context.Context) error {
	return c.lifecycle.start(ctx, func(ctx context.Context) error {
		input, err := c.resolve()
		if err != nil {
			return err
		}
		pollable, ok := input.(channel.PollableChannel)
		if !ok {
			return contracts.NewCompositionError("start consumer", input.Name(),
				fmt.Errorf("%w: channel is not pollable", contracts.ErrInvalidConfiguration))
		}
		return c.poller.start(func(ctx context.Context) {
			c.pollCycle(ctx, pollable)
		}, c.logger)
	})
}

// Stop implements Lifecycle
func (c *PollingConsumer) Stop(ctx context.Context) error {
	return c.lifecycle.stop(ctx, c.poller.stop)
}

// IsRunning implements Lifecycle
func (c *PollingConsumer) IsRunning() bool {
	return c.lifecycle.current() == StateRunning
}

// State implements Lifecycle
func (c *PollingConsumer) State() State {
	return c.lifecycle.current()
}

func (c *PollingConsumer) pollCycle(ctx context.Context, input channel.PollableChannel) {
	maxMessages := c.poller.metadata.MaxMessagesPerPoll
	if maxMessages == 0 {
		maxMessages = 1
	}

	for i := 0; maxMessages < 0 || i < maxMessages; i++ {
		msg, ok := channel.ReceiveTimeout(ctx, input, c.poller.metadata.ReceiveTimeout)
		if !ok {
			return
		}
		if err := c.handle(ctx, msg); err != nil {
			c.errors.Handle(ctx, "handle", msg, err)
		}
	}
}

func (c *PollingConsumer) handle(ctx context.Context, msg contracts.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return c.handler.HandleMessage(ctx, msg)
}
