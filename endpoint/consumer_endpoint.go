package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
)

// ConsumerEndpoint connects a handler to an input channel whose kind may only
// be known at start, for example a channel.Reference. Subscribable inputs get
// an EventDrivenConsumer, pollable inputs a PollingConsumer.
type ConsumerEndpoint struct {
	input    channel.MessageChannel
	handler  channel.MessageHandler
	metadata *PollerMetadata
	logger   *slog.Logger

	mu        sync.Mutex
	resolver  channel.Resolver
	scheduler *TaskScheduler
	consumer  Lifecycle
	lifecycle lifecycleState
}

// ConsumerOption configures a ConsumerEndpoint
type ConsumerOption func(*ConsumerEndpoint)

// WithConsumerPoller sets the poller used when the input is pollable
func WithConsumerPoller(metadata PollerMetadata) ConsumerOption {
	return func(e *ConsumerEndpoint) {
		e.metadata = &metadata
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(e *ConsumerEndpoint) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewConsumerEndpoint creates a consumer endpoint for input
func NewConsumerEndpoint(input channel.MessageChannel, handler channel.MessageHandler, options ...ConsumerOption) (*ConsumerEndpoint, error) {
	if contracts.IsNil(input) {
		return nil, contracts.NewCompositionError("consumer endpoint", "input", contracts.ErrNilArgument)
	}
	if contracts.IsNil(handler) {
		return nil, contracts.NewCompositionError("consumer endpoint", "handler", contracts.ErrNilArgument)
	}

	e := &ConsumerEndpoint{
		input:   input,
		handler: handler,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// InputChannel returns the configured input, possibly a reference
func (e *ConsumerEndpoint) InputChannel() channel.MessageChannel {
	return e.input
}

// Handler returns the consumer handler
func (e *ConsumerEndpoint) Handler() channel.MessageHandler {
	return e.handler
}

// SetChannelResolver implements ResolverAware
func (e *ConsumerEndpoint) SetChannelResolver(resolver channel.Resolver) {
	e.mu.Lock()
	e.resolver = resolver
	e.mu.Unlock()
	propagateResolver(e.handler, resolver)
}

// SetScheduler sets the scheduler used by a polling consumer
func (e *ConsumerEndpoint) SetScheduler(scheduler *TaskScheduler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduler = scheduler
}

// Start implements Lifecycle
func (e *ConsumerEndpoint) Start(ctx context.Context) error {
	return e.lifecycle.start(ctx, func(ctx context.Context) error {
		consumer, err := e.consumerFor()
		if err != nil {
			return err
		}
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		e.mu.Lock()
		e.consumer = consumer
		e.mu.Unlock()
		return nil
	})
}

// Stop implements Lifecycle
func (e *ConsumerEndpoint) Stop(ctx context.Context) error {
	return e.lifecycle.stop(ctx, func(ctx context.Context) error {
		e.mu.Lock()
		consumer := e.consumer
		e.consumer = nil
		e.mu.Unlock()
		if consumer == nil {
			return nil
		}
		return consumer.Stop(ctx)
	})
}

// IsRunning implements Lifecycle
func (e *ConsumerEndpoint) IsRunning() bool {
	return e.lifecycle.current() == StateRunning
}

// State implements Lifecycle
func (e *ConsumerEndpoint) State() State {
	return e.lifecycle.current()
}

func (e *ConsumerEndpoint) consumerFor() (Lifecycle, error) {
	e.mu.Lock()
	resolver, scheduler := e.resolver, e.scheduler
	e.mu.Unlock()

	input, err := channel.ResolveDestination(e.input, resolver)
	if err != nil {
		return nil, contracts.NewCompositionError("start consumer", e.input.Name(), err)
	}

	switch in := input.(type) {
	case channel.SubscribableChannel:
		consumer, err := NewEventDrivenConsumer(in, e.handler, e.logger)
		if err != nil {
			return nil, err
		}
		if resolver != nil {
			consumer.SetChannelResolver(resolver)
		}
		return consumer, nil
	case channel.PollableChannel:
		metadata := DefaultPollerMetadata()
		if e.metadata != nil {
			metadata = *e.metadata
		}
		consumer, err := NewPollingConsumer(in, in.Name(), e.handler, metadata, e.logger)
		if err != nil {
			return nil, err
		}
		if resolver != nil {
			consumer.SetChannelResolver(resolver)
		}
		if scheduler != nil {
			consumer.SetScheduler(scheduler)
		}
		return consumer, nil
	default:
		return nil, contracts.NewCompositionError("start consumer", input.Name(),
			fmt.Errorf("%w: channel %T can neither be subscribed nor polled", contracts.ErrInvalidConfiguration, input))
	}
}
