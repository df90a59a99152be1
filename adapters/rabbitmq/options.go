package rabbitmq

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-flow/endpoint"
	"github.com/glimte/mmate-flow/serialization"
)

type settings struct {
	logger    *slog.Logger
	converter *Converter

	// inbound
	prefetchCount    int
	consumerTag      string
	exclusive        bool
	requeueOnFailure bool
	resubscribeDelay time.Duration

	// outbound
	exchange         string
	routingKey       string
	routingKeyHeader string
	mandatory        bool
	retryPolicy      endpoint.RetryPolicy
}

func newSettings(options []Option) *settings {
	s := &settings{
		logger:           slog.Default(),
		prefetchCount:    10,
		requeueOnFailure: true,
		resubscribeDelay: time.Second,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.converter == nil {
		s.converter = NewConverter(nil)
	}
	return s
}

// Option configures the inbound adapter, the queue source and the outbound handler
type Option func(*settings)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCodec sets the payload codec
func WithCodec(codec *serialization.Codec) Option {
	return func(s *settings) {
		s.converter = NewConverter(codec)
	}
}

// WithPrefetchCount sets the consumer prefetch count
func WithPrefetchCount(count int) Option {
	return func(s *settings) {
		s.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) Option {
	return func(s *settings) {
		s.consumerTag = tag
	}
}

// WithResubscribeDelay sets the first delay before consuming again after the
// delivery channel closed. The delay doubles on every failed attempt.
func WithResubscribeDelay(delay time.Duration) Option {
	return func(s *settings) {
		if delay > 0 {
			s.resubscribeDelay = delay
		}
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) Option {
	return func(s *settings) {
		s.exclusive = exclusive
	}
}

// WithRequeueOnFailure sets whether deliveries that fail downstream are requeued
func WithRequeueOnFailure(requeue bool) Option {
	return func(s *settings) {
		s.requeueOnFailure = requeue
	}
}

// WithExchange sets the exchange messages are published to
func WithExchange(exchange string) Option {
	return func(s *settings) {
		s.exchange = exchange
	}
}

// WithRoutingKey sets the default routing key
func WithRoutingKey(key string) Option {
	return func(s *settings) {
		s.routingKey = key
	}
}

// WithRoutingKeyHeader takes the routing key from the named message header
// when present
func WithRoutingKeyHeader(header string) Option {
	return func(s *settings) {
		s.routingKeyHeader = header
	}
}

// WithMandatory sets the mandatory publish flag
func WithMandatory(mandatory bool) Option {
	return func(s *settings) {
		s.mandatory = mandatory
	}
}

// WithRetryPolicy retries failed publishes
func WithRetryPolicy(policy endpoint.RetryPolicy) Option {
	return func(s *settings) {
		s.retryPolicy = policy
	}
}
