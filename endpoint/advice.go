package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/internal/reliability"
)

// RetryPolicy decides whether a failed handler call is retried
type RetryPolicy = reliability.RetryPolicy

// Advice wraps a handler call
type Advice interface {
	Invoke(ctx context.Context, msg contracts.Message, next channel.MessageHandler) error
}

// AdviceFunc is a function adapter for Advice
type AdviceFunc func(ctx context.Context, msg contracts.Message, next channel.MessageHandler) error

// Invoke implements Advice
func (f AdviceFunc) Invoke(ctx context.Context, msg contracts.Message, next channel.MessageHandler) error {
	return f(ctx, msg, next)
}

// AdvisedHandler applies a chain of advice around a handler. The first advice
// is the outermost.
type AdvisedHandler struct {
	channel.MessageHandler
	advice []Advice
}

// Advise wraps handler with advice. Without advice handler is returned unchanged.
func Advise(handler channel.MessageHandler, advice ...Advice) channel.MessageHandler {
	if len(advice) == 0 {
		return handler
	}
	return &AdvisedHandler{MessageHandler: handler, advice: advice}
}

// HandleMessage implements channel.MessageHandler
func (h *AdvisedHandler) HandleMessage(ctx context.Context, msg contracts.Message) error {
	return h.invoke(ctx, msg, 0)
}

func (h *AdvisedHandler) invoke(ctx context.Context, msg contracts.Message, index int) error {
	if index == len(h.advice) {
		return h.MessageHandler.HandleMessage(ctx, msg)
	}
	next := channel.MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error {
		return h.invoke(ctx, msg, index+1)
	})
	return h.advice[index].Invoke(ctx, msg, next)
}

// Target returns the advised handler
func (h *AdvisedHandler) Target() channel.MessageHandler {
	return h.MessageHandler
}

// RetryAdvice retries failed handler calls according to a policy
type RetryAdvice struct {
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryAdvice creates retry advice with exponential backoff
func NewRetryAdvice(maxRetries int, initial, maxInterval time.Duration, logger *slog.Logger) *RetryAdvice {
	return NewRetryAdviceWithPolicy(reliability.NewExponentialBackoff(initial, maxInterval, 2.0, maxRetries), logger)
}

// NewRetryAdviceWithPolicy creates retry advice with a custom policy
func NewRetryAdviceWithPolicy(policy RetryPolicy, logger *slog.Logger) *RetryAdvice {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryAdvice{policy: policy, logger: logger}
}

// Invoke implements Advice
func (a *RetryAdvice) Invoke(ctx context.Context, msg contracts.Message, next channel.MessageHandler) error {
	attempt := 0
	return reliability.Retry(ctx, "handle", a.policy, func(ctx context.Context) error {
		attempt++
		err := next.HandleMessage(ctx, msg)
		if err != nil && attempt <= a.policy.MaxRetries() {
			a.logger.Debug("handler attempt failed",
				"messageId", msg.GetID(),
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	})
}

// CircuitBreakerAdvice stops calling a failing handler until the circuit closes
type CircuitBreakerAdvice struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitBreakerAdvice creates circuit breaker advice opening after
// failureThreshold consecutive failures for openTimeout
func NewCircuitBreakerAdvice(name string, failureThreshold int, openTimeout time.Duration, logger *slog.Logger) *CircuitBreakerAdvice {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreakerAdvice{
		breaker: reliability.NewCircuitBreaker(
			reliability.WithName(name),
			reliability.WithFailureThreshold(failureThreshold),
			reliability.WithSuccessThreshold(1),
			reliability.WithTimeout(openTimeout),
			reliability.WithBreakerLogger(logger),
		),
	}
}

// Invoke implements Advice
func (a *CircuitBreakerAdvice) Invoke(ctx context.Context, msg contracts.Message, next channel.MessageHandler) error {
	return a.breaker.Execute(ctx, func(ctx context.Context) error {
		return next.HandleMessage(ctx, msg)
	})
}

// IsOpen reports whether calls are currently blocked
func (a *CircuitBreakerAdvice) IsOpen() bool {
	return a.breaker.State() == reliability.StateOpen
}

// IsCircuitOpen reports whether err was caused by an open circuit
func IsCircuitOpen(err error) bool {
	return errors.Is(err, reliability.ErrCircuitOpen) || errors.Is(err, reliability.ErrCircuitHalfOpenLimit)
}

// propagateResolver hands resolver to handler and to the target of advised handlers
func propagateResolver(handler channel.MessageHandler, resolver channel.Resolver) {
	if advised, ok := handler.(*AdvisedHandler); ok {
		handler = advised.Target()
	}
	if aware, ok := handler.(ResolverAware); ok {
		aware.SetChannelResolver(resolver)
	}
}
