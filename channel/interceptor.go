package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-flow/contracts"
)

// ChannelInterceptor observes and may alter messages sent through a channel
type ChannelInterceptor interface {
	// PreSend is invoked before the message is handed to the channel. Returning a
	// nil message aborts the send without error. The returned context is used
	// for the rest of the send.
	PreSend(ctx context.Context, ch MessageChannel, msg contracts.Message) (context.Context, contracts.Message, error)

	// AfterSend is invoked once the send completed for every interceptor whose
	// PreSend succeeded, in reverse order
	AfterSend(ctx context.Context, ch MessageChannel, msg contracts.Message, sent bool, err error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	mu           sync.RWMutex
	interceptors []ChannelInterceptor
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(interceptors ...ChannelInterceptor) *InterceptorChain {
	return &InterceptorChain{
		interceptors: append([]ChannelInterceptor(nil), interceptors...),
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor ChannelInterceptor) *InterceptorChain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.interceptors)
}

func (c *InterceptorChain) snapshot() []ChannelInterceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ChannelInterceptor(nil), c.interceptors...)
}

// applyPreSend runs PreSend on each interceptor and returns how many were applied
func (c *InterceptorChain) applyPreSend(ctx context.Context, ch MessageChannel, msg contracts.Message) (context.Context, contracts.Message, []ChannelInterceptor, error) {
	interceptors := c.snapshot()
	applied := make([]ChannelInterceptor, 0, len(interceptors))
	current := msg
	for _, interceptor := range interceptors {
		nextCtx, next, err := interceptor.PreSend(ctx, ch, current)
		if err != nil {
			return ctx, nil, applied, err
		}
		ctx = nextCtx
		applied = append(applied, interceptor)
		if next == nil {
			return ctx, nil, applied, nil
		}
		current = next
	}
	return ctx, current, applied, nil
}

func (c *InterceptorChain) triggerAfterSend(ctx context.Context, ch MessageChannel, msg contracts.Message, sent bool, err error, applied []ChannelInterceptor) {
	for i := len(applied) - 1; i >= 0; i-- {
		applied[i].AfterSend(ctx, ch, msg, sent, err)
	}
}

// Built-in interceptors

// LoggingInterceptor logs every send
type LoggingInterceptor struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger, level slog.Level) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger, level: level}
}

type sendStartKey struct{}

// PreSend implements ChannelInterceptor
func (i *LoggingInterceptor) PreSend(ctx context.Context, ch MessageChannel, msg contracts.Message) (context.Context, contracts.Message, error) {
	i.logger.Log(ctx, i.level, "sending message",
		"channel", ch.Name(),
		"messageId", msg.GetID(),
		"correlationId", msg.GetHeaders().CorrelationID(),
	)
	return context.WithValue(ctx, sendStartKey{}, time.Now()), msg, nil
}

// AfterSend implements ChannelInterceptor
func (i *LoggingInterceptor) AfterSend(ctx context.Context, ch MessageChannel, msg contracts.Message, sent bool, err error) {
	var duration time.Duration
	if start, ok := ctx.Value(sendStartKey{}).(time.Time); ok {
		duration = time.Since(start)
	}

	if err != nil {
		i.logger.Error("message send failed",
			"channel", ch.Name(),
			"messageId", msg.GetID(),
			"duration", duration,
			"error", err,
		)
		return
	}
	i.logger.Log(ctx, i.level, "message send completed",
		"channel", ch.Name(),
		"messageId", msg.GetID(),
		"sent", sent,
		"duration", duration,
	)
}

// Name implements ChannelInterceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// WireTap sends a copy of every message to a secondary channel.
// Failures on the tap never affect the primary send.
type WireTap struct {
	tap    MessageChannel
	logger *slog.Logger
}

// NewWireTap creates a wire tap towards the given channel
func NewWireTap(tap MessageChannel, logger *slog.Logger) *WireTap {
	if logger == nil {
		logger = slog.Default()
	}
	return &WireTap{tap: tap, logger: logger}
}

// PreSend implements ChannelInterceptor
func (w *WireTap) PreSend(ctx context.Context, ch MessageChannel, msg contracts.Message) (context.Context, contracts.Message, error) {
	if sent, err := w.tap.Send(ctx, msg); err != nil || !sent {
		w.logger.Debug("wire tap send failed",
			"channel", ch.Name(),
			"tap", w.tap.Name(),
			"messageId", msg.GetID(),
			"error", err,
		)
	}
	return ctx, msg, nil
}

// AfterSend implements ChannelInterceptor
func (w *WireTap) AfterSend(context.Context, MessageChannel, contracts.Message, bool, error) {}

// Name implements ChannelInterceptor
func (w *WireTap) Name() string {
	return "WireTap"
}
