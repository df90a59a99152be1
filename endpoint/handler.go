package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/messaging"
)

// ProcessFunc computes the reply for a request message. A nil result means no reply.
type ProcessFunc func(ctx context.Context, msg contracts.Message) (interface{}, error)

// ReplyProducingHandler runs a ProcessFunc and sends its result to the output
// channel, or to the replyChannel header of the request when no output channel
// is set
type ReplyProducingHandler struct {
	kind           string
	process        ProcessFunc
	requiresReply  bool
	outputOptional bool // replies without a destination are dropped

	discardChannel   channel.MessageChannel
	throwOnRejection bool

	mu                sync.RWMutex
	outputChannel     channel.MessageChannel
	outputChannelName string
	resolver          channel.Resolver

	template *messaging.ExchangeTemplate
	logger   *slog.Logger
}

// HandlerOption configures a ReplyProducingHandler
type HandlerOption func(*ReplyProducingHandler)

// WithOutputChannel sets the output channel
func WithOutputChannel(ch channel.MessageChannel) HandlerOption {
	return func(h *ReplyProducingHandler) {
		h.outputChannel = ch
	}
}

// WithOutputChannelName sets the output channel by name
func WithOutputChannelName(name string) HandlerOption {
	return func(h *ReplyProducingHandler) {
		h.outputChannelName = name
	}
}

// WithRequiresReply makes a nil result an error
func WithRequiresReply(required bool) HandlerOption {
	return func(h *ReplyProducingHandler) {
		h.requiresReply = required
	}
}

// WithHandlerLogger sets the logger
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *ReplyProducingHandler) {
		h.logger = logger
	}
}

func newReplyProducingHandler(kind string, process ProcessFunc, options []HandlerOption) *ReplyProducingHandler {
	h := &ReplyProducingHandler{
		kind:    kind,
		process: process,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	h.template = messaging.NewExchangeTemplate(messaging.WithTemplateLogger(h.logger))
	return h
}

// NewServiceActivator creates a handler invoking fn for every message
func NewServiceActivator(fn ProcessFunc, options ...HandlerOption) (*ReplyProducingHandler, error) {
	if fn == nil {
		return nil, contracts.NewCompositionError("service activator", "handler", contracts.ErrNilArgument)
	}
	return newReplyProducingHandler("service-activator", fn, options), nil
}

// NewTransformer creates a handler replacing every message with the result of fn.
// A nil result is an error.
func NewTransformer(fn ProcessFunc, options ...HandlerOption) (*ReplyProducingHandler, error) {
	if fn == nil {
		return nil, contracts.NewCompositionError("transformer", "transformer", contracts.ErrNilArgument)
	}
	options = append(options, WithRequiresReply(true))
	return newReplyProducingHandler("transformer", fn, options), nil
}

// NewBridgeHandler creates a handler passing every message through unchanged
func NewBridgeHandler(options ...HandlerOption) *ReplyProducingHandler {
	return newReplyProducingHandler("bridge", func(ctx context.Context, msg contracts.Message) (interface{}, error) {
		return msg, nil
	}, options)
}

// NewLoggingHandler creates a pass-through handler logging every message at level
func NewLoggingHandler(logger *slog.Logger, level slog.Level, options ...HandlerOption) *ReplyProducingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := newReplyProducingHandler("logging", func(ctx context.Context, msg contracts.Message) (interface{}, error) {
		logger.Log(ctx, level, "message received",
			"messageId", msg.GetID(),
			"correlationId", msg.GetHeaders().CorrelationID(),
			"payload", msg.GetPayload(),
		)
		return msg, nil
	}, options)
	h.outputOptional = true
	return h
}

// WithDiscardChannel sends messages rejected by a filter to ch
func WithDiscardChannel(ch channel.MessageChannel) HandlerOption {
	return func(h *ReplyProducingHandler) {
		h.discardChannel = ch
	}
}

// WithThrowOnRejection makes messages rejected by a filter fail with ErrMessageFiltered
func WithThrowOnRejection() HandlerOption {
	return func(h *ReplyProducingHandler) {
		h.throwOnRejection = true
	}
}

// NewFilter creates a handler passing only messages accepted by selector.
// Rejected messages are dropped unless a discard channel is set.
func NewFilter(selector func(ctx context.Context, msg contracts.Message) bool, options ...HandlerOption) (*ReplyProducingHandler, error) {
	if selector == nil {
		return nil, contracts.NewCompositionError("filter", "selector", contracts.ErrNilArgument)
	}

	var h *ReplyProducingHandler
	h = newReplyProducingHandler("filter", func(ctx context.Context, msg contracts.Message) (interface{}, error) {
		if selector(ctx, msg) {
			return msg, nil
		}
		if h.discardChannel != nil {
			if _, err := h.template.Send(ctx, h.discardChannel, msg); err != nil {
				return nil, err
			}
		}
		if h.throwOnRejection {
			return nil, fmt.Errorf("%w: message %s", contracts.ErrMessageFiltered, msg.GetID())
		}
		h.logger.Debug("message discarded by filter", "messageId", msg.GetID())
		return nil, nil
	}, options)
	return h, nil
}

// Kind returns the handler kind, for example "transformer"
func (h *ReplyProducingHandler) Kind() string {
	return h.kind
}

// SetOutputChannel sets the output channel
func (h *ReplyProducingHandler) SetOutputChannel(ch channel.MessageChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputChannel = ch
}

// SetOutputChannelName sets the output channel by name
func (h *ReplyProducingHandler) SetOutputChannelName(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outputChannelName = name
}

// OutputChannel returns the output channel, nil when not set or not yet resolved
func (h *ReplyProducingHandler) OutputChannel() channel.MessageChannel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.outputChannel
}

// SetChannelResolver implements ResolverAware
func (h *ReplyProducingHandler) SetChannelResolver(resolver channel.Resolver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolver = resolver
}

// HandleMessage implements channel.MessageHandler
func (h *ReplyProducingHandler) HandleMessage(ctx context.Context, msg contracts.Message) error {
	result, err := h.process(ctx, msg)
	if err != nil {
		return err
	}

	if result == nil {
		if h.requiresReply {
			return fmt.Errorf("%s produced no reply for message %s", h.kind, msg.GetID())
		}
		h.logger.Debug("handler produced no reply", "handler", h.kind, "messageId", msg.GetID())
		return nil
	}

	reply := h.buildReply(result, msg)
	dest, err := h.destination(msg)
	if err != nil {
		if h.outputOptional && errors.Is(err, contracts.ErrNoOutputChannel) {
			return nil
		}
		return err
	}

	sent, err := h.template.Send(ctx, dest, reply)
	if err != nil {
		return err
	}
	if !sent {
		return &contracts.MessageDeliveryError{
			Channel:   dest.Name(),
			MessageID: reply.GetID(),
			Err:       contracts.ErrDeliveryRejected,
		}
	}
	return nil
}

// buildReply wraps a plain result with the request headers
func (h *ReplyProducingHandler) buildReply(result interface{}, request contracts.Message) contracts.Message {
	if reply, ok := result.(contracts.Message); ok {
		return reply
	}
	return contracts.FromMessage(request).SetPayload(result).Build()
}

func (h *ReplyProducingHandler) destination(request contracts.Message) (channel.MessageChannel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.outputChannel != nil {
		return h.outputChannel, nil
	}
	if h.outputChannelName != "" {
		ch, err := channel.ResolveDestination(h.outputChannelName, h.resolver)
		if err != nil {
			return nil, err
		}
		h.outputChannel = ch
		return ch, nil
	}
	if header := request.GetHeaders().ReplyChannel(); header != nil {
		return channel.ResolveDestination(header, h.resolver)
	}
	return nil, fmt.Errorf("%w: %s reply for message %s", contracts.ErrNoOutputChannel, h.kind, request.GetID())
}
