package endpoint

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
)

// ResolverAware is implemented by components that resolve channel names.
// The container injects its resolver before start.
type ResolverAware interface {
	SetChannelResolver(resolver channel.Resolver)
}

// ErrorHandler publishes runtime failures as error messages. The destination
// is the errorChannel header of the failed message, else the configured error
// channel. Without a destination the failure is logged.
type ErrorHandler struct {
	mu               sync.RWMutex
	errorChannel     channel.MessageChannel
	errorChannelName string
	resolver         channel.Resolver
	logger           *slog.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{logger: logger}
}

// SetErrorChannel sets the default error channel
func (h *ErrorHandler) SetErrorChannel(ch channel.MessageChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorChannel = ch
}

// SetErrorChannelName sets the default error channel by name
func (h *ErrorHandler) SetErrorChannelName(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorChannelName = name
}

// SetChannelResolver implements ResolverAware
func (h *ErrorHandler) SetChannelResolver(resolver channel.Resolver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resolver = resolver
}

// HasErrorChannel reports whether a default error channel is configured
func (h *ErrorHandler) HasErrorChannel() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.errorChannel != nil || h.errorChannelName != ""
}

// Handle routes err and reports whether an error message was sent
func (h *ErrorHandler) Handle(ctx context.Context, op string, failed contracts.Message, err error) bool {
	msgErr := contracts.NewMessagingError(op, failed, err)

	dest := h.destination(failed)
	if dest == nil {
		attrs := []any{"op", op, "error", err}
		if failed != nil {
			attrs = append(attrs, "messageId", failed.GetID())
		}
		h.logger.Error("message processing failed", attrs...)
		return false
	}

	sent, sendErr := dest.Send(ctx, contracts.NewErrorMessage(msgErr))
	if sendErr != nil || !sent {
		h.logger.Error("failed to send error message",
			"op", op,
			"errorChannel", dest.Name(),
			"error", err,
			"sendError", sendErr,
		)
		return false
	}
	return true
}

func (h *ErrorHandler) destination(failed contracts.Message) channel.MessageChannel {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if failed != nil {
		if header := failed.GetHeaders().ErrorChannel(); header != nil {
			if dest, err := channel.ResolveDestination(header, h.resolver); err == nil {
				return dest
			}
			h.logger.Debug("errorChannel header could not be resolved", "messageId", failed.GetID())
		}
	}
	if h.errorChannel != nil {
		return h.errorChannel
	}
	if h.errorChannelName != "" {
		dest, err := channel.ResolveDestination(h.errorChannelName, h.resolver)
		if err != nil {
			h.logger.Warn("error channel could not be resolved",
				"errorChannel", h.errorChannelName,
				"error", err,
			)
			return nil
		}
		return dest
	}
	return nil
}
