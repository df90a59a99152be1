package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/internal/reliability"
)

// OutboundHandler publishes every message it handles to an exchange. It is
// used as the terminal handler of a flow.
type OutboundHandler struct {
	provider ChannelProvider
	settings *settings

	mu sync.Mutex
	ch Channel
}

// NewOutboundHandler creates a handler publishing through provider
func NewOutboundHandler(provider ChannelProvider, options ...Option) (*OutboundHandler, error) {
	if provider == nil {
		return nil, contracts.NewCompositionError("rabbitmq outbound handler", "provider", contracts.ErrNilArgument)
	}
	h := &OutboundHandler{
		provider: provider,
		settings: newSettings(options),
	}
	if h.settings.exchange == "" && h.settings.routingKey == "" && h.settings.routingKeyHeader == "" {
		return nil, contracts.NewCompositionError("rabbitmq outbound handler", "routingKey",
			fmt.Errorf("%w: default exchange needs a routing key", ErrInvalidConfiguration))
	}
	return h, nil
}

// HandleMessage implements channel.MessageHandler
func (h *OutboundHandler) HandleMessage(ctx context.Context, msg contracts.Message) error {
	publishing, err := h.settings.converter.ToPublishing(msg)
	if err != nil {
		return contracts.NewMessagingError("publish", msg, err)
	}
	key := h.routingKey(msg)

	publish := func(ctx context.Context) error {
		ch, err := h.channel(ctx)
		if err != nil {
			return err
		}
		if err := ch.PublishWithContext(ctx, h.settings.exchange, key, h.settings.mandatory, false, publishing); err != nil {
			h.reset()
			return err
		}
		return nil
	}

	if h.settings.retryPolicy != nil {
		err = reliability.Retry(ctx, "rabbitmq publish", h.settings.retryPolicy, publish)
	} else {
		err = publish(ctx)
	}
	if err != nil {
		return contracts.NewMessagingError("publish", msg, &PublishError{
			Exchange:   h.settings.exchange,
			RoutingKey: key,
			MessageID:  msg.GetID(),
			Err:        err,
			Timestamp:  time.Now(),
		})
	}

	h.settings.logger.Debug("published message",
		"messageId", msg.GetID(),
		"exchange", h.settings.exchange,
		"routingKey", key)
	return nil
}

// Close closes the channel held by the handler
func (h *OutboundHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ch == nil {
		return nil
	}
	err := h.ch.Close()
	h.ch = nil
	return err
}

func (h *OutboundHandler) routingKey(msg contracts.Message) string {
	if h.settings.routingKeyHeader != "" {
		if key := msg.GetHeaders().GetString(h.settings.routingKeyHeader); key != "" {
			return key
		}
	}
	return h.settings.routingKey
}

func (h *OutboundHandler) channel(ctx context.Context) (Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ch != nil {
		return h.ch, nil
	}
	ch, err := h.provider.Channel(ctx)
	if err != nil {
		return nil, err
	}
	h.ch = ch
	return ch, nil
}

func (h *OutboundHandler) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ch != nil {
		h.ch.Close()
		h.ch = nil
	}
}
