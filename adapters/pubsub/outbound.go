package pubsub

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/serialization"
)

// OutboundHandler publishes every message it handles to a topic
type OutboundHandler struct {
	publisher message.Publisher
	topic     string
	codec     *serialization.Codec
}

// NewOutboundHandler creates a handler publishing to topic. A nil codec uses
// a codec without registered types.
func NewOutboundHandler(publisher message.Publisher, topic string, codec *serialization.Codec) (*OutboundHandler, error) {
	const op = "pubsub outbound handler"
	if publisher == nil {
		return nil, contracts.NewCompositionError(op, "publisher", contracts.ErrNilArgument)
	}
	if strings.TrimSpace(topic) == "" {
		return nil, contracts.NewCompositionError(op, "topic", contracts.ErrBlankArgument)
	}
	if codec == nil {
		codec = serialization.NewCodec()
	}
	return &OutboundHandler{publisher: publisher, topic: topic, codec: codec}, nil
}

// HandleMessage implements channel.MessageHandler
func (h *OutboundHandler) HandleMessage(ctx context.Context, msg contracts.Message) error {
	wm, err := ToWatermill(h.codec, msg)
	if err != nil {
		return contracts.NewMessagingError("publish", msg, err)
	}
	wm.SetContext(ctx)

	if err := h.publisher.Publish(h.topic, wm); err != nil {
		return contracts.NewMessagingError("publish", msg, err)
	}
	return nil
}
