package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/serialization"
	"github.com/redis/go-redis/v9"
)

// OutboundHandler appends every message it handles to a stream with XADD
type OutboundHandler struct {
	client       Client
	stream       string
	streamHeader string
	maxLen       int64
	codec        *serialization.Codec
	logger       *slog.Logger
}

// OutboundOption configures an OutboundHandler
type OutboundOption func(*OutboundHandler)

// WithStreamHeader takes the stream name from the named header when present
func WithStreamHeader(header string) OutboundOption {
	return func(h *OutboundHandler) {
		h.streamHeader = header
	}
}

// WithMaxLen trims the stream to approximately maxLen entries
func WithMaxLen(maxLen int64) OutboundOption {
	return func(h *OutboundHandler) {
		h.maxLen = maxLen
	}
}

// WithOutboundCodec sets the message codec
func WithOutboundCodec(codec *serialization.Codec) OutboundOption {
	return func(h *OutboundHandler) {
		if codec != nil {
			h.codec = codec
		}
	}
}

// WithOutboundLogger sets the logger
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(h *OutboundHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewOutboundHandler creates a handler appending to stream
func NewOutboundHandler(client Client, stream string, options ...OutboundOption) (*OutboundHandler, error) {
	const op = "redis stream outbound handler"
	if client == nil {
		return nil, contracts.NewCompositionError(op, "client", contracts.ErrNilArgument)
	}
	if strings.TrimSpace(stream) == "" {
		return nil, contracts.NewCompositionError(op, "stream", contracts.ErrBlankArgument)
	}

	h := &OutboundHandler{
		client: client,
		stream: stream,
		codec:  serialization.NewCodec(),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	return h, nil
}

// HandleMessage implements channel.MessageHandler
func (h *OutboundHandler) HandleMessage(ctx context.Context, msg contracts.Message) error {
	data, err := h.codec.EncodeMessage(msg)
	if err != nil {
		return contracts.NewMessagingError("xadd", msg, err)
	}

	stream := h.stream
	if h.streamHeader != "" {
		if s := msg.GetHeaders().GetString(h.streamHeader); s != "" {
			stream = s
		}
	}

	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{fieldEnvelope: data},
	}
	if h.maxLen > 0 {
		args.MaxLen = h.maxLen
		args.Approx = true
	}

	id, err := h.client.XAdd(ctx, args).Result()
	if err != nil {
		return contracts.NewMessagingError("xadd", msg, fmt.Errorf("failed to append to stream %s: %w", stream, err))
	}

	h.logger.Debug("appended message to stream",
		"messageId", msg.GetID(),
		"stream", stream,
		"entryId", id)
	return nil
}
