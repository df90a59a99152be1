// Package pubsub connects integration flows to any Watermill publisher or
// subscriber, such as the in-memory gochannel pub/sub or the Kafka, NATS and
// AMQP transports built on the same interfaces.
package pubsub

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/serialization"
)

// Metadata keys written next to the message headers
const (
	MetadataContentType = serialization.HeaderContentType
	MetadataPayloadType = serialization.HeaderPayloadType
)

var levelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewLogger adapts logger for Watermill components
func NewLogger(logger *slog.Logger) watermill.LoggerAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return watermill.NewSlogLoggerWithLevelMapping(logger, levelMapping)
}

// NewGoChannel creates an in-memory pub/sub. Messages published to a topic
// without subscribers are dropped unless persistent is set.
func NewGoChannel(persistent bool, logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          persistent,
	}, NewLogger(logger))
}

// ToWatermill encodes msg as a Watermill message carrying the same id.
// Headers become metadata in their string form.
func ToWatermill(codec *serialization.Codec, msg contracts.Message) (*message.Message, error) {
	body, contentType, typeName, err := codec.Encode(msg.GetPayload())
	if err != nil {
		return nil, err
	}

	wm := message.NewMessage(msg.GetID(), body)
	for key, value := range serialization.TransportHeaders(msg.GetHeaders()) {
		wm.Metadata.Set(key, fmt.Sprint(value))
	}
	wm.Metadata.Set(MetadataContentType, contentType)
	if typeName != "" {
		wm.Metadata.Set(MetadataPayloadType, typeName)
	}
	return wm, nil
}

// FromWatermill decodes a Watermill message into a new message. The
// Watermill UUID is kept in the remoteMessageId header.
func FromWatermill(codec *serialization.Codec, wm *message.Message) (contracts.Message, error) {
	contentType := wm.Metadata.Get(MetadataContentType)
	if contentType == "" {
		contentType = serialization.ContentTypeBytes
	}

	payload, err := codec.Decode(wm.Payload, contentType, wm.Metadata.Get(MetadataPayloadType))
	if err != nil {
		return nil, err
	}

	builder := contracts.WithPayload(payload)
	for key, value := range wm.Metadata {
		if key == MetadataContentType || key == MetadataPayloadType {
			continue
		}
		builder.SetHeader(key, value)
	}
	builder.SetHeader(serialization.HeaderRemoteMessageID, wm.UUID)
	return builder.Build(), nil
}
