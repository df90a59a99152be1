package rabbitmq

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Headers set on messages received from the broker
const (
	HeaderExchange    = "amqpExchange"
	HeaderRoutingKey  = "amqpRoutingKey"
	HeaderRedelivered = "amqpRedelivered"
	HeaderConsumerTag = "amqpConsumerTag"
)

// Converter maps messages to AMQP publishings and deliveries back to messages
type Converter struct {
	codec *serialization.Codec
}

// NewConverter creates a converter. A nil codec uses a codec without
// registered types.
func NewConverter(codec *serialization.Codec) *Converter {
	if codec == nil {
		codec = serialization.NewCodec()
	}
	return &Converter{codec: codec}
}

// ToPublishing encodes msg as a persistent publishing
func (c *Converter) ToPublishing(msg contracts.Message) (amqp.Publishing, error) {
	body, contentType, typeName, err := c.codec.Encode(msg.GetPayload())
	if err != nil {
		return amqp.Publishing{}, err
	}

	headers := msg.GetHeaders()
	table := amqp.Table{}
	for key, value := range serialization.TransportHeaders(headers) {
		table[key] = tableValue(value)
	}
	delete(table, contracts.HeaderCorrelationID)

	return amqp.Publishing{
		Headers:       table,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: headers.CorrelationID(),
		MessageId:     msg.GetID(),
		Timestamp:     msg.GetTimestamp(),
		Type:          typeName,
		Body:          body,
	}, nil
}

// FromDelivery decodes a delivery into a new message. Bodies that are not
// JSON become []byte payloads. The broker message id is kept in the
// remoteMessageId header.
func (c *Converter) FromDelivery(delivery amqp.Delivery) (contracts.Message, error) {
	contentType := delivery.ContentType
	if contentType != serialization.ContentTypeJSON {
		contentType = serialization.ContentTypeBytes
	}

	payload, err := c.codec.Decode(delivery.Body, contentType, delivery.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDelivery, err)
	}

	builder := contracts.WithPayload(payload)
	for key, value := range delivery.Headers {
		builder.SetHeader(key, value)
	}
	if delivery.CorrelationId != "" {
		builder.SetHeader(contracts.HeaderCorrelationID, delivery.CorrelationId)
	}
	if delivery.MessageId != "" {
		builder.SetHeader(serialization.HeaderRemoteMessageID, delivery.MessageId)
	}
	if delivery.Exchange != "" {
		builder.SetHeader(HeaderExchange, delivery.Exchange)
	}
	if delivery.ConsumerTag != "" {
		builder.SetHeader(HeaderConsumerTag, delivery.ConsumerTag)
	}
	builder.SetHeader(HeaderRoutingKey, delivery.RoutingKey)
	builder.SetHeader(HeaderRedelivered, delivery.Redelivered)

	return builder.Build(), nil
}

// tableValue narrows header values to the field types an amqp.Table accepts
func tableValue(value interface{}) interface{} {
	switch v := value.(type) {
	case uint16:
		return int32(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case time.Time:
		return v.UTC()
	default:
		return v
	}
}
