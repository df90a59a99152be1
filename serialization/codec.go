package serialization

import (
	"fmt"
	"reflect"
	"time"

	"github.com/bytedance/sonic"
	"github.com/glimte/mmate-flow/contracts"
)

const (
	// ContentTypeJSON marks payloads encoded by the codec
	ContentTypeJSON = "application/json"
	// ContentTypeBytes marks raw byte payloads
	ContentTypeBytes = "application/octet-stream"

	// HeaderPayloadType carries the registered payload type name
	HeaderPayloadType = "payloadType"
	// HeaderContentType carries the payload content type
	HeaderContentType = "contentType"
	// HeaderRemoteMessageID carries the id a message had before it crossed a transport
	HeaderRemoteMessageID = "remoteMessageId"
)

// Codec encodes payloads as JSON with sonic. Payloads of registered types
// decode back into their type, others into generic JSON values.
type Codec struct {
	registry *TypeRegistry
	api      sonic.API
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithTypeRegistry sets the registry used to name and decode payload types
func WithTypeRegistry(registry *TypeRegistry) CodecOption {
	return func(c *Codec) {
		if registry != nil {
			c.registry = registry
		}
	}
}

// WithSonicConfig sets the sonic configuration, sonic.ConfigStd by default
func WithSonicConfig(api sonic.API) CodecOption {
	return func(c *Codec) {
		if api != nil {
			c.api = api
		}
	}
}

// NewCodec creates a codec
func NewCodec(options ...CodecOption) *Codec {
	c := &Codec{
		registry: NewTypeRegistry(),
		api:      sonic.ConfigStd,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Registry returns the type registry
func (c *Codec) Registry() *TypeRegistry {
	return c.registry
}

// Encode encodes payload. Byte slices pass through unchanged. The returned
// type name is empty for unregistered types.
func (c *Codec) Encode(payload interface{}) (data []byte, contentType string, typeName string, err error) {
	if raw, ok := payload.([]byte); ok {
		return raw, ContentTypeBytes, "", nil
	}
	data, err = c.api.Marshal(payload)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to encode payload %T: %w", payload, err)
	}
	typeName, _ = c.registry.NameOf(payload)
	return data, ContentTypeJSON, typeName, nil
}

// Decode decodes data encoded with contentType. A registered typeName
// decodes into that type.
func (c *Codec) Decode(data []byte, contentType, typeName string) (interface{}, error) {
	if contentType == ContentTypeBytes {
		return data, nil
	}

	if typeName == "" {
		var value interface{}
		if err := c.api.Unmarshal(data, &value); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		return value, nil
	}

	target, pointer, err := c.registry.newTarget(typeName)
	if err != nil {
		return nil, err
	}
	if err := c.api.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("failed to decode payload as %s: %w", typeName, err)
	}
	if pointer {
		return target, nil
	}
	return reflect.ValueOf(target).Elem().Interface(), nil
}

// Envelope is the wire form of a message
type Envelope struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Headers     map[string]interface{} `json:"headers,omitempty"`
	ContentType string                 `json:"contentType"`
	PayloadType string                 `json:"payloadType,omitempty"`
	Payload     []byte                 `json:"payload"`
}

// EncodeMessage encodes msg as an envelope. Headers that cannot cross a
// transport, such as channel objects, are dropped.
func (c *Codec) EncodeMessage(msg contracts.Message) ([]byte, error) {
	if msg == nil {
		return nil, contracts.ErrNilArgument
	}
	payload, contentType, typeName, err := c.Encode(msg.GetPayload())
	if err != nil {
		return nil, err
	}

	envelope := Envelope{
		ID:          msg.GetID(),
		Timestamp:   msg.GetTimestamp(),
		Headers:     TransportHeaders(msg.GetHeaders()),
		ContentType: contentType,
		PayloadType: typeName,
		Payload:     payload,
	}
	data, err := c.api.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeMessage decodes an envelope into a new message. The original id is
// kept in the remoteMessageId header.
func (c *Codec) DecodeMessage(data []byte) (contracts.Message, error) {
	var envelope Envelope
	if err := c.api.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	payload, err := c.Decode(envelope.Payload, envelope.ContentType, envelope.PayloadType)
	if err != nil {
		return nil, err
	}

	builder := contracts.WithPayload(payload).CopyHeaders(envelope.Headers)
	if envelope.ID != "" {
		builder.SetHeader(HeaderRemoteMessageID, envelope.ID)
	}
	return builder.Build(), nil
}

// TransportHeaders returns the headers whose values are strings, numbers,
// booleans or times. The id and timestamp headers are left out.
func TransportHeaders(headers contracts.Headers) map[string]interface{} {
	out := make(map[string]interface{}, headers.Len())
	for _, key := range headers.Keys() {
		if key == contracts.HeaderID || key == contracts.HeaderTimestamp {
			continue
		}
		value, _ := headers.Get(key)
		switch value.(type) {
		case string, bool, int, int8, int16, int32, int64, uint8, uint16, uint32, uint64,
			float32, float64, time.Time:
			out[key] = value
		}
	}
	return out
}
