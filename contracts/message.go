package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is an immutable envelope carrying a payload and headers
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetPayload() interface{}
	GetHeaders() Headers
}

// GenericMessage is the default Message implementation
type GenericMessage struct {
	payload interface{}
	headers Headers
}

// MessageOption configures a new message
type MessageOption func(map[string]interface{})

// WithHeader sets a single header
func WithHeader(key string, value interface{}) MessageOption {
	return func(h map[string]interface{}) {
		h[key] = value
	}
}

// WithHeaders copies all given headers
func WithHeaders(headers map[string]interface{}) MessageOption {
	return func(h map[string]interface{}) {
		for k, v := range headers {
			h[k] = v
		}
	}
}

// WithCorrelationID sets the correlation id header
func WithCorrelationID(correlationID string) MessageOption {
	return WithHeader(HeaderCorrelationID, correlationID)
}

// WithReplyChannel sets the reply channel header
func WithReplyChannel(replyChannel interface{}) MessageOption {
	return WithHeader(HeaderReplyChannel, replyChannel)
}

// WithErrorChannel sets the error channel header
func WithErrorChannel(errorChannel interface{}) MessageOption {
	return WithHeader(HeaderErrorChannel, errorChannel)
}

// NewMessage creates a message with a generated id and the current timestamp.
// The id and timestamp headers are always generated and cannot be overridden.
func NewMessage(payload interface{}, options ...MessageOption) *GenericMessage {
	values := make(map[string]interface{})
	for _, opt := range options {
		opt(values)
	}
	values[HeaderID] = uuid.New().String()
	values[HeaderTimestamp] = time.Now().UTC()

	return &GenericMessage{
		payload: payload,
		headers: Headers{values: values},
	}
}

// GetID returns the message id
func (m *GenericMessage) GetID() string {
	return m.headers.ID()
}

// GetTimestamp returns the creation timestamp
func (m *GenericMessage) GetTimestamp() time.Time {
	return m.headers.Timestamp()
}

// GetPayload returns the payload
func (m *GenericMessage) GetPayload() interface{} {
	return m.payload
}

// GetHeaders returns the headers
func (m *GenericMessage) GetHeaders() Headers {
	return m.headers
}

// String implements fmt.Stringer
func (m *GenericMessage) String() string {
	return fmt.Sprintf("GenericMessage[payload=%v, headers=%v]", m.payload, m.headers.values)
}

// MessageBuilder derives new messages from existing ones
type MessageBuilder struct {
	payload interface{}
	headers map[string]interface{}
}

// FromMessage starts a builder from an existing message, copying payload and headers
func FromMessage(msg Message) *MessageBuilder {
	headers := msg.GetHeaders().ToMap()
	delete(headers, HeaderID)
	delete(headers, HeaderTimestamp)
	return &MessageBuilder{
		payload: msg.GetPayload(),
		headers: headers,
	}
}

// WithPayload starts a builder for the given payload
func WithPayload(payload interface{}) *MessageBuilder {
	return &MessageBuilder{
		payload: payload,
		headers: make(map[string]interface{}),
	}
}

// SetPayload replaces the payload
func (b *MessageBuilder) SetPayload(payload interface{}) *MessageBuilder {
	b.payload = payload
	return b
}

// SetHeader sets a header; id and timestamp are ignored
func (b *MessageBuilder) SetHeader(key string, value interface{}) *MessageBuilder {
	if key == HeaderID || key == HeaderTimestamp {
		return b
	}
	b.headers[key] = value
	return b
}

// SetHeaderIfAbsent sets a header only when it is not already present
func (b *MessageBuilder) SetHeaderIfAbsent(key string, value interface{}) *MessageBuilder {
	if _, exists := b.headers[key]; exists {
		return b
	}
	return b.SetHeader(key, value)
}

// RemoveHeader removes a header
func (b *MessageBuilder) RemoveHeader(key string) *MessageBuilder {
	delete(b.headers, key)
	return b
}

// CopyHeaders copies headers, overwriting existing values
func (b *MessageBuilder) CopyHeaders(headers map[string]interface{}) *MessageBuilder {
	for k, v := range headers {
		b.SetHeader(k, v)
	}
	return b
}

// Build creates the new message with a fresh id
func (b *MessageBuilder) Build() *GenericMessage {
	return NewMessage(b.payload, WithHeaders(b.headers))
}
