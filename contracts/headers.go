package contracts

import (
	"sort"
	"time"
)

// Well-known header names
const (
	HeaderID             = "id"
	HeaderTimestamp      = "timestamp"
	HeaderCorrelationID  = "correlationId"
	HeaderReplyChannel   = "replyChannel"
	HeaderErrorChannel   = "errorChannel"
	HeaderSequenceNumber = "sequenceNumber"
	HeaderSourceName     = "sourceName"
)

// Headers is a read-only view over message metadata
type Headers struct {
	values map[string]interface{}
}

func newHeaders(values map[string]interface{}) Headers {
	copied := make(map[string]interface{}, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return Headers{values: copied}
}

// Get returns the header value and whether it was present
func (h Headers) Get(key string) (interface{}, bool) {
	v, ok := h.values[key]
	return v, ok
}

// GetString returns the header value as a string, or "" when absent or not a string
func (h Headers) GetString(key string) string {
	if v, ok := h.values[key].(string); ok {
		return v
	}
	return ""
}

// Has reports whether the header is present
func (h Headers) Has(key string) bool {
	_, ok := h.values[key]
	return ok
}

// Len returns the number of headers
func (h Headers) Len() int {
	return len(h.values)
}

// Keys returns the header names in sorted order
func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h.values))
	for k := range h.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToMap returns a copy of the headers
func (h Headers) ToMap() map[string]interface{} {
	copied := make(map[string]interface{}, len(h.values))
	for k, v := range h.values {
		copied[k] = v
	}
	return copied
}

// ID returns the id header
func (h Headers) ID() string {
	return h.GetString(HeaderID)
}

// Timestamp returns the timestamp header
func (h Headers) Timestamp() time.Time {
	if ts, ok := h.values[HeaderTimestamp].(time.Time); ok {
		return ts
	}
	return time.Time{}
}

// CorrelationID returns the correlation id header
func (h Headers) CorrelationID() string {
	return h.GetString(HeaderCorrelationID)
}

// ReplyChannel returns the reply channel header. The value is either a channel
// name or a channel object, depending on who set it.
func (h Headers) ReplyChannel() interface{} {
	return h.values[HeaderReplyChannel]
}

// ErrorChannel returns the error channel header
func (h Headers) ErrorChannel() interface{} {
	return h.values[HeaderErrorChannel]
}
