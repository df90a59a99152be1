package contracts

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

var (
	// Composition errors
	ErrNilArgument          = errors.New("composition: required argument is nil")
	ErrBlankArgument        = errors.New("composition: required argument is blank")
	ErrFixedSubscriber      = errors.New("composition: fixed subscriber channel already has a subscriber")
	ErrBuilderSealed        = errors.New("composition: flow builder is sealed")
	ErrInvalidConfiguration = errors.New("composition: invalid configuration")
	ErrDuplicateComponent   = errors.New("composition: duplicate component name")

	// Delivery errors
	ErrDeliveryRejected   = errors.New("delivery: message rejected by channel")
	ErrNoOutputChannel    = errors.New("delivery: no output channel or replyChannel header available")
	ErrChannelResolution  = errors.New("delivery: channel could not be resolved")
	ErrMessageFiltered    = errors.New("delivery: message rejected by filter")
	ErrComponentNotActive = errors.New("lifecycle: component is not running")
)

// CompositionError is a precondition violation raised while assembling a flow
type CompositionError struct {
	Op        string // Operation that failed, e.g. "from(service, method)"
	Component string // Component or argument involved
	Err       error  // Underlying error
}

// NewCompositionError creates a composition error
func NewCompositionError(op, component string, err error) *CompositionError {
	return &CompositionError{Op: op, Component: component, Err: err}
}

func (e *CompositionError) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("composition error: %s: '%s': %v", e.Op, e.Component, e.Err)
	}
	return fmt.Sprintf("composition error: %s: %v", e.Op, e.Err)
}

func (e *CompositionError) Unwrap() error {
	return e.Err
}

// MessageDeliveryError is returned when a subscriber fails to handle a message
type MessageDeliveryError struct {
	Channel   string
	MessageID string
	Err       error
}

func (e *MessageDeliveryError) Error() string {
	return fmt.Sprintf("delivery error: dispatch of message %s on channel '%s' failed: %v", e.MessageID, e.Channel, e.Err)
}

func (e *MessageDeliveryError) Unwrap() error {
	return e.Err
}

// MessagingError wraps a runtime failure together with the message being processed.
// It is the payload of error messages.
type MessagingError struct {
	Op            string    // Operation that failed, e.g. "poll"
	FailedMessage Message   // Message being processed when the failure occurred, may be nil
	Err           error     // Underlying error
	Timestamp     time.Time // When the failure occurred
}

// NewMessagingError creates a messaging error
func NewMessagingError(op string, failed Message, err error) *MessagingError {
	return &MessagingError{
		Op:            op,
		FailedMessage: failed,
		Err:           err,
		Timestamp:     time.Now(),
	}
}

func (e *MessagingError) Error() string {
	if e.FailedMessage != nil {
		return fmt.Sprintf("messaging error: %s failed for message %s: %v", e.Op, e.FailedMessage.GetID(), e.Err)
	}
	return fmt.Sprintf("messaging error: %s failed: %v", e.Op, e.Err)
}

func (e *MessagingError) Unwrap() error {
	return e.Err
}

// NewErrorMessage creates a message whose payload is a MessagingError.
// Correlation headers of the failed message are carried over.
func NewErrorMessage(err *MessagingError) *GenericMessage {
	var options []MessageOption
	if err.FailedMessage != nil {
		headers := err.FailedMessage.GetHeaders()
		if id := headers.CorrelationID(); id != "" {
			options = append(options, WithCorrelationID(id))
		}
		if reply := headers.ReplyChannel(); reply != nil {
			options = append(options, WithReplyChannel(reply))
		}
	}
	return NewMessage(err, options...)
}

// IsCompositionError reports whether err is a composition error
func IsCompositionError(err error) bool {
	var compErr *CompositionError
	return errors.As(err, &compErr)
}

// IsNil reports whether v is nil, including a nil pointer, func, map, chan or
// slice held in a non-nil interface.
func IsNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Map, reflect.Chan, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
