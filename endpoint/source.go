package endpoint

import (
	"context"
	"strings"

	"github.com/glimte/mmate-flow/contracts"
)

// MessageSource is polled for messages. A nil message with a nil error is an
// empty poll.
type MessageSource interface {
	Receive(ctx context.Context) (contracts.Message, error)
}

// MessageSourceFunc is a function adapter for MessageSource
type MessageSourceFunc func(ctx context.Context) (contracts.Message, error)

// Receive implements MessageSource
func (f MessageSourceFunc) Receive(ctx context.Context) (contracts.Message, error) {
	return f(ctx)
}

// MethodInvoker is a pre-bound call on a service returning a payload
type MethodInvoker func(ctx context.Context) (interface{}, error)

// MethodInvokingSource polls a service method. A nil result is an empty poll,
// a message result is sent as is, any other result becomes the payload.
type MethodInvokingSource struct {
	service    interface{}
	methodName string
	invoke     MethodInvoker
}

// NewMethodInvokingSource creates a source polling methodName on service
func NewMethodInvokingSource(service interface{}, methodName string, invoke MethodInvoker) (*MethodInvokingSource, error) {
	const op = "method invoking source"
	if contracts.IsNil(service) {
		return nil, contracts.NewCompositionError(op, "service", contracts.ErrNilArgument)
	}
	if strings.TrimSpace(methodName) == "" {
		return nil, contracts.NewCompositionError(op, "methodName", contracts.ErrBlankArgument)
	}
	if invoke == nil {
		return nil, contracts.NewCompositionError(op, methodName, contracts.ErrNilArgument)
	}

	return &MethodInvokingSource{
		service:    service,
		methodName: methodName,
		invoke:     invoke,
	}, nil
}

// Receive implements MessageSource
func (s *MethodInvokingSource) Receive(ctx context.Context) (contracts.Message, error) {
	result, err := s.invoke(ctx)
	if err != nil {
		return nil, err
	}
	return asMessage(result), nil
}

// Service returns the target service
func (s *MethodInvokingSource) Service() interface{} {
	return s.service
}

// MethodName returns the polled method name
func (s *MethodInvokingSource) MethodName() string {
	return s.methodName
}

func asMessage(result interface{}) contracts.Message {
	switch v := result.(type) {
	case nil:
		return nil
	case contracts.Message:
		return v
	default:
		return contracts.NewMessage(v)
	}
}
