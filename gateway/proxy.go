package gateway

import (
	"context"
	"fmt"
	"reflect"

	"github.com/glimte/mmate-flow/contracts"
)

const (
	// HeaderGatewayService names the service a proxy call was made through
	HeaderGatewayService = "gatewayService"
	// HeaderGatewayMethod names the service method a proxy call was made for
	HeaderGatewayMethod = "gatewayMethod"
)

// Proxy is a gateway that stamps every request with the service and method
// it was called for. Typed service adapters call it from their methods.
type Proxy struct {
	*MessagingGateway
	service string
}

// NewProxy creates a proxy for the named service
func NewProxy(service string, options ...Option) *Proxy {
	options = append([]Option{WithName(service)}, options...)
	return &Proxy{
		MessagingGateway: NewMessagingGateway(options...),
		service:          service,
	}
}

// ServiceName returns the proxied service name
func (p *Proxy) ServiceName() string {
	return p.service
}

// Call sends payload for method and waits for the reply payload. It returns
// nil when no reply arrived in time.
func (p *Proxy) Call(ctx context.Context, method string, payload interface{}) (interface{}, error) {
	return p.SendAndReceive(ctx, payload, p.headers(method))
}

// Notify sends payload for method without waiting for a reply
func (p *Proxy) Notify(ctx context.Context, method string, payload interface{}) error {
	return p.Send(ctx, payload, p.headers(method))
}

func (p *Proxy) headers(method string) map[string]interface{} {
	return map[string]interface{}{
		HeaderGatewayService: p.service,
		HeaderGatewayMethod:  method,
	}
}

// Call calls method through p and converts the reply payload to R. ok is
// false when no reply arrived in time.
func Call[R any](ctx context.Context, p *Proxy, method string, payload interface{}) (reply R, ok bool, err error) {
	result, err := p.Call(ctx, method, payload)
	if err != nil || result == nil {
		return reply, false, err
	}
	reply, ok = result.(R)
	if !ok {
		return reply, false, fmt.Errorf("%w: %s.%s returned %T", ErrUnexpectedReply, p.service, method, result)
	}
	return reply, true, nil
}

// ServiceBinder builds a typed adapter for T whose methods call the proxy
type ServiceBinder[T any] func(proxy *Proxy) T

// Service is a proxy together with the typed adapter bound to it
type Service[T any] struct {
	*Proxy
	service T
}

// NewService binds T to a new proxy. The service name is the name of T.
func NewService[T any](bind ServiceBinder[T], options ...Option) (*Service[T], error) {
	if bind == nil {
		return nil, contracts.NewCompositionError("gateway service", ServiceName[T](), contracts.ErrNilArgument)
	}

	proxy := NewProxy(ServiceName[T](), options...)
	return &Service[T]{
		Proxy:   proxy,
		service: bind(proxy),
	}, nil
}

// Service returns the typed adapter
func (s *Service[T]) Service() T {
	return s.service
}

// ServiceName returns the type name of T, used to name proxies
func ServiceName[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
