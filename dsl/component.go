package dsl

import (
	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/endpoint"
	"github.com/glimte/mmate-flow/gateway"
)

// Component is a flow element waiting to be registered with a container
type Component struct {
	// NameHint is the preferred registration name, empty for a generated one
	NameHint string
	// FlowScoped hints are prefixed with the flow name, e.g. ".gateway"
	FlowScoped bool
	// Value is the component itself
	Value interface{}
}

// ComponentsRegistration is implemented by specs that bring auxiliary
// components. They are registered before the component built by the spec.
type ComponentsRegistration interface {
	ComponentsToRegister() []Component
}

// MessageChannelSpec builds a channel
type MessageChannelSpec interface {
	Get() (channel.MessageChannel, error)
}

// MessageSourceSpec builds a message source
type MessageSourceSpec interface {
	Get() (endpoint.MessageSource, error)
}

// MessageProducerSpec builds a message producer
type MessageProducerSpec interface {
	Get() (endpoint.MessageProducer, error)
}

// MessagingGatewaySpec builds an inbound gateway
type MessagingGatewaySpec interface {
	Get() (gateway.InboundGateway, error)
}

// MessageSourceSpecFunc is a function adapter for MessageSourceSpec
type MessageSourceSpecFunc func() (endpoint.MessageSource, error)

// Get implements MessageSourceSpec
func (f MessageSourceSpecFunc) Get() (endpoint.MessageSource, error) {
	return f()
}

// MessageProducerSpecFunc is a function adapter for MessageProducerSpec
type MessageProducerSpecFunc func() (endpoint.MessageProducer, error)

// Get implements MessageProducerSpec
func (f MessageProducerSpecFunc) Get() (endpoint.MessageProducer, error) {
	return f()
}

// GatewaySpec builds a MessagingGateway from gateway options
type GatewaySpec struct {
	options []gateway.Option
}

// Gateway creates a gateway spec
func Gateway(options ...gateway.Option) *GatewaySpec {
	return &GatewaySpec{options: options}
}

// Options appends gateway options
func (s *GatewaySpec) Options(options ...gateway.Option) *GatewaySpec {
	s.options = append(s.options, options...)
	return s
}

// Get implements MessagingGatewaySpec
func (s *GatewaySpec) Get() (gateway.InboundGateway, error) {
	return gateway.NewMessagingGateway(s.options...), nil
}
