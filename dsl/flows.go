package dsl

import (
	"strings"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/endpoint"
	"github.com/glimte/mmate-flow/gateway"
)

// From starts a flow at the named channel, created as a direct channel when missing
func From(channelName string) (*IntegrationFlowBuilder, error) {
	return FromChannelName(channelName, false)
}

// FromChannelName starts a flow at the named channel. A missing channel is
// created as a fixed-subscriber channel when fixedSubscriber is set.
func FromChannelName(channelName string, fixedSubscriber bool) (*IntegrationFlowBuilder, error) {
	if strings.TrimSpace(channelName) == "" {
		return nil, contracts.NewCompositionError("from", "channel name", contracts.ErrBlankArgument)
	}

	ref := channel.NewReference(channelName)
	if fixedSubscriber {
		ref = channel.NewFixedSubscriberReference(channelName)
	}
	b := newBuilder()
	b.references[channelName] = ref
	b.moveTo(ref, channelName)
	return b, nil
}

// FromChannel starts a flow at ch
func FromChannel(ch channel.MessageChannel) (*IntegrationFlowBuilder, error) {
	if contracts.IsNil(ch) {
		return nil, contracts.NewCompositionError("from", "channel", contracts.ErrNilArgument)
	}
	b := newBuilder()
	b.moveTo(ch, "")
	return b, nil
}

// FromChannelSpec starts a flow at the channel built by spec
func FromChannelSpec(spec MessageChannelSpec) (*IntegrationFlowBuilder, error) {
	if contracts.IsNil(spec) {
		return nil, contracts.NewCompositionError("from", "channel spec", contracts.ErrNilArgument)
	}
	ch, err := spec.Get()
	if err != nil {
		return nil, err
	}
	if contracts.IsNil(ch) {
		return nil, contracts.NewCompositionError("from", "channel", contracts.ErrNilArgument)
	}
	b := newBuilder()
	b.addAll(spec)
	b.moveTo(ch, "")
	return b, nil
}

// FromChannelFunc starts a flow at a channel configured on the Channels factory
func FromChannelFunc(fn func(Channels) MessageChannelSpec) (*IntegrationFlowBuilder, error) {
	if contracts.IsNil(fn) {
		return nil, contracts.NewCompositionError("from", "channel func", contracts.ErrNilArgument)
	}
	return FromChannelSpec(fn(Channels{}))
}

// FromSource starts a flow with a polling adapter around source
func FromSource(source endpoint.MessageSource, configurers ...SourceConfigurer) (*IntegrationFlowBuilder, error) {
	if contracts.IsNil(source) {
		return nil, contracts.NewCompositionError("from", "source", contracts.ErrNilArgument)
	}
	return fromSource(newBuilder(), source, configurers)
}

// FromSourceSpec starts a flow with a polling adapter around the source built by spec
func FromSourceSpec(spec MessageSourceSpec, configurers ...SourceConfigurer) (*IntegrationFlowBuilder, error) {
	if contracts.IsNil(spec) {
		return nil, contracts.NewCompositionError("from", "source spec", contracts.ErrNilArgument)
	}
	source, err := spec.Get()
	if err != nil {
		return nil, err
	}
	if contracts.IsNil(source) {
		return nil, contracts.NewCompositionError("from", "source", contracts.ErrNilArgument)
	}
	b := newBuilder()
	b.addAll(spec)
	return fromSource(b, source, configurers)
}

// FromMethod starts a flow polling invoke, identified as methodName of service
func FromMethod(service interface{}, methodName string, invoke endpoint.MethodInvoker, configurers ...SourceConfigurer) (*IntegrationFlowBuilder, error) {
	source, err := endpoint.NewMethodInvokingSource(service, methodName, invoke)
	if err != nil {
		return nil, err
	}
	return fromSource(newBuilder(), source, configurers)
}

// FromProducer starts a flow at a message producer. An existing output
// channel is kept, otherwise a direct channel is created.
func FromProducer(producer endpoint.MessageProducer) (*IntegrationFlowBuilder, error) {
	if contracts.IsNil(producer) {
		return nil, contracts.NewCompositionError("from", "producer", contracts.ErrNilArgument)
	}
	return fromProducer(newBuilder(), producer, Component{Value: producer})
}

// FromProducerSpec starts a flow at the producer built by spec
func FromProducerSpec(spec MessageProducerSpec) (*IntegrationFlowBuilder, error) {
	if contracts.IsNil(spec) {
		return nil, contracts.NewCompositionError("from", "producer spec", contracts.ErrNilArgument)
	}
	producer, err := spec.Get()
	if err != nil {
		return nil, err
	}
	if contracts.IsNil(producer) {
		return nil, contracts.NewCompositionError("from", "producer", contracts.ErrNilArgument)
	}
	b := newBuilder()
	b.addAll(spec)
	return fromProducer(b, producer, Component{Value: producer})
}

// FromGateway starts a flow at an inbound gateway. An existing request
// channel is kept, otherwise a direct channel is created.
func FromGateway(gw gateway.InboundGateway) (*IntegrationFlowBuilder, error) {
	if contracts.IsNil(gw) {
		return nil, contracts.NewCompositionError("from", "gateway", contracts.ErrNilArgument)
	}
	return fromGateway(newBuilder(), gw, Component{Value: gw})
}

// FromGatewaySpec starts a flow at the gateway built by spec
func FromGatewaySpec(spec MessagingGatewaySpec) (*IntegrationFlowBuilder, error) {
	if contracts.IsNil(spec) {
		return nil, contracts.NewCompositionError("from", "gateway spec", contracts.ErrNilArgument)
	}
	gw, err := spec.Get()
	if err != nil {
		return nil, err
	}
	if contracts.IsNil(gw) {
		return nil, contracts.NewCompositionError("from", "gateway", contracts.ErrNilArgument)
	}
	b := newBuilder()
	b.addAll(spec)
	return fromGateway(b, gw, Component{Value: gw})
}

// FromService starts a flow at a typed service gateway. The gateway is
// registered as "<flow>.gateway" and its request channel as a direct channel.
func FromService[T any](bind gateway.ServiceBinder[T], options ...gateway.Option) (*IntegrationFlowBuilder, error) {
	service, err := gateway.NewService(bind, options...)
	if err != nil {
		return nil, err
	}
	return fromGateway(newBuilder(), service, Component{NameHint: ".gateway", FlowScoped: true, Value: service})
}

func fromSource(b *IntegrationFlowBuilder, source endpoint.MessageSource, configurers []SourceConfigurer) (*IntegrationFlowBuilder, error) {
	spec := &SourcePollingChannelAdapterSpec{}
	for _, configure := range configurers {
		if configure != nil {
			configure(spec)
		}
	}
	adapter, err := spec.build(source)
	if err != nil {
		return nil, err
	}

	out := channel.NewDirectChannel()
	adapter.SetOutputChannel(out)
	b.addAll(source)
	b.moveTo(out, "")
	b.add(Component{NameHint: spec.id, Value: adapter})
	b.startFrom(adapter, true, adapter.SetOutputChannel)
	return b, nil
}

type outputNamed interface {
	OutputChannelName() string
}

func fromProducer(b *IntegrationFlowBuilder, producer endpoint.MessageProducer, component Component) (*IntegrationFlowBuilder, error) {
	out, implicit := outputOf(b, producer, producer.OutputChannel(), producer.SetOutputChannel)
	b.moveTo(out, "")
	b.add(component)
	b.startFrom(producer, implicit, producer.SetOutputChannel)
	return b, nil
}

func fromGateway(b *IntegrationFlowBuilder, gw gateway.InboundGateway, component Component) (*IntegrationFlowBuilder, error) {
	out, implicit := outputOf(b, gw, gw.RequestChannel(), gw.SetRequestChannel)
	b.moveTo(out, "")
	b.add(component)
	b.startFrom(gw, implicit, gw.SetRequestChannel)
	return b, nil
}

// outputOf returns the output of a producer, reusing a configured channel or
// channel name. A direct channel is created and bound when neither is set.
func outputOf(b *IntegrationFlowBuilder, producer interface{}, current channel.MessageChannel, bind outputBinder) (channel.MessageChannel, bool) {
	if current != nil {
		return current, false
	}
	if named, ok := producer.(outputNamed); ok && named.OutputChannelName() != "" {
		return b.reference(named.OutputChannelName()), false
	}
	out := channel.NewDirectChannel()
	bind(out)
	return out, true
}
