package dsl

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/endpoint"
)

// IntegrationFlow is the sealed result of a flow builder
type IntegrationFlow struct {
	components   []Component
	inputChannel channel.MessageChannel
}

// Components returns the flow components in registration order
func (f *IntegrationFlow) Components() []Component {
	out := make([]Component, len(f.components))
	copy(out, f.components)
	return out
}

// InputChannel returns the first channel of the flow
func (f *IntegrationFlow) InputChannel() channel.MessageChannel {
	return f.inputChannel
}

type outputBinder func(ch channel.MessageChannel)

// IntegrationFlowBuilder assembles a flow one stage at a time. The first
// failing call is kept and returned by Get; later calls are ignored.
type IntegrationFlowBuilder struct {
	components []Component
	channels   map[channel.MessageChannel]struct{}
	references map[string]*channel.Reference

	currentComponent interface{}
	currentChannel   channel.MessageChannel
	inputChannel     channel.MessageChannel

	// output binds the output of a current component that is not a channel
	output outputBinder
	// implicit is a producer output created by the builder, replaced when the
	// flow continues with an explicit channel
	implicit channel.MessageChannel
	rebind   outputBinder

	sealed bool
	err    error
}

func newBuilder() *IntegrationFlowBuilder {
	return &IntegrationFlowBuilder{
		channels:   make(map[channel.MessageChannel]struct{}),
		references: make(map[string]*channel.Reference),
	}
}

// EndpointOption configures a consumer endpoint added by the builder
type EndpointOption func(*endpointConfig)

type endpointConfig struct {
	id             string
	advice         []endpoint.Advice
	poller         *PollerSpec
	handlerOptions []endpoint.HandlerOption
	discardChannel string
	logger         *slog.Logger
}

func newEndpointConfig(options []EndpointOption) *endpointConfig {
	cfg := &endpointConfig{logger: slog.Default()}
	for _, opt := range options {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithEndpointID registers the endpoint under id
func WithEndpointID(id string) EndpointOption {
	return func(c *endpointConfig) {
		c.id = id
	}
}

// WithAdvice wraps the handler, the first advice is the outermost
func WithAdvice(advice ...endpoint.Advice) EndpointOption {
	return func(c *endpointConfig) {
		c.advice = append(c.advice, advice...)
	}
}

// WithRetryAdvice retries failed handler calls according to policy
func WithRetryAdvice(policy endpoint.RetryPolicy) EndpointOption {
	return func(c *endpointConfig) {
		c.advice = append(c.advice, endpoint.NewRetryAdviceWithPolicy(policy, c.logger))
	}
}

// WithCircuitBreakerAdvice stops calling the handler after failureThreshold
// consecutive failures until openTimeout elapsed
func WithCircuitBreakerAdvice(name string, failureThreshold int, openTimeout time.Duration) EndpointOption {
	return func(c *endpointConfig) {
		c.advice = append(c.advice, endpoint.NewCircuitBreakerAdvice(name, failureThreshold, openTimeout, c.logger))
	}
}

// WithPoller sets the poller used when the endpoint input is pollable
func WithPoller(poller *PollerSpec) EndpointOption {
	return func(c *endpointConfig) {
		c.poller = poller
	}
}

// WithHandlerOptions passes options to the handler
func WithHandlerOptions(options ...endpoint.HandlerOption) EndpointOption {
	return func(c *endpointConfig) {
		c.handlerOptions = append(c.handlerOptions, options...)
	}
}

// WithDiscardChannel sends messages rejected by a filter to the named channel
func WithDiscardChannel(name string) EndpointOption {
	return func(c *endpointConfig) {
		c.discardChannel = name
	}
}

// WithThrowOnRejection makes a filter fail rejected messages
func WithThrowOnRejection() EndpointOption {
	return WithHandlerOptions(endpoint.WithThrowOnRejection())
}

// WithEndpointLogger sets the logger of advice and logging endpoints
func WithEndpointLogger(logger *slog.Logger) EndpointOption {
	return func(c *endpointConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Err returns the first error of the builder
func (b *IntegrationFlowBuilder) Err() error {
	return b.err
}

// CurrentComponent returns the last added stage
func (b *IntegrationFlowBuilder) CurrentComponent() interface{} {
	return b.currentComponent
}

// CurrentChannel returns the channel the next stage consumes from, nil after a handler
func (b *IntegrationFlowBuilder) CurrentChannel() channel.MessageChannel {
	return b.currentChannel
}

// Register adds an auxiliary component, for example a channel referenced by name
func (b *IntegrationFlowBuilder) Register(component interface{}, nameHint string) *IntegrationFlowBuilder {
	if !b.usable("register") {
		return b
	}
	if contracts.IsNil(component) {
		return b.fail("register", nameHint, contracts.ErrNilArgument)
	}
	b.add(Component{NameHint: nameHint, Value: component})
	return b
}

// Channel continues the flow with the named channel. A missing channel is
// created as a direct channel when the flow is registered.
func (b *IntegrationFlowBuilder) Channel(name string) *IntegrationFlowBuilder {
	if !b.ready("channel") {
		return b
	}
	if strings.TrimSpace(name) == "" {
		return b.fail("channel", "name", contracts.ErrBlankArgument)
	}
	b.moveTo(b.reference(name), name)
	return b
}

// ChannelObject continues the flow with ch
func (b *IntegrationFlowBuilder) ChannelObject(ch channel.MessageChannel) *IntegrationFlowBuilder {
	if !b.ready("channel") {
		return b
	}
	if contracts.IsNil(ch) {
		return b.fail("channel", "channel", contracts.ErrNilArgument)
	}
	b.moveTo(ch, "")
	return b
}

// ChannelSpec continues the flow with the channel built by spec
func (b *IntegrationFlowBuilder) ChannelSpec(spec MessageChannelSpec) *IntegrationFlowBuilder {
	if !b.ready("channel") {
		return b
	}
	if contracts.IsNil(spec) {
		return b.fail("channel", "spec", contracts.ErrNilArgument)
	}
	ch, err := spec.Get()
	if err != nil {
		return b.fail("channel", "spec", err)
	}
	if contracts.IsNil(ch) {
		return b.fail("channel", "spec", contracts.ErrNilArgument)
	}
	b.addAll(spec)
	b.moveTo(ch, "")
	return b
}

// ChannelFunc continues the flow with a channel configured on the Channels factory
func (b *IntegrationFlowBuilder) ChannelFunc(fn func(Channels) MessageChannelSpec) *IntegrationFlowBuilder {
	if contracts.IsNil(fn) {
		if b.ready("channel") {
			b.fail("channel", "func", contracts.ErrNilArgument)
		}
		return b
	}
	return b.ChannelSpec(fn(Channels{}))
}

// Handle consumes the current channel with handler
func (b *IntegrationFlowBuilder) Handle(handler channel.MessageHandler, options ...EndpointOption) *IntegrationFlowBuilder {
	if !b.ready("handle") {
		return b
	}
	if contracts.IsNil(handler) {
		return b.fail("handle", "handler", contracts.ErrNilArgument)
	}
	return b.handle(handler, newEndpointConfig(options))
}

// HandleFunc consumes the current channel with a service activator around fn
func (b *IntegrationFlowBuilder) HandleFunc(fn endpoint.ProcessFunc, options ...EndpointOption) *IntegrationFlowBuilder {
	if !b.ready("handle") {
		return b
	}
	cfg := newEndpointConfig(options)
	handler, err := endpoint.NewServiceActivator(fn, cfg.handlerOptions...)
	if err != nil {
		return b.fail("handle", "service activator", err)
	}
	return b.handle(handler, cfg)
}

// Transform replaces every payload with the result of fn
func (b *IntegrationFlowBuilder) Transform(fn endpoint.ProcessFunc, options ...EndpointOption) *IntegrationFlowBuilder {
	if !b.ready("transform") {
		return b
	}
	cfg := newEndpointConfig(options)
	handler, err := endpoint.NewTransformer(fn, cfg.handlerOptions...)
	if err != nil {
		return b.fail("transform", "transformer", err)
	}
	return b.handle(handler, cfg)
}

// Filter passes only the messages accepted by selector
func (b *IntegrationFlowBuilder) Filter(selector func(ctx context.Context, msg contracts.Message) bool, options ...EndpointOption) *IntegrationFlowBuilder {
	if !b.ready("filter") {
		return b
	}
	cfg := newEndpointConfig(options)
	handlerOptions := cfg.handlerOptions
	var discard *channel.Reference
	if cfg.discardChannel != "" {
		discard = b.reference(cfg.discardChannel)
		handlerOptions = append(handlerOptions, endpoint.WithDiscardChannel(discard))
	}
	handler, err := endpoint.NewFilter(selector, handlerOptions...)
	if err != nil {
		return b.fail("filter", "filter", err)
	}
	if discard != nil {
		b.add(Component{NameHint: discard.Name(), Value: discard})
	}
	return b.handle(handler, cfg)
}

// Bridge passes messages unchanged to the next stage
func (b *IntegrationFlowBuilder) Bridge(options ...EndpointOption) *IntegrationFlowBuilder {
	if !b.ready("bridge") {
		return b
	}
	cfg := newEndpointConfig(options)
	return b.handle(endpoint.NewBridgeHandler(cfg.handlerOptions...), cfg)
}

// Log logs every message at level and passes it on. As the last stage it
// only logs.
func (b *IntegrationFlowBuilder) Log(level slog.Level, options ...EndpointOption) *IntegrationFlowBuilder {
	if !b.ready("log") {
		return b
	}
	cfg := newEndpointConfig(options)
	return b.handle(endpoint.NewLoggingHandler(cfg.logger, level, cfg.handlerOptions...), cfg)
}

// Wiretap copies every message passing the current channel to the named channel
func (b *IntegrationFlowBuilder) Wiretap(name string) *IntegrationFlowBuilder {
	if !b.ready("wiretap") {
		return b
	}
	if strings.TrimSpace(name) == "" {
		return b.fail("wiretap", "name", contracts.ErrBlankArgument)
	}

	tapped, ok := b.currentChannel.(channel.InterceptableChannel)
	if !ok {
		ch := channel.NewDirectChannel()
		b.moveTo(ch, "")
		tapped = ch
	}
	tap := b.reference(name)
	tapped.AddInterceptor(channel.NewWireTap(tap, slog.Default()))
	b.add(Component{NameHint: name, Value: tap})
	b.implicit, b.rebind = nil, nil
	return b
}

// Seal seals the builder and returns its components in registration order
func (b *IntegrationFlowBuilder) Seal() []Component {
	b.sealed = true
	components := make([]Component, len(b.components))
	copy(components, b.components)
	return components
}

// Get seals the builder and returns the flow
func (b *IntegrationFlowBuilder) Get() (*IntegrationFlow, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.sealed = true
	components := make([]Component, len(b.components))
	copy(components, b.components)
	return &IntegrationFlow{components: components, inputChannel: b.inputChannel}, nil
}

func (b *IntegrationFlowBuilder) handle(handler channel.MessageHandler, cfg *endpointConfig) *IntegrationFlowBuilder {
	if b.currentChannel == nil {
		b.moveTo(channel.NewDirectChannel(), "")
	}

	var options []endpoint.ConsumerOption
	if cfg.poller != nil {
		options = append(options, endpoint.WithConsumerPoller(cfg.poller.Metadata()))
	}
	consumer, err := endpoint.NewConsumerEndpoint(b.currentChannel, endpoint.Advise(handler, cfg.advice...), options...)
	if err != nil {
		return b.fail("handle", cfg.id, err)
	}

	b.add(Component{NameHint: cfg.id, Value: consumer})
	b.implicit, b.rebind = nil, nil
	b.currentComponent = consumer
	b.currentChannel = nil
	b.output = nil
	if producing, ok := handler.(interface {
		SetOutputChannel(ch channel.MessageChannel)
	}); ok {
		b.output = producing.SetOutputChannel
	}
	return b
}

// moveTo makes ch the current channel, connecting it to the current stage
func (b *IntegrationFlowBuilder) moveTo(ch channel.MessageChannel, nameHint string) {
	switch {
	case b.implicit != nil:
		b.remove(b.implicit)
		b.rebind(ch)
		if b.inputChannel == b.implicit {
			b.inputChannel = ch
		}
		b.implicit, b.rebind = nil, nil
	case b.currentChannel != nil:
		bridge, err := endpoint.NewConsumerEndpoint(b.currentChannel, endpoint.NewBridgeHandler(endpoint.WithOutputChannel(ch)))
		if err != nil {
			b.fail("bridge", nameHint, err)
			return
		}
		b.add(Component{Value: bridge})
	case b.output != nil:
		b.output(ch)
	}

	b.add(Component{NameHint: nameHint, Value: ch})
	if b.inputChannel == nil {
		b.inputChannel = ch
	}
	b.currentChannel = ch
	b.currentComponent = ch
	b.output = nil
}

// startFrom makes a producer the current component. A builder-created output
// may be replaced by the next channel.
func (b *IntegrationFlowBuilder) startFrom(producer interface{}, implicit bool, rebind outputBinder) {
	b.currentComponent = producer
	if implicit {
		b.implicit, b.rebind = b.currentChannel, rebind
	}
}

func (b *IntegrationFlowBuilder) reference(name string) *channel.Reference {
	if ref, ok := b.references[name]; ok {
		return ref
	}
	ref := channel.NewReference(name)
	b.references[name] = ref
	return ref
}

func (b *IntegrationFlowBuilder) add(c Component) {
	if ch, ok := c.Value.(channel.MessageChannel); ok {
		if _, seen := b.channels[ch]; seen {
			return
		}
		b.channels[ch] = struct{}{}
	}
	b.components = append(b.components, c)
}

func (b *IntegrationFlowBuilder) addAll(spec interface{}) {
	if registration, ok := spec.(ComponentsRegistration); ok {
		for _, c := range registration.ComponentsToRegister() {
			b.add(c)
		}
	}
}

func (b *IntegrationFlowBuilder) remove(ch channel.MessageChannel) {
	for i, c := range b.components {
		if c.Value == ch {
			b.components = append(b.components[:i], b.components[i+1:]...)
			break
		}
	}
	delete(b.channels, ch)
}

func (b *IntegrationFlowBuilder) usable(op string) bool {
	if b.err != nil {
		return false
	}
	if b.sealed {
		b.err = contracts.NewCompositionError(op, "", contracts.ErrBuilderSealed)
		return false
	}
	return true
}

// ready also rejects stages after a component that produces no output
func (b *IntegrationFlowBuilder) ready(op string) bool {
	if !b.usable(op) {
		return false
	}
	if b.currentChannel == nil && b.output == nil {
		b.fail(op, fmt.Sprintf("%T", b.currentComponent),
			fmt.Errorf("%w: the current stage produces no output", contracts.ErrInvalidConfiguration))
		return false
	}
	return true
}

func (b *IntegrationFlowBuilder) fail(op, component string, err error) *IntegrationFlowBuilder {
	if contracts.IsCompositionError(err) {
		b.err = err
	} else {
		b.err = contracts.NewCompositionError(op, component, err)
	}
	return b
}
