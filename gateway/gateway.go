package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/endpoint"
	"github.com/glimte/mmate-flow/internal/reliability"
	"github.com/glimte/mmate-flow/messaging"
	"go.uber.org/atomic"
)

var (
	ErrTooManyPendingRequests = errors.New("gateway: too many pending requests")
	ErrUnexpectedReply        = errors.New("gateway: unexpected reply payload")
)

// InboundGateway turns calls into messages sent to its request channel
type InboundGateway interface {
	endpoint.Lifecycle
	RequestChannel() channel.MessageChannel
	SetRequestChannel(ch channel.MessageChannel)
}

// MessagingGateway sends requests to a request channel and optionally waits for
// replies. It only accepts calls while running.
type MessagingGateway struct {
	endpoint.ProducerSupport

	name               string
	requestChannel     channel.MessageChannel
	requestChannelName string
	errorChannel       channel.MessageChannel
	replyChannel       channel.PollableChannel
	defaultHeaders     map[string]interface{}
	replyTimeout       time.Duration
	requestTimeout     time.Duration

	breakerThreshold int
	breakerTimeout   time.Duration
	circuitBreaker   *reliability.CircuitBreaker
	retryPolicy      reliability.RetryPolicy
	maxPending       int
	pending          *atomic.Int32

	template *messaging.ExchangeTemplate
	logger   *slog.Logger
}

// Option configures a MessagingGateway
type Option func(*MessagingGateway)

// WithName sets the gateway name used in logs and as its component name
func WithName(name string) Option {
	return func(g *MessagingGateway) {
		g.name = name
	}
}

// WithRequestChannel sets the request channel
func WithRequestChannel(ch channel.MessageChannel) Option {
	return func(g *MessagingGateway) {
		g.requestChannel = ch
	}
}

// WithRequestChannelName sets the request channel by name, resolved at start
func WithRequestChannelName(name string) Option {
	return func(g *MessagingGateway) {
		g.requestChannelName = name
	}
}

// WithReplyChannel sets an explicit reply channel instead of a temporary one per request
func WithReplyChannel(ch channel.PollableChannel) Option {
	return func(g *MessagingGateway) {
		g.replyChannel = ch
	}
}

// WithErrorChannel sets the channel receiving failed one-way sends
func WithErrorChannel(ch channel.MessageChannel) Option {
	return func(g *MessagingGateway) {
		g.errorChannel = ch
	}
}

// WithReplyTimeout bounds the wait for a reply
func WithReplyTimeout(timeout time.Duration) Option {
	return func(g *MessagingGateway) {
		g.replyTimeout = timeout
	}
}

// WithRequestTimeout bounds the send of a request
func WithRequestTimeout(timeout time.Duration) Option {
	return func(g *MessagingGateway) {
		g.requestTimeout = timeout
	}
}

// WithDefaultHeaders adds headers to every request that does not carry them
func WithDefaultHeaders(headers map[string]interface{}) Option {
	return func(g *MessagingGateway) {
		for k, v := range headers {
			g.defaultHeaders[k] = v
		}
	}
}

// WithCircuitBreaker stops requests after failureThreshold consecutive failures
func WithCircuitBreaker(failureThreshold int, openTimeout time.Duration) Option {
	return func(g *MessagingGateway) {
		g.breakerThreshold = failureThreshold
		g.breakerTimeout = openTimeout
	}
}

// WithRetryPolicy retries failed request/reply exchanges
func WithRetryPolicy(policy endpoint.RetryPolicy) Option {
	return func(g *MessagingGateway) {
		g.retryPolicy = policy
	}
}

// WithMaxPendingRequests bounds the concurrent request/reply exchanges
func WithMaxPendingRequests(limit int) Option {
	return func(g *MessagingGateway) {
		g.maxPending = limit
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *MessagingGateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewMessagingGateway creates a new messaging gateway
func NewMessagingGateway(options ...Option) *MessagingGateway {
	g := &MessagingGateway{
		defaultHeaders: make(map[string]interface{}),
		replyTimeout:   30 * time.Second,
		requestTimeout: -1,
		maxPending:     1000,
		pending:        atomic.NewInt32(0),
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(g)
	}

	g.InitProducerSupport(g.logger)
	if g.requestChannel != nil {
		g.SetOutputChannel(g.requestChannel)
	}
	if g.requestChannelName != "" {
		g.SetOutputChannelName(g.requestChannelName)
	}
	if g.errorChannel != nil {
		g.SetErrorChannel(g.errorChannel)
	}
	if g.breakerThreshold > 0 {
		g.circuitBreaker = reliability.NewCircuitBreaker(
			reliability.WithName(g.label()),
			reliability.WithFailureThreshold(g.breakerThreshold),
			reliability.WithTimeout(g.breakerTimeout),
			reliability.WithBreakerLogger(g.logger),
		)
	}
	g.template = messaging.NewExchangeTemplate(
		messaging.WithSendTimeout(g.requestTimeout),
		messaging.WithReplyTimeout(g.replyTimeout),
		messaging.WithTemplateLogger(g.logger),
	)
	return g
}

// Name returns the gateway name, empty unless set with WithName. The container
// generates a name for anonymous gateways.
func (g *MessagingGateway) Name() string {
	return g.name
}

func (g *MessagingGateway) label() string {
	if g.name == "" {
		return "gateway"
	}
	return g.name
}

// RequestChannel implements InboundGateway. It is nil until set or resolved at start.
func (g *MessagingGateway) RequestChannel() channel.MessageChannel {
	return g.OutputChannel()
}

// SetRequestChannel implements InboundGateway
func (g *MessagingGateway) SetRequestChannel(ch channel.MessageChannel) {
	g.SetOutputChannel(ch)
}

// ReplyChannel returns the explicit reply channel, nil when temporary channels are used
func (g *MessagingGateway) ReplyChannel() channel.PollableChannel {
	return g.replyChannel
}

// PendingRequests returns the number of exchanges waiting for a reply
func (g *MessagingGateway) PendingRequests() int {
	return int(g.pending.Load())
}

// Send sends payload one-way. A payload that is a message is sent as is.
func (g *MessagingGateway) Send(ctx context.Context, payload interface{}, headers map[string]interface{}) error {
	msg, err := g.request(payload, headers)
	if err != nil {
		return err
	}
	if err := g.checkRunning(); err != nil {
		return err
	}
	return g.SendMessage(ctx, msg)
}

// SendAndReceive sends payload and returns the reply payload, nil when no reply
// arrived within the reply timeout
func (g *MessagingGateway) SendAndReceive(ctx context.Context, payload interface{}, headers map[string]interface{}) (interface{}, error) {
	msg, err := g.request(payload, headers)
	if err != nil {
		return nil, err
	}
	reply, err := g.SendAndReceiveMessage(ctx, msg)
	if err != nil || reply == nil {
		return nil, err
	}
	return reply.GetPayload(), nil
}

// SendAndReceiveMessage sends msg and returns the reply message, nil when no
// reply arrived within the reply timeout. An error message reply is returned
// as its error.
func (g *MessagingGateway) SendAndReceiveMessage(ctx context.Context, msg contracts.Message) (contracts.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: message cannot be nil", contracts.ErrNilArgument)
	}
	if err := g.checkRunning(); err != nil {
		return nil, err
	}

	pending := g.pending.Inc()
	defer g.pending.Dec()
	if g.maxPending > 0 && int(pending) > g.maxPending {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyPendingRequests, g.maxPending)
	}

	if g.replyChannel != nil && msg.GetHeaders().ReplyChannel() == nil {
		msg = contracts.FromMessage(msg).SetHeader(contracts.HeaderReplyChannel, g.replyChannel).Build()
	}

	var reply contracts.Message
	exchange := func(ctx context.Context) error {
		var err error
		reply, err = g.exchange(ctx, msg)
		return err
	}

	if g.circuitBreaker != nil {
		inner := exchange
		exchange = func(ctx context.Context) error {
			return g.circuitBreaker.Execute(ctx, inner)
		}
	}

	var err error
	if g.retryPolicy != nil {
		err = reliability.Retry(ctx, "gateway request", g.retryPolicy, exchange)
	} else {
		err = exchange(ctx)
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (g *MessagingGateway) exchange(ctx context.Context, msg contracts.Message) (contracts.Message, error) {
	reply, ok, err := g.template.SendAndReceive(ctx, g.RequestChannel(), msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		g.logger.Debug("gateway request timed out",
			"gateway", g.label(),
			"messageId", msg.GetID(),
			"timeout", g.replyTimeout,
		)
		return nil, nil
	}

	switch payload := reply.GetPayload().(type) {
	case *contracts.MessagingError:
		return nil, payload
	case error:
		return nil, payload
	}
	return reply, nil
}

// request builds the request message with the default headers
func (g *MessagingGateway) request(payload interface{}, headers map[string]interface{}) (contracts.Message, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload cannot be nil", contracts.ErrNilArgument)
	}

	var builder *contracts.MessageBuilder
	if msg, ok := payload.(contracts.Message); ok {
		builder = contracts.FromMessage(msg)
	} else {
		builder = contracts.WithPayload(payload)
	}
	for k, v := range headers {
		builder.SetHeader(k, v)
	}
	for k, v := range g.defaultHeaders {
		builder.SetHeaderIfAbsent(k, v)
	}
	return builder.Build(), nil
}

func (g *MessagingGateway) checkRunning() error {
	if !g.IsRunning() {
		return fmt.Errorf("%w: gateway %s is not running", contracts.ErrComponentNotActive, g.label())
	}
	return nil
}
