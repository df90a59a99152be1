package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/google/uuid"
)

// ExchangeTemplate sends messages to channels and optionally waits for replies
type ExchangeTemplate struct {
	sendTimeout    time.Duration
	receiveTimeout time.Duration
	replyTimeout   time.Duration
	resolver       channel.Resolver
	tracker        *ExchangeTracker
	logger         *slog.Logger
}

// TemplateOption configures an ExchangeTemplate
type TemplateOption func(*ExchangeTemplate)

// WithSendTimeout bounds how long a send may block on a full queue.
// A negative value means no bound.
func WithSendTimeout(timeout time.Duration) TemplateOption {
	return func(t *ExchangeTemplate) {
		t.sendTimeout = timeout
	}
}

// WithReceiveTimeout sets the timeout used by ReceiveDefault
func WithReceiveTimeout(timeout time.Duration) TemplateOption {
	return func(t *ExchangeTemplate) {
		t.receiveTimeout = timeout
	}
}

// WithReplyTimeout sets how long SendAndReceive waits for a reply.
// A negative value waits until the context is done.
func WithReplyTimeout(timeout time.Duration) TemplateOption {
	return func(t *ExchangeTemplate) {
		t.replyTimeout = timeout
	}
}

// WithTemplateLogger sets the logger
func WithTemplateLogger(logger *slog.Logger) TemplateOption {
	return func(t *ExchangeTemplate) {
		t.logger = logger
	}
}

// WithChannelResolver sets the resolver used for channel names
func WithChannelResolver(resolver channel.Resolver) TemplateOption {
	return func(t *ExchangeTemplate) {
		t.resolver = resolver
	}
}

// NewExchangeTemplate creates a new exchange template
func NewExchangeTemplate(options ...TemplateOption) *ExchangeTemplate {
	t := &ExchangeTemplate{
		sendTimeout:    -1,
		receiveTimeout: time.Second,
		replyTimeout:   30 * time.Second,
		tracker:        NewExchangeTracker(),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Send delivers msg to ch. It returns false when the channel rejected the message.
func (t *ExchangeTemplate) Send(ctx context.Context, ch channel.MessageChannel, msg contracts.Message) (bool, error) {
	if ch == nil {
		return false, fmt.Errorf("%w: channel cannot be nil", contracts.ErrNilArgument)
	}
	if msg == nil {
		return false, fmt.Errorf("%w: message cannot be nil", contracts.ErrNilArgument)
	}

	if t.sendTimeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.sendTimeout)
		defer cancel()
	}

	sent, err := ch.Send(ctx, msg)
	if err != nil {
		return false, err
	}
	if !sent {
		t.logger.Debug("message rejected by channel",
			"channel", ch.Name(),
			"messageId", msg.GetID(),
		)
	}
	return sent, nil
}

// SendTo resolves the channel name and delivers msg to it
func (t *ExchangeTemplate) SendTo(ctx context.Context, channelName string, msg contracts.Message) (bool, error) {
	ch, err := channel.ResolveDestination(channelName, t.resolver)
	if err != nil {
		return false, err
	}
	return t.Send(ctx, ch, msg)
}

// SendPayload wraps payload in a message with the given headers and delivers it.
// A payload that already is a message is sent as is.
func (t *ExchangeTemplate) SendPayload(ctx context.Context, ch channel.MessageChannel, payload interface{}, headers map[string]interface{}) (bool, error) {
	if payload == nil {
		return false, fmt.Errorf("%w: payload cannot be nil", contracts.ErrNilArgument)
	}
	if msg, ok := payload.(contracts.Message); ok {
		return t.Send(ctx, ch, msg)
	}
	return t.Send(ctx, ch, contracts.NewMessage(payload, contracts.WithHeaders(headers)))
}

// Receive waits up to timeout for a message. A zero timeout does not block,
// a negative timeout blocks until ctx is done.
func (t *ExchangeTemplate) Receive(ctx context.Context, ch channel.PollableChannel, timeout time.Duration) (contracts.Message, bool) {
	if ch == nil {
		return nil, false
	}
	return channel.ReceiveTimeout(ctx, ch, timeout)
}

// ReceiveDefault receives using the configured receive timeout
func (t *ExchangeTemplate) ReceiveDefault(ctx context.Context, ch channel.PollableChannel) (contracts.Message, bool) {
	return t.Receive(ctx, ch, t.receiveTimeout)
}

// SendAndReceive sends msg and waits for the reply. A pollable replyChannel
// header on msg is used as the reply channel; otherwise a temporary reply
// channel is created and the original header is restored on the reply.
// It returns false without error when no reply arrived in time.
func (t *ExchangeTemplate) SendAndReceive(ctx context.Context, ch channel.MessageChannel, msg contracts.Message) (contracts.Message, bool, error) {
	if ch == nil {
		return nil, false, fmt.Errorf("%w: channel cannot be nil", contracts.ErrNilArgument)
	}
	if msg == nil {
		return nil, false, fmt.Errorf("%w: message cannot be nil", contracts.ErrNilArgument)
	}

	correlationID := msg.GetHeaders().CorrelationID()
	if correlationID == "" {
		correlationID = msg.GetID()
	}

	originalReplyChannel := msg.GetHeaders().ReplyChannel()
	replyChannel, explicit := t.explicitReplyChannel(originalReplyChannel)
	if !explicit {
		replyChannel = channel.NewQueueChannel(
			channel.WithName("reply."+uuid.New().String()),
			channel.WithChannelLogger(t.logger),
		)
	}

	request := contracts.FromMessage(msg).
		SetHeader(contracts.HeaderCorrelationID, correlationID).
		SetHeader(contracts.HeaderReplyChannel, replyChannel).
		Build()

	requestID := request.GetID()
	t.tracker.track(&Exchange{
		RequestID:     requestID,
		CorrelationID: correlationID,
		ReplyChannel:  replyChannel,
		Status:        ExchangeStatusPending,
		SentAt:        time.Now(),
		Timeout:       t.replyTimeout,
	})

	sent, err := t.Send(ctx, ch, request)
	if err != nil {
		t.tracker.finish(requestID, ExchangeStatusFailed)
		return nil, false, err
	}
	if !sent {
		t.tracker.finish(requestID, ExchangeStatusFailed)
		return nil, false, &contracts.MessageDeliveryError{
			Channel:   ch.Name(),
			MessageID: request.GetID(),
			Err:       contracts.ErrDeliveryRejected,
		}
	}

	reply, ok := channel.ReceiveTimeout(ctx, replyChannel, t.replyTimeout)
	if !ok {
		t.tracker.finish(requestID, ExchangeStatusTimeout)
		t.logger.Debug("no reply received",
			"channel", ch.Name(),
			"correlationId", correlationID,
			"timeout", t.replyTimeout,
		)
		return nil, false, nil
	}
	t.tracker.finish(requestID, ExchangeStatusCompleted)

	if !explicit && originalReplyChannel != nil {
		reply = contracts.FromMessage(reply).
			SetHeader(contracts.HeaderReplyChannel, originalReplyChannel).
			Build()
	}
	return reply, true, nil
}

// Exchanges returns the tracker of in-flight request/reply exchanges
func (t *ExchangeTemplate) Exchanges() *ExchangeTracker {
	return t.tracker
}

func (t *ExchangeTemplate) explicitReplyChannel(header interface{}) (channel.PollableChannel, bool) {
	if header == nil {
		return nil, false
	}
	dest, err := channel.ResolveDestination(header, t.resolver)
	if err != nil {
		t.logger.Debug("replyChannel header could not be resolved, using a temporary channel",
			"error", err,
		)
		return nil, false
	}
	pollable, ok := dest.(channel.PollableChannel)
	return pollable, ok
}
