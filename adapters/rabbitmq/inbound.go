package rabbitmq

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/endpoint"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// InboundChannelAdapter consumes a queue and sends every delivery to its
// output channel. Deliveries are acked once the output accepted the message
// and nacked otherwise. The adapter consumes again when its delivery channel
// closes while running.
type InboundChannelAdapter struct {
	endpoint.ProducerSupport

	provider ChannelProvider
	queue    string
	settings *settings

	mu     sync.Mutex
	ch     Channel
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInboundChannelAdapter creates an adapter consuming queue
func NewInboundChannelAdapter(provider ChannelProvider, queue string, options ...Option) (*InboundChannelAdapter, error) {
	const op = "rabbitmq inbound adapter"
	if provider == nil {
		return nil, contracts.NewCompositionError(op, "provider", contracts.ErrNilArgument)
	}
	if strings.TrimSpace(queue) == "" {
		return nil, contracts.NewCompositionError(op, "queue", contracts.ErrBlankArgument)
	}

	a := &InboundChannelAdapter{
		provider: provider,
		queue:    queue,
		settings: newSettings(options),
	}
	a.InitProducerSupport(a.settings.logger)
	a.SetLifecycleHooks(a.start, a.stop)
	return a, nil
}

// Queue returns the consumed queue
func (a *InboundChannelAdapter) Queue() string {
	return a.queue
}

func (a *InboundChannelAdapter) start(ctx context.Context) error {
	tag := a.settings.consumerTag
	if tag == "" {
		tag = "mmate-flow-" + uuid.NewString()
	}

	ch, deliveries, err := a.subscribe(ctx, tag)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	a.mu.Lock()
	a.ch = ch
	a.tag = tag
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.processDeliveries(runCtx, deliveries, done)

	a.Logger().Info("consuming queue", "queue", a.queue, "consumerTag", tag)
	return nil
}

// subscribe opens a channel and starts consuming the queue on it
func (a *InboundChannelAdapter) subscribe(ctx context.Context, tag string) (Channel, <-chan amqp.Delivery, error) {
	ch, err := a.provider.Channel(ctx)
	if err != nil {
		return nil, nil, a.consumerError("open channel", err)
	}

	if err := ch.Qos(a.settings.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, nil, a.consumerError("qos", err)
	}

	deliveries, err := ch.Consume(a.queue, tag, false, a.settings.exclusive, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, a.consumerError("consume", err)
	}
	return ch, deliveries, nil
}

func (a *InboundChannelAdapter) stop(ctx context.Context) error {
	a.mu.Lock()
	ch, tag, cancel, done := a.ch, a.tag, a.cancel, a.done
	a.ch, a.cancel, a.done = nil, nil, nil
	if cancel != nil {
		cancel()
	}
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}

	var errs []error
	if err := ch.Cancel(tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, a.consumerError("cancel", err))
	}

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, a.consumerError("close channel", err))
	}
	return errors.Join(errs...)
}

// processDeliveries handles deliveries until stopped. A delivery channel
// closed by the broker or a lost connection is consumed again on a new
// channel.
func (a *InboundChannelAdapter) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if ok {
				a.handleDelivery(ctx, delivery)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			a.Logger().Warn("delivery channel closed, consuming again", "queue", a.queue)
			if deliveries, ok = a.resubscribe(ctx); !ok {
				return
			}
		}
	}
}

// resubscribe consumes the queue on a new channel, retrying with backoff
// until it succeeds or the adapter stops
func (a *InboundChannelAdapter) resubscribe(ctx context.Context) (<-chan amqp.Delivery, bool) {
	a.mu.Lock()
	tag := a.tag
	a.mu.Unlock()

	backoff := a.settings.resubscribeDelay
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}

		ch, deliveries, err := a.subscribe(ctx, tag)
		if err != nil {
			a.Logger().Error("failed to consume queue again", "error", err, "queue", a.queue, "retryIn", backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		a.mu.Lock()
		if ctx.Err() != nil {
			a.mu.Unlock()
			ch.Close()
			return nil, false
		}
		old := a.ch
		a.ch = ch
		a.mu.Unlock()

		if old != nil {
			old.Close()
		}
		a.Logger().Info("consuming queue again", "queue", a.queue, "consumerTag", tag)
		return deliveries, true
	}
}

func (a *InboundChannelAdapter) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := a.settings.converter.FromDelivery(delivery)
	if err != nil {
		a.Logger().Error("failed to convert delivery",
			"error", err,
			"queue", a.queue,
			"messageId", delivery.MessageId)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			a.Logger().Error("failed to nack message", "error", nackErr)
		}
		return
	}

	msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.SendMessage(msgCtx, msg); err != nil {
		a.Logger().Error("failed to handle message",
			"error", err,
			"queue", a.queue,
			"messageId", delivery.MessageId,
			"requeue", a.settings.requeueOnFailure)
		if nackErr := delivery.Nack(false, a.settings.requeueOnFailure); nackErr != nil {
			a.Logger().Error("failed to nack message", "error", nackErr, "originalError", err)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		a.Logger().Error("failed to ack message", "error", ackErr)
	}
}

func (a *InboundChannelAdapter) consumerError(op string, err error) error {
	return &ConsumerError{
		Queue:       a.queue,
		ConsumerTag: a.settings.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
