package pubsub

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/endpoint"
	"github.com/glimte/mmate-flow/serialization"
)

// InboundChannelAdapter subscribes to a topic and sends every message to its
// output channel. Messages are acked once the output accepted them and
// nacked otherwise, which makes the subscriber redeliver them.
type InboundChannelAdapter struct {
	endpoint.ProducerSupport

	subscriber message.Subscriber
	topic      string
	codec      *serialization.Codec

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInboundChannelAdapter creates an adapter for topic. A nil codec uses a
// codec without registered types.
func NewInboundChannelAdapter(subscriber message.Subscriber, topic string, codec *serialization.Codec, logger *slog.Logger) (*InboundChannelAdapter, error) {
	const op = "pubsub inbound adapter"
	if subscriber == nil {
		return nil, contracts.NewCompositionError(op, "subscriber", contracts.ErrNilArgument)
	}
	if strings.TrimSpace(topic) == "" {
		return nil, contracts.NewCompositionError(op, "topic", contracts.ErrBlankArgument)
	}
	if codec == nil {
		codec = serialization.NewCodec()
	}

	a := &InboundChannelAdapter{subscriber: subscriber, topic: topic, codec: codec}
	a.InitProducerSupport(logger)
	a.SetLifecycleHooks(a.start, a.stop)
	return a, nil
}

func (a *InboundChannelAdapter) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := a.subscriber.Subscribe(runCtx, a.topic)
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.receive(runCtx, messages, done)
	return nil
}

func (a *InboundChannelAdapter) stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *InboundChannelAdapter) receive(ctx context.Context, messages <-chan *message.Message, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case wm, ok := <-messages:
			if !ok {
				return
			}
			a.handle(ctx, wm)
		}
	}
}

func (a *InboundChannelAdapter) handle(ctx context.Context, wm *message.Message) {
	msg, err := FromWatermill(a.codec, wm)
	if err != nil {
		// a message that cannot be decoded would be redelivered forever
		a.Logger().Error("failed to decode message", "error", err, "topic", a.topic, "uuid", wm.UUID)
		wm.Ack()
		return
	}

	if err := a.SendMessage(ctx, msg); err != nil {
		a.Logger().Error("failed to handle message", "error", err, "topic", a.topic, "uuid", wm.UUID)
		wm.Nack()
		return
	}
	wm.Ack()
}
