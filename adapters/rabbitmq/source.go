package rabbitmq

import (
	"context"
	"strings"
	"sync"

	"github.com/glimte/mmate-flow/contracts"
)

// QueueSource is a polled message source reading one message per Receive
// with basic.get. Messages are acked when received, so delivery downstream
// is at most once.
type QueueSource struct {
	provider ChannelProvider
	queue    string
	settings *settings

	mu sync.Mutex
	ch Channel
}

// NewQueueSource creates a source polling queue
func NewQueueSource(provider ChannelProvider, queue string, options ...Option) (*QueueSource, error) {
	const op = "rabbitmq queue source"
	if provider == nil {
		return nil, contracts.NewCompositionError(op, "provider", contracts.ErrNilArgument)
	}
	if strings.TrimSpace(queue) == "" {
		return nil, contracts.NewCompositionError(op, "queue", contracts.ErrBlankArgument)
	}
	return &QueueSource{
		provider: provider,
		queue:    queue,
		settings: newSettings(options),
	}, nil
}

// Receive implements endpoint.MessageSource. An empty queue is an empty poll.
func (s *QueueSource) Receive(ctx context.Context) (contracts.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch == nil {
		ch, err := s.provider.Channel(ctx)
		if err != nil {
			return nil, err
		}
		s.ch = ch
	}

	delivery, ok, err := s.ch.Get(s.queue, false)
	if err != nil {
		// the broker closes a channel after a channel level error
		s.ch.Close()
		s.ch = nil
		return nil, &ConsumerError{Queue: s.queue, Op: "get", Err: err}
	}
	if !ok {
		return nil, nil
	}

	msg, err := s.settings.converter.FromDelivery(delivery)
	if err != nil {
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			s.settings.logger.Error("failed to nack message", "error", nackErr, "queue", s.queue)
		}
		return nil, err
	}
	if err := delivery.Ack(false); err != nil {
		return nil, &ConsumerError{Queue: s.queue, Op: "ack", Err: err}
	}
	return msg, nil
}

// Close closes the channel held by the source
func (s *QueueSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return nil
	}
	err := s.ch.Close()
	s.ch = nil
	return err
}
