package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/endpoint"
	"github.com/glimte/mmate-flow/serialization"
	"github.com/redis/go-redis/v9"
)

// InboundChannelAdapter reads a stream through a consumer group and sends
// every entry to its output channel. Entries are acked once the output
// accepted the message. Failed entries are moved to the dead letter stream
// when one is set. Otherwise they stay pending and are reclaimed with
// XAUTOCLAIM once idle for the claim idle time, which also picks up entries
// left behind by consumers that went away.
type InboundChannelAdapter struct {
	endpoint.ProducerSupport

	client     Client
	stream     string
	group      string
	consumer   string
	batchSize  int64
	block      time.Duration
	deadLetter string
	claimIdle  time.Duration
	codec      *serialization.Codec

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// InboundOption configures an InboundChannelAdapter
type InboundOption func(*InboundChannelAdapter)

// WithConsumer sets the consumer name within the group
func WithConsumer(consumer string) InboundOption {
	return func(a *InboundChannelAdapter) {
		if consumer != "" {
			a.consumer = consumer
		}
	}
}

// WithBatchSize sets how many entries one read returns at most
func WithBatchSize(size int64) InboundOption {
	return func(a *InboundChannelAdapter) {
		if size > 0 {
			a.batchSize = size
		}
	}
}

// WithBlock sets how long one read waits for new entries
func WithBlock(block time.Duration) InboundOption {
	return func(a *InboundChannelAdapter) {
		if block > 0 {
			a.block = block
		}
	}
}

// WithDeadLetterStream moves entries that fail downstream to stream
func WithDeadLetterStream(stream string) InboundOption {
	return func(a *InboundChannelAdapter) {
		a.deadLetter = stream
	}
}

// WithClaimIdle sets how long an entry stays pending before it is reclaimed
// and handled again. Zero disables reclaiming.
func WithClaimIdle(idle time.Duration) InboundOption {
	return func(a *InboundChannelAdapter) {
		if idle >= 0 {
			a.claimIdle = idle
		}
	}
}

// WithInboundCodec sets the message codec
func WithInboundCodec(codec *serialization.Codec) InboundOption {
	return func(a *InboundChannelAdapter) {
		if codec != nil {
			a.codec = codec
		}
	}
}

// WithInboundLogger sets the logger
func WithInboundLogger(logger *slog.Logger) InboundOption {
	return func(a *InboundChannelAdapter) {
		a.InitProducerSupport(logger)
	}
}

// NewInboundChannelAdapter creates an adapter reading stream as a member of group
func NewInboundChannelAdapter(client Client, stream, group string, options ...InboundOption) (*InboundChannelAdapter, error) {
	const op = "redis stream inbound adapter"
	if client == nil {
		return nil, contracts.NewCompositionError(op, "client", contracts.ErrNilArgument)
	}
	if strings.TrimSpace(stream) == "" {
		return nil, contracts.NewCompositionError(op, "stream", contracts.ErrBlankArgument)
	}
	if strings.TrimSpace(group) == "" {
		return nil, contracts.NewCompositionError(op, "group", contracts.ErrBlankArgument)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "mmate-flow"
	}

	a := &InboundChannelAdapter{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		batchSize: 16,
		block:     5 * time.Second,
		claimIdle: 30 * time.Second,
		codec:     serialization.NewCodec(),
	}
	a.InitProducerSupport(slog.Default())
	for _, opt := range options {
		opt(a)
	}
	a.SetLifecycleHooks(a.start, a.stop)
	return a, nil
}

func (a *InboundChannelAdapter) start(ctx context.Context) error {
	if err := ensureGroup(ctx, a.client, a.stream, a.group); err != nil {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", a.group, a.stream, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go a.pollerLoop(runCtx, done)

	a.Logger().Info("reading stream",
		"stream", a.stream,
		"group", a.group,
		"consumer", a.consumer)
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

func (a *InboundChannelAdapter) pollerLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	args := &redis.XReadGroupArgs{
		Group:    a.group,
		Consumer: a.consumer,
		Streams:  []string{a.stream, ">"},
		Count:    a.batchSize,
		Block:    a.block,
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second
	var lastClaim time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		if a.claimIdle > 0 && time.Since(lastClaim) >= a.claimIdle {
			a.reclaim(ctx)
			lastClaim = time.Now()
		}

		res, err := a.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				continue
			}

			a.Logger().Error("failed to read stream", "error", err, "stream", a.stream, "retryIn", backoff)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff = 100 * time.Millisecond
		for _, stream := range res {
			for _, entry := range stream.Messages {
				a.handleEntry(ctx, entry)
			}
		}
	}
}

// reclaim takes over every entry of the group pending longer than claimIdle
// and handles it again
func (a *InboundChannelAdapter) reclaim(ctx context.Context) {
	start := "0-0"
	for ctx.Err() == nil {
		entries, next, err := a.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   a.stream,
			Group:    a.group,
			Consumer: a.consumer,
			MinIdle:  a.claimIdle,
			Start:    start,
			Count:    a.batchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				a.Logger().Error("failed to reclaim pending entries", "error", err, "stream", a.stream, "group", a.group)
			}
			return
		}

		if len(entries) > 0 {
			a.Logger().Info("reclaimed pending entries", "stream", a.stream, "count", len(entries))
		}
		for _, entry := range entries {
			a.handleEntry(ctx, entry)
		}
		if next == "" || next == "0-0" {
			return
		}
		start = next
	}
}

func (a *InboundChannelAdapter) handleEntry(ctx context.Context, entry redis.XMessage) {
	msg, err := a.decode(entry)
	if err != nil {
		a.Logger().Error("failed to decode stream entry", "error", err, "stream", a.stream, "entryId", entry.ID)
		a.deadLetterOrKeep(ctx, entry, err, true)
		return
	}

	if err := a.SendMessage(ctx, msg); err != nil {
		a.Logger().Error("failed to handle message",
			"error", err,
			"stream", a.stream,
			"entryId", entry.ID,
			"messageId", msg.GetID())
		a.deadLetterOrKeep(ctx, entry, err, false)
		return
	}
	a.ack(ctx, entry.ID)
}

func (a *InboundChannelAdapter) decode(entry redis.XMessage) (contracts.Message, error) {
	data, err := envelopeOf(entry.Values)
	if err != nil {
		return nil, err
	}
	msg, err := a.codec.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	return contracts.FromMessage(msg).SetHeader(HeaderStreamID, entry.ID).Build(), nil
}

// deadLetterOrKeep moves a failed entry to the dead letter stream. Without
// one the entry stays pending until reclaimed, unless it can never be decoded.
func (a *InboundChannelAdapter) deadLetterOrKeep(ctx context.Context, entry redis.XMessage, cause error, poison bool) {
	if a.deadLetter == "" {
		if poison {
			a.ack(ctx, entry.ID)
		}
		return
	}

	values := make(map[string]interface{}, len(entry.Values)+2)
	for k, v := range entry.Values {
		values[k] = v
	}
	values[fieldError] = cause.Error()
	values[fieldOrigID] = entry.ID

	if err := a.client.XAdd(ctx, &redis.XAddArgs{Stream: a.deadLetter, ID: "*", Values: values}).Err(); err != nil {
		a.Logger().Error("failed to dead letter stream entry", "error", err, "deadLetter", a.deadLetter, "entryId", entry.ID)
		return
	}
	a.ack(ctx, entry.ID)
}

func (a *InboundChannelAdapter) ack(ctx context.Context, id string) {
	if err := a.client.XAck(ctx, a.stream, a.group, id).Err(); err != nil {
		a.Logger().Error("failed to ack stream entry", "error", err, "stream", a.stream, "entryId", id)
	}
}
