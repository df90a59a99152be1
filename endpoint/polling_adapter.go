package endpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
)

// SourcePollingChannelAdapter polls a MessageSource on a trigger and sends the
// received messages to its output channel. A failed cycle is reported through
// the error channel or the log and never stops the polling.
type SourcePollingChannelAdapter struct {
	ProducerSupport
	source     MessageSource
	sourceName string
	poller     *poller
}

// AdapterOption configures a SourcePollingChannelAdapter
type AdapterOption func(*SourcePollingChannelAdapter)

// WithPollerMetadata sets the poller configuration
func WithPollerMetadata(metadata PollerMetadata) AdapterOption {
	return func(a *SourcePollingChannelAdapter) {
		a.poller = newPoller(metadata)
	}
}

// WithSourceName stamps the sourceName header on every polled message
func WithSourceName(name string) AdapterOption {
	return func(a *SourcePollingChannelAdapter) {
		a.sourceName = name
	}
}

// WithAdapterOutputChannel sets the output channel
func WithAdapterOutputChannel(ch channel.MessageChannel) AdapterOption {
	return func(a *SourcePollingChannelAdapter) {
		a.SetOutputChannel(ch)
	}
}

// WithAdapterLogger sets the logger
func WithAdapterLogger(logger *slog.Logger) AdapterOption {
	return func(a *SourcePollingChannelAdapter) {
		a.InitProducerSupport(logger)
	}
}

// NewSourcePollingChannelAdapter creates a polling adapter for source
func NewSourcePollingChannelAdapter(source MessageSource, options ...AdapterOption) (*SourcePollingChannelAdapter, error) {
	if source == nil {
		return nil, contracts.NewCompositionError("source polling adapter", "source", contracts.ErrNilArgument)
	}

	a := &SourcePollingChannelAdapter{
		source: source,
		poller: newPoller(DefaultPollerMetadata()),
	}
	a.InitProducerSupport(slog.Default())
	for _, opt := range options {
		opt(a)
	}

	a.applyErrorChannel()
	a.SetLifecycleHooks(a.doStart, a.doStop)
	return a, nil
}

func (a *SourcePollingChannelAdapter) applyErrorChannel() {
	if a.poller.metadata.ErrorChannel != nil {
		a.SetErrorChannel(a.poller.metadata.ErrorChannel)
	}
	if a.poller.metadata.ErrorChannelName != "" {
		a.SetErrorChannelName(a.poller.metadata.ErrorChannelName)
	}
}

// Source returns the polled source
func (a *SourcePollingChannelAdapter) Source() MessageSource {
	return a.source
}

// PollerMetadata returns the poller configuration
func (a *SourcePollingChannelAdapter) PollerMetadata() PollerMetadata {
	return a.poller.metadata
}

// SetScheduler sets a shared scheduler used from the next start
func (a *SourcePollingChannelAdapter) SetScheduler(scheduler *TaskScheduler) {
	if a.poller.metadata.Scheduler == nil {
		a.poller.metadata.Scheduler = scheduler
	}
}

func (a *SourcePollingChannelAdapter) doStart(ctx context.Context) error {
	if err := a.poller.start(a.pollCycle, a.Logger()); err != nil {
		return fmt.Errorf("failed to schedule poller: %w", err)
	}
	a.Logger().Debug("polling adapter started", "source", a.sourceName)
	return nil
}

func (a *SourcePollingChannelAdapter) doStop(ctx context.Context) error {
	err := a.poller.stop(ctx)
	a.Logger().Debug("polling adapter stopped", "source", a.sourceName)
	return err
}

// pollCycle receives up to MaxMessagesPerPoll messages. The first failure ends
// the cycle.
func (a *SourcePollingChannelAdapter) pollCycle(ctx context.Context) {
	maxMessages := a.poller.metadata.MaxMessagesPerPoll
	if maxMessages == 0 {
		maxMessages = 1
	}

	for i := 0; maxMessages < 0 || i < maxMessages; i++ {
		if ctx.Err() != nil {
			return
		}

		msg, err := a.pollOnce(ctx)
		if err != nil {
			a.errorHandler().Handle(ctx, "poll", msg, err)
			return
		}
		if msg == nil {
			return
		}
	}
}

// pollOnce receives and forwards one message. On a downstream failure the
// returned message is the one that failed.
func (a *SourcePollingChannelAdapter) pollOnce(ctx context.Context) (msg contracts.Message, err error) {
	msg, err = a.receive(ctx)
	if err != nil || msg == nil {
		return nil, err
	}

	if a.sourceName != "" {
		msg = contracts.FromMessage(msg).SetHeader(contracts.HeaderSourceName, a.sourceName).Build()
	}

	if err := a.send(ctx, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

func (a *SourcePollingChannelAdapter) receive(ctx context.Context) (msg contracts.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("message source panicked: %v", r)
		}
	}()
	return a.source.Receive(ctx)
}
