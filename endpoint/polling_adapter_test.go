package endpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func fastPoller(maxMessages int, errorChannel channel.MessageChannel) PollerMetadata {
	return PollerMetadata{
		Trigger:            NewPeriodicTrigger(5 * time.Millisecond),
		MaxMessagesPerPoll: maxMessages,
		ErrorChannel:       errorChannel,
	}
}

// countingSource yields the payloads in order, then empty polls
func countingSource(polls *atomic.Int32, results ...interface{}) MessageSource {
	return MessageSourceFunc(func(ctx context.Context) (contracts.Message, error) {
		n := int(polls.Inc())
		if n > len(results) {
			return nil, nil
		}
		switch r := results[n-1].(type) {
		case error:
			return nil, r
		case nil:
			return nil, nil
		default:
			return contracts.NewMessage(r), nil
		}
	})
}

func drain(ch *channel.QueueChannel) []interface{} {
	var payloads []interface{}
	for {
		msg, ok := ch.TryReceive()
		if !ok {
			return payloads
		}
		payloads = append(payloads, msg.GetPayload())
	}
}

func TestSourcePollingChannelAdapter(t *testing.T) {
	ctx := context.Background()

	t.Run("A failed poll is reported once and polling continues", func(t *testing.T) {
		polls := atomic.NewInt32(0)
		sourceErr := errors.New("source failure")
		out := channel.NewQueueChannel(channel.WithName("out"))
		errs := channel.NewQueueChannel(channel.WithName("errors"))

		adapter, err := NewSourcePollingChannelAdapter(
			countingSource(polls, "poll-1", sourceErr, "poll-3"),
			WithAdapterOutputChannel(out),
			WithPollerMetadata(fastPoller(1, errs)),
		)
		require.NoError(t, err)
		require.NoError(t, adapter.Start(ctx))

		require.Eventually(t, func() bool { return polls.Load() >= 4 }, time.Second, 5*time.Millisecond)
		require.NoError(t, adapter.Stop(ctx))

		assert.Equal(t, []interface{}{"poll-1", "poll-3"}, drain(out))
		require.Equal(t, 1, errs.Size())

		errMsg, _ := errs.TryReceive()
		msgErr, ok := errMsg.GetPayload().(*contracts.MessagingError)
		require.True(t, ok)
		assert.ErrorIs(t, msgErr, sourceErr)
		assert.Nil(t, msgErr.FailedMessage)
	})

	t.Run("Failures without an error channel are logged and polling continues", func(t *testing.T) {
		polls := atomic.NewInt32(0)
		out := channel.NewQueueChannel()

		adapter, err := NewSourcePollingChannelAdapter(
			countingSource(polls, errors.New("first"), "second"),
			WithAdapterOutputChannel(out),
			WithPollerMetadata(fastPoller(1, nil)),
		)
		require.NoError(t, err)
		require.NoError(t, adapter.Start(ctx))
		require.Eventually(t, func() bool { return polls.Load() >= 2 }, time.Second, 5*time.Millisecond)
		require.NoError(t, adapter.Stop(ctx))

		assert.Equal(t, []interface{}{"second"}, drain(out))
	})

	t.Run("A panicking source is recovered", func(t *testing.T) {
		polls := atomic.NewInt32(0)
		out := channel.NewQueueChannel()
		errs := channel.NewQueueChannel()
		source := MessageSourceFunc(func(ctx context.Context) (contracts.Message, error) {
			if polls.Inc() == 1 {
				panic("boom")
			}
			return contracts.NewMessage("after panic"), nil
		})

		adapter, err := NewSourcePollingChannelAdapter(source,
			WithAdapterOutputChannel(out),
			WithPollerMetadata(fastPoller(1, errs)),
		)
		require.NoError(t, err)
		require.NoError(t, adapter.Start(ctx))
		require.Eventually(t, func() bool { return out.Size() > 0 }, time.Second, 5*time.Millisecond)
		require.NoError(t, adapter.Stop(ctx))

		assert.Equal(t, 1, errs.Size())
	})

	t.Run("Unbounded cycles drain the source", func(t *testing.T) {
		polls := atomic.NewInt32(0)
		out := channel.NewQueueChannel()
		adapter, err := NewSourcePollingChannelAdapter(
			countingSource(polls, 1, 2, 3),
			WithAdapterOutputChannel(out),
			WithPollerMetadata(PollerMetadata{
				Trigger:            NewOnceTrigger(0),
				MaxMessagesPerPoll: MaxMessagesUnbounded,
			}),
		)
		require.NoError(t, err)
		require.NoError(t, adapter.Start(ctx))
		require.Eventually(t, func() bool { return polls.Load() >= 4 }, time.Second, time.Millisecond)
		require.NoError(t, adapter.Stop(ctx))

		assert.Equal(t, []interface{}{1, 2, 3}, drain(out))
		assert.Equal(t, int32(4), polls.Load())
	})

	t.Run("Zero messages per poll is treated as one", func(t *testing.T) {
		polls := atomic.NewInt32(0)
		out := channel.NewQueueChannel()
		adapter, err := NewSourcePollingChannelAdapter(
			countingSource(polls, 1, 2, 3),
			WithAdapterOutputChannel(out),
			WithPollerMetadata(PollerMetadata{Trigger: NewOnceTrigger(0)}),
		)
		require.NoError(t, err)
		require.NoError(t, adapter.Start(ctx))
		require.Eventually(t, func() bool { return polls.Load() >= 1 }, time.Second, time.Millisecond)
		require.NoError(t, adapter.Stop(ctx))

		assert.Equal(t, []interface{}{1}, drain(out))
	})

	t.Run("Source name is stamped on polled messages", func(t *testing.T) {
		polls := atomic.NewInt32(0)
		out := channel.NewQueueChannel()
		adapter, err := NewSourcePollingChannelAdapter(
			countingSource(polls, "x"),
			WithAdapterOutputChannel(out),
			WithSourceName("inventory"),
			WithPollerMetadata(fastPoller(1, nil)),
		)
		require.NoError(t, err)
		require.NoError(t, adapter.Start(ctx))
		require.Eventually(t, func() bool { return out.Size() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, adapter.Stop(ctx))

		msg, _ := out.TryReceive()
		assert.Equal(t, "inventory", msg.GetHeaders().GetString(contracts.HeaderSourceName))
	})

	t.Run("Rejected sends are reported with the failed message", func(t *testing.T) {
		polls := atomic.NewInt32(0)
		out := channel.NewQueueChannel(channel.WithCapacity(1))
		errs := channel.NewQueueChannel()
		adapter, err := NewSourcePollingChannelAdapter(
			countingSource(polls, 1, 2),
			WithAdapterOutputChannel(out),
			WithPollerMetadata(PollerMetadata{
				Trigger:            NewOnceTrigger(0),
				MaxMessagesPerPoll: MaxMessagesUnbounded,
				ErrorChannel:       errs,
			}),
		)
		require.NoError(t, err)
		require.NoError(t, adapter.Start(ctx))
		require.Eventually(t, func() bool { return errs.Size() == 1 }, time.Second, time.Millisecond)
		require.NoError(t, adapter.Stop(ctx))

		errMsg, _ := errs.TryReceive()
		msgErr := errMsg.GetPayload().(*contracts.MessagingError)
		assert.ErrorIs(t, msgErr, contracts.ErrDeliveryRejected)
		require.NotNil(t, msgErr.FailedMessage)
		assert.Equal(t, 2, msgErr.FailedMessage.GetPayload())
	})

	t.Run("Start and stop are idempotent", func(t *testing.T) {
		adapter, err := NewSourcePollingChannelAdapter(
			MessageSourceFunc(func(ctx context.Context) (contracts.Message, error) { return nil, nil }),
			WithAdapterOutputChannel(channel.NewQueueChannel()),
			WithPollerMetadata(fastPoller(1, nil)),
		)
		require.NoError(t, err)

		assert.Equal(t, StateStopped, adapter.State())
		require.NoError(t, adapter.Stop(ctx))
		require.NoError(t, adapter.Start(ctx))
		require.NoError(t, adapter.Start(ctx))
		assert.True(t, adapter.IsRunning())
		require.NoError(t, adapter.Stop(ctx))
		require.NoError(t, adapter.Stop(ctx))
		assert.Equal(t, StateStopped, adapter.State())
	})

	t.Run("Stop waits for the in-flight cycle", func(t *testing.T) {
		entered := make(chan struct{})
		finished := atomic.NewBool(false)
		source := MessageSourceFunc(func(ctx context.Context) (contracts.Message, error) {
			select {
			case <-entered:
			default:
				close(entered)
				time.Sleep(50 * time.Millisecond)
				finished.Store(true)
			}
			return nil, nil
		})
		adapter, err := NewSourcePollingChannelAdapter(source,
			WithAdapterOutputChannel(channel.NewQueueChannel()),
			WithPollerMetadata(fastPoller(1, nil)),
		)
		require.NoError(t, err)
		require.NoError(t, adapter.Start(ctx))

		<-entered
		require.NoError(t, adapter.Stop(ctx))
		assert.True(t, finished.Load())
	})

	t.Run("Start without an output channel fails", func(t *testing.T) {
		adapter, err := NewSourcePollingChannelAdapter(
			MessageSourceFunc(func(ctx context.Context) (contracts.Message, error) { return nil, nil }),
		)
		require.NoError(t, err)

		err = adapter.Start(ctx)
		assert.ErrorIs(t, err, contracts.ErrNoOutputChannel)
		assert.Equal(t, StateStopped, adapter.State())
	})

	t.Run("Nil source is a composition error", func(t *testing.T) {
		_, err := NewSourcePollingChannelAdapter(nil)
		assert.True(t, contracts.IsCompositionError(err))
	})
}

func TestMethodInvokingSource(t *testing.T) {
	ctx := context.Background()
	type inventory struct{}

	t.Run("Preconditions are checked", func(t *testing.T) {
		invoke := func(ctx context.Context) (interface{}, error) { return nil, nil }

		_, err := NewMethodInvokingSource(nil, "Count", invoke)
		assert.ErrorIs(t, err, contracts.ErrNilArgument)

		_, err = NewMethodInvokingSource(&inventory{}, "  ", invoke)
		assert.ErrorIs(t, err, contracts.ErrBlankArgument)

		_, err = NewMethodInvokingSource(&inventory{}, "Count", nil)
		assert.ErrorIs(t, err, contracts.ErrNilArgument)

		_, err = NewMethodInvokingSource((*inventory)(nil), "Count", invoke)
		assert.ErrorIs(t, err, contracts.ErrNilArgument)
	})

	t.Run("Results are wrapped into messages", func(t *testing.T) {
		results := []interface{}{42, nil, contracts.NewMessage("as is")}
		i := 0
		source, err := NewMethodInvokingSource(&inventory{}, "Count", func(ctx context.Context) (interface{}, error) {
			r := results[i]
			i++
			return r, nil
		})
		require.NoError(t, err)

		msg, err := source.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 42, msg.GetPayload())

		msg, err = source.Receive(ctx)
		require.NoError(t, err)
		assert.Nil(t, msg)

		msg, err = source.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, "as is", msg.GetPayload())
		assert.Equal(t, "Count", source.MethodName())
	})
}

func TestTriggers(t *testing.T) {
	t.Run("Periodic trigger uses fixed delay by default", func(t *testing.T) {
		trigger := NewPeriodicTrigger(time.Second)
		completion := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)

		next := trigger.NextExecution(TriggerContext{
			LastScheduled:  completion.Add(-3 * time.Second),
			LastCompletion: completion,
		})

		assert.Equal(t, completion.Add(time.Second), next)
	})

	t.Run("Fixed rate is measured from the last scheduled time", func(t *testing.T) {
		trigger := NewPeriodicTrigger(time.Second, WithFixedRate())
		scheduled := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		next := trigger.NextExecution(TriggerContext{
			LastScheduled:  scheduled,
			LastCompletion: scheduled.Add(300 * time.Millisecond),
		})

		assert.Equal(t, scheduled.Add(time.Second), next)
	})

	t.Run("Initial delay applies to the first execution", func(t *testing.T) {
		trigger := NewPeriodicTrigger(time.Second, WithInitialDelay(time.Minute))

		next := trigger.NextExecution(TriggerContext{})

		assert.WithinDuration(t, time.Now().Add(time.Minute), next, time.Second)
	})

	t.Run("Once trigger fires a single time", func(t *testing.T) {
		trigger := NewOnceTrigger(0)

		first := trigger.NextExecution(TriggerContext{})
		assert.False(t, first.IsZero())
		assert.True(t, trigger.NextExecution(TriggerContext{LastScheduled: first}).IsZero())
	})
}

func TestTaskScheduler(t *testing.T) {
	t.Run("Runs the task until cancelled", func(t *testing.T) {
		scheduler, err := NewTaskScheduler(WithPoolSize(2))
		require.NoError(t, err)
		defer scheduler.Close()

		runs := atomic.NewInt32(0)
		task, err := scheduler.Schedule(func(ctx context.Context) { runs.Inc() }, NewPeriodicTrigger(2*time.Millisecond))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
		task.Cancel()
		require.NoError(t, task.Wait(context.Background()))

		stopped := runs.Load()
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, stopped, runs.Load())
		assert.Equal(t, int64(stopped), task.Executions())
	})

	t.Run("A panicking task does not stop the schedule", func(t *testing.T) {
		scheduler, err := NewTaskScheduler()
		require.NoError(t, err)
		defer scheduler.Close()

		runs := atomic.NewInt32(0)
		task, err := scheduler.Schedule(func(ctx context.Context) {
			if runs.Inc() == 1 {
				panic("boom")
			}
		}, NewPeriodicTrigger(2*time.Millisecond))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
		task.Cancel()
		require.NoError(t, task.Wait(context.Background()))
	})

	t.Run("Nil task is rejected", func(t *testing.T) {
		scheduler, err := NewTaskScheduler()
		require.NoError(t, err)
		defer scheduler.Close()

		_, err = scheduler.Schedule(nil, NewOnceTrigger(0))
		assert.Error(t, err)
	})
}
