package redisstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/serialization"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	args := m.Called(a)
	return redis.NewStringResult(args.String(0), args.Error(1))
}

func (m *mockClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	args := m.Called(a)
	streams, _ := args.Get(0).([]redis.XStream)
	return redis.NewXStreamSliceCmdResult(streams, args.Error(1))
}

func (m *mockClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	args := m.Called(stream, group, ids)
	return redis.NewIntResult(int64(len(ids)), args.Error(0))
}

func (m *mockClient) XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	args := m.Called(a)
	entries, _ := args.Get(0).([]redis.XMessage)
	cmd := redis.NewXAutoClaimCmd(ctx)
	cmd.SetVal(entries, args.String(1))
	cmd.SetErr(args.Error(2))
	return cmd
}

func (m *mockClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	args := m.Called(stream, group, start)
	return redis.NewStatusResult("OK", args.Error(0))
}

// idleReads makes every further read an empty blocking read and every
// further claim empty
func idleReads(client *mockClient) {
	client.On("XReadGroup", mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(5 * time.Millisecond) }).
		Return(nil, redis.Nil)
	client.On("XAutoClaim", mock.Anything).Return(nil, "0-0", nil)
}

func entry(t *testing.T, id string, payload interface{}) redis.XMessage {
	t.Helper()
	data, err := serialization.NewCodec().EncodeMessage(contracts.NewMessage(payload, contracts.WithHeader("tenant", "acme")))
	require.NoError(t, err)
	return redis.XMessage{ID: id, Values: map[string]interface{}{fieldEnvelope: string(data)}}
}

func TestOutboundHandler(t *testing.T) {
	t.Run("Rejects nil client and blank stream", func(t *testing.T) {
		_, err := NewOutboundHandler(nil, "orders")
		assert.True(t, contracts.IsCompositionError(err))
		_, err = NewOutboundHandler(&mockClient{}, "")
		assert.True(t, contracts.IsCompositionError(err))
	})

	t.Run("Appends envelope with trimming", func(t *testing.T) {
		client := &mockClient{}
		client.On("XAdd", mock.MatchedBy(func(a *redis.XAddArgs) bool {
			values, ok := a.Values.(map[string]interface{})
			return ok && a.Stream == "orders" && a.MaxLen == 1000 && a.Approx && values[fieldEnvelope] != nil
		})).Return("1-0", nil)

		handler, err := NewOutboundHandler(client, "orders", WithMaxLen(1000))
		require.NoError(t, err)
		require.NoError(t, handler.HandleMessage(context.Background(), contracts.NewMessage("hello")))
		client.AssertExpectations(t)
	})

	t.Run("Stream header overrides stream", func(t *testing.T) {
		client := &mockClient{}
		client.On("XAdd", mock.MatchedBy(func(a *redis.XAddArgs) bool {
			return a.Stream == "orders.eu"
		})).Return("1-0", nil)

		handler, err := NewOutboundHandler(client, "orders", WithStreamHeader("stream"))
		require.NoError(t, err)
		msg := contracts.NewMessage("hello", contracts.WithHeader("stream", "orders.eu"))
		require.NoError(t, handler.HandleMessage(context.Background(), msg))
		client.AssertExpectations(t)
	})

	t.Run("XAdd failure is a messaging error", func(t *testing.T) {
		client := &mockClient{}
		client.On("XAdd", mock.Anything).Return("", errors.New("OOM"))

		handler, err := NewOutboundHandler(client, "orders")
		require.NoError(t, err)

		err = handler.HandleMessage(context.Background(), contracts.NewMessage("hello"))
		var messagingErr *contracts.MessagingError
		assert.ErrorAs(t, err, &messagingErr)
	})
}

func TestInboundChannelAdapter(t *testing.T) {
	t.Run("Rejects missing arguments", func(t *testing.T) {
		_, err := NewInboundChannelAdapter(nil, "orders", "billing")
		assert.True(t, contracts.IsCompositionError(err))
		_, err = NewInboundChannelAdapter(&mockClient{}, "orders", " ")
		assert.True(t, contracts.IsCompositionError(err))
	})

	t.Run("Delivers entries and acks them", func(t *testing.T) {
		client := &mockClient{}
		client.On("XGroupCreateMkStream", "orders", "billing", "$").
			Return(errors.New("BUSYGROUP Consumer Group name already exists"))
		client.On("XReadGroup", mock.MatchedBy(func(a *redis.XReadGroupArgs) bool {
			return a.Group == "billing" && a.Consumer == "worker-1" && a.Count == 4
		})).Return([]redis.XStream{{Stream: "orders", Messages: []redis.XMessage{entry(t, "1-0", "first")}}}, nil).Once()
		idleReads(client)
		acked := make(chan []string, 1)
		client.On("XAck", "orders", "billing", []string{"1-0"}).
			Run(func(args mock.Arguments) { acked <- args.Get(2).([]string) }).
			Return(nil)

		adapter, err := NewInboundChannelAdapter(client, "orders", "billing",
			WithConsumer("worker-1"),
			WithBatchSize(4),
			WithBlock(10*time.Millisecond),
		)
		require.NoError(t, err)

		output := channel.NewQueueChannel()
		adapter.SetOutputChannel(output)
		require.NoError(t, adapter.Start(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		msg, ok := output.Receive(ctx)
		require.True(t, ok)
		assert.Equal(t, "first", msg.GetPayload())
		assert.Equal(t, "1-0", msg.GetHeaders().GetString(HeaderStreamID))
		assert.Equal(t, "acme", msg.GetHeaders().GetString("tenant"))

		select {
		case ids := <-acked:
			assert.Equal(t, []string{"1-0"}, ids)
		case <-time.After(time.Second):
			t.Fatal("entry was not acked")
		}

		require.NoError(t, adapter.Stop(context.Background()))
	})

	t.Run("Failed entry stays pending", func(t *testing.T) {
		client := &mockClient{}
		client.On("XGroupCreateMkStream", "orders", "billing", "$").Return(nil)
		client.On("XReadGroup", mock.Anything).
			Return([]redis.XStream{{Stream: "orders", Messages: []redis.XMessage{entry(t, "2-0", "second")}}}, nil).Once()
		idleReads(client)

		adapter, err := NewInboundChannelAdapter(client, "orders", "billing")
		require.NoError(t, err)
		adapter.SetOutputChannel(channel.NewDirectChannel())
		require.NoError(t, adapter.Start(context.Background()))

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, adapter.Stop(context.Background()))
		client.AssertNotCalled(t, "XAck", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Entries pending past the claim idle time are handled again", func(t *testing.T) {
		client := &mockClient{}
		client.On("XGroupCreateMkStream", "orders", "billing", "$").Return(nil)
		client.On("XAutoClaim", mock.MatchedBy(func(a *redis.XAutoClaimArgs) bool {
			return a.Stream == "orders" && a.Group == "billing" && a.Consumer == "worker-2" &&
				a.MinIdle == time.Minute && a.Start == "0-0"
		})).Return([]redis.XMessage{entry(t, "0-5", "stale")}, "0-7", nil).Once()
		client.On("XAutoClaim", mock.MatchedBy(func(a *redis.XAutoClaimArgs) bool {
			return a.Start == "0-7"
		})).Return([]redis.XMessage{entry(t, "0-7", "older")}, "0-0", nil).Once()
		idleReads(client)
		acked := make(chan string, 2)
		client.On("XAck", "orders", "billing", mock.Anything).
			Run(func(args mock.Arguments) { acked <- args.Get(2).([]string)[0] }).
			Return(nil)

		adapter, err := NewInboundChannelAdapter(client, "orders", "billing",
			WithConsumer("worker-2"),
			WithClaimIdle(time.Minute),
			WithBlock(10*time.Millisecond),
		)
		require.NoError(t, err)
		output := channel.NewQueueChannel()
		adapter.SetOutputChannel(output)
		require.NoError(t, adapter.Start(context.Background()))
		defer adapter.Stop(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, want := range []string{"stale", "older"} {
			msg, ok := output.Receive(ctx)
			require.True(t, ok)
			assert.Equal(t, want, msg.GetPayload())
		}
		assert.Equal(t, "0-5", <-acked)
		assert.Equal(t, "0-7", <-acked)
	})

	t.Run("Reclaiming can be disabled", func(t *testing.T) {
		client := &mockClient{}
		client.On("XGroupCreateMkStream", "orders", "billing", "$").Return(nil)
		client.On("XReadGroup", mock.Anything).
			Run(func(mock.Arguments) { time.Sleep(5 * time.Millisecond) }).
			Return(nil, redis.Nil)

		adapter, err := NewInboundChannelAdapter(client, "orders", "billing", WithClaimIdle(0))
		require.NoError(t, err)
		adapter.SetOutputChannel(channel.NewQueueChannel())
		require.NoError(t, adapter.Start(context.Background()))

		time.Sleep(30 * time.Millisecond)
		require.NoError(t, adapter.Stop(context.Background()))
		client.AssertNotCalled(t, "XAutoClaim", mock.Anything)
	})

	t.Run("Failed entry moves to dead letter stream", func(t *testing.T) {
		client := &mockClient{}
		client.On("XGroupCreateMkStream", "orders", "billing", "$").Return(nil)
		client.On("XReadGroup", mock.Anything).
			Return([]redis.XStream{{Stream: "orders", Messages: []redis.XMessage{
				{ID: "3-0", Values: map[string]interface{}{"garbage": "x"}},
			}}}, nil).Once()
		idleReads(client)
		client.On("XAdd", mock.MatchedBy(func(a *redis.XAddArgs) bool {
			values, ok := a.Values.(map[string]interface{})
			return ok && a.Stream == "orders.dead" && values[fieldOrigID] == "3-0" && values[fieldError] != ""
		})).Return("9-0", nil)
		acked := make(chan struct{}, 1)
		client.On("XAck", "orders", "billing", []string{"3-0"}).
			Run(func(mock.Arguments) { acked <- struct{}{} }).
			Return(nil)

		adapter, err := NewInboundChannelAdapter(client, "orders", "billing", WithDeadLetterStream("orders.dead"))
		require.NoError(t, err)
		adapter.SetOutputChannel(channel.NewQueueChannel())
		require.NoError(t, adapter.Start(context.Background()))

		select {
		case <-acked:
		case <-time.After(time.Second):
			t.Fatal("dead lettered entry was not acked")
		}
		require.NoError(t, adapter.Stop(context.Background()))
	})

	t.Run("Group creation failure fails start", func(t *testing.T) {
		client := &mockClient{}
		client.On("XGroupCreateMkStream", "orders", "billing", "$").Return(errors.New("WRONGTYPE"))

		adapter, err := NewInboundChannelAdapter(client, "orders", "billing")
		require.NoError(t, err)
		adapter.SetOutputChannel(channel.NewQueueChannel())

		assert.Error(t, adapter.Start(context.Background()))
		assert.False(t, adapter.IsRunning())
	})
}
