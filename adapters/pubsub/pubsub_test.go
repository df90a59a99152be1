package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/serialization"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Shipment struct {
	ID      string `json:"id"`
	Carrier string `json:"carrier"`
}

func shipmentCodec(t *testing.T) *serialization.Codec {
	t.Helper()
	registry := serialization.NewTypeRegistry()
	require.NoError(t, registry.Register("shipping.shipment", Shipment{}))
	return serialization.NewCodec(serialization.WithTypeRegistry(registry))
}

// staticSubscriber hands out a prepared message channel
type staticSubscriber struct {
	messages chan *message.Message
}

func (s *staticSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.messages, nil
}

func (s *staticSubscriber) Close() error {
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Publish(topic string, messages ...*message.Message) error {
	return errors.New("broker unavailable")
}

func (failingPublisher) Close() error {
	return nil
}

func TestConversion(t *testing.T) {
	t.Run("Message round trips through metadata", func(t *testing.T) {
		codec := shipmentCodec(t)
		msg := contracts.NewMessage(Shipment{ID: "s-1", Carrier: "ups"},
			contracts.WithCorrelationID("corr"),
			contracts.WithHeader("priority", 2),
		)

		wm, err := ToWatermill(codec, msg)
		require.NoError(t, err)
		assert.Equal(t, msg.GetID(), wm.UUID)
		assert.Equal(t, "shipping.shipment", wm.Metadata.Get(MetadataPayloadType))
		assert.Equal(t, "2", wm.Metadata.Get("priority"))

		decoded, err := FromWatermill(codec, wm)
		require.NoError(t, err)
		assert.Equal(t, Shipment{ID: "s-1", Carrier: "ups"}, decoded.GetPayload())
		assert.Equal(t, "corr", decoded.GetHeaders().CorrelationID())
		assert.Equal(t, msg.GetID(), decoded.GetHeaders().GetString(serialization.HeaderRemoteMessageID))
		assert.False(t, decoded.GetHeaders().Has(MetadataContentType))
	})

	t.Run("Message without content type is bytes", func(t *testing.T) {
		decoded, err := FromWatermill(serialization.NewCodec(), message.NewMessage("u-1", []byte("raw")))
		require.NoError(t, err)
		assert.Equal(t, []byte("raw"), decoded.GetPayload())
	})
}

func TestGoChannelFlow(t *testing.T) {
	t.Run("Published message reaches inbound output", func(t *testing.T) {
		codec := shipmentCodec(t)
		pubSub := NewGoChannel(false, nil)
		defer pubSub.Close()

		adapter, err := NewInboundChannelAdapter(pubSub, "shipments", codec, nil)
		require.NoError(t, err)
		output := channel.NewQueueChannel()
		adapter.SetOutputChannel(output)
		require.NoError(t, adapter.Start(context.Background()))
		defer adapter.Stop(context.Background())

		handler, err := NewOutboundHandler(pubSub, "shipments", codec)
		require.NoError(t, err)
		require.NoError(t, handler.HandleMessage(context.Background(), contracts.NewMessage(Shipment{ID: "s-2"})))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		msg, ok := output.Receive(ctx)
		require.True(t, ok)
		assert.Equal(t, Shipment{ID: "s-2"}, msg.GetPayload())
	})
}

func TestInboundChannelAdapter(t *testing.T) {
	t.Run("Rejects missing arguments", func(t *testing.T) {
		_, err := NewInboundChannelAdapter(nil, "t", nil, nil)
		assert.True(t, contracts.IsCompositionError(err))
		_, err = NewInboundChannelAdapter(&staticSubscriber{}, "", nil, nil)
		assert.True(t, contracts.IsCompositionError(err))
	})

	t.Run("Rejected message is nacked", func(t *testing.T) {
		sub := &staticSubscriber{messages: make(chan *message.Message, 1)}
		adapter, err := NewInboundChannelAdapter(sub, "shipments", nil, nil)
		require.NoError(t, err)
		adapter.SetOutputChannel(channel.NewDirectChannel())
		require.NoError(t, adapter.Start(context.Background()))
		defer adapter.Stop(context.Background())

		wm := message.NewMessage("u-1", []byte("raw"))
		sub.messages <- wm

		select {
		case <-wm.Nacked():
		case <-wm.Acked():
			t.Fatal("message was acked")
		case <-time.After(time.Second):
			t.Fatal("message was not nacked")
		}
	})

	t.Run("Undecodable message is acked and dropped", func(t *testing.T) {
		sub := &staticSubscriber{messages: make(chan *message.Message, 1)}
		output := channel.NewQueueChannel()
		adapter, err := NewInboundChannelAdapter(sub, "shipments", nil, nil)
		require.NoError(t, err)
		adapter.SetOutputChannel(output)
		require.NoError(t, adapter.Start(context.Background()))
		defer adapter.Stop(context.Background())

		wm := message.NewMessage("u-2", []byte("{"))
		wm.Metadata.Set(MetadataContentType, serialization.ContentTypeJSON)
		sub.messages <- wm

		select {
		case <-wm.Acked():
		case <-time.After(time.Second):
			t.Fatal("message was not acked")
		}
		assert.Equal(t, 0, output.Size())
	})
}

func TestOutboundHandler(t *testing.T) {
	t.Run("Publish failure is a messaging error", func(t *testing.T) {
		handler, err := NewOutboundHandler(failingPublisher{}, "shipments", nil)
		require.NoError(t, err)

		err = handler.HandleMessage(context.Background(), contracts.NewMessage("x"))
		var messagingErr *contracts.MessagingError
		assert.ErrorAs(t, err, &messagingErr)
	})

	t.Run("Rejects missing arguments", func(t *testing.T) {
		_, err := NewOutboundHandler(nil, "t", nil)
		assert.True(t, contracts.IsCompositionError(err))
		_, err = NewOutboundHandler(failingPublisher{}, " ", nil)
		assert.True(t, contracts.IsCompositionError(err))
	})
}
