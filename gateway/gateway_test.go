package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/endpoint"
	"github.com/glimte/mmate-flow/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// serve subscribes a service activator replying through the replyChannel header
func serve(t *testing.T, requests *channel.DirectChannel, fn endpoint.ProcessFunc) {
	t.Helper()
	handler, err := endpoint.NewServiceActivator(fn)
	require.NoError(t, err)
	require.NoError(t, requests.Subscribe(handler))
}

func started(t *testing.T, g interface{ Start(context.Context) error }) {
	t.Helper()
	require.NoError(t, g.Start(context.Background()))
}

func TestMessagingGateway(t *testing.T) {
	ctx := context.Background()

	t.Run("Request and reply round trip", func(t *testing.T) {
		requests := channel.NewDirectChannel(channel.WithName("requests"))
		serve(t, requests, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return strings.ToUpper(msg.GetPayload().(string)), nil
		})

		g := NewMessagingGateway(WithRequestChannel(requests))
		started(t, g)

		reply, err := g.SendAndReceive(ctx, "hello", nil)
		require.NoError(t, err)
		assert.Equal(t, "HELLO", reply)
		assert.Equal(t, 0, g.PendingRequests())
	})

	t.Run("Calls are refused unless running", func(t *testing.T) {
		g := NewMessagingGateway(WithRequestChannel(channel.NewQueueChannel()))

		_, err := g.SendAndReceive(ctx, "x", nil)
		assert.ErrorIs(t, err, contracts.ErrComponentNotActive)
		assert.ErrorIs(t, g.Send(ctx, "x", nil), contracts.ErrComponentNotActive)
	})

	t.Run("Gateways are unnamed unless a name is set", func(t *testing.T) {
		assert.Empty(t, NewMessagingGateway().Name())
		assert.Equal(t, "orders", NewMessagingGateway(WithName("orders")).Name())
	})

	t.Run("Start without a request channel fails", func(t *testing.T) {
		g := NewMessagingGateway()
		assert.True(t, contracts.IsCompositionError(g.Start(ctx)))
	})

	t.Run("Missing reply is an empty result", func(t *testing.T) {
		requests := channel.NewQueueChannel()
		g := NewMessagingGateway(WithRequestChannel(requests), WithReplyTimeout(20*time.Millisecond))
		started(t, g)

		reply, err := g.SendAndReceive(ctx, "x", nil)
		require.NoError(t, err)
		assert.Nil(t, reply)
		assert.Equal(t, 1, requests.Size())
	})

	t.Run("Handler failures reach the caller", func(t *testing.T) {
		boom := errors.New("boom")
		requests := channel.NewDirectChannel()
		serve(t, requests, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return nil, boom
		})
		g := NewMessagingGateway(WithRequestChannel(requests))
		started(t, g)

		_, err := g.SendAndReceive(ctx, "x", nil)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("Error message replies are returned as errors", func(t *testing.T) {
		cause := errors.New("downstream")
		requests := channel.NewDirectChannel()
		serve(t, requests, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return contracts.NewMessagingError("handle", msg, cause), nil
		})
		g := NewMessagingGateway(WithRequestChannel(requests))
		started(t, g)

		_, err := g.SendAndReceive(ctx, "x", nil)
		var msgErr *contracts.MessagingError
		require.ErrorAs(t, err, &msgErr)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("Default headers do not override call headers", func(t *testing.T) {
		requests := channel.NewQueueChannel()
		g := NewMessagingGateway(
			WithRequestChannel(requests),
			WithDefaultHeaders(map[string]interface{}{"tenant": "default", "region": "eu"}),
		)
		started(t, g)

		require.NoError(t, g.Send(ctx, "x", map[string]interface{}{"tenant": "acme"}))

		msg, ok := requests.TryReceive()
		require.True(t, ok)
		assert.Equal(t, "acme", msg.GetHeaders().GetString("tenant"))
		assert.Equal(t, "eu", msg.GetHeaders().GetString("region"))
	})

	t.Run("Explicit reply channel is used", func(t *testing.T) {
		requests := channel.NewDirectChannel()
		replies := channel.NewQueueChannel(channel.WithName("replies"))
		serve(t, requests, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return "pong", nil
		})
		g := NewMessagingGateway(WithRequestChannel(requests), WithReplyChannel(replies))
		started(t, g)

		reply, err := g.SendAndReceive(ctx, "ping", nil)
		require.NoError(t, err)
		assert.Equal(t, "pong", reply)
		assert.Same(t, replies, g.ReplyChannel())
	})

	t.Run("Failed one-way sends go to the error channel", func(t *testing.T) {
		requests := channel.NewQueueChannel(channel.WithCapacity(1))
		errs := channel.NewQueueChannel()
		g := NewMessagingGateway(WithRequestChannel(requests), WithErrorChannel(errs))
		started(t, g)

		require.NoError(t, g.Send(ctx, 1, nil))
		require.NoError(t, g.Send(ctx, 2, nil))
		assert.Equal(t, 1, errs.Size())
	})

	t.Run("Pending requests are bounded", func(t *testing.T) {
		requests := channel.NewQueueChannel()
		g := NewMessagingGateway(
			WithRequestChannel(requests),
			WithReplyTimeout(200*time.Millisecond),
			WithMaxPendingRequests(1),
		)
		started(t, g)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = g.SendAndReceive(ctx, "slow", nil)
		}()
		require.Eventually(t, func() bool { return g.PendingRequests() == 1 }, time.Second, time.Millisecond)

		_, err := g.SendAndReceive(ctx, "second", nil)
		assert.ErrorIs(t, err, ErrTooManyPendingRequests)
		<-done
	})

	t.Run("Retry policy repeats failed exchanges", func(t *testing.T) {
		calls := atomic.NewInt32(0)
		requests := channel.NewDirectChannel()
		serve(t, requests, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			if calls.Inc() < 3 {
				return nil, errors.New("transient")
			}
			return "ok", nil
		})
		g := NewMessagingGateway(
			WithRequestChannel(requests),
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)),
		)
		started(t, g)

		reply, err := g.SendAndReceive(ctx, "x", nil)
		require.NoError(t, err)
		assert.Equal(t, "ok", reply)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("Circuit breaker stops calling a failing flow", func(t *testing.T) {
		calls := atomic.NewInt32(0)
		requests := channel.NewDirectChannel()
		serve(t, requests, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			calls.Inc()
			return nil, errors.New("down")
		})
		g := NewMessagingGateway(WithRequestChannel(requests), WithCircuitBreaker(2, time.Minute))
		started(t, g)

		for i := 0; i < 3; i++ {
			_, _ = g.SendAndReceive(ctx, i, nil)
		}

		_, err := g.SendAndReceive(ctx, "blocked", nil)
		assert.True(t, endpoint.IsCircuitOpen(err))
		assert.Equal(t, int32(2), calls.Load())
	})
}

type Greeter interface {
	Greet(ctx context.Context, name string) (string, error)
	Wave(ctx context.Context, name string) error
}

type greeterAdapter struct {
	proxy *Proxy
}

func (g greeterAdapter) Greet(ctx context.Context, name string) (string, error) {
	reply, ok, err := Call[string](ctx, g.proxy, "Greet", name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no greeting for %s", name)
	}
	return reply, nil
}

func (g greeterAdapter) Wave(ctx context.Context, name string) error {
	return g.proxy.Notify(ctx, "Wave", name)
}

func TestService(t *testing.T) {
	ctx := context.Background()
	bind := func(p *Proxy) Greeter { return greeterAdapter{proxy: p} }

	t.Run("Typed adapter calls through the proxy", func(t *testing.T) {
		requests := channel.NewDirectChannel()
		var method, service string
		serve(t, requests, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			method = msg.GetHeaders().GetString(HeaderGatewayMethod)
			service = msg.GetHeaders().GetString(HeaderGatewayService)
			return "hello " + msg.GetPayload().(string), nil
		})

		svc, err := NewService[Greeter](bind, WithRequestChannel(requests))
		require.NoError(t, err)
		started(t, svc)

		greeting, err := svc.Service().Greet(ctx, "ada")
		require.NoError(t, err)
		assert.Equal(t, "hello ada", greeting)
		assert.Equal(t, "Greet", method)
		assert.Equal(t, "gateway.Greeter", service)
		assert.Equal(t, "gateway.Greeter", svc.ServiceName())
	})

	t.Run("Unexpected reply types are errors", func(t *testing.T) {
		requests := channel.NewDirectChannel()
		serve(t, requests, func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return 42, nil
		})
		svc, err := NewService[Greeter](bind, WithRequestChannel(requests))
		require.NoError(t, err)
		started(t, svc)

		_, err = svc.Service().Greet(ctx, "ada")
		assert.ErrorIs(t, err, ErrUnexpectedReply)
	})

	t.Run("One-way methods notify", func(t *testing.T) {
		requests := channel.NewQueueChannel()
		svc, err := NewService[Greeter](bind, WithRequestChannel(requests))
		require.NoError(t, err)
		started(t, svc)

		require.NoError(t, svc.Service().Wave(ctx, "ada"))
		msg, ok := requests.TryReceive()
		require.True(t, ok)
		assert.Equal(t, "Wave", msg.GetHeaders().GetString(HeaderGatewayMethod))
	})

	t.Run("Nil binder is a composition error", func(t *testing.T) {
		_, err := NewService[Greeter](nil)
		assert.True(t, contracts.IsCompositionError(err))
	})
}
