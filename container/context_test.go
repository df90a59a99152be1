package container

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/dsl"
	"github.com/glimte/mmate-flow/endpoint"
	"github.com/glimte/mmate-flow/event"
	"github.com/glimte/mmate-flow/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type recorder struct {
	name      string
	log       *[]string
	failStart bool
	running   bool

	resolver  channel.Resolver
	scheduler *endpoint.TaskScheduler
}

func (r *recorder) Start(ctx context.Context) error {
	if r.failStart {
		return errors.New("start failed")
	}
	*r.log = append(*r.log, "start "+r.name)
	r.running = true
	return nil
}

func (r *recorder) Stop(ctx context.Context) error {
	*r.log = append(*r.log, "stop "+r.name)
	r.running = false
	return nil
}

func (r *recorder) IsRunning() bool { return r.running }

func (r *recorder) State() endpoint.State {
	if r.running {
		return endpoint.StateRunning
	}
	return endpoint.StateStopped
}

func (r *recorder) SetChannelResolver(resolver channel.Resolver) { r.resolver = resolver }

func (r *recorder) SetScheduler(scheduler *endpoint.TaskScheduler) { r.scheduler = scheduler }

type producerRecorder struct {
	*recorder
	output channel.MessageChannel
}

func (p *producerRecorder) OutputChannel() channel.MessageChannel      { return p.output }
func (p *producerRecorder) SetOutputChannel(ch channel.MessageChannel) { p.output = ch }

type Greeter interface {
	Greet(ctx context.Context, name string) (string, error)
}

type greeterAdapter struct {
	proxy *gateway.Proxy
}

func (g greeterAdapter) Greet(ctx context.Context, name string) (string, error) {
	reply, _, err := gateway.Call[string](ctx, g.proxy, "Greet", name)
	return reply, err
}

func upper(ctx context.Context, msg contracts.Message) (interface{}, error) {
	return strings.ToUpper(msg.GetPayload().(string)), nil
}

func payloads(ch *channel.QueueChannel) []interface{} {
	var out []interface{}
	for {
		msg, ok := ch.TryReceive()
		if !ok {
			return out
		}
		out = append(out, msg.GetPayload())
	}
}

func must(t *testing.T) func(*dsl.IntegrationFlowBuilder, error) *dsl.IntegrationFlowBuilder {
	return func(b *dsl.IntegrationFlowBuilder, err error) *dsl.IntegrationFlowBuilder {
		t.Helper()
		require.NoError(t, err)
		return b
	}
}

func mustGet(t *testing.T, b *dsl.IntegrationFlowBuilder) *dsl.IntegrationFlow {
	t.Helper()
	flow, err := b.Get()
	require.NoError(t, err)
	return flow
}

func started(t *testing.T, c *Context) {
	t.Helper()
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Close(context.Background()) })
}

func TestContextFlows(t *testing.T) {
	ctx := context.Background()

	t.Run("Named channels are created on start and connect flows", func(t *testing.T) {
		c := NewContext()
		results := channel.NewQueueChannel()

		upperFlow := mustGet(t, must(t)(dsl.From("in")).Transform(upper).Channel("out"))
		collectFlow := mustGet(t, must(t)(dsl.From("out")).ChannelObject(results))
		require.NoError(t, c.RegisterFlow("upper", upperFlow))
		require.NoError(t, c.RegisterFlow("collect", collectFlow))
		started(t, c)

		in, ok := c.Channel("in")
		require.True(t, ok)
		assert.IsType(t, &channel.DirectChannel{}, in)

		sent, err := in.Send(ctx, contracts.NewMessage("hello"))
		require.NoError(t, err)
		assert.True(t, sent)
		assert.Equal(t, []interface{}{"HELLO"}, payloads(results))
	})

	t.Run("Fixed subscriber starts accept a single subscriber", func(t *testing.T) {
		c := NewContext()
		handler := channel.MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error { return nil })
		flow := mustGet(t, must(t)(dsl.FromChannelName("fixed", true)).Handle(handler))
		require.NoError(t, c.RegisterFlow("fixed", flow))
		started(t, c)

		ch, ok := c.Channel("fixed")
		require.True(t, ok)
		fixed, ok := ch.(*channel.FixedSubscriberChannel)
		require.True(t, ok)
		assert.Equal(t, 1, fixed.SubscriberCount())

		err := fixed.Subscribe(channel.MessageHandlerFunc(func(ctx context.Context, msg contracts.Message) error { return nil }))
		assert.ErrorIs(t, err, contracts.ErrFixedSubscriber)
	})

	t.Run("Anonymous components are named after their flow", func(t *testing.T) {
		c := NewContext()
		first := channel.NewDirectChannel()
		flow := mustGet(t, must(t)(dsl.FromChannel(first)).Transform(upper).Transform(upper))
		require.NoError(t, c.RegisterFlow("orders", flow))

		assert.Equal(t, []string{
			"orders.channel#0",
			"orders.consumerEndpoint#0",
			"orders.channel#1",
			"orders.consumerEndpoint#1",
		}, c.ComponentNames())
		assert.Equal(t, "orders.channel#0", first.Name())
		assert.Equal(t, c.ComponentNames(), c.FlowComponents("orders"))
	})

	t.Run("Unnamed flows get generated names", func(t *testing.T) {
		c := NewContext()
		require.NoError(t, c.RegisterFlow("", mustGet(t, must(t)(dsl.From("a")))))
		require.NoError(t, c.RegisterFlow("", mustGet(t, must(t)(dsl.From("b")))))

		assert.Equal(t, []string{"flow#0", "flow#1"}, c.FlowNames())
	})

	t.Run("Duplicate flow names are rejected", func(t *testing.T) {
		c := NewContext()
		require.NoError(t, c.RegisterFlow("same", mustGet(t, must(t)(dsl.From("a")))))

		err := c.RegisterFlow("same", mustGet(t, must(t)(dsl.From("b"))))
		assert.ErrorIs(t, err, contracts.ErrDuplicateComponent)
		assert.ErrorIs(t, c.RegisterFlow("nil", nil), contracts.ErrNilArgument)
	})

	t.Run("A failed registration leaves nothing behind", func(t *testing.T) {
		c := NewContext()
		_, err := c.Register(channel.NewDirectChannel(channel.WithName("taken")), "")
		require.NoError(t, err)

		flow := mustGet(t, must(t)(dsl.FromChannel(channel.NewDirectChannel())).
			Transform(upper).
			ChannelObject(channel.NewDirectChannel(channel.WithName("taken"))))
		err = c.RegisterFlow("clash", flow)

		assert.ErrorIs(t, err, contracts.ErrDuplicateComponent)
		assert.Equal(t, []string{"taken"}, c.ComponentNames())
		assert.Empty(t, c.FlowNames())
	})

	t.Run("Service flows answer through the gateway", func(t *testing.T) {
		c := NewContext()
		b := must(t)(dsl.FromService[Greeter](
			func(p *gateway.Proxy) Greeter { return greeterAdapter{proxy: p} },
			gateway.WithReplyTimeout(time.Second),
		))
		flow := mustGet(t, b.HandleFunc(func(ctx context.Context, msg contracts.Message) (interface{}, error) {
			return "hello " + msg.GetPayload().(string), nil
		}))
		require.NoError(t, c.RegisterFlow("greetings", flow))
		started(t, c)

		svc, ok := ComponentAs[*gateway.Service[Greeter]](c, "greetings.gateway")
		require.True(t, ok)
		greeting, err := svc.Service().Greet(ctx, "ada")
		require.NoError(t, err)
		assert.Equal(t, "hello ada", greeting)
	})

	t.Run("Anonymous gateways in separate flows get their own names", func(t *testing.T) {
		c := NewContext()
		gateways := map[string]*gateway.MessagingGateway{}
		for _, name := range []string{"a", "b"} {
			gw := gateway.NewMessagingGateway(gateway.WithReplyTimeout(time.Second))
			prefix := name
			flow := mustGet(t, must(t)(dsl.FromGateway(gw)).HandleFunc(func(ctx context.Context, msg contracts.Message) (interface{}, error) {
				return prefix + ":" + msg.GetPayload().(string), nil
			}))
			require.NoError(t, c.RegisterFlow(name, flow))
			gateways[name] = gw
		}
		started(t, c)

		assert.Contains(t, c.FlowComponents("a"), "a.messagingGateway#0")
		assert.Contains(t, c.FlowComponents("b"), "b.messagingGateway#0")
		for name, gw := range gateways {
			reply, err := gw.SendAndReceive(ctx, "ping", nil)
			require.NoError(t, err)
			assert.Equal(t, name+":ping", reply)
		}
	})

	t.Run("Source flows poll into the flow", func(t *testing.T) {
		c := NewContext(WithPoolSize(2))
		results := channel.NewQueueChannel()
		counter := atomic.NewInt32(0)
		source := endpoint.MessageSourceFunc(func(ctx context.Context) (contracts.Message, error) {
			if n := counter.Inc(); n <= 3 {
				return contracts.NewMessage(n), nil
			}
			return nil, nil
		})

		flow := mustGet(t, must(t)(dsl.FromSource(source, func(s *dsl.SourcePollingChannelAdapterSpec) {
			s.Poller(dsl.FixedDelayPoller(5 * time.Millisecond))
		})).ChannelObject(results))
		require.NoError(t, c.RegisterFlow("ticks", flow))
		started(t, c)

		require.Eventually(t, func() bool { return results.Size() == 3 }, time.Second, time.Millisecond)
		assert.Equal(t, []interface{}{int32(1), int32(2), int32(3)}, payloads(results))
	})

	t.Run("Event flows forward published events", func(t *testing.T) {
		c := NewContext()
		bus, err := event.NewBus()
		require.NoError(t, err)
		results := channel.NewQueueChannel()

		source, err := event.NewApplicationEventSource(channel.NewDirectChannel(), event.WithBus(bus))
		require.NoError(t, err)
		require.NoError(t, source.SetEventTypes(event.TypeOf[string]()))
		flow := mustGet(t, must(t)(dsl.FromProducer(source)).ChannelObject(results))
		require.NoError(t, c.RegisterFlow("events", flow))
		started(t, c)

		bus.Publish(ctx, "hello")
		bus.Publish(ctx, 42)

		assert.Equal(t, []interface{}{"hello"}, payloads(results))
	})

	t.Run("Filters discard to the named channel", func(t *testing.T) {
		c := NewContext()
		accepted := channel.NewQueueChannel()
		rejected := channel.NewQueueChannel(channel.WithName("rejected"))
		_, err := c.Register(rejected, "")
		require.NoError(t, err)

		flow := mustGet(t, must(t)(dsl.From("in")).
			Filter(func(ctx context.Context, msg contracts.Message) bool { return msg.GetPayload() != "bad" },
				dsl.WithDiscardChannel("rejected")).
			ChannelObject(accepted))
		require.NoError(t, c.RegisterFlow("filter", flow))
		started(t, c)

		in, _ := c.Channel("in")
		for _, payload := range []string{"good", "bad"} {
			_, err := in.Send(ctx, contracts.NewMessage(payload))
			require.NoError(t, err)
		}

		assert.Equal(t, []interface{}{"good"}, payloads(accepted))
		assert.Equal(t, []interface{}{"bad"}, payloads(rejected))
	})

	t.Run("Flows registered while running start immediately", func(t *testing.T) {
		c := NewContext()
		started(t, c)
		in := channel.NewDirectChannel()
		results := channel.NewQueueChannel()

		flow := mustGet(t, must(t)(dsl.FromChannel(in)).Transform(upper).ChannelObject(results))
		require.NoError(t, c.RegisterFlow("late", flow))

		_, err := in.Send(ctx, contracts.NewMessage("late"))
		require.NoError(t, err)
		assert.Equal(t, []interface{}{"LATE"}, payloads(results))
	})

	t.Run("Removed flows stop consuming", func(t *testing.T) {
		c := NewContext()
		results := channel.NewQueueChannel()
		flow := mustGet(t, must(t)(dsl.From("in")).Transform(upper).ChannelObject(results))
		require.NoError(t, c.RegisterFlow("upper", flow))
		started(t, c)

		require.NoError(t, c.RemoveFlow(ctx, "upper"))

		in, ok := c.Channel("in")
		require.True(t, ok)
		sent, err := in.Send(ctx, contracts.NewMessage("ignored"))
		require.NoError(t, err)
		assert.False(t, sent)
		assert.Empty(t, c.FlowNames())
		assert.True(t, contracts.IsCompositionError(c.RemoveFlow(ctx, "upper")))
	})
}

func TestContextLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Consumers start before producers and stop in reverse", func(t *testing.T) {
		var log []string
		c := NewContext()
		for _, component := range []interface{}{
			&producerRecorder{recorder: &recorder{name: "producer", log: &log}},
			&recorder{name: "first", log: &log},
			&recorder{name: "second", log: &log},
		} {
			_, err := c.Register(component, "")
			require.NoError(t, err)
		}

		require.NoError(t, c.Start(ctx))
		assert.True(t, c.IsRunning())
		require.NoError(t, c.Stop(ctx))
		assert.False(t, c.IsRunning())

		assert.Equal(t, []string{
			"start first", "start second", "start producer",
			"stop producer", "stop second", "stop first",
		}, log)
		require.NoError(t, c.Close(ctx))
	})

	t.Run("A failed start stops what was started", func(t *testing.T) {
		var log []string
		c := NewContext()
		_, err := c.Register(&recorder{name: "first", log: &log}, "first")
		require.NoError(t, err)
		_, err = c.Register(&recorder{name: "broken", log: &log, failStart: true}, "broken")
		require.NoError(t, err)
		_, err = c.Register(&recorder{name: "third", log: &log}, "third")
		require.NoError(t, err)

		err = c.Start(ctx)
		assert.Error(t, err)
		assert.False(t, c.IsRunning())
		assert.Equal(t, []string{"start first", "stop first"}, log)
		require.NoError(t, c.Close(ctx))
	})

	t.Run("Resolver and scheduler are injected", func(t *testing.T) {
		var log []string
		c := NewContext()
		component := &recorder{name: "aware", log: &log}
		name, err := c.Register(component, "")
		require.NoError(t, err)
		started(t, c)

		assert.Equal(t, "recorder#0", name)
		assert.NotNil(t, component.resolver)
		assert.NotNil(t, component.scheduler)
		got, ok := ComponentAs[*recorder](c, name)
		require.True(t, ok)
		assert.Same(t, component, got)
		_, ok = ComponentAs[*producerRecorder](c, name)
		assert.False(t, ok)
	})

	t.Run("Start and stop are idempotent", func(t *testing.T) {
		var log []string
		c := NewContext()
		_, err := c.Register(&recorder{name: "once", log: &log}, "")
		require.NoError(t, err)

		require.NoError(t, c.Start(ctx))
		require.NoError(t, c.Start(ctx))
		require.NoError(t, c.Stop(ctx))
		require.NoError(t, c.Stop(ctx))

		assert.Equal(t, []string{"start once", "stop once"}, log)
		require.NoError(t, c.Close(ctx))
	})
}

func TestContextRegister(t *testing.T) {
	t.Run("Nil components are rejected", func(t *testing.T) {
		_, err := NewContext().Register(nil, "x")
		assert.ErrorIs(t, err, contracts.ErrNilArgument)
	})

	t.Run("Names are unique per component", func(t *testing.T) {
		c := NewContext()
		ch := channel.NewDirectChannel()

		name, err := c.Register(ch, "same")
		require.NoError(t, err)
		again, err := c.Register(ch, "same")
		require.NoError(t, err)
		assert.Equal(t, name, again)

		_, err = c.Register(channel.NewDirectChannel(), "same")
		assert.ErrorIs(t, err, contracts.ErrDuplicateComponent)
	})

	t.Run("Registered channels are resolvable", func(t *testing.T) {
		c := NewContext()
		ch := channel.NewQueueChannel()
		_, err := c.Register(ch, "jobs")
		require.NoError(t, err)

		resolved, err := c.ResolveChannel("jobs")
		require.NoError(t, err)
		assert.Equal(t, ch, resolved)
		assert.Equal(t, "jobs", ch.Name())
		assert.Contains(t, c.Registry().Names(), "jobs")

		_, err = c.ResolveChannel("missing")
		assert.ErrorIs(t, err, contracts.ErrChannelResolution)
	})

	t.Run("References registered while running are bound", func(t *testing.T) {
		c := NewContext()
		started(t, c)

		ref := channel.NewReference("late")
		name, err := c.Register(ref, "")
		require.NoError(t, err)
		assert.Equal(t, "late", name)

		target, err := ref.Resolve()
		require.NoError(t, err)
		assert.Equal(t, "late", target.Name())
	})
}
