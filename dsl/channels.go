package dsl

import (
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

type channelKind int

const (
	kindDirect channelKind = iota
	kindQueue
	kindPublishSubscribe
	kindExecutor
)

// Channels is the factory of channel specs passed to FromChannelFunc
type Channels struct{}

// Direct specifies a direct channel. An empty name gives an anonymous channel.
func (Channels) Direct(name string) *ChannelSpec {
	return newChannelSpec(kindDirect, name)
}

// Queue specifies a queue channel. A capacity of zero or less is unbounded.
func (Channels) Queue(name string, capacity int) *ChannelSpec {
	spec := newChannelSpec(kindQueue, name)
	spec.options = append(spec.options, channel.WithCapacity(capacity))
	return spec
}

// PublishSubscribe specifies a channel broadcasting to every subscriber
func (Channels) PublishSubscribe(name string) *ChannelSpec {
	return newChannelSpec(kindPublishSubscribe, name)
}

// Executor specifies a channel dispatching on a worker pool of poolSize workers
func (Channels) Executor(name string, poolSize int) *ChannelSpec {
	spec := newChannelSpec(kindExecutor, name)
	spec.options = append(spec.options, channel.WithPoolSize(poolSize))
	return spec
}

// ChannelSpec builds a channel once and carries the components it depends on
type ChannelSpec struct {
	kind    channelKind
	name    string
	options []channel.Option
	metrics *channel.MetricsInterceptor
	logger  *slog.Logger

	interceptors []channel.ChannelInterceptor
	components   []Component
	built        channel.MessageChannel
}

func newChannelSpec(kind channelKind, name string) *ChannelSpec {
	spec := &ChannelSpec{kind: kind, name: name, logger: slog.Default()}
	if name != "" {
		spec.options = append(spec.options, channel.WithName(name))
	}
	return spec
}

// Logger sets the channel logger
func (s *ChannelSpec) Logger(logger *slog.Logger) *ChannelSpec {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Interceptor adds interceptors in order
func (s *ChannelSpec) Interceptor(interceptors ...channel.ChannelInterceptor) *ChannelSpec {
	s.interceptors = append(s.interceptors, interceptors...)
	return s
}

// BlockingSend makes sends to a full queue wait for room
func (s *ChannelSpec) BlockingSend() *ChannelSpec {
	s.options = append(s.options, channel.WithBlockingSend(true))
	return s
}

// Failover sets whether a direct or executor channel tries the next subscriber on failure
func (s *ChannelSpec) Failover(failover bool) *ChannelSpec {
	s.options = append(s.options, channel.WithFailover(failover))
	return s
}

// Metrics records Prometheus send metrics, registering the collectors on Get
func (s *ChannelSpec) Metrics(registerer prometheus.Registerer) *ChannelSpec {
	s.metrics = channel.NewMetricsInterceptor(registerer)
	s.interceptors = append(s.interceptors, s.metrics)
	return s
}

// Tracing starts a span for every send. A nil tracer uses the global provider.
func (s *ChannelSpec) Tracing(tracer trace.Tracer) *ChannelSpec {
	s.interceptors = append(s.interceptors, channel.NewTracingInterceptor(tracer))
	return s
}

// WireTap copies every message to the named channel
func (s *ChannelSpec) WireTap(name string) *ChannelSpec {
	ref := channel.NewReference(name)
	s.components = append(s.components, Component{NameHint: name, Value: ref})
	s.interceptors = append(s.interceptors, channel.NewWireTap(ref, s.logger))
	return s
}

// WireTapChannel copies every message to the channel built by tap. The tap
// channel is registered together with this channel.
func (s *ChannelSpec) WireTapChannel(tap *ChannelSpec) *ChannelSpec {
	if tap == nil {
		return s
	}
	s.components = append(s.components, tap.ComponentsToRegister()...)
	s.components = append(s.components, Component{NameHint: tap.name, Value: tap})
	return s
}

// ComponentsToRegister implements ComponentsRegistration
func (s *ChannelSpec) ComponentsToRegister() []Component {
	out := make([]Component, 0, len(s.components))
	for _, c := range s.components {
		if nested, ok := c.Value.(*ChannelSpec); ok {
			ch, err := nested.Get()
			if err != nil {
				continue
			}
			c.Value = ch
		}
		out = append(out, c)
	}
	return out
}

// Get implements MessageChannelSpec. The channel is built once.
func (s *ChannelSpec) Get() (channel.MessageChannel, error) {
	if s.built != nil {
		return s.built, nil
	}

	if s.metrics != nil {
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("failed to register channel metrics: %w", err)
		}
	}

	interceptors := s.interceptors
	for _, c := range s.components {
		if nested, ok := c.Value.(*ChannelSpec); ok {
			tap, err := nested.Get()
			if err != nil {
				return nil, err
			}
			interceptors = append(interceptors, channel.NewWireTap(tap, s.logger))
		}
	}

	options := append([]channel.Option{channel.WithChannelLogger(s.logger)}, s.options...)
	options = append(options, channel.WithInterceptors(interceptors...))

	var ch channel.MessageChannel
	switch s.kind {
	case kindDirect:
		ch = channel.NewDirectChannel(options...)
	case kindQueue:
		ch = channel.NewQueueChannel(options...)
	case kindPublishSubscribe:
		ch = channel.NewPublishSubscribeChannel(options...)
	case kindExecutor:
		executor, err := channel.NewExecutorChannel(options...)
		if err != nil {
			return nil, contracts.NewCompositionError("executor channel", s.name, err)
		}
		ch = executor
	default:
		return nil, contracts.NewCompositionError("channel spec", s.name,
			fmt.Errorf("%w: unknown channel kind %d", contracts.ErrInvalidConfiguration, s.kind))
	}

	s.built = ch
	return ch, nil
}
