package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glimte/mmate-flow/adapters/pubsub"
	"github.com/glimte/mmate-flow/adapters/rabbitmq"
	"github.com/glimte/mmate-flow/adapters/redisstream"
	"github.com/glimte/mmate-flow/channel"
	"github.com/glimte/mmate-flow/container"
	"github.com/glimte/mmate-flow/contracts"
	"github.com/glimte/mmate-flow/dsl"
	"github.com/glimte/mmate-flow/endpoint"
	"github.com/glimte/mmate-flow/gateway"
	"github.com/glimte/mmate-flow/health"
	"github.com/glimte/mmate-flow/internal/reliability"
	"github.com/glimte/mmate-flow/serialization"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	transportGoChannel = "gochannel"
	transportRabbitMQ  = "rabbitmq"
	transportRedis     = "redis"
)

// HeaderSentBy names the process that sent a message through the pipeline
const HeaderSentBy = "sentBy"

type config struct {
	transport   string
	amqpURL     string
	redisAddr   string
	destination string
	group       string
	capacity    int
	// sendOnly leaves out the consuming flow
	sendOnly bool
}

// pipeline is a gateway flow publishing to a transport and a consuming flow
// that receives from it into a bounded queue
type pipeline struct {
	cfg      config
	logger   *slog.Logger
	context  *container.Context
	gateway  *gateway.MessagingGateway
	received *channel.QueueChannel
	health   *health.Registry
	metrics  *prometheus.Registry

	connect func(ctx context.Context) error
	closers []func() error
}

type transport struct {
	outbound channel.MessageHandler
	inbound  endpoint.MessageProducer
	checker  health.Checker
	connect  func(ctx context.Context) error
	closers  []func() error
}

func newPipeline(cfg config, logger *slog.Logger) (*pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.capacity <= 0 {
		cfg.capacity = 1000
	}

	codec := serialization.NewCodec()
	t, err := newTransport(cfg, codec, logger)
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		cfg:      cfg,
		logger:   logger,
		context:  container.NewContext(container.WithLogger(logger)),
		gateway:  gateway.NewMessagingGateway(gateway.WithName("flowctl"), gateway.WithLogger(logger)),
		received: channel.NewQueueChannel(channel.WithName("received"), channel.WithCapacity(cfg.capacity)),
		health:   health.NewRegistry(),
		metrics:  prometheus.NewRegistry(),
		connect:  t.connect,
		closers:  t.closers,
	}

	channels := dsl.Channels{}
	publish, err := dsl.FromGateway(p.gateway)
	if err != nil {
		return nil, err
	}
	publishFlow, err := publish.
		Transform(p.stamp).
		ChannelSpec(channels.Direct("outbound").Metrics(p.metrics)).
		Handle(t.outbound, dsl.WithEndpointID("publisher")).
		Get()
	if err != nil {
		return nil, err
	}

	if err := p.context.RegisterFlow("publish", publishFlow); err != nil {
		return nil, err
	}

	if !cfg.sendOnly {
		consume, err := dsl.FromProducer(t.inbound)
		if err != nil {
			return nil, err
		}
		consumeFlow, err := consume.
			ChannelSpec(channels.Direct("inbound").Metrics(p.metrics)).
			Log(slog.LevelDebug, dsl.WithEndpointLogger(logger)).
			ChannelObject(p.received).
			Get()
		if err != nil {
			return nil, err
		}
		if err := p.context.RegisterFlow("consume", consumeFlow); err != nil {
			return nil, err
		}
	}

	p.health.Register(health.NewContainerChecker(p.context))
	p.health.Register(health.NewQueueChannelChecker("received", p.received, 0.8))
	p.health.Register(health.NewGoroutineChecker(1000, 5000))
	if t.checker != nil {
		p.health.Register(t.checker)
	}
	p.health.SetMetadata("transport", cfg.transport)
	p.health.SetMetadata("destination", cfg.destination)
	return p, nil
}

func newTransport(cfg config, codec *serialization.Codec, logger *slog.Logger) (*transport, error) {
	if strings.TrimSpace(cfg.destination) == "" {
		return nil, fmt.Errorf("destination is required")
	}

	switch cfg.transport {
	case transportGoChannel, "":
		ps := pubsub.NewGoChannel(false, logger)
		out, err := pubsub.NewOutboundHandler(ps, cfg.destination, codec)
		if err != nil {
			return nil, err
		}
		in, err := pubsub.NewInboundChannelAdapter(ps, cfg.destination, codec, logger)
		if err != nil {
			return nil, err
		}
		return &transport{
			outbound: out,
			inbound:  in,
			connect:  func(ctx context.Context) error { return nil },
			closers:  []func() error{ps.Close},
		}, nil

	case transportRabbitMQ:
		cm := rabbitmq.NewConnectionManager(cfg.amqpURL, rabbitmq.WithConnectionLogger(logger))
		out, err := rabbitmq.NewOutboundHandler(cm,
			rabbitmq.WithRoutingKey(cfg.destination),
			rabbitmq.WithCodec(codec),
			rabbitmq.WithLogger(logger),
			rabbitmq.WithRetryPolicy(reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2, 3)),
		)
		if err != nil {
			return nil, err
		}
		in, err := rabbitmq.NewInboundChannelAdapter(cm, cfg.destination,
			rabbitmq.WithCodec(codec),
			rabbitmq.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return &transport{
			outbound: out,
			inbound:  in,
			checker:  health.NewRabbitMQChecker(cm),
			connect: func(ctx context.Context) error {
				if err := cm.Connect(ctx); err != nil {
					return fmt.Errorf("failed to connect to %s: %w", rabbitmq.SanitizeURL(cfg.amqpURL), err)
				}
				return rabbitmq.DeclareTopology(ctx, cm, rabbitmq.QueueWithDeadLetter(cfg.destination))
			},
			closers: []func() error{out.Close, cm.Close},
		}, nil

	case transportRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr, MaxRetries: 3})
		out, err := redisstream.NewOutboundHandler(client, cfg.destination,
			redisstream.WithOutboundCodec(codec),
			redisstream.WithOutboundLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		group := cfg.group
		if group == "" {
			group = "flowctl"
		}
		in, err := redisstream.NewInboundChannelAdapter(client, cfg.destination, group,
			redisstream.WithDeadLetterStream(cfg.destination+".dlq"),
			redisstream.WithInboundCodec(codec),
			redisstream.WithInboundLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		ping := func(ctx context.Context) error {
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return client.Ping(pingCtx).Err()
		}
		return &transport{
			outbound: out,
			inbound:  in,
			checker: health.NewComponentChecker("redis", func(ctx context.Context) (health.Status, string, map[string]interface{}, error) {
				if err := ping(ctx); err != nil {
					return health.StatusUnhealthy, "Ping failed", nil, err
				}
				return health.StatusHealthy, "Connection is healthy", map[string]interface{}{"addr": cfg.redisAddr}, nil
			}),
			connect: func(ctx context.Context) error {
				if err := ping(ctx); err != nil {
					return fmt.Errorf("redis ping failed: %w", err)
				}
				return nil
			},
			closers: []func() error{client.Close},
		}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.transport)
	}
}

func (p *pipeline) stamp(ctx context.Context, msg contracts.Message) (interface{}, error) {
	return contracts.FromMessage(msg).SetHeader(HeaderSentBy, "flowctl").Build(), nil
}

func (p *pipeline) start(ctx context.Context) error {
	if err := p.connect(ctx); err != nil {
		return err
	}
	return p.context.Start(ctx)
}

func (p *pipeline) send(ctx context.Context, payload interface{}) error {
	return p.gateway.Send(ctx, payload, nil)
}

func (p *pipeline) close(ctx context.Context) error {
	errs := []error{p.context.Close(ctx)}
	for _, closer := range p.closers {
		errs = append(errs, closer())
	}
	return errors.Join(errs...)
}
