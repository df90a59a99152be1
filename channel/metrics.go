package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/mmate-flow/contracts"
	"github.com/prometheus/client_golang/prometheus"
)

// Send outcomes recorded by MetricsInterceptor
const (
	ResultSent     = "sent"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// MetricsInterceptor records Prometheus metrics for channel sends
type MetricsInterceptor struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	sendsTotal   *prometheus.CounterVec
	sendDuration *prometheus.HistogramVec
}

type metricsStartKey struct{}

// NewMetricsInterceptor creates a metrics interceptor. A nil registerer uses
// prometheus.DefaultRegisterer.
func NewMetricsInterceptor(registerer prometheus.Registerer) *MetricsInterceptor {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &MetricsInterceptor{
		registerer: registerer,
		sendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mmate_flow",
				Subsystem: "channel",
				Name:      "sends_total",
				Help:      "Total number of messages sent to a channel by outcome",
			},
			[]string{"channel", "result"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mmate_flow",
				Subsystem: "channel",
				Name:      "send_duration_seconds",
				Help:      "Duration of channel sends including synchronous dispatch",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (i *MetricsInterceptor) Register() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.registered {
		return nil
	}

	// channels sharing a registerer share the collectors registered first
	if err := i.registerer.Register(i.sendsTotal); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return err
		}
		i.sendsTotal = existing
	}
	if err := i.registerer.Register(i.sendDuration); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return err
		}
		i.sendDuration = existing
	}

	i.registered = true
	return nil
}

// PreSend implements ChannelInterceptor
func (i *MetricsInterceptor) PreSend(ctx context.Context, ch MessageChannel, msg contracts.Message) (context.Context, contracts.Message, error) {
	return context.WithValue(ctx, metricsStartKey{}, time.Now()), msg, nil
}

// AfterSend implements ChannelInterceptor
func (i *MetricsInterceptor) AfterSend(ctx context.Context, ch MessageChannel, msg contracts.Message, sent bool, err error) {
	name := ch.Name()
	result := ResultSent
	switch {
	case err != nil:
		result = ResultFailed
	case !sent:
		result = ResultRejected
	}
	i.sendsTotal.WithLabelValues(name, result).Inc()

	if start, ok := ctx.Value(metricsStartKey{}).(time.Time); ok {
		i.sendDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

// Name implements ChannelInterceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// SendsTotal exposes the send counter
func (i *MetricsInterceptor) SendsTotal() *prometheus.CounterVec {
	return i.sendsTotal
}
