package channel

import (
	"context"

	"github.com/glimte/mmate-flow/contracts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/glimte/mmate-flow/channel"

// TracingInterceptor starts an OpenTelemetry span around every send. The span
// context is propagated to subscribers through ctx.
type TracingInterceptor struct {
	tracer trace.Tracer
}

// NewTracingInterceptor creates a tracing interceptor. A nil tracer uses the
// global tracer provider.
func NewTracingInterceptor(tracer trace.Tracer) *TracingInterceptor {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &TracingInterceptor{tracer: tracer}
}

// PreSend implements ChannelInterceptor
func (i *TracingInterceptor) PreSend(ctx context.Context, ch MessageChannel, msg contracts.Message) (context.Context, contracts.Message, error) {
	ctx, _ = i.tracer.Start(ctx, "send "+ch.Name(),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", ch.Name()),
			attribute.String("messaging.message.id", msg.GetID()),
			attribute.String("messaging.message.conversation_id", msg.GetHeaders().CorrelationID()),
		),
	)
	return ctx, msg, nil
}

// AfterSend implements ChannelInterceptor
func (i *TracingInterceptor) AfterSend(ctx context.Context, ch MessageChannel, msg contracts.Message, sent bool, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Bool("messaging.sent", sent))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Name implements ChannelInterceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}
