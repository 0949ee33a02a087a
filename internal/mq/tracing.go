package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/shaiso/Tandem/internal/mq")

// headerCarrier переносит trace context через заголовки AMQP.
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = headerCarrier(nil)

// startPublishSpan открывает span публикации и записывает его контекст
// в headers.
func startPublishSpan(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message, headers amqp.Table) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "publish "+string(routingKey),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", string(exchange)),
			attribute.String("messaging.rabbitmq.destination.routing_key", string(routingKey)),
			attribute.String("messaging.message.id", msg.ID),
			attribute.String("tandem.message.type", string(msg.Type)),
		),
	)
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))
	return ctx, span
}

// startConsumeSpan продолжает trace отправителя сообщения.
func startConsumeSpan(ctx context.Context, queue string, d *Delivery) (context.Context, trace.Span) {
	if d.Raw.Headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Raw.Headers))
	}
	return tracer.Start(ctx, "process "+queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source.name", queue),
			attribute.String("messaging.message.id", d.ID),
			attribute.String("tandem.message.type", string(d.Type)),
			attribute.Bool("messaging.rabbitmq.redelivered", d.Raw.Redelivered),
		),
	)
}
