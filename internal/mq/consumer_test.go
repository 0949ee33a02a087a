package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type settledAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *settledAck) Ack(uint64, bool) error {
	a.acked = true
	return nil
}

func (a *settledAck) Nack(_ uint64, _ bool, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

func (a *settledAck) Reject(_ uint64, requeue bool) error {
	a.nacked, a.requeue = true, requeue
	return nil
}

func newTestConsumer(handler Handler) *Consumer {
	return NewConsumer(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), ConsumerConfig{
		Queue:   "tandem.test",
		Handler: handler,
	})
}

func rawDelivery(t *testing.T, ack amqp.Acknowledger, redelivered bool) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(&Message{
		ID:        "m1",
		Type:      MessageTypeInstanceReady,
		Payload:   InstancePayload{InstanceID: "i1"},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, Body: body, Redelivered: redelivered}
}

func TestSettle(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name        string
		err         error
		redelivered bool
		stopping    bool
		want        outcome
	}{
		{"success", nil, false, false, outcomeAck},
		{"first failure", boom, false, false, outcomeRequeue},
		{"failure after redelivery", boom, true, false, outcomeDeadLetter},
		{"rejected", fmt.Errorf("%w: bad payload", ErrReject), false, false, outcomeDeadLetter},
		{"stopping", boom, true, true, outcomeRequeue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, settle(tt.err, tt.redelivered, tt.stopping))
		})
	}
}

func TestHandleDelivery_Ack(t *testing.T) {
	var got *Delivery
	c := newTestConsumer(func(_ context.Context, d *Delivery) error {
		got = d
		return nil
	})

	ack := &settledAck{}
	c.handleDelivery(context.Background(), rawDelivery(t, ack, false))

	assert.True(t, ack.acked)
	require.NotNil(t, got)
	assert.Equal(t, "m1", got.ID)

	payload, err := ParsePayload[InstancePayload](got)
	require.NoError(t, err)
	assert.Equal(t, "i1", payload.InstanceID)
}

func TestHandleDelivery_RequeueOnce(t *testing.T) {
	c := newTestConsumer(func(context.Context, *Delivery) error { return errors.New("db down") })

	first := &settledAck{}
	c.handleDelivery(context.Background(), rawDelivery(t, first, false))
	assert.True(t, first.nacked)
	assert.True(t, first.requeue)

	second := &settledAck{}
	c.handleDelivery(context.Background(), rawDelivery(t, second, true))
	assert.True(t, second.nacked)
	assert.False(t, second.requeue)
}

func TestHandleDelivery_Malformed(t *testing.T) {
	c := newTestConsumer(func(context.Context, *Delivery) error {
		t.Fatal("handler must not be called")
		return nil
	})

	ack := &settledAck{}
	c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{")})
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestParsePayload_Empty(t *testing.T) {
	_, err := ParsePayload[InstancePayload](&Delivery{})
	assert.ErrorIs(t, err, ErrReject)
}

func TestTraceContextRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })
	tp := sdktrace.NewTracerProvider()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	parent, parentSpan := tp.Tracer("test").Start(context.Background(), "submit")
	defer parentSpan.End()

	headers := amqp.Table{}
	msg := &Message{ID: "m1", Type: MessageTypeCommandPending}
	_, pubSpan := startPublishSpan(parent, ExchangeCommands, RoutingKeyPending, msg, headers)
	pubSpan.End()
	require.Contains(t, headers, "traceparent")

	d := &Delivery{ID: "m1", Type: MessageTypeCommandPending, Raw: amqp.Delivery{Headers: headers}}
	_, span := startConsumeSpan(context.Background(), "tandem.commands.pending", d)
	defer span.End()

	assert.Equal(t, parentSpan.SpanContext().TraceID(), span.SpanContext().TraceID())
}
