package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

type recordingPublisher struct {
	activities []durable.ActivityRequest
	ready      []string
	events     []EventRaisedPayload
	terminated []string
	commands   []*domain.Command
	err        error
}

func (p *recordingPublisher) PublishActivityReady(_ context.Context, req durable.ActivityRequest) error {
	p.activities = append(p.activities, req)
	return p.err
}

func (p *recordingPublisher) PublishInstanceReady(_ context.Context, id string) error {
	p.ready = append(p.ready, id)
	return p.err
}

func (p *recordingPublisher) PublishEventRaised(_ context.Context, id, name string) error {
	p.events = append(p.events, EventRaisedPayload{InstanceID: id, Name: name})
	return p.err
}

func (p *recordingPublisher) PublishInstanceTerminated(_ context.Context, id string) error {
	p.terminated = append(p.terminated, id)
	return p.err
}

func (p *recordingPublisher) PublishCommand(_ context.Context, cmd *domain.Command) error {
	if p.err != nil {
		return p.err
	}
	p.commands = append(p.commands, cmd)
	return nil
}

func TestActivityDispatcher(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewActivityDispatcher(pub)

	req := durable.ActivityRequest{InstanceID: "i-1", Seq: 3, Name: "SendCommand"}
	require.NoError(t, d.Dispatch(context.Background(), req))

	require.Len(t, pub.activities, 1)
	assert.Equal(t, req, pub.activities[0])
}

func TestNotifier(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNotifier(pub)
	ctx := context.Background()

	require.NoError(t, n.InstanceReady(ctx, "a"))
	require.NoError(t, n.EventRaised(ctx, "b", "evt"))
	require.NoError(t, n.InstanceTerminated(ctx, "c"))

	assert.Equal(t, []string{"a"}, pub.ready)
	assert.Equal(t, []EventRaisedPayload{{InstanceID: "b", Name: "evt"}}, pub.events)
	assert.Equal(t, []string{"c"}, pub.terminated)
}

func TestCommandQueue_Enqueue(t *testing.T) {
	pub := &recordingPublisher{}
	q := NewCommandQueue(pub)

	first := &domain.Command{CommandID: uuid.New(), Type: domain.CommandComponentMonitor}
	second := &domain.Command{CommandID: uuid.New(), Type: domain.CommandComponentTaskRun}

	require.NoError(t, q.Enqueue(context.Background(), first, second))
	require.Len(t, pub.commands, 2)
	assert.Equal(t, first.CommandID, pub.commands[0].CommandID)
	assert.Equal(t, second.CommandID, pub.commands[1].CommandID)
}

func TestCommandQueue_StopsOnError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	q := NewCommandQueue(pub)

	err := q.Enqueue(context.Background(), &domain.Command{CommandID: uuid.New()})
	require.Error(t, err)
	assert.Empty(t, pub.commands)
}

func TestDecodeDelivery(t *testing.T) {
	body, err := json.Marshal(&Message{
		ID:      "m-1",
		Type:    MessageTypeEventRaised,
		Payload: EventRaisedPayload{InstanceID: "i-1", Name: "done"},
	})
	require.NoError(t, err)

	d, err := decodeDelivery(amqp.Delivery{Body: body})
	require.NoError(t, err)
	assert.Equal(t, "m-1", d.ID)
	assert.Equal(t, MessageTypeEventRaised, d.Type)

	payload, err := ParsePayload[EventRaisedPayload](d)
	require.NoError(t, err)
	assert.Equal(t, "i-1", payload.InstanceID)
	assert.Equal(t, "done", payload.Name)
}

func TestDecodeDelivery_Invalid(t *testing.T) {
	_, err := decodeDelivery(amqp.Delivery{Body: []byte("not json")})
	assert.Error(t, err)
}

func TestParsePayload_Reject(t *testing.T) {
	_, err := ParsePayload[InstancePayload](&Delivery{})
	assert.ErrorIs(t, err, ErrReject)

	_, err = ParsePayload[InstancePayload](&Delivery{Payload: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrReject)
}
