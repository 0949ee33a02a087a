package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/telemetry"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeCommandPending     MessageType = "command.pending"
	MessageTypeInstanceReady      MessageType = "instance.ready"
	MessageTypeEventRaised        MessageType = "event.raised"
	MessageTypeInstanceTerminated MessageType = "instance.terminated"
	MessageTypeActivityReady      MessageType = "activity.ready"
	MessageTypeActivityCompleted  MessageType = "activity.completed"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// InstancePayload — payload сообщений об экземпляре оркестрации.
type InstancePayload struct {
	InstanceID string `json:"instance_id"`
}

// EventRaisedPayload — payload сообщения о внешнем событии.
type EventRaisedPayload struct {
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
}

// Publish публикует сообщение в указанный exchange с routing key.
// Trace context вызывающего уходит в заголовках сообщения.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) (err error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	headers := amqp.Table{}
	ctx, span := startPublishSpan(ctx, exchange, routingKey, msg, headers)
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		telemetry.MessagesPublished.WithLabelValues(string(msg.Type), result).Inc()
	}()

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false,
			amqp.Publishing{
				Headers:      headers,
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				AppId:        p.conn.name,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish %s to %s/%s: %w", msg.Type, exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}

// PublishCommand ставит команду в очередь на выполнение.
// Потребитель: Orchestrator. ID сообщения совпадает с CommandID.
func (p *Publisher) PublishCommand(ctx context.Context, cmd *domain.Command) error {
	msg := &Message{
		ID:        cmd.CommandID.String(),
		Type:      MessageTypeCommandPending,
		Payload:   cmd,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeCommands, RoutingKeyPending, msg)
}

// PublishInstanceReady сообщает, что экземпляр готов к исполнению.
// Потребитель: один из Orchestrator.
func (p *Publisher) PublishInstanceReady(ctx context.Context, instanceID string) error {
	return p.PublishJSON(ctx, ExchangeInstances, RoutingKeyReady, MessageTypeInstanceReady,
		InstancePayload{InstanceID: instanceID})
}

// PublishEventRaised рассылает всем Orchestrator сигнал о внешнем событии.
func (p *Publisher) PublishEventRaised(ctx context.Context, instanceID, name string) error {
	return p.PublishJSON(ctx, ExchangeSignals, "", MessageTypeEventRaised,
		EventRaisedPayload{InstanceID: instanceID, Name: name})
}

// PublishInstanceTerminated рассылает всем Orchestrator сигнал об остановке экземпляра.
func (p *Publisher) PublishInstanceTerminated(ctx context.Context, instanceID string) error {
	return p.PublishJSON(ctx, ExchangeSignals, "", MessageTypeInstanceTerminated,
		InstancePayload{InstanceID: instanceID})
}

// PublishActivityReady публикует запрос на выполнение activity.
// Потребитель: Worker.
func (p *Publisher) PublishActivityReady(ctx context.Context, req durable.ActivityRequest) error {
	return p.PublishJSON(ctx, ExchangeActivities, RoutingKeyReady, MessageTypeActivityReady, req)
}

// PublishActivityCompleted публикует результат activity.
// Потребитель: Orchestrator.
func (p *Publisher) PublishActivityCompleted(ctx context.Context, res durable.ActivityResult) error {
	return p.PublishJSON(ctx, ExchangeActivities, RoutingKeyCompleted, MessageTypeActivityCompleted, res)
}
