package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shaiso/Tandem/internal/telemetry"
)

// ErrReject — обработчик отказывается от сообщения: оно уходит в DLQ
// без повторной доставки.
var ErrReject = errors.New("message rejected")

// Handler — функция обработки сообщения.
// Возвращает error, если обработка не удалась (сообщение будет nack).
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	ID        string
	Type      MessageType
	Payload   json.RawMessage
	Timestamp time.Time

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// envelope — Message при чтении: payload остаётся сырым JSON.
type envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Consumer потребляет сообщения из очереди RabbitMQ.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	declare  func(ch *amqp.Channel) (string, error)
	handler  Handler
	prefetch int

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue string

	// Declare — объявление очереди перед потреблением (для эксклюзивных
	// очередей процесса). Возвращает имя очереди; Queue игнорируется.
	Declare func(ch *amqp.Channel) (string, error)

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		declare:  cfg.Declare,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start запускает потребление сообщений и блокируется до отмены ctx.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	return c.consume(ctx)
}

// consume — основной цикл потребления.
func (c *Consumer) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			// Ждём переподключения
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
				continue
			}
		}

		c.logger.Info("consumer started", "queue", c.queue)

		if err := c.processDeliveries(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				continue
			}
		}
	}
}

// setupConsume настраивает канал и начинает потребление.
func (c *Consumer) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNotConnected
	}

	if c.declare != nil {
		name, err := c.declare(ch)
		if err != nil {
			return nil, fmt.Errorf("declare queue: %w", err)
		}
		c.queue = name
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	// ack ручной: сообщение подтверждается после обработчика
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.queue, err)
	}
	return deliveries, nil
}

// processDeliveries обрабатывает сообщения из канала.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}
			c.handleDelivery(ctx, raw)
		}
	}
}

// outcome — чем закончилась обработка сообщения.
type outcome string

const (
	outcomeAck        outcome = "ack"
	outcomeRequeue    outcome = "requeue"
	outcomeDeadLetter outcome = "dead_letter"
	outcomeMalformed  outcome = "malformed"
)

// settle выбирает судьбу сообщения после ошибки обработчика.
//
// Ошибка возвращает сообщение в очередь один раз; повторная ошибка после
// redelivery или ErrReject отправляет его в DLQ. При остановке процесса
// сообщение всегда возвращается, его заберёт другой экземпляр.
func settle(err error, redelivered, stopping bool) outcome {
	switch {
	case err == nil:
		return outcomeAck
	case stopping:
		return outcomeRequeue
	case errors.Is(err, ErrReject), redelivered:
		return outcomeDeadLetter
	default:
		return outcomeRequeue
	}
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	delivery, err := decodeDelivery(raw)
	if err != nil {
		c.logger.Error("failed to unmarshal message",
			"queue", c.queue,
			"error", err,
			"body", string(raw.Body),
		)
		raw.Nack(false, false)
		telemetry.MessagesConsumed.WithLabelValues(c.queue, string(outcomeMalformed)).Inc()
		return
	}

	ctx, span := startConsumeSpan(ctx, c.queue, delivery)
	defer span.End()

	logger := c.logger.With("queue", c.queue, "message_id", delivery.ID, "type", delivery.Type)
	logger.Debug("received message", "redelivered", raw.Redelivered)

	start := time.Now()
	err = c.handler(ctx, delivery)
	telemetry.MessageHandleDuration.WithLabelValues(c.queue).Observe(time.Since(start).Seconds())

	result := settle(err, raw.Redelivered, ctx.Err() != nil)
	span.SetAttributes(attribute.String("tandem.message.outcome", string(result)))
	telemetry.MessagesConsumed.WithLabelValues(c.queue, string(result)).Inc()

	var ackErr error
	switch result {
	case outcomeAck:
		ackErr = raw.Ack(false)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("handler failed", "outcome", result, "error", err)
		ackErr = raw.Nack(false, result == outcomeRequeue)
	}
	if ackErr != nil {
		logger.Warn("failed to settle message", "outcome", result, "error", ackErr)
	}
}

func decodeDelivery(raw amqp.Delivery) (*Delivery, error) {
	var env envelope
	if err := json.Unmarshal(raw.Body, &env); err != nil {
		return nil, err
	}
	return &Delivery{
		ID:        env.ID,
		Type:      env.Type,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
		Raw:       raw,
	}, nil
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](d *Delivery) (T, error) {
	var result T
	if len(d.Payload) == 0 {
		return result, fmt.Errorf("%w: empty payload", ErrReject)
	}
	if err := json.Unmarshal(d.Payload, &result); err != nil {
		return result, fmt.Errorf("%w: unmarshal payload: %v", ErrReject, err)
	}
	return result, nil
}
