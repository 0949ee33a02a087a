package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeCommands   Exchange = "tandem.commands"
	ExchangeInstances  Exchange = "tandem.instances"
	ExchangeSignals    Exchange = "tandem.signals"
	ExchangeActivities Exchange = "tandem.activities"
	ExchangeDLQ        Exchange = "tandem.dlq"
)

// Queues — имена очередей.
const (
	QueueCommandsPending     Queue = "commands.pending"
	QueueInstancesReady      Queue = "instances.ready"
	QueueActivitiesReady     Queue = "activities.ready"
	QueueActivitiesCompleted Queue = "activities.completed"
	QueueDLQCommands         Queue = "dlq.commands"
	QueueDLQActivities       Queue = "dlq.activities"
)

// Routing keys.
const (
	RoutingKeyPending       RoutingKey = "pending"
	RoutingKeyReady         RoutingKey = "ready"
	RoutingKeyCompleted     RoutingKey = "completed"
	RoutingKeyDLQCommands   RoutingKey = "commands"
	RoutingKeyDLQActivities RoutingKey = "activities"
)

// SetupTopology объявляет exchanges, очереди и привязки.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		if err := declareExchanges(ch); err != nil {
			return err
		}

		// 2. Создаём queues
		if err := declareQueues(ch); err != nil {
			return err
		}

		// 3. Привязываем queues к exchanges
		return bindQueues(ch)
	})
}

func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeCommands, amqp.ExchangeDirect},
		{ExchangeInstances, amqp.ExchangeDirect},
		// signals получают все оркестраторы
		{ExchangeSignals, amqp.ExchangeFanout},
		{ExchangeActivities, amqp.ExchangeDirect},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

func dlqArgs(key RoutingKey) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(key),
	}
}

func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// commands.pending — битые команды уходят в DLQ
		{QueueCommandsPending, dlqArgs(RoutingKeyDLQCommands)},

		// instances.ready — без DLQ: брошенный экземпляр подберёт recovery
		{QueueInstancesReady, nil},

		{QueueActivitiesReady, dlqArgs(RoutingKeyDLQActivities)},
		{QueueActivitiesCompleted, nil},

		{QueueDLQCommands, nil},
		{QueueDLQActivities, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueCommandsPending, RoutingKeyPending, ExchangeCommands},
		{QueueInstancesReady, RoutingKeyReady, ExchangeInstances},
		{QueueActivitiesReady, RoutingKeyReady, ExchangeActivities},
		{QueueActivitiesCompleted, RoutingKeyCompleted, ExchangeActivities},
		{QueueDLQCommands, RoutingKeyDLQCommands, ExchangeDLQ},
		{QueueDLQActivities, RoutingKeyDLQActivities, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// DeclareSignalQueue объявляет эксклюзивную очередь процесса, привязанную
// к fanout-обменнику сигналов. Очередь удаляется вместе с каналом, поэтому
// объявляется заново при каждом переподключении.
func DeclareSignalQueue(ch *amqp.Channel) (string, error) {
	q, err := ch.QueueDeclare(
		"",    // имя выдаёт сервер
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("declare signal queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "", string(ExchangeSignals), false, nil); err != nil {
		return "", fmt.Errorf("bind signal queue: %w", err)
	}
	return q.Name, nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Tandem RabbitMQ Topology:

    tandem.commands (direct)
    └── commands.pending [routing: pending]
            Consumer: Orchestrator (старт оркестрации команды)
            DLQ: dlq.commands

    tandem.instances (direct)
    └── instances.ready [routing: ready]
            Consumer: Orchestrator (исполнение экземпляра)

    tandem.signals (fanout)
    └── <exclusive> на каждый Orchestrator
            event.raised, instance.terminated

    tandem.activities (direct)
    ├── activities.ready [routing: ready]
    │       Consumer: Worker
    │       DLQ: dlq.activities
    └── activities.completed [routing: completed]
            Consumer: Orchestrator

    tandem.dlq (direct)
    ├── dlq.commands [routing: commands]
    └── dlq.activities [routing: activities]
            Manual processing
  `
}
