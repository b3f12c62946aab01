package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// ExchangeTasks — topic exchange событий attempts.
const ExchangeTasks Exchange = "conveyor.tasks"

// ReadyRoutingKey возвращает routing key task.ready для site.
func ReadyRoutingKey(siteID int) RoutingKey {
	return RoutingKey(fmt.Sprintf("ready.%d", siteID))
}

// SetupTopology объявляет exchange. Вызывается и ядром, и агентом.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, declareExchange)
}

func declareExchange(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		string(ExchangeTasks), // name
		"topic",               // type
		true,                  // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeTasks, err)
	}
	return nil
}

// AgentQueue возвращает функцию объявления очереди агента для ConsumerConfig.Declare.
//
// Очередь server-named, exclusive и auto-delete: она живёт, пока живёт
// соединение агента, и объявляется заново после reconnect.
func AgentQueue(siteID int) func(ch *amqp.Channel) (string, error) {
	return func(ch *amqp.Channel) (string, error) {
		if err := declareExchange(ch); err != nil {
			return "", err
		}

		q, err := ch.QueueDeclare(
			"",    // name (server-generated)
			false, // durable
			true,  // delete when unused
			true,  // exclusive
			false, // no-wait
			amqp.Table{"x-max-length": int32(1000)},
		)
		if err != nil {
			return "", fmt.Errorf("declare agent queue: %w", err)
		}

		key := ReadyRoutingKey(siteID)
		if err := ch.QueueBind(q.Name, string(key), string(ExchangeTasks), false, nil); err != nil {
			return "", fmt.Errorf("bind queue %s to %s: %w", q.Name, ExchangeTasks, err)
		}
		return q.Name, nil
	}
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Conveyor RabbitMQ Topology:

    conveyor.tasks (topic)
    └── amq.gen-* [routing: ready.<site_id>]  one exclusive queue per agent
            Consumer: conveyor-agent (wakes the lease loop)
  `
}
