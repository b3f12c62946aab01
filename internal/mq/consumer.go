package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler обрабатывает сообщение. Ошибка приводит к nack без requeue:
// task.ready — подсказка, и повторная доставка ничего не добавит.
type Handler func(ctx context.Context, msg *Message) error

// Consumer потребляет сообщения из очереди RabbitMQ.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	declare  func(ch *amqp.Channel) (string, error)
	handler  Handler
	prefetch int

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Declare объявляет очередь и возвращает её имя.
	// Вызывается при каждом (пере)подключении.
	Declare func(ch *amqp.Channel) (string, error)

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		declare:  cfg.Declare,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start потребляет сообщения до отмены ctx или Stop. Блокирует.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	return c.consume(ctx)
}

func (c *Consumer) consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		queue, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				c.logger.Info("reconnected, restarting consumer")
				continue
			}
		}

		c.logger.Info("consumer started", "queue", queue)

		if err := c.processDeliveries(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, waiting for reconnect", "queue", queue)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				continue
			}
		}
	}
}

func (c *Consumer) setupConsume() (string, <-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return "", nil, ErrNoChannel
	}

	queue, err := c.declare(ch)
	if err != nil {
		return "", nil, err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return "", nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue, // queue
		"",    // consumer tag (auto-generated)
		false, // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return "", nil, fmt.Errorf("consume: %w", err)
	}
	return queue, deliveries, nil
}

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

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message", "error", err, "body", string(raw.Body))
		_ = raw.Nack(false, false)
		return
	}

	c.logger.Debug("received message", "message_id", msg.ID, "type", msg.Type)

	if err := c.handler(ctx, &msg); err != nil {
		c.logger.Warn("handler failed", "message_id", msg.ID, "type", msg.Type, "error", err)
		_ = raw.Nack(false, false)
		return
	}
	_ = raw.Ack(false)
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// ParsePayload декодирует payload сообщения.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}

// TaskReadyHandler возвращает Handler, вызывающий fn для каждого task.ready.
// Сообщения других типов подтверждаются и пропускаются.
func TaskReadyHandler(fn func(TaskReadyPayload)) Handler {
	return func(_ context.Context, msg *Message) error {
		if msg.Type != MessageTypeTaskReady {
			return nil
		}
		payload, err := ParsePayload[TaskReadyPayload](msg)
		if err != nil {
			return err
		}
		fn(payload)
		return nil
	}
}
