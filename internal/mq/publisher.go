package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// MessageTypeTaskReady — attempt стал READY.
const MessageTypeTaskReady MessageType = "task.ready"

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload json.RawMessage `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// TaskReadyPayload — payload task.ready.
type TaskReadyPayload struct {
	SiteID int       `json:"site_id"`
	TaskID uuid.UUID `json:"task_id"`
}

// NewMessage собирает сообщение с новым ID.
func NewMessage(msgType MessageType, payload any, now time.Time) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: now,
	}, nil
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение в exchange с routing key.
//
// Сообщения transient: после рестарта брокера агенты найдут работу опросом.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),
			string(routingKey),
			false, // mandatory: агентов может не быть
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Transient,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Type:         string(msg.Type),
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
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

// NotifyReady публикует task.ready для attempt.
// Реализует ReadyNotifier для callback и dispatch.
func (p *Publisher) NotifyReady(ctx context.Context, key domain.AttemptKey) error {
	msg, err := NewMessage(MessageTypeTaskReady, TaskReadyPayload{SiteID: key.SiteID, TaskID: key.TaskID}, time.Now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeTasks, ReadyRoutingKey(key.SiteID), msg)
}
