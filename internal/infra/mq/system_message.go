package mq

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SystemMessage 由后台产生、最终以 AdminGroup 名义发给客户的消息
type SystemMessage struct {
	Customer string `json:"customer"`
	Text     string `json:"text"`
	OrderID  int64  `json:"order_id,omitempty"`
}

// Publisher 把系统消息写入队列，由 chat-worker 落库并推送
type Publisher struct {
	conn  *amqp.Connection
	queue string
}

// NewPublisher 创建发布者
func NewPublisher(conn *amqp.Connection, queue string) *Publisher {
	return &Publisher{conn: conn, queue: queue}
}

// Notify 投递一条系统消息
func (p *Publisher) Notify(ctx context.Context, msg SystemMessage) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := DeclareQueue(ch, p.queue); err != nil {
		return err
	}

	body, err := json.Marshal(&msg)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx,
		"",
		p.queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	return nil
}
