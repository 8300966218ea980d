package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQPublisher struct {
	client *RabbitMQ
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client}
}

func (p *RabbitMQPublisher) PublishRun(ctx context.Context, msg RunBatchMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid run message: %w", err)
	}

	return p.publish(ctx, RunQueue, msg, amqp.Publishing{
		MessageId:     msg.BatchID,
		CorrelationId: msg.RequestID,
		Priority:      PriorityValue(msg.Priority),
	})
}

func (p *RabbitMQPublisher) PublishEvent(ctx context.Context, msg BatchEventMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid event message: %w", err)
	}

	return p.publish(ctx, EventsQueue, msg, amqp.Publishing{
		MessageId: msg.NotificationID,
		Type:      msg.Type.String(),
	})
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue string, msg any, publishing amqp.Publishing) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ch, err := p.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	publishing.ContentType = "application/json"
	publishing.DeliveryMode = amqp.Persistent
	publishing.Timestamp = time.Now().UTC()
	publishing.Body = payload

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
