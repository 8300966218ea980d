package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionDeadLetter
)

func (d disposition) String() string {
	switch d {
	case dispositionAck:
		return "ack"
	case dispositionRequeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

// RabbitMQConsumer delivers run requests to a handler. A request whose handler fails is
// requeued once; a second failure sends it to the queue's dead-letter queue.
type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume blocks until ctx is cancelled, resubscribing with backoff when the broker drops
// the subscription.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue != RunQueue {
		return fmt.Errorf("queue %q does not carry run requests", queue)
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	wait := reconnectBackoff
	for ctx.Err() == nil {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			wait = reconnectBackoff
			continue
		}

		c.logger.Warn("run request subscription lost", zap.String("queue", queue), zap.Duration("retryIn", wait), zap.Error(err))
		if sleepBackoff(ctx, wait) != nil {
			break
		}
		wait = nextBackoff(wait)
	}
	return nil
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeRunRequest(d.Body, d.CorrelationId)
	if err != nil {
		c.logger.Warn("dead-lettering malformed run request", zap.String("messageId", d.MessageId), zap.Error(err))
		return settle(d, dispositionDeadLetter)
	}

	handlerErr := handler(ctx, msg)
	outcome := dispositionFor(handlerErr, d.Redelivered)
	if handlerErr != nil {
		c.logger.Warn("run request failed",
			zap.String("batchId", msg.BatchID),
			zap.String("requestId", msg.RequestID),
			zap.Bool("redelivered", d.Redelivered),
			zap.Stringer("disposition", outcome),
			zap.Error(handlerErr),
		)
	}
	return settle(d, outcome)
}

// decodeRunRequest parses a run request body. The AMQP correlation id stands in for a
// missing request id.
func decodeRunRequest(body []byte, correlationID string) (RunBatchMessage, error) {
	var msg RunBatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return RunBatchMessage{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return RunBatchMessage{}, err
	}
	if strings.TrimSpace(msg.RequestID) == "" {
		msg.RequestID = strings.TrimSpace(correlationID)
	}
	return msg, nil
}

func dispositionFor(handlerErr error, redelivered bool) disposition {
	switch {
	case handlerErr == nil:
		return dispositionAck
	case redelivered:
		return dispositionDeadLetter
	default:
		return dispositionRequeue
	}
}

func settle(d amqp.Delivery, outcome disposition) error {
	var err error
	switch outcome {
	case dispositionAck:
		err = d.Ack(false)
	case dispositionRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		return fmt.Errorf("failed to %s delivery: %w", outcome, err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
