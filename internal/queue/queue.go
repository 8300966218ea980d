package queue

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
)

// Publisher publishes run requests and batch lifecycle events.
type Publisher interface {
	PublishRun(ctx context.Context, msg RunBatchMessage) error
	PublishEvent(ctx context.Context, msg BatchEventMessage) error
	Close() error
}

// MessageHandler handles a consumed run request.
type MessageHandler func(ctx context.Context, msg RunBatchMessage) error

// Consumer consumes run requests from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	RunQueue    = "batch.run"
	EventsQueue = "batch.events"

	// queueMaxPriority is the RabbitMQ x-max-priority value for the run queue.
	queueMaxPriority int32 = domain.MaxBatchPriority
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.batch.run.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns the queues owned by this service.
func WorkQueueNames() []string {
	return []string{RunQueue, EventsQueue}
}

// DLQNames returns the dead-letter queue of every work queue.
func DLQNames() []string {
	work := WorkQueueNames()
	queues := make([]string, 0, len(work))
	for _, name := range work {
		queues = append(queues, DLQName(name))
	}
	return queues
}

// PriorityValue maps a batch priority to a RabbitMQ message priority.
func PriorityValue(priority int) uint8 {
	return uint8(domain.ClampPriority(priority))
}
