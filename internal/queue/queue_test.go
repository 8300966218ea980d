package queue

import (
	"testing"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
)

func TestQueueNames(t *testing.T) {
	work := WorkQueueNames()
	if len(work) != 2 || work[0] != "batch.run" || work[1] != "batch.events" {
		t.Fatalf("WorkQueueNames = %v, want [batch.run batch.events]", work)
	}

	dlq := DLQNames()
	if len(dlq) != 2 || dlq[0] != "dlq.batch.run" || dlq[1] != "dlq.batch.events" {
		t.Fatalf("DLQNames = %v, want [dlq.batch.run dlq.batch.events]", dlq)
	}
}

func TestQueueArgs(t *testing.T) {
	run := queueArgs(RunQueue)
	if run["x-max-priority"] != int32(10) {
		t.Fatalf("run queue x-max-priority = %v, want 10", run["x-max-priority"])
	}
	if run["x-dead-letter-exchange"] != "fxbatch.dlx" {
		t.Fatalf("run queue dlx = %v, want fxbatch.dlx", run["x-dead-letter-exchange"])
	}

	events := queueArgs(EventsQueue)
	if _, ok := events["x-max-priority"]; ok {
		t.Fatal("events queue should not be a priority queue")
	}
	if events["x-dead-letter-routing-key"] != EventsQueue {
		t.Fatalf("events queue dlq routing key = %v, want %s", events["x-dead-letter-routing-key"], EventsQueue)
	}
}

func TestPriorityValue(t *testing.T) {
	tests := []struct {
		name     string
		priority int
		want     uint8
	}{
		{name: "highest", priority: 10, want: 10},
		{name: "default", priority: 5, want: 5},
		{name: "lowest", priority: 1, want: 1},
		{name: "below range", priority: -3, want: 1},
		{name: "above range", priority: 42, want: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriorityValue(tt.priority)
			if got != tt.want {
				t.Fatalf("PriorityValue(%d) = %d, want %d", tt.priority, got, tt.want)
			}
		})
	}
}

func TestRunBatchMessageValidate(t *testing.T) {
	msg := RunBatchMessage{BatchID: "b1", Priority: 5}
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	msg.BatchID = " "
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty batch id")
	}

	msg.BatchID = "b1"
	msg.Priority = 0
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for out of range priority")
	}
}

func TestBatchEventMessage(t *testing.T) {
	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg := NewBatchEventMessage(domain.BatchNotification{
		ID:        "n1",
		BatchID:   "b1",
		Type:      domain.NotificationCompletion,
		Snapshot:  domain.BatchSnapshot{BatchID: "b1", Status: domain.BatchStatusSuccess},
		CreatedAt: createdAt,
	})
	if err := msg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	if msg.Snapshot.Status != domain.BatchStatusSuccess || !msg.CreatedAt.Equal(createdAt) {
		t.Fatalf("unexpected event message: %+v", msg)
	}

	msg.Type = domain.NotificationType("invalid")
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for invalid type")
	}

	msg.Type = domain.NotificationStarted
	msg.NotificationID = ""
	if err := msg.Validate(); err == nil {
		t.Fatal("expected error for empty notification id")
	}
}
