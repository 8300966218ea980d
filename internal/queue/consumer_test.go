package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDecodeRunRequest(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		correlationID string
		wantRequestID string
		wantErr       bool
	}{
		{
			name:          "request id from body",
			body:          `{"batchId":"b-1","requestId":"req-1","priority":5}`,
			correlationID: "corr-1",
			wantRequestID: "req-1",
		},
		{
			name:          "correlation id fallback",
			body:          `{"batchId":"b-1","priority":5}`,
			correlationID: " corr-1 ",
			wantRequestID: "corr-1",
		},
		{name: "invalid json", body: `{"batchId":`, wantErr: true},
		{name: "missing batch", body: `{"priority":5}`, wantErr: true},
		{name: "priority out of range", body: `{"batchId":"b-1","priority":0}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decodeRunRequest([]byte(tt.body), tt.correlationID)
			if tt.wantErr {
				if err == nil {
					t.Fatal("decodeRunRequest() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeRunRequest() error = %v", err)
			}
			if msg.BatchID != "b-1" {
				t.Fatalf("BatchID = %q, want b-1", msg.BatchID)
			}
			if msg.RequestID != tt.wantRequestID {
				t.Fatalf("RequestID = %q, want %q", msg.RequestID, tt.wantRequestID)
			}
		})
	}
}

func TestDispositionFor(t *testing.T) {
	failure := errors.New("database unavailable")

	tests := []struct {
		name        string
		err         error
		redelivered bool
		want        disposition
	}{
		{name: "success", want: dispositionAck},
		{name: "success after redelivery", redelivered: true, want: dispositionAck},
		{name: "first failure requeues", err: failure, want: dispositionRequeue},
		{name: "second failure dead-letters", err: failure, redelivered: true, want: dispositionDeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dispositionFor(tt.err, tt.redelivered); got != tt.want {
				t.Fatalf("dispositionFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConsumeValidation(t *testing.T) {
	ctx := context.Background()
	handler := func(context.Context, RunBatchMessage) error { return nil }

	var nilConsumer *RabbitMQConsumer
	if err := nilConsumer.Consume(ctx, RunQueue, handler); err == nil {
		t.Fatal("nil consumer should fail")
	}

	c := NewRabbitMQConsumer(&RabbitMQ{}, 0, nil)
	if c.prefetch != 1 {
		t.Fatalf("prefetch = %d, want 1", c.prefetch)
	}
	if err := c.Consume(ctx, EventsQueue, handler); err == nil {
		t.Fatal("consuming the events queue should fail")
	}
	if err := c.Consume(ctx, RunQueue, nil); err == nil {
		t.Fatal("nil handler should fail")
	}
}

func TestBackoff(t *testing.T) {
	if got := nextBackoff(reconnectBackoff); got != 2*time.Second {
		t.Fatalf("nextBackoff(1s) = %s, want 2s", got)
	}
	if got := nextBackoff(20 * time.Second); got != maxBackoff {
		t.Fatalf("nextBackoff(20s) = %s, want %s", got, maxBackoff)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepBackoff(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("sleepBackoff() error = %v, want context.Canceled", err)
	}
	if err := sleepBackoff(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleepBackoff() error = %v", err)
	}
}

func TestTopology(t *testing.T) {
	specs := topology()
	want := []string{"dlq.batch.run", "batch.run", "dlq.batch.events", "batch.events"}
	if len(specs) != len(want) {
		t.Fatalf("len(topology) = %d, want %d", len(specs), len(want))
	}
	for i, spec := range specs {
		if spec.name != want[i] {
			t.Fatalf("topology[%d] = %s, want %s", i, spec.name, want[i])
		}
	}
	if specs[0].args != nil {
		t.Fatal("dead-letter queues should be declared without arguments")
	}
	if specs[1].args["x-max-priority"] != int32(10) {
		t.Fatalf("run queue priority = %v, want 10", specs[1].args["x-max-priority"])
	}
}

func TestRabbitMQPingAndClose(t *testing.T) {
	var nilClient *RabbitMQ
	if err := nilClient.Ping(context.Background()); err == nil {
		t.Fatal("Ping() on nil client should fail")
	}
	if err := nilClient.Close(); err != nil {
		t.Fatalf("Close() on nil client error = %v", err)
	}

	r := &RabbitMQ{}
	if err := r.Ping(context.Background()); err == nil {
		t.Fatal("Ping() without a connection should fail")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if _, err := NewRabbitMQ("  "); err == nil {
		t.Fatal("NewRabbitMQ() with blank url should fail")
	}
}
