package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
	"github.com/kursadbilgin/fx-batch-engine/internal/observability"
	"github.com/kursadbilgin/fx-batch-engine/internal/queue"
	"go.uber.org/zap"
)

func TestNotificationRelayPublishesPending(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil)
	batch, _ := engine.stage(t, seedBatch{trades: []seedTrade{{clientID: "c1", amount: 10}}})
	ctx := context.Background()

	mustNoErr(t, engine.emitter.Emit(ctx, batch.ID, domain.NotificationStarted))
	mustNoErr(t, engine.emitter.Emit(ctx, batch.ID, domain.NotificationCompletion))

	var published []queue.BatchEventMessage
	failFirst := true
	publisher := &fakePublisher{
		publishEventFn: func(ctx context.Context, msg queue.BatchEventMessage) error {
			if failFirst {
				failFirst = false
				return errors.New("broker unavailable")
			}
			published = append(published, msg)
			return nil
		},
	}
	relay, err := NewNotificationRelay(engine.notifications, publisher, time.Second, 10, zap.NewNop())
	mustNoErr(t, err)

	delivered, err := relay.relayPending(ctx)
	mustNoErr(t, err)
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}

	pending, err := engine.notifications.ListPending(ctx, 10)
	mustNoErr(t, err)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1 left after publish failure", len(pending))
	}

	delivered, err = relay.relayPending(ctx)
	mustNoErr(t, err)
	if delivered != 1 {
		t.Fatalf("second delivered = %d, want 1", delivered)
	}
	if len(published) != 2 {
		t.Fatalf("published = %d, want 2", len(published))
	}
	for _, msg := range published {
		if msg.BatchID != batch.ID || msg.Snapshot.TotalTrades != 1 {
			t.Fatalf("message = %+v", msg)
		}
	}

	pending, err = engine.notifications.ListPending(ctx, 10)
	mustNoErr(t, err)
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want 0", len(pending))
	}
}

func TestNewNotificationRelayValidation(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil)
	if _, err := NewNotificationRelay(nil, &fakePublisher{}, 0, 0, nil); err == nil {
		t.Fatal("expected error when notification repository is nil")
	}
	if _, err := NewNotificationRelay(engine.notifications, nil, 0, 0, nil); err == nil {
		t.Fatal("expected error when publisher is nil")
	}

	relay, err := NewNotificationRelay(engine.notifications, &fakePublisher{}, 0, 0, nil)
	mustNoErr(t, err)
	if relay.interval != defaultRelayInterval || relay.limit != defaultRelayBatchSize {
		t.Fatalf("defaults = %s/%d", relay.interval, relay.limit)
	}
}

func TestLockSweeperStartSweepsAndStops(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil)
	batch, _ := engine.stage(t, seedBatch{})
	_, err := engine.locks.Acquire(context.Background(), batch.ID, "crashed-worker", 0)
	mustNoErr(t, err)

	sweeper, err := NewLockSweeper(engine.locks, time.Hour, zap.NewNop())
	mustNoErr(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sweeper.Start(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if engine.batch(t, batch.ID).LockedBy == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired lock was not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestDispatcherDispatchOnce(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil)
	engine.addClient(t, "c1", "ZA-1")
	batchQueue, err := NewBatchQueue(engine.batches)
	mustNoErr(t, err)

	dispatcher, err := NewDispatcher(batchQueue, engine.runner.Run, "worker-1", 1, time.Second, zap.NewNop())
	mustNoErr(t, err)
	ctx := context.Background()

	ran, err := dispatcher.dispatchOnce(ctx, "worker-1/dispatch-1")
	mustNoErr(t, err)
	if ran {
		t.Fatal("empty queue should not run anything")
	}

	low, _ := engine.stage(t, seedBatch{trades: []seedTrade{{clientID: "c1", amount: 10}}})
	high, _ := engine.stage(t, seedBatch{trades: []seedTrade{{clientID: "c1", amount: 20}}})
	_, err = batchQueue.SetPriority(ctx, high.ID, 8)
	mustNoErr(t, err)

	ran, err = dispatcher.dispatchOnce(ctx, "worker-1/dispatch-1")
	mustNoErr(t, err)
	if !ran {
		t.Fatal("expected a batch to run")
	}
	if got := engine.batch(t, high.ID).Status; got != domain.BatchStatusSuccess {
		t.Fatalf("high priority batch = %s, want SUCCESS", got)
	}
	if got := engine.batch(t, low.ID).Status; got != domain.BatchStatusPending {
		t.Fatalf("low priority batch = %s, want PENDING", got)
	}

	ran, err = dispatcher.dispatchOnce(ctx, "worker-1/dispatch-1")
	mustNoErr(t, err)
	if !ran || engine.batch(t, low.ID).Status != domain.BatchStatusSuccess {
		t.Fatal("expected the low priority batch to run next")
	}
}

func TestDispatcherStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil)
	batchQueue, err := NewBatchQueue(engine.batches)
	mustNoErr(t, err)

	var mu sync.Mutex
	runs := 0
	run := func(ctx context.Context, batchID, holderID string) (RunResult, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return RunResult{BatchID: batchID, Outcome: RunOutcomeCompleted}, nil
	}
	dispatcher, err := NewDispatcher(batchQueue, run, "worker-1", 3, time.Millisecond, zap.NewNop())
	mustNoErr(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := dispatcher.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if runs != 0 {
		t.Fatalf("runs = %d, want 0 for an empty queue", runs)
	}
}

func TestDispatcherStartUsesHolderPerWorker(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil)
	engine.addClient(t, "c1", "ZA-1")
	engine.stage(t, seedBatch{trades: []seedTrade{{clientID: "c1", amount: 10}}})
	batchQueue, err := NewBatchQueue(engine.batches)
	mustNoErr(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	holders := make(map[string]struct{})
	run := func(ctx context.Context, batchID, holderID string) (RunResult, error) {
		mu.Lock()
		defer mu.Unlock()
		holders[holderID] = struct{}{}
		if len(holders) == 2 {
			cancel()
		}
		return RunResult{BatchID: batchID, Outcome: RunOutcomeBusy}, nil
	}
	dispatcher, err := NewDispatcher(batchQueue, run, "worker-1", 2, time.Millisecond, zap.NewNop())
	mustNoErr(t, err)

	if err := dispatcher.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, want := range []string{"worker-1/dispatch-1", "worker-1/dispatch-2"} {
		if _, ok := holders[want]; !ok {
			t.Fatalf("holders = %v, want %s", holders, want)
		}
	}
	if len(holders) != 2 {
		t.Fatalf("holders = %v, want one per worker", holders)
	}
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, nil)
	batchQueue, err := NewBatchQueue(engine.batches)
	mustNoErr(t, err)

	if _, err := NewDispatcher(nil, engine.runner.Run, "w", 1, 0, nil); err == nil {
		t.Fatal("expected error when queue is nil")
	}
	if _, err := NewDispatcher(batchQueue, nil, "w", 1, 0, nil); err == nil {
		t.Fatal("expected error when run function is nil")
	}
	if _, err := NewDispatcher(batchQueue, engine.runner.Run, "", 1, 0, nil); err == nil {
		t.Fatal("expected error when holder id is empty")
	}

	dispatcher, err := NewDispatcher(batchQueue, engine.runner.Run, "w", 0, 0, nil)
	mustNoErr(t, err)
	if dispatcher.workers != minDispatchWorkers || dispatcher.interval != defaultDispatchInterval {
		t.Fatalf("defaults = %d/%s", dispatcher.workers, dispatcher.interval)
	}
}

func TestRunRequestConsumerHandle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		runErr  error
		wantErr bool
	}{
		{name: "completed", runErr: nil},
		{name: "missing batch is dropped", runErr: domain.ErrNotFound},
		{name: "store failure is retried", runErr: errors.New("connection refused"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotRequestID, gotHolder string
			run := func(ctx context.Context, batchID, holderID string) (RunResult, error) {
				gotRequestID, _ = observability.RequestIDFromContext(ctx)
				gotHolder = holderID
				return RunResult{BatchID: batchID, Outcome: RunOutcomeCompleted}, tt.runErr
			}
			consumer, err := NewRunRequestConsumer(&fakeConsumer{}, run, "worker-9", 1, zap.NewNop())
			mustNoErr(t, err)

			err = consumer.handle(context.Background(), "worker-9/consumer-1", queue.RunBatchMessage{
				BatchID:   "b-1",
				RequestID: "req-1",
				Priority:  5,
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if gotRequestID != "req-1" || gotHolder != "worker-9/consumer-1" {
				t.Fatalf("request id = %q holder = %q", gotRequestID, gotHolder)
			}
		})
	}
}

func TestRunRequestConsumerStartConsumesRunQueue(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	queues := make([]string, 0, 2)
	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			mu.Lock()
			queues = append(queues, queueName)
			mu.Unlock()
			return nil
		},
	}
	run := func(ctx context.Context, batchID, holderID string) (RunResult, error) {
		return RunResult{}, nil
	}
	c, err := NewRunRequestConsumer(consumer, run, "worker-1", 2, zap.NewNop())
	mustNoErr(t, err)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(queues) != 2 || queues[0] != queue.RunQueue || queues[1] != queue.RunQueue {
		t.Fatalf("queues = %v, want two consumers on %s", queues, queue.RunQueue)
	}
}

func TestRunRequestConsumerStartUsesHolderPerConsumer(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			return handler(ctx, queue.RunBatchMessage{BatchID: "b-1"})
		},
	}
	var mu sync.Mutex
	holders := make(map[string]int)
	run := func(ctx context.Context, batchID, holderID string) (RunResult, error) {
		mu.Lock()
		holders[holderID]++
		mu.Unlock()
		return RunResult{BatchID: batchID, Outcome: RunOutcomeCompleted}, nil
	}
	c, err := NewRunRequestConsumer(consumer, run, "worker-1", 2, zap.NewNop())
	mustNoErr(t, err)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if holders["worker-1/consumer-1"] != 1 || holders["worker-1/consumer-2"] != 1 || len(holders) != 2 {
		t.Fatalf("holders = %v, want one run per consumer holder", holders)
	}
}

func TestRunRequestConsumerStartPropagatesError(t *testing.T) {
	t.Parallel()

	consumer := &fakeConsumer{
		consumeFn: func(ctx context.Context, queueName string, handler queue.MessageHandler) error {
			return errors.New("consume failed")
		},
	}
	run := func(ctx context.Context, batchID, holderID string) (RunResult, error) {
		return RunResult{}, nil
	}
	c, err := NewRunRequestConsumer(consumer, run, "worker-1", 1, zap.NewNop())
	mustNoErr(t, err)

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("expected consume error")
	}
}
