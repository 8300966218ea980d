package admission

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

const (
	backoffStep = 10 * time.Millisecond
	backoffMax  = 50 * time.Millisecond
)

// Gate admits units of work for a batch. Every successful TryEnter must be paired with
// exactly one Leave.
type Gate interface {
	TryEnter(ctx context.Context, batchID string) (bool, error)
	Leave(ctx context.Context, batchID string) error
}

// Wait blocks until g admits work for batchID or ctx is done.
func Wait(ctx context.Context, g Gate, batchID string) error {
	return wait(ctx, g, batchID, sleepWithContext)
}

func wait(ctx context.Context, g Gate, batchID string, sleep func(ctx context.Context, d time.Duration) error) error {
	if g == nil {
		return fmt.Errorf("admission gate is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	backoff := backoffStep
	for {
		admitted, err := g.TryEnter(ctx, batchID)
		if err != nil {
			return err
		}
		if admitted {
			return nil
		}

		if err := sleep(ctx, backoff); err != nil {
			return err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// Chain admits work only when every gate admits it. Gates are entered in order and left
// in reverse order.
type Chain []Gate

var _ Gate = Chain(nil)

func (c Chain) TryEnter(ctx context.Context, batchID string) (bool, error) {
	for i, g := range c {
		if g == nil {
			continue
		}
		admitted, err := g.TryEnter(ctx, batchID)
		if err != nil || !admitted {
			rollbackErr := c[:i].Leave(ctx, batchID)
			return false, multierr.Append(err, rollbackErr)
		}
	}
	return true, nil
}

func (c Chain) Leave(ctx context.Context, batchID string) error {
	var err error
	for i := len(c) - 1; i >= 0; i-- {
		if c[i] == nil {
			continue
		}
		err = multierr.Append(err, c[i].Leave(ctx, batchID))
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
