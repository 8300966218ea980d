package admission

import (
	"context"
	"fmt"
)

// SlotStore persists a batch's in-flight trade counter.
type SlotStore interface {
	TryEnterSlot(ctx context.Context, batchID string) (bool, error)
	LeaveSlot(ctx context.Context, batchID string) error
}

// StoreGate caps in-flight trades per batch using the batch's max_concurrent_trades.
type StoreGate struct {
	store SlotStore
}

var _ Gate = (*StoreGate)(nil)

func NewStoreGate(store SlotStore) (*StoreGate, error) {
	if store == nil {
		return nil, fmt.Errorf("slot store is required")
	}
	return &StoreGate{store: store}, nil
}

func (g *StoreGate) TryEnter(ctx context.Context, batchID string) (bool, error) {
	admitted, err := g.store.TryEnterSlot(ctx, batchID)
	if err != nil {
		return false, fmt.Errorf("failed to reserve trade slot: %w", err)
	}
	return admitted, nil
}

func (g *StoreGate) Leave(ctx context.Context, batchID string) error {
	if err := g.store.LeaveSlot(ctx, batchID); err != nil {
		return fmt.Errorf("failed to release trade slot: %w", err)
	}
	return nil
}
