package domain

import "fmt"

// Entity names a state machine.
type Entity string

const (
	EntityBatch Entity = "batch"
	EntityTrade Entity = "trade"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusPending: {BatchStatusRunning, BatchStatusCancelled},
	BatchStatusRunning: {
		BatchStatusSuccess,
		BatchStatusPartialSuccess,
		BatchStatusFailed,
		BatchStatusCancelled,
	},
	BatchStatusSuccess:        {},
	BatchStatusPartialSuccess: {},
	BatchStatusFailed:         {},
	BatchStatusCancelled:      {},
}

var tradeTransitions = map[TradeStatus][]TradeStatus{
	TradeStatusPending:   {TradeStatusQuoted, TradeStatusFailed, TradeStatusCancelled},
	TradeStatusQuoted:    {TradeStatusExecuting, TradeStatusFailed, TradeStatusCancelled},
	TradeStatusExecuting: {TradeStatusSuccess, TradeStatusFailed, TradeStatusCancelled},
	TradeStatusSuccess:   {},
	TradeStatusFailed:    {},
	TradeStatusCancelled: {},
}

// Transition validates moving entity from one status to another. It has no side effects.
func Transition(entity Entity, from, to string) error {
	switch entity {
	case EntityBatch:
		return ValidateBatchTransition(BatchStatus(from), BatchStatus(to))
	case EntityTrade:
		return ValidateTradeTransition(TradeStatus(from), TradeStatus(to))
	default:
		return fmt.Errorf("%w: unknown entity %q", ErrValidation, entity)
	}
}

func ValidateBatchTransition(from, to BatchStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: batch status %q", ErrUnknownStatus, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("%w: batch status %q", ErrUnknownStatus, to)
	}
	for _, allowed := range batchTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: batch %s -> %s", ErrInvalidTransition, from, to)
}

func ValidateTradeTransition(from, to TradeStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: trade status %q", ErrUnknownStatus, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("%w: trade status %q", ErrUnknownStatus, to)
	}
	for _, allowed := range tradeTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: trade %s -> %s", ErrInvalidTransition, from, to)
}

// BatchStatuses lists every batch status.
func BatchStatuses() []BatchStatus {
	return []BatchStatus{
		BatchStatusPending,
		BatchStatusRunning,
		BatchStatusSuccess,
		BatchStatusPartialSuccess,
		BatchStatusFailed,
		BatchStatusCancelled,
	}
}

// TradeStatuses lists every trade status.
func TradeStatuses() []TradeStatus {
	return []TradeStatus{
		TradeStatusPending,
		TradeStatusQuoted,
		TradeStatusExecuting,
		TradeStatusSuccess,
		TradeStatusFailed,
		TradeStatusCancelled,
	}
}
