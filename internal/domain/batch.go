package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// BatchStatus represents the processing state of a batch.
type BatchStatus string

const (
	BatchStatusPending        BatchStatus = "PENDING"
	BatchStatusRunning        BatchStatus = "RUNNING"
	BatchStatusSuccess        BatchStatus = "SUCCESS"
	BatchStatusPartialSuccess BatchStatus = "PARTIAL_SUCCESS"
	BatchStatusFailed         BatchStatus = "FAILED"
	BatchStatusCancelled      BatchStatus = "CANCELLED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusRunning, BatchStatusSuccess,
		BatchStatusPartialSuccess, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the status has no outgoing transitions.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusSuccess, BatchStatusPartialSuccess, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// Priority bounds and defaults for batches.
const (
	MinBatchPriority           = 1
	MaxBatchPriority           = 10
	DefaultBatchPriority       = 5
	DefaultMaxConcurrentTrades = 5
)

// ClampPriority bounds p to [MinBatchPriority, MaxBatchPriority].
func ClampPriority(p int) int {
	return min(max(p, MinBatchPriority), MaxBatchPriority)
}

// EffectiveMaxConcurrent returns the concurrency cap, falling back to the default when unset.
func EffectiveMaxConcurrent(maxConcurrent int) int {
	if maxConcurrent <= 0 {
		return DefaultMaxConcurrentTrades
	}
	return maxConcurrent
}

// Batch is a unit of work owning a set of trades.
type Batch struct {
	ID                      string
	UID                     string
	Status                  BatchStatus
	TotalTrades             int
	ProcessedTrades         int
	FailedTrades            int
	Priority                int
	QueuePosition           int
	MaxConcurrentTrades     int
	CurrentConcurrentTrades int
	LockedBy                *string
	LockedAt                *time.Time
	LockExpiresAt           *time.Time
	StartedAt               *time.Time
	CompletedAt             *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// IsLocked reports whether a non-expired lock is held at now.
func (b Batch) IsLocked(now time.Time) bool {
	if b.LockedBy == nil || b.LockExpiresAt == nil {
		return false
	}
	return now.Before(*b.LockExpiresAt)
}

func (b Batch) Progress() Progress {
	return NewProgress(b.Status, b.TotalTrades, b.ProcessedTrades, b.FailedTrades)
}

// Progress is the externally visible view of a batch's counters.
type Progress struct {
	Status    BatchStatus
	Total     int
	Processed int
	Failed    int
	Percent   float64
}

func NewProgress(status BatchStatus, total, processed, failed int) Progress {
	return Progress{
		Status:    status,
		Total:     total,
		Processed: processed,
		Failed:    failed,
		Percent:   ProgressPercent(total, processed),
	}
}

// ProgressPercent returns processed/total as a percentage rounded to two decimals.
func ProgressPercent(total, processed int) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(processed) / float64(total) * 100
	return math.Round(pct*100) / 100
}

// LockInfo describes a currently locked batch.
type LockInfo struct {
	BatchID   string
	UID       string
	Status    BatchStatus
	LockedBy  string
	LockedAt  time.Time
	ExpiresAt time.Time
}
