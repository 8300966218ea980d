package domain

import (
	"fmt"
	"strings"
	"time"
)

// NotificationType is the lifecycle event a batch notification records.
type NotificationType string

const (
	NotificationStarted      NotificationType = "started"
	NotificationStatusChange NotificationType = "status_change"
	NotificationCompletion   NotificationType = "completion"
	NotificationCancelled    NotificationType = "cancelled"
)

func (t NotificationType) String() string { return string(t) }

func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationStarted, NotificationStatusChange, NotificationCompletion, NotificationCancelled:
		return true
	}
	return false
}

func ParseNotificationTypeFromString(s string) (NotificationType, error) {
	nt := NotificationType(strings.ToLower(strings.TrimSpace(s)))
	if !nt.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return nt, nil
}

// BatchSnapshot is the batch state captured when a notification is emitted.
type BatchSnapshot struct {
	BatchID         string      `json:"batchId"`
	UID             string      `json:"uid"`
	Status          BatchStatus `json:"status"`
	TotalTrades     int         `json:"totalTrades"`
	ProcessedTrades int         `json:"processedTrades"`
	FailedTrades    int         `json:"failedTrades"`
	Percent         float64     `json:"percent"`
	StartedAt       *time.Time  `json:"startedAt,omitempty"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
}

func SnapshotOf(b Batch) BatchSnapshot {
	return BatchSnapshot{
		BatchID:         b.ID,
		UID:             b.UID,
		Status:          b.Status,
		TotalTrades:     b.TotalTrades,
		ProcessedTrades: b.ProcessedTrades,
		FailedTrades:    b.FailedTrades,
		Percent:         ProgressPercent(b.TotalTrades, b.ProcessedTrades),
		StartedAt:       b.StartedAt,
		CompletedAt:     b.CompletedAt,
	}
}

// BatchNotification is an append-only lifecycle record awaiting downstream delivery.
type BatchNotification struct {
	ID          string
	BatchID     string
	Type        NotificationType
	Snapshot    BatchSnapshot
	CreatedAt   time.Time
	DeliveredAt *time.Time
}
