package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/fx-batch-engine/internal/domain"
)

// RunBatchMessage asks a worker to run one batch.
type RunBatchMessage struct {
	BatchID   string `json:"batchId"`
	RequestID string `json:"requestId,omitempty"`
	Priority  int    `json:"priority"`
}

func (m RunBatchMessage) Validate() error {
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if m.Priority < domain.MinBatchPriority || m.Priority > domain.MaxBatchPriority {
		return fmt.Errorf("priority must be between %d and %d", domain.MinBatchPriority, domain.MaxBatchPriority)
	}
	return nil
}

// BatchEventMessage is the relayed form of a stored batch notification.
type BatchEventMessage struct {
	NotificationID string                  `json:"notificationId"`
	BatchID        string                  `json:"batchId"`
	Type           domain.NotificationType `json:"type"`
	Snapshot       domain.BatchSnapshot    `json:"snapshot"`
	CreatedAt      time.Time               `json:"createdAt"`
}

func NewBatchEventMessage(n domain.BatchNotification) BatchEventMessage {
	return BatchEventMessage{
		NotificationID: n.ID,
		BatchID:        n.BatchID,
		Type:           n.Type,
		Snapshot:       n.Snapshot,
		CreatedAt:      n.CreatedAt,
	}
}

func (m BatchEventMessage) Validate() error {
	if strings.TrimSpace(m.NotificationID) == "" {
		return fmt.Errorf("notificationId is required")
	}
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if !m.Type.IsValid() {
		return fmt.Errorf("invalid notification type %q", m.Type)
	}
	return nil
}
