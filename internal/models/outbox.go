package models

import (
	"time"
)

// Outbox row statuses.
const (
	OutboxPending   = "pending"
	OutboxDelivered = "delivered"
	OutboxFailed    = "failed"
)

// OutboxRow is a durable pending webhook notification. Rows are inserted in
// the same transaction as the lifecycle change they describe.
type OutboxRow struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	Event         map[string]any `json:"event"`
	Status        string         `json:"status"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LockedBy      *string        `json:"locked_by,omitempty"`
	LockedUntil   *time.Time     `json:"locked_until,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
