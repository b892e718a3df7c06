package models

import (
	"database/sql"
	"time"
)

// DispatchStatus is the lifecycle state of a dispatch record.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchInFlight  DispatchStatus = "in_flight"
	DispatchDelivered DispatchStatus = "delivered"
	DispatchFailed    DispatchStatus = "failed" // terminal, retries exhausted or permanent error
)

// Terminal reports whether no further delivery attempts may occur.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchDelivered || s == DispatchFailed
}

// DispatchRecord tracks one user's reminder occurrence for one calendar day.
// At most one record exists per (user_id, slot_key); once delivered it is
// never re-attempted, even across restarts.
type DispatchRecord struct {
	UserID        int64          `json:"user_id" db:"user_id"`
	SlotKey       string         `json:"slot_key" db:"slot_key"` // date + preferred time, e.g. "2025-05-05T09:00"
	Status        DispatchStatus `json:"status" db:"status"`
	AttemptCount  int            `json:"attempt_count" db:"attempt_count"`
	LastAttemptAt sql.NullTime   `json:"last_attempt_at" db:"last_attempt_at"`
	LastError     string         `json:"last_error" db:"last_error"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}
