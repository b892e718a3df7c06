package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/remindme/pkg/models"
)

// ErrRecordNotFound is returned when no dispatch record matches the lookup.
var ErrRecordNotFound = errors.New("dispatch record not found")

const recordColumns = "user_id, slot_key, status, attempt_count, last_attempt_at, last_error, created_at, updated_at"

// DispatchRepository handles database operations for dispatch records
type DispatchRepository struct{}

// NewDispatchRepository creates a new repository instance
func NewDispatchRepository() *DispatchRepository {
	return &DispatchRepository{}
}

// EnsurePending inserts a pending record for (userID, slotKey) if no record
// exists yet. An existing record of any status wins the conflict, so a
// delivered or failed slot is never reopened.
func (r *DispatchRepository) EnsurePending(ctx context.Context, userID int64, slotKey string) error {
	var query string
	if DB.DriverName() == "postgres" {
		query = `
			INSERT INTO dispatch_records (user_id, slot_key, status)
			VALUES ($1, $2, 'pending')
			ON CONFLICT (user_id, slot_key) DO NOTHING
		`
	} else {
		query = `
			INSERT OR IGNORE INTO dispatch_records (user_id, slot_key, status)
			VALUES (?, ?, 'pending')
		`
	}
	if _, err := DB.ExecContext(ctx, query, userID, slotKey); err != nil {
		return fmt.Errorf("failed to ensure pending record: %v", err)
	}
	return nil
}

// Claim atomically moves a record from pending to in_flight and reports
// whether this caller won the claim. The conditional update is the
// exclusion mechanism: two concurrent ticks can both observe a pending
// record, but only one update matches the status predicate.
func (r *DispatchRepository) Claim(ctx context.Context, userID int64, slotKey string) (bool, error) {
	res, err := DB.ExecContext(ctx, DB.Rebind(`
		UPDATE dispatch_records
		SET status = 'in_flight', updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND slot_key = ? AND status = 'pending'
	`), userID, slotKey)
	if err != nil {
		return false, fmt.Errorf("failed to claim record: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim result: %v", err)
	}
	return n == 1, nil
}

// MarkDelivered finalizes a claimed record as delivered. Delivered is
// terminal; nothing ever moves a record out of it.
func (r *DispatchRepository) MarkDelivered(ctx context.Context, userID int64, slotKey string, attempts int, at time.Time) error {
	return r.finishClaimed(ctx, userID, slotKey, models.DispatchDelivered, attempts, at, "")
}

// MarkFailed records a failed attempt on a claimed record. Non-terminal
// failures return the record to pending for a later retry; terminal
// failures (permanent errors or exhausted retries) end the slot.
func (r *DispatchRepository) MarkFailed(ctx context.Context, userID int64, slotKey string, attempts int, at time.Time, lastErr string, terminal bool) error {
	status := models.DispatchPending
	if terminal {
		status = models.DispatchFailed
	}
	return r.finishClaimed(ctx, userID, slotKey, status, attempts, at, lastErr)
}

func (r *DispatchRepository) finishClaimed(ctx context.Context, userID int64, slotKey string, status models.DispatchStatus, attempts int, at time.Time, lastErr string) error {
	res, err := DB.ExecContext(ctx, DB.Rebind(`
		UPDATE dispatch_records
		SET status = ?, attempt_count = ?, last_attempt_at = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND slot_key = ? AND status = 'in_flight'
	`), string(status), attempts, at.UTC(), lastErr, userID, slotKey)
	if err != nil {
		return fmt.Errorf("failed to finish record: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check finish result: %v", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Release rolls a claimed record back to pending without counting an
// attempt. Used when a dispatch is cancelled before any delivery happened.
func (r *DispatchRepository) Release(ctx context.Context, userID int64, slotKey string) error {
	_, err := DB.ExecContext(ctx, DB.Rebind(`
		UPDATE dispatch_records
		SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND slot_key = ? AND status = 'in_flight'
	`), userID, slotKey)
	if err != nil {
		return fmt.Errorf("failed to release record: %v", err)
	}
	return nil
}

// ReleaseAllInFlight returns every in_flight record to pending. Run once
// at startup: records stuck in_flight can only be leftovers from a crash
// mid-delivery, and re-attempting them trades at-most-once for
// at-least-once across the crash boundary only.
func (r *DispatchRepository) ReleaseAllInFlight(ctx context.Context) (int64, error) {
	res, err := DB.ExecContext(ctx, `
		UPDATE dispatch_records
		SET status = 'pending', updated_at = CURRENT_TIMESTAMP
		WHERE status = 'in_flight'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to release in-flight records: %v", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released records: %v", err)
	}
	return n, nil
}

// HasRecordForDay reports whether any record exists for the user on a
// calendar day, regardless of status or slot key. The dispatcher uses
// this to keep a user at one slot per day across preferred-time changes.
func (r *DispatchRepository) HasRecordForDay(ctx context.Context, userID int64, day string) (bool, error) {
	var n int
	err := DB.GetContext(ctx, &n,
		DB.Rebind("SELECT COUNT(1) FROM dispatch_records WHERE user_id = ? AND slot_key LIKE ?"),
		userID, day+"T%",
	)
	if err != nil {
		return false, fmt.Errorf("failed to check dispatch record: %v", err)
	}
	return n > 0, nil
}

// Get returns the record for an exact (userID, slotKey) pair.
func (r *DispatchRepository) Get(ctx context.Context, userID int64, slotKey string) (*models.DispatchRecord, error) {
	var rec models.DispatchRecord
	err := DB.GetContext(ctx, &rec,
		DB.Rebind("SELECT "+recordColumns+" FROM dispatch_records WHERE user_id = ? AND slot_key = ?"),
		userID, slotKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch record: %v", err)
	}
	return &rec, nil
}

// GetForDay returns a user's record for a calendar day ("2006-01-02").
func (r *DispatchRepository) GetForDay(ctx context.Context, userID int64, day string) (*models.DispatchRecord, error) {
	var rec models.DispatchRecord
	err := DB.GetContext(ctx, &rec,
		DB.Rebind("SELECT "+recordColumns+" FROM dispatch_records WHERE user_id = ? AND slot_key LIKE ?"),
		userID, day+"T%",
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch record: %v", err)
	}
	return &rec, nil
}

// ListPendingForDay returns pending records for a calendar day whose users
// are still active. Records of users paused mid-day sit inert until the
// user is resumed.
func (r *DispatchRepository) ListPendingForDay(ctx context.Context, day string) ([]models.DispatchRecord, error) {
	var recs []models.DispatchRecord
	err := DB.SelectContext(ctx, &recs, DB.Rebind(`
		SELECT r.user_id, r.slot_key, r.status, r.attempt_count, r.last_attempt_at, r.last_error, r.created_at, r.updated_at
		FROM dispatch_records r
		JOIN users u ON u.id = r.user_id
		WHERE r.status = 'pending' AND r.slot_key LIKE ? AND u.active = ?
	`), day+"T%", true)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %v", err)
	}
	return recs, nil
}

// ListFailedForDay returns terminally failed records for a calendar day,
// for operator visibility.
func (r *DispatchRepository) ListFailedForDay(ctx context.Context, day string) ([]models.DispatchRecord, error) {
	var recs []models.DispatchRecord
	err := DB.SelectContext(ctx, &recs,
		DB.Rebind("SELECT "+recordColumns+" FROM dispatch_records WHERE status = 'failed' AND slot_key LIKE ?"),
		day+"T%",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed records: %v", err)
	}
	return recs, nil
}
