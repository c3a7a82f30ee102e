package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/records-timeline/internal/models"
)

// ProcessingStatusRepository stores the durable per-user timeline lock
type ProcessingStatusRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewProcessingStatusRepository creates a new processing status repository
func NewProcessingStatusRepository(db *sql.DB) *ProcessingStatusRepository {
	return &ProcessingStatusRepository{db: db, now: time.Now}
}

// TryAcquire moves the user from IDLE (or no row) to status in a single
// statement. Returns false when another run holds the lock.
func (r *ProcessingStatusRepository) TryAcquire(ctx context.Context, userID int64, status models.ProcessingStatus) (bool, error) {
	if !status.IsBusy() {
		return false, fmt.Errorf("cannot acquire timeline lock with status %s", status)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO user_timeline_status (user_id, status, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE
			SET status = excluded.status, updated_at = excluded.updated_at
			WHERE user_timeline_status.status = 'IDLE'
	`, userID, status, r.now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to acquire timeline lock: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Release sets the user back to IDLE
func (r *ProcessingStatusRepository) Release(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE user_timeline_status SET status = 'IDLE', updated_at = ? WHERE user_id = ?
	`, r.now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to release timeline lock: %w", err)
	}
	return nil
}

// Get returns the user's status; a user without a row is IDLE
func (r *ProcessingStatusRepository) Get(ctx context.Context, userID int64) (*models.UserTimelineStatus, error) {
	st := &models.UserTimelineStatus{UserID: userID, Status: models.StatusIdle}

	var updated int64
	err := r.db.QueryRowContext(ctx, `
		SELECT status, updated_at FROM user_timeline_status WHERE user_id = ?
	`, userID).Scan(&st.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get timeline status: %w", err)
	}

	st.UpdatedAt = unixTime(updated)
	return st, nil
}

// ResetBusy forces every PROCESSING or REGENERATING user back to IDLE and
// returns the affected user ids
func (r *ProcessingStatusRepository) ResetBusy(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM user_timeline_status WHERE status IN ('PROCESSING', 'REGENERATING') ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck users: %w", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stuck users: %w", err)
	}

	if len(users) == 0 {
		return nil, nil
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE user_timeline_status SET status = 'IDLE', updated_at = ?
		WHERE status IN ('PROCESSING', 'REGENERATING')
	`, r.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to reset stuck users: %w", err)
	}
	return users, nil
}
