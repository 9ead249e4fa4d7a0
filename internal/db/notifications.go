package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const notificationColumns = `
	id, message_id, viewer_token_hash, channel, recipient, status,
	idempotency_key, attempts, last_error, sent_at, created_at, updated_at`

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var viewer *string
	err := row.Scan(
		&n.ID,
		&n.MessageID,
		&viewer,
		&n.Channel,
		&n.Recipient,
		&n.Status,
		&n.IdempotencyKey,
		&n.Attempts,
		&n.LastError,
		&n.SentAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if viewer != nil {
		n.ViewerTokenHash = *viewer
	}
	return &n, nil
}

// InsertNotificationIfAbsent creates n as pending unless its idempotency key
// is already taken. It reports whether this call inserted the row.
func (r *Repository) InsertNotificationIfAbsent(ctx context.Context, n *Notification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	query := `
		INSERT INTO notifications (
			id, message_id, viewer_token_hash, channel, recipient,
			status, idempotency_key, attempts
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, 1)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING attempts, created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID,
		n.MessageID,
		n.ViewerTokenHash,
		n.Channel,
		n.Recipient,
		StatusPending,
		n.IdempotencyKey,
	).Scan(&n.Attempts, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to insert notification",
			zap.Error(err),
			zap.String("idempotency_key", n.IdempotencyKey),
		)
		return false, fmt.Errorf("insert notification: %w", err)
	}

	n.Status = StatusPending
	return true, nil
}

// GetNotificationByKey retrieves a notification by idempotency key
func (r *Repository) GetNotificationByKey(ctx context.Context, key string) (*Notification, error) {
	n, err := scanNotification(r.db.Pool().QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	n, err := scanNotification(r.db.Pool().QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// ClaimFailedNotification moves a failed notification back to pending for a
// retry. Only one concurrent caller wins; a sent or pending row is never claimed.
func (r *Repository) ClaimFailedNotification(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET status = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, StatusPending, StatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("claim notification: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkNotificationSent records a successful delivery.
func (r *Repository) MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET status = $2, sent_at = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, StatusSent, sentAt, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s is not pending", id)
	}
	return nil
}

// MarkNotificationFailed records a failed delivery with its error.
func (r *Repository) MarkNotificationFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, StatusFailed, lastError, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification %s is not pending", id)
	}
	return nil
}

// ListNotificationsByUser returns notifications for the owner's messages, newest first.
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT n.id, n.message_id, n.viewer_token_hash, n.channel, n.recipient, n.status,
		       n.idempotency_key, n.attempts, n.last_error, n.sent_at, n.created_at, n.updated_at
		FROM notifications n
		JOIN messages m ON m.id = n.message_id
		WHERE m.user_id = $1
		ORDER BY n.created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return notifications, nil
}
