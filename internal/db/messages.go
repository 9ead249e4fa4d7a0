package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const messageColumns = `
	id, token, user_id, title, content, password_digest, max_read_count,
	expires_at, read_count, is_active, notify_on_read, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.Token,
		&m.UserID,
		&m.Title,
		&m.Content,
		&m.PasswordHash,
		&m.MaxReadCount,
		&m.ExpiresAt,
		&m.ReadCount,
		&m.IsActive,
		&m.NotifyOnRead,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// TokenExists reports whether a message already uses token.
func (r *Repository) TokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE token = $1)`, token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check token: %w", err)
	}
	return exists, nil
}

// CreateMessage inserts msg for its owner. The owner row is locked for the
// whole transaction so the lazy monthly reset, the quota check and the
// counter increment happen as one step per owner.
func (r *Repository) CreateMessage(ctx context.Context, msg *Message, admit AdmitFunc) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		owner, err := r.getUserWhere(ctx, tx, "id = $1 FOR UPDATE", msg.UserID)
		if err != nil {
			return err
		}

		admission, err := admit(owner)
		if err != nil {
			return err
		}

		query := `
			INSERT INTO messages (
				id, token, user_id, title, content, password_digest,
				max_read_count, expires_at, notify_on_read
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING read_count, is_active, created_at
		`
		err = tx.QueryRow(ctx, query,
			msg.ID,
			msg.Token,
			msg.UserID,
			msg.Title,
			msg.Content,
			msg.PasswordHash,
			msg.MaxReadCount,
			msg.ExpiresAt,
			msg.NotifyOnRead,
		).Scan(&msg.ReadCount, &msg.IsActive, &msg.CreatedAt)
		if pgCode(err) == codeUniqueViolation {
			return ErrTokenTaken
		}
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE users
			SET monthly_message_count = $2, monthly_message_count_reset_at = $3
			WHERE id = $1`,
			owner.ID, admission.Count, admission.ResetAt,
		)
		if err != nil {
			return fmt.Errorf("increment monthly count: %w", err)
		}

		r.logger.Info("message created",
			zap.String("message_id", msg.ID.String()),
			zap.String("user_id", owner.ID.String()),
			zap.Int("monthly_count", admission.Count),
		)
		return nil
	})
}

func (r *Repository) getMessageWhere(ctx context.Context, where string, arg any) (*Message, error) {
	m, err := scanMessage(r.db.Pool().QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

// GetMessage retrieves a message by ID
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	return r.getMessageWhere(ctx, "id = $1", id)
}

// GetMessageByToken retrieves a message by its public token
func (r *Repository) GetMessageByToken(ctx context.Context, token string) (*Message, error) {
	return r.getMessageWhere(ctx, "token = $1", token)
}

// ListMessagesByUser returns the owner's messages, newest first.
func (r *Repository) ListMessagesByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// DeactivateMessage soft-deletes a message owned by userID.
func (r *Repository) DeactivateMessage(ctx context.Context, userID uuid.UUID, token string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE messages SET is_active = FALSE WHERE token = $1 AND user_id = $2`, token, userID)
	if err != nil {
		return fmt.Errorf("deactivate message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message; read events and notifications cascade.
func (r *Repository) DeleteMessage(ctx context.Context, userID uuid.UUID, token string) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM messages WHERE token = $1 AND user_id = $2`, token, userID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("message deleted",
		zap.String("user_id", userID.String()),
	)
	return nil
}
