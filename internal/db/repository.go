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

// Repository is the Postgres-backed store for users, messages, the read
// ledger and notifications.
type Repository struct {
	db          *DB
	logger      *zap.Logger
	lockTimeout time.Duration
}

// NewRepository creates a repository. lockTimeout bounds how long a reader
// waits for a message row lock; zero means 3 seconds.
func NewRepository(db *DB, logger *zap.Logger, lockTimeout time.Duration) *Repository {
	if lockTimeout <= 0 {
		lockTimeout = 3 * time.Second
	}
	return &Repository{
		db:          db,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `
	id, email, plan, subscription_status, lemon_squeezy_subscription_id,
	lemon_squeezy_customer_id, current_period_end, cancelled_at,
	monthly_message_count, monthly_message_count_reset_at, webhook_url, created_at`

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Plan,
		&u.SubscriptionStatus,
		&u.SubscriptionID,
		&u.CustomerID,
		&u.CurrentPeriodEnd,
		&u.CancelledAt,
		&u.MonthlyMessageCount,
		&u.MonthlyMessageCountResetAt,
		&u.WebhookURL,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repository) getUserWhere(ctx context.Context, q pgx.Tx, where string, arg any) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	var row pgx.Row
	if q != nil {
		row = q.QueryRow(ctx, query, arg)
	} else {
		row = r.db.Pool().QueryRow(ctx, query, arg)
	}

	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.getUserWhere(ctx, nil, "id = $1", id)
}

// GetUserByEmail matches case-insensitively.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return r.getUserWhere(ctx, nil, "lower(email) = lower($1)", email)
}

// GetUserBySubscriptionID looks a user up by the billing provider's subscription id.
func (r *Repository) GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (*User, error) {
	return r.getUserWhere(ctx, nil, "lemon_squeezy_subscription_id = $1", subscriptionID)
}

// ApplySubscriptionChange writes the non-nil fields of change.
func (r *Repository) ApplySubscriptionChange(ctx context.Context, userID uuid.UUID, change SubscriptionChange) (*User, error) {
	query := `
		UPDATE users SET
			plan = COALESCE($2, plan),
			subscription_status = COALESCE($3, subscription_status),
			lemon_squeezy_customer_id = COALESCE($4, lemon_squeezy_customer_id),
			lemon_squeezy_subscription_id = COALESCE($5, lemon_squeezy_subscription_id),
			current_period_end = COALESCE($6, current_period_end),
			cancelled_at = CASE WHEN $7 THEN NULL ELSE COALESCE($8, cancelled_at) END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + userColumns

	u, err := scanUser(r.db.Pool().QueryRow(ctx, query,
		userID,
		change.Plan,
		change.Status,
		change.CustomerID,
		change.SubscriptionID,
		change.CurrentPeriodEnd,
		change.ClearCancelledAt,
		change.CancelledAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("failed to apply subscription change",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	r.logger.Info("subscription updated",
		zap.String("user_id", userID.String()),
		zap.String("plan", u.Plan),
	)
	return u, nil
}

// ResetMonthlyCount zeroes the monthly counter when its marker predates
// monthStart. The condition makes concurrent callers reset at most once.
func (r *Repository) ResetMonthlyCount(ctx context.Context, userID uuid.UUID, monthStart, now time.Time) (*User, error) {
	query := `
		UPDATE users
		SET monthly_message_count = 0, monthly_message_count_reset_at = $2
		WHERE id = $1
		  AND (monthly_message_count_reset_at IS NULL OR monthly_message_count_reset_at < $3)
		RETURNING ` + userColumns

	u, err := scanUser(r.db.Pool().QueryRow(ctx, query, userID, now, monthStart))
	if errors.Is(err, pgx.ErrNoRows) {
		// Already current, or the user is gone.
		return r.GetUser(ctx, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("reset monthly count: %w", err)
	}

	r.logger.Debug("monthly message count reset",
		zap.String("user_id", userID.String()),
	)
	return u, nil
}

// UpdateWebhookURL sets or clears (nil) the owner's webhook destination.
func (r *Repository) UpdateWebhookURL(ctx context.Context, userID uuid.UUID, url *string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE users SET webhook_url = $2, updated_at = NOW() WHERE id = $1`, userID, url)
	if err != nil {
		return fmt.Errorf("update webhook url: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
