package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/metrics"
)

// Outcome is what Handle did with an event.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeReplayed Outcome = "replayed"
)

// Store is the user persistence billing needs.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetUserByEmail(ctx context.Context, email string) (*db.User, error)
	GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (*db.User, error)
	ApplySubscriptionChange(ctx context.Context, userID uuid.UUID, change db.SubscriptionChange) (*db.User, error)
}

// ReplayGuard remembers processed deliveries.
type ReplayGuard interface {
	FirstSeen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

type Service struct {
	store  Store
	secret string
	guard  ReplayGuard // nil disables replay protection
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, secret string, guard ReplayGuard, logger *zap.Logger) *Service {
	return &Service{store: store, secret: secret, guard: guard, logger: logger, now: time.Now}
}

// Handle verifies and applies one webhook delivery. Events for unknown
// users or unhandled names are acknowledged and ignored.
func (s *Service) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	if err := VerifySignature(payload, signature, s.secret); err != nil {
		metrics.RecordBillingEvent("unknown", "invalid_signature")
		return "", err
	}

	ev, err := ParseEvent(payload)
	if err != nil {
		metrics.RecordBillingEvent("unknown", "malformed")
		return "", err
	}

	digest := sha256.Sum256(payload)
	replayID := hex.EncodeToString(digest[:])
	if s.guard != nil {
		first, err := s.guard.FirstSeen(ctx, replayID)
		if err != nil {
			// Transitions are safe to reapply; keep going without the guard.
			s.logger.Warn("replay guard unavailable", zap.Error(err))
		} else if !first {
			metrics.RecordBillingEvent(ev.Name, string(OutcomeReplayed))
			s.logger.Info("ignoring replayed billing event", zap.String("event", ev.Name))
			return OutcomeReplayed, nil
		}
	}

	outcome, err := s.apply(ctx, ev)
	if err != nil {
		if s.guard != nil {
			if ferr := s.guard.Forget(ctx, replayID); ferr != nil {
				s.logger.Warn("failed to release replay guard", zap.Error(ferr))
			}
		}
		metrics.RecordBillingEvent(ev.Name, "error")
		return "", err
	}
	metrics.RecordBillingEvent(ev.Name, string(outcome))
	return outcome, nil
}

func (s *Service) apply(ctx context.Context, ev *Event) (Outcome, error) {
	user, err := s.findUser(ctx, ev)
	if errors.Is(err, db.ErrNotFound) {
		s.logger.Info("billing event for unknown user",
			zap.String("event", ev.Name),
			zap.String("subscription_id", ev.SubscriptionID),
		)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("find user: %w", err)
	}

	change, ok := Transition(user, ev, s.now())
	if !ok {
		s.logger.Info("unhandled billing event",
			zap.String("event", ev.Name),
			zap.String("status", ev.Status),
		)
		return OutcomeIgnored, nil
	}

	updated, err := s.store.ApplySubscriptionChange(ctx, user.ID, change)
	if err != nil {
		return "", fmt.Errorf("apply subscription change: %w", err)
	}

	status := ""
	if updated.SubscriptionStatus != nil {
		status = *updated.SubscriptionStatus
	}
	s.logger.Info("billing event applied",
		zap.String("event", ev.Name),
		zap.String("user_id", updated.ID.String()),
		zap.String("plan", updated.Plan),
		zap.String("status", status),
	)
	return OutcomeApplied, nil
}

// findUser resolves creation events by checkout custom data, then by email.
// Every other event is matched by subscription id.
func (s *Service) findUser(ctx context.Context, ev *Event) (*db.User, error) {
	if ev.Name != EventSubscriptionCreated {
		if ev.SubscriptionID == "" {
			return nil, db.ErrNotFound
		}
		return s.store.GetUserBySubscriptionID(ctx, ev.SubscriptionID)
	}

	if id, err := uuid.Parse(ev.UserID); err == nil {
		u, err := s.store.GetUser(ctx, id)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
	}
	if ev.UserEmail == "" {
		return nil, db.ErrNotFound
	}
	return s.store.GetUserByEmail(ctx, ev.UserEmail)
}
