// Package message owns the message lifecycle: creation with validation and
// quota admission, secure tokens, passwords and owner-side management.
package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/quota"
)

// Store is the persistence the service needs.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	TokenExists(ctx context.Context, token string) (bool, error)
	CreateMessage(ctx context.Context, msg *db.Message, admit db.AdmitFunc) error
	GetMessageByToken(ctx context.Context, token string) (*db.Message, error)
	ListMessagesByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Message, error)
	DeactivateMessage(ctx context.Context, userID uuid.UUID, token string) error
	DeleteMessage(ctx context.Context, userID uuid.UUID, token string) error
}

// CreateInput is what an owner submits for a new message.
type CreateInput struct {
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	Password     string     `json:"password,omitempty"`
	MaxReadCount *int       `json:"max_read_count,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	// ExpiresInDays is a shorthand for ExpiresAt; ignored when ExpiresAt is set.
	ExpiresInDays int   `json:"expires_in_days,omitempty"`
	NotifyOnRead  *bool `json:"notify_on_read,omitempty"`
}

type Service struct {
	store         Store
	quota         *quota.Authority
	publicBaseURL string
	logger        *zap.Logger
	now           func() time.Time
}

func NewService(store Store, authority *quota.Authority, publicBaseURL string, logger *zap.Logger) *Service {
	return &Service{
		store:         store,
		quota:         authority,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger,
		now:           time.Now,
	}
}

// Create validates in, assigns a token and stores the message, charging the
// owner's monthly quota in the same transaction.
func (s *Service) Create(ctx context.Context, ownerID uuid.UUID, in CreateInput) (*db.Message, error) {
	now := s.now()

	owner, err := s.store.GetUser(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}

	if err := s.validate(owner, &in, now); err != nil {
		return nil, err
	}

	msg := &db.Message{
		UserID:       owner.ID,
		Title:        strings.TrimSpace(in.Title),
		Content:      in.Content,
		MaxReadCount: in.MaxReadCount,
		ExpiresAt:    in.ExpiresAt,
		NotifyOnRead: in.NotifyOnRead == nil || *in.NotifyOnRead,
	}

	if in.Password != "" {
		hash, err := HashPassword(in.Password)
		if err != nil {
			return nil, err
		}
		msg.PasswordHash = &hash
	}

	// A token can be claimed between the existence check and the insert.
	for attempt := 0; ; attempt++ {
		msg.Token, err = GenerateToken(ctx, s.store.TokenExists)
		if err != nil {
			return nil, err
		}
		err = s.store.CreateMessage(ctx, msg, s.quota.Admit(now))
		if !errors.Is(err, db.ErrTokenTaken) || attempt == 2 {
			break
		}
	}
	if err != nil {
		if errors.Is(err, db.ErrTokenTaken) {
			return nil, ErrTokenGenerationExhausted
		}
		return nil, err
	}

	s.logger.Info("message created",
		zap.String("message_id", msg.ID.String()),
		zap.String("owner_id", owner.ID.String()),
		zap.Bool("password", msg.HasPassword()),
		zap.Bool("notify_on_read", msg.NotifyOnRead),
	)
	return msg, nil
}

func (s *Service) validate(owner *db.User, in *CreateInput, now time.Time) error {
	title := strings.TrimSpace(in.Title)
	switch {
	case title == "":
		return &ValidationError{Field: "title", Message: "is required"}
	case utf8.RuneCountInString(title) > db.MaxTitleLength:
		return &ValidationError{Field: "title", Message: fmt.Sprintf("must be at most %d characters", db.MaxTitleLength)}
	}

	switch {
	case strings.TrimSpace(in.Content) == "":
		return &ValidationError{Field: "content", Message: "is required"}
	case utf8.RuneCountInString(in.Content) > db.MaxContentLength:
		return &ValidationError{Field: "content", Message: fmt.Sprintf("must be at most %d characters", db.MaxContentLength)}
	}

	if in.MaxReadCount != nil && *in.MaxReadCount < 1 {
		return &ValidationError{Field: "max_read_count", Message: "must be at least 1"}
	}

	if in.ExpiresAt == nil && in.ExpiresInDays > 0 {
		at := now.AddDate(0, 0, in.ExpiresInDays)
		in.ExpiresAt = &at
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return &ValidationError{Field: "expires_at", Message: "must be in the future"}
	}

	if in.Password != "" {
		if utf8.RuneCountInString(in.Password) < MinPasswordLength {
			return &ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", MinPasswordLength)}
		}
		if len(in.Password) > MaxPasswordBytes {
			return &ValidationError{Field: "password", Message: fmt.Sprintf("must be at most %d bytes", MaxPasswordBytes)}
		}
		if !s.quota.IsPro(owner, now) {
			return &ValidationError{Field: "password", Message: "is available on the pro plan"}
		}
	}
	return nil
}

// Get returns one of the owner's messages.
func (s *Service) Get(ctx context.Context, ownerID uuid.UUID, token string) (*db.Message, error) {
	msg, err := s.store.GetMessageByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if msg.UserID != ownerID {
		return nil, db.ErrNotFound
	}
	return msg, nil
}

func (s *Service) List(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*db.Message, error) {
	return s.store.ListMessagesByUser(ctx, ownerID, limit, offset)
}

// Deactivate stops further reads while keeping the ledger.
func (s *Service) Deactivate(ctx context.Context, ownerID uuid.UUID, token string) error {
	if err := s.store.DeactivateMessage(ctx, ownerID, token); err != nil {
		return err
	}
	s.logger.Info("message deactivated", zap.String("owner_id", ownerID.String()))
	return nil
}

// Delete removes the message with its read events and notifications.
func (s *Service) Delete(ctx context.Context, ownerID uuid.UUID, token string) error {
	if err := s.store.DeleteMessage(ctx, ownerID, token); err != nil {
		return err
	}
	s.logger.Info("message deleted", zap.String("owner_id", ownerID.String()))
	return nil
}

// ShareURL is the owner's page for a message.
func (s *Service) ShareURL(token string) string {
	return ShareURL(s.publicBaseURL, token)
}

// ReadURL is the link handed to recipients.
func (s *Service) ReadURL(token string) string {
	return strings.TrimRight(s.publicBaseURL, "/") + "/m/" + token
}

func ShareURL(baseURL, token string) string {
	return strings.TrimRight(baseURL, "/") + "/messages/" + token + "/share"
}
