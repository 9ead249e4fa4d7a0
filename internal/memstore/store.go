// Package memstore is an in-process implementation of the storage contract
// served by internal/db. It backs tests and single-instance local runs.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
)

// Store keeps every record in maps guarded by mu. Multi-step sequences on a
// message or owner additionally hold that record's shard lock.
type Store struct {
	mu            sync.RWMutex
	users         map[uuid.UUID]*db.User
	messages      map[uuid.UUID]*db.Message
	tokens        map[string]uuid.UUID
	events        map[uuid.UUID][]*db.ReadEvent
	notifications map[uuid.UUID]*db.Notification
	keys          map[string]uuid.UUID

	messageLocks *shardedLocks
	userLocks    *shardedLocks
	lockTimeout  time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at columns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockTimeout bounds how long ConsumeRead waits for a message lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New creates an empty store.
func New(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		users:         make(map[uuid.UUID]*db.User),
		messages:      make(map[uuid.UUID]*db.Message),
		tokens:        make(map[string]uuid.UUID),
		events:        make(map[uuid.UUID][]*db.ReadEvent),
		notifications: make(map[uuid.UUID]*db.Notification),
		keys:          make(map[string]uuid.UUID),
		messageLocks:  newShardedLocks(),
		userLocks:     newShardedLocks(),
		lockTimeout:   3 * time.Second,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateUser adds an owner. Account creation belongs to the auth layer; the
// in-memory store exposes it for seeding.
func (s *Store) CreateUser(ctx context.Context, u *db.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Plan == "" {
		u.Plan = db.PlanFree
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	return s.findUser(func(u *db.User) bool { return strings.EqualFold(u.Email, email) })
}

func (s *Store) GetUserBySubscriptionID(ctx context.Context, subscriptionID string) (*db.User, error) {
	return s.findUser(func(u *db.User) bool {
		return u.SubscriptionID != nil && *u.SubscriptionID == subscriptionID
	})
}

func (s *Store) findUser(match func(*db.User) bool) (*db.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *Store) ApplySubscriptionChange(ctx context.Context, userID uuid.UUID, change db.SubscriptionChange) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	change.Apply(u)
	cp := *u
	return &cp, nil
}

// ResetMonthlyCount zeroes the counter only if its marker predates monthStart.
func (s *Store) ResetMonthlyCount(ctx context.Context, userID uuid.UUID, monthStart, now time.Time) (*db.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	if u.MonthlyMessageCountResetAt == nil || u.MonthlyMessageCountResetAt.Before(monthStart) {
		marker := now
		u.MonthlyMessageCount = 0
		u.MonthlyMessageCountResetAt = &marker
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UpdateWebhookURL(ctx context.Context, userID uuid.UUID, url *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return db.ErrNotFound
	}
	u.WebhookURL = url
	return nil
}

func (s *Store) TokenExists(ctx context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.tokens[token]
	return ok, nil
}

// CreateMessage admits and inserts msg while holding the owner's lock.
func (s *Store) CreateMessage(ctx context.Context, msg *db.Message, admit db.AdmitFunc) error {
	release, err := s.userLocks.acquire(ctx, msg.UserID)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.users[msg.UserID]
	if !ok {
		return db.ErrNotFound
	}

	ownerCopy := *owner
	admission, err := admit(&ownerCopy)
	if err != nil {
		return err
	}

	if _, taken := s.tokens[msg.Token]; taken {
		return db.ErrTokenTaken
	}

	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.ReadCount = 0
	msg.IsActive = true
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	s.tokens[msg.Token] = msg.ID

	marker := admission.ResetAt
	owner.MonthlyMessageCount = admission.Count
	owner.MonthlyMessageCountResetAt = &marker
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) GetMessageByToken(ctx context.Context, token string) (*db.Message, error) {
	s.mu.RLock()
	id, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return nil, db.ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

func (s *Store) ListMessagesByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Message, error) {
	s.mu.RLock()
	var out []*db.Message
	for _, m := range s.messages {
		if m.UserID == userID {
			cp := *m
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (s *Store) DeactivateMessage(ctx context.Context, userID uuid.UUID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.ownedMessage(userID, token)
	if err != nil {
		return err
	}
	m.IsActive = false
	return nil
}

// DeleteMessage removes the message with its events and notifications.
func (s *Store) DeleteMessage(ctx context.Context, userID uuid.UUID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.ownedMessage(userID, token)
	if err != nil {
		return err
	}
	delete(s.messages, m.ID)
	delete(s.tokens, m.Token)
	delete(s.events, m.ID)
	for id, n := range s.notifications {
		if n.MessageID == m.ID {
			delete(s.keys, n.IdempotencyKey)
			delete(s.notifications, id)
		}
	}
	return nil
}

func (s *Store) ownedMessage(userID uuid.UUID, token string) (*db.Message, error) {
	id, ok := s.tokens[token]
	if !ok {
		return nil, db.ErrNotFound
	}
	m := s.messages[id]
	if m.UserID != userID {
		return nil, db.ErrNotFound
	}
	return m, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
