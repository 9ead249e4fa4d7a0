package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/JuyeonYu/readit/internal/db"
)

// InsertNotificationIfAbsent is the in-memory unique constraint on
// idempotency_key.
func (s *Store) InsertNotificationIfAbsent(ctx context.Context, n *db.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[n.IdempotencyKey]; exists {
		return false, nil
	}
	if _, ok := s.messages[n.MessageID]; !ok {
		return false, fmt.Errorf("insert notification: message %s: %w", n.MessageID, db.ErrNotFound)
	}

	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := s.now()
	n.Status = db.StatusPending
	n.Attempts = 1
	n.CreatedAt = now
	n.UpdatedAt = now

	cp := *n
	s.notifications[n.ID] = &cp
	s.keys[n.IdempotencyKey] = n.ID
	return true, nil
}

func (s *Store) GetNotificationByKey(ctx context.Context, key string) (*db.Notification, error) {
	s.mu.RLock()
	id, ok := s.keys[key]
	s.mu.RUnlock()
	if !ok {
		return nil, db.ErrNotFound
	}
	return s.GetNotification(ctx, id)
}

func (s *Store) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *Store) ClaimFailedNotification(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.Status != db.StatusFailed {
		return false, nil
	}
	n.Status = db.StatusPending
	n.Attempts++
	n.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	return s.finish(id, func(n *db.Notification) {
		n.Status = db.StatusSent
		n.SentAt = &sentAt
		n.LastError = nil
	})
}

func (s *Store) MarkNotificationFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.finish(id, func(n *db.Notification) {
		n.Status = db.StatusFailed
		n.LastError = &lastError
	})
}

// finish applies a terminal transition; only pending rows may transition.
func (s *Store) finish(id uuid.UUID, apply func(*db.Notification)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return db.ErrNotFound
	}
	if n.Status != db.StatusPending {
		return fmt.Errorf("notification %s is not pending", id)
	}
	apply(n)
	n.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error) {
	s.mu.RLock()
	var out []*db.Notification
	for _, n := range s.notifications {
		m, ok := s.messages[n.MessageID]
		if !ok || m.UserID != userID {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}
