// Package reads runs the read path: the consume-read critical section,
// reactions, and the owner's view of who read a message.
package reads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/message"
	"github.com/JuyeonYu/readit/internal/metrics"
	"github.com/JuyeonYu/readit/internal/notify"
	"github.com/JuyeonYu/readit/internal/quota"
)

const maxUserAgentLength = 512

// Store is the persistence the read path needs.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetMessageByToken(ctx context.Context, token string) (*db.Message, error)
	ConsumeRead(ctx context.Context, messageID uuid.UUID, ev *db.ReadEvent) (*db.Message, error)
	SetReaction(ctx context.Context, messageID uuid.UUID, viewerHash string, reaction *string) (*db.ReadEvent, error)
	GroupedReads(ctx context.Context, messageID uuid.UUID, q db.GroupedReadsQuery) (*db.GroupedReads, error)
	ReactionsSummary(ctx context.Context, messageID uuid.UUID) (map[string]int, error)
	DashboardStats(ctx context.Context, userID uuid.UUID, opts db.StatsOptions) (*db.DashboardStats, error)
	ResetMonthlyCount(ctx context.Context, userID uuid.UUID, monthStart, now time.Time) (*db.User, error)
}

// Enqueuer schedules owner notifications after a read commits.
type Enqueuer interface {
	Enqueue(ctx context.Context, job notify.Job) error
}

// ReadNotice is published for every successful read.
type ReadNotice struct {
	MessageID uuid.UUID `json:"message_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Token     string    `json:"token"`
	ReadCount int       `json:"read_count"`
	ReadAt    time.Time `json:"read_at"`
}

// Publisher fans read notices out to other systems.
type Publisher interface {
	PublishRead(ctx context.Context, notice ReadNotice) error
}

// ConsumeRequest is one viewer asking to read a message.
type ConsumeRequest struct {
	Token      string
	ViewerHash string
	UserAgent  string
	Password   string
}

// ConsumeResult carries the message as of the committed read.
type ConsumeResult struct {
	Message *db.Message
	Event   *db.ReadEvent
}

type Coordinator struct {
	store     Store
	quota     *quota.Authority
	enqueuer  Enqueuer
	publisher Publisher // nil when no topic is configured
	logger    *zap.Logger
	now       func() time.Time

	statsWindow time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithStatsWindow sets how far back time-to-first-open is averaged.
func WithStatsWindow(d time.Duration) Option {
	return func(c *Coordinator) { c.statsWindow = d }
}

func NewCoordinator(store Store, authority *quota.Authority, enqueuer Enqueuer, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		quota:       authority,
		enqueuer:    enqueuer,
		logger:      logger,
		now:         time.Now,
		statsWindow: 30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume records one read. The readability check before the lock only
// short-circuits obvious refusals; the decision is made again inside
// ConsumeRead. Notification work is scheduled after the read commits and
// never fails the read.
func (c *Coordinator) Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error) {
	msg, err := c.store.GetMessageByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			metrics.RecordRead("not_found")
		}
		return nil, err
	}

	now := c.now()
	if state := msg.State(now); state != db.StateReadable {
		metrics.RecordRead(string(state))
		return nil, &db.UnreadableError{Reason: string(state)}
	}

	if !message.Authenticate(msg, req.Password) {
		metrics.RecordRead(db.ReasonWrongPassword)
		return nil, &db.UnreadableError{Reason: db.ReasonWrongPassword}
	}

	ev := &db.ReadEvent{
		ViewerTokenHash: req.ViewerHash,
		UserAgent:       truncateUA(req.UserAgent),
		ReadAt:          now,
	}

	start := time.Now()
	updated, err := c.store.ConsumeRead(ctx, msg.ID, ev)
	metrics.ObserveReadLockWait(time.Since(start))
	if err != nil {
		var unreadable *db.UnreadableError
		switch {
		case errors.As(err, &unreadable):
			metrics.RecordRead(unreadable.Reason)
		case errors.Is(err, db.ErrLockTimeout):
			metrics.RecordRead("lock_timeout")
			c.logger.Warn("read lock timed out", zap.String("message_id", msg.ID.String()))
		}
		return nil, err
	}
	metrics.RecordRead("ok")

	c.logger.Info("message read",
		zap.String("message_id", updated.ID.String()),
		zap.String("viewer", shortHash(req.ViewerHash)),
		zap.Int("read_count", updated.ReadCount),
	)

	c.afterCommit(ctx, updated, ev)
	return &ConsumeResult{Message: updated, Event: ev}, nil
}

func (c *Coordinator) afterCommit(ctx context.Context, msg *db.Message, ev *db.ReadEvent) {
	job := notify.Job{MessageID: msg.ID, ViewerTokenHash: ev.ViewerTokenHash, EnqueuedAt: ev.ReadAt}
	if err := c.enqueuer.Enqueue(ctx, job); err != nil {
		c.logger.Error("failed to enqueue read notification",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
	} else {
		metrics.RecordNotificationEnqueued()
	}

	if c.publisher == nil {
		return
	}
	notice := ReadNotice{
		MessageID: msg.ID,
		OwnerID:   msg.UserID,
		Token:     msg.Token,
		ReadCount: msg.ReadCount,
		ReadAt:    ev.ReadAt,
	}
	if err := c.publisher.PublishRead(ctx, notice); err != nil {
		c.logger.Warn("failed to publish read notice",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
	}
}

// Preview is what a viewer sees before consuming a read.
type Preview struct {
	Title            string     `json:"title"`
	RequiresPassword bool       `json:"requires_password"`
	Readable         bool       `json:"readable"`
	State            db.State   `json:"state"`
	RemainingReads   *int       `json:"remaining_reads,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// Peek describes a message without consuming a read.
func (c *Coordinator) Peek(ctx context.Context, token string) (*Preview, error) {
	msg, err := c.store.GetMessageByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	state := msg.State(c.now())
	return &Preview{
		Title:            msg.Title,
		RequiresPassword: msg.HasPassword(),
		Readable:         state == db.StateReadable,
		State:            state,
		RemainingReads:   msg.RemainingReads(),
		ExpiresAt:        msg.ExpiresAt,
	}, nil
}

// React sets or clears the viewer's reaction on their latest read.
func (c *Coordinator) React(ctx context.Context, token, viewerHash string, reaction *string) (*db.ReadEvent, error) {
	if reaction != nil && !db.ValidReaction(*reaction) {
		return nil, db.ErrInvalidReaction
	}
	msg, err := c.store.GetMessageByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.store.SetReaction(ctx, msg.ID, viewerHash, reaction)
}

// Ledger is the owner's view of a message's reads.
type Ledger struct {
	Message       *db.Message      `json:"message"`
	Reads         *db.GroupedReads `json:"reads"`
	Reactions     map[string]int   `json:"reactions"`
	HistoryCutoff *time.Time       `json:"history_cutoff,omitempty"`
}

// Ledger groups reads by viewer, hiding reads older than the owner's plan
// allows.
func (c *Coordinator) Ledger(ctx context.Context, ownerID uuid.UUID, token string, limit int) (*Ledger, error) {
	msg, err := c.store.GetMessageByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if msg.UserID != ownerID {
		return nil, db.ErrNotFound
	}
	owner, err := c.store.GetUser(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}

	cutoff := c.quota.HistoryCutoff(owner, c.now())
	grouped, err := c.store.GroupedReads(ctx, msg.ID, db.GroupedReadsQuery{Limit: limit, Since: cutoff})
	if err != nil {
		return nil, fmt.Errorf("grouped reads: %w", err)
	}
	reactions, err := c.store.ReactionsSummary(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("reactions summary: %w", err)
	}

	return &Ledger{Message: msg, Reads: grouped, Reactions: reactions, HistoryCutoff: cutoff}, nil
}

// Dashboard combines the owner's rollups with plan usage.
type Dashboard struct {
	*db.DashboardStats
	Usage quota.Usage `json:"usage"`
}

func (c *Coordinator) Dashboard(ctx context.Context, ownerID uuid.UUID) (*Dashboard, error) {
	owner, err := c.store.GetUser(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	count, err := c.quota.MessagesThisMonth(ctx, c.store, owner, now)
	if err != nil {
		return nil, err
	}

	today := db.TruncateDay(now)
	stats, err := c.store.DashboardStats(ctx, ownerID, db.StatsOptions{
		DayStart:    today,
		WeekStart:   today.AddDate(0, 0, -6),
		WindowStart: now.Add(-c.statsWindow),
	})
	if err != nil {
		return nil, fmt.Errorf("dashboard stats: %w", err)
	}

	return &Dashboard{DashboardStats: stats, Usage: c.quota.Usage(owner, count, now)}, nil
}

func truncateUA(ua string) string {
	if len(ua) > maxUserAgentLength {
		return strings.ToValidUTF8(ua[:maxUserAgentLength], "")
	}
	return ua
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
