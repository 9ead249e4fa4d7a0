package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Plan constants
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Subscription status constants
const (
	SubscriptionActive    = "active"
	SubscriptionPastDue   = "past_due"
	SubscriptionPaused    = "paused"
	SubscriptionCancelled = "cancelled"
	SubscriptionExpired   = "expired"
)

// Notification status constants
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Channel constants
const (
	ChannelEmail   = "email"
	ChannelWeb     = "web"
	ChannelSlack   = "slack"
	ChannelWebhook = "webhook"
)

// Field limits enforced by both the schema and input validation.
const (
	MaxTitleLength   = 50
	MaxContentLength = 10000
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrUnreadable      = errors.New("message can't be read")
	ErrLockTimeout     = errors.New("timed out waiting for message lock")
	ErrInvalidReaction = errors.New("reaction not allowed")
	ErrMessageLimit    = errors.New("monthly message limit reached")
	ErrTokenTaken      = errors.New("message token already in use")
)

// AllowedReactions is the fixed set a viewer may attach to a read event.
var AllowedReactions = []string{"👍", "❤️", "😊", "🎉", "🙏"}

// ValidReaction reports whether r belongs to AllowedReactions.
func ValidReaction(r string) bool {
	for _, allowed := range AllowedReactions {
		if r == allowed {
			return true
		}
	}
	return false
}

// User is the owning actor of messages. Billing and quota state live on the row.
type User struct {
	ID                         uuid.UUID  `json:"id"`
	Email                      string     `json:"email"`
	Plan                       string     `json:"plan"`
	SubscriptionStatus         *string    `json:"subscription_status,omitempty"`
	SubscriptionID             *string    `json:"subscription_id,omitempty"`
	CustomerID                 *string    `json:"customer_id,omitempty"`
	CurrentPeriodEnd           *time.Time `json:"current_period_end,omitempty"`
	CancelledAt                *time.Time `json:"cancelled_at,omitempty"`
	MonthlyMessageCount        int        `json:"monthly_message_count"`
	MonthlyMessageCountResetAt *time.Time `json:"monthly_message_count_reset_at,omitempty"`
	WebhookURL                 *string    `json:"-"`
	CreatedAt                  time.Time  `json:"created_at"`
}

// Message is a sender-authored note read through its token.
type Message struct {
	ID           uuid.UUID  `json:"id"`
	Token        string     `json:"token"`
	UserID       uuid.UUID  `json:"user_id"`
	Title        string     `json:"title"`
	Content      string     `json:"-"`
	PasswordHash *string    `json:"-"`
	MaxReadCount *int       `json:"max_read_count,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	ReadCount    int        `json:"read_count"`
	IsActive     bool       `json:"is_active"`
	NotifyOnRead bool       `json:"notify_on_read"`
	CreatedAt    time.Time  `json:"created_at"`
}

// State is the read state of a message at a point in time.
type State string

const (
	StateReadable    State = "readable"
	StateExpired     State = "expired"
	StateExhausted   State = "exhausted"
	StateDeactivated State = "deactivated"
)

// State evaluates the message against now. Deactivation wins over expiry,
// expiry wins over an exhausted budget.
func (m *Message) State(now time.Time) State {
	switch {
	case !m.IsActive:
		return StateDeactivated
	case m.ExpiresAt != nil && !m.ExpiresAt.After(now):
		return StateExpired
	case m.MaxReadCount != nil && m.ReadCount >= *m.MaxReadCount:
		return StateExhausted
	default:
		return StateReadable
	}
}

// Readable is a point-in-time predicate. It says nothing about the next read
// under concurrency; only ConsumeRead decides that under the row lock.
func (m *Message) Readable(now time.Time) bool {
	return m.State(now) == StateReadable
}

// HasPassword reports whether a password is required to read.
func (m *Message) HasPassword() bool {
	return m.PasswordHash != nil && *m.PasswordHash != ""
}

// RemainingReads returns nil when the budget is unlimited.
func (m *Message) RemainingReads() *int {
	if m.MaxReadCount == nil {
		return nil
	}
	left := *m.MaxReadCount - m.ReadCount
	if left < 0 {
		left = 0
	}
	return &left
}

// UnreadableError explains why a read was refused.
type UnreadableError struct {
	Reason string
}

// Reasons reported by UnreadableError beyond the message states.
const ReasonWrongPassword = "wrong_password"

func (e *UnreadableError) Error() string {
	return fmt.Sprintf("message can't be read: %s", e.Reason)
}

// Is lets errors.Is(err, ErrUnreadable) match.
func (e *UnreadableError) Is(target error) bool {
	return target == ErrUnreadable
}

// ReadEvent is one physical read of a message.
type ReadEvent struct {
	ID              uuid.UUID `json:"id"`
	MessageID       uuid.UUID `json:"message_id"`
	ViewerTokenHash string    `json:"viewer_token_hash"`
	ReadAt          time.Time `json:"read_at"`
	UserAgent       string    `json:"user_agent,omitempty"`
	Reaction        *string   `json:"reaction,omitempty"`
}

// Notification records one delivery attempt cohort for (message, viewer, channel).
type Notification struct {
	ID              uuid.UUID  `json:"id"`
	MessageID       uuid.UUID  `json:"message_id"`
	ViewerTokenHash string     `json:"-"`
	Channel         string     `json:"channel"`
	Recipient       string     `json:"recipient"`
	Status          string     `json:"status"`
	IdempotencyKey  string     `json:"idempotency_key"`
	Attempts        int        `json:"attempts"`
	LastError       *string    `json:"last_error,omitempty"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SubscriptionChange is a partial update to a user's billing state.
// Nil pointers leave the column untouched.
type SubscriptionChange struct {
	Plan             *string
	Status           *string
	CustomerID       *string
	SubscriptionID   *string
	CurrentPeriodEnd *time.Time
	CancelledAt      *time.Time
	ClearCancelledAt bool
}

// Apply mutates u in place. Used by the in-memory store and tests.
func (c SubscriptionChange) Apply(u *User) {
	if c.Plan != nil {
		u.Plan = *c.Plan
	}
	if c.Status != nil {
		s := *c.Status
		u.SubscriptionStatus = &s
	}
	if c.CustomerID != nil {
		s := *c.CustomerID
		u.CustomerID = &s
	}
	if c.SubscriptionID != nil {
		s := *c.SubscriptionID
		u.SubscriptionID = &s
	}
	if c.CurrentPeriodEnd != nil {
		t := *c.CurrentPeriodEnd
		u.CurrentPeriodEnd = &t
	}
	if c.ClearCancelledAt {
		u.CancelledAt = nil
	} else if c.CancelledAt != nil {
		t := *c.CancelledAt
		u.CancelledAt = &t
	}
}

// Admission is the owner's quota counter after admitting one more message.
type Admission struct {
	Count   int
	ResetAt time.Time
}

// AdmitFunc decides, under the owner row lock, whether the owner may create
// another message and returns the counter to persist.
type AdmitFunc func(owner *User) (Admission, error)

// StatsOptions bounds the dashboard rollups.
type StatsOptions struct {
	DayStart    time.Time // start of "today"
	WeekStart   time.Time // first day of the opens-per-day series
	WindowStart time.Time // created_at lower bound for time-to-first-open
}

// DailyOpens is a count of read events on one UTC day.
type DailyOpens struct {
	Day   time.Time `json:"day"`
	Count int       `json:"count"`
}

// DashboardStats are owner-level rollups computed without loading events.
type DashboardStats struct {
	TotalMessages       int          `json:"total_messages"`
	OpenedMessages      int          `json:"opened_messages"`
	TotalOpens          int          `json:"total_opens"`
	OpensToday          int          `json:"opens_today"`
	OpenRate            int          `json:"open_rate"`
	AvgHoursToFirstOpen *float64     `json:"avg_hours_to_first_open,omitempty"`
	OpensByDay          []DailyOpens `json:"opens_by_day"`
}
