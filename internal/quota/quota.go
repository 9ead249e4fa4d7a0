// Package quota decides what an owner's plan allows: pro status, the monthly
// message budget and how far back read history is visible.
package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JuyeonYu/readit/internal/db"
)

// Unlimited is returned as a limit for owners without a cap.
const Unlimited = -1

// CounterStore persists the lazy monthly reset.
type CounterStore interface {
	ResetMonthlyCount(ctx context.Context, userID uuid.UUID, monthStart, now time.Time) (*db.User, error)
}

// Authority answers plan and quota questions for an owner.
type Authority struct {
	FreeMessageLimit  int
	FreeHistoryWindow time.Duration
	AdminEmail        string
}

// NewAuthority applies defaults of 10 messages and 7 days of history.
func NewAuthority(freeLimit int, historyWindow time.Duration, adminEmail string) *Authority {
	if freeLimit <= 0 {
		freeLimit = 10
	}
	if historyWindow <= 0 {
		historyWindow = 7 * 24 * time.Hour
	}
	return &Authority{
		FreeMessageLimit:  freeLimit,
		FreeHistoryWindow: historyWindow,
		AdminEmail:        strings.TrimSpace(adminEmail),
	}
}

// MonthStart is midnight UTC on the first day of now's month.
func MonthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthlyCount derives the effective counter from the stored snapshot. When
// the marker predates the current month the count is zero and the new
// marker is now; changed reports that the snapshot must be rewritten.
func MonthlyCount(count int, resetAt *time.Time, now time.Time) (effective int, marker time.Time, changed bool) {
	if resetAt == nil || resetAt.Before(MonthStart(now)) {
		return 0, now, true
	}
	if count < 0 {
		count = 0
	}
	return count, *resetAt, false
}

// IsPro reports whether u currently has pro privileges: an active pro
// subscription, a cancelled one still inside its paid period, or the
// configured admin account.
func (a *Authority) IsPro(u *db.User, now time.Time) bool {
	if u == nil {
		return false
	}
	if a.AdminEmail != "" && strings.EqualFold(u.Email, a.AdminEmail) {
		return true
	}
	if u.Plan != db.PlanPro {
		return false
	}
	return subscriptionActive(u, now) || InGracePeriod(u, now)
}

func subscriptionActive(u *db.User, now time.Time) bool {
	if u.SubscriptionStatus == nil || *u.SubscriptionStatus != db.SubscriptionActive {
		return false
	}
	return u.CurrentPeriodEnd == nil || u.CurrentPeriodEnd.After(now)
}

// InGracePeriod is true between cancellation and the end of the paid period.
func InGracePeriod(u *db.User, now time.Time) bool {
	return u.SubscriptionStatus != nil &&
		*u.SubscriptionStatus == db.SubscriptionCancelled &&
		u.CurrentPeriodEnd != nil &&
		u.CurrentPeriodEnd.After(now)
}

// MessageLimit is the monthly cap, or Unlimited.
func (a *Authority) MessageLimit(u *db.User, now time.Time) int {
	if a.IsPro(u, now) {
		return Unlimited
	}
	return a.FreeMessageLimit
}

// AtLimit evaluates the cap against the effective count without writing.
func (a *Authority) AtLimit(u *db.User, now time.Time) bool {
	limit := a.MessageLimit(u, now)
	if limit == Unlimited {
		return false
	}
	effective, _, _ := MonthlyCount(u.MonthlyMessageCount, u.MonthlyMessageCountResetAt, now)
	return effective >= limit
}

// HistoryCutoff is the oldest read time visible to u, or nil for no cutoff.
func (a *Authority) HistoryCutoff(u *db.User, now time.Time) *time.Time {
	if a.IsPro(u, now) {
		return nil
	}
	cutoff := now.Add(-a.FreeHistoryWindow)
	return &cutoff
}

// MessagesThisMonth returns the owner's counter, persisting the lazy reset
// the first time it is observed after a month boundary. Repeated calls
// within the month leave the counter unchanged.
func (a *Authority) MessagesThisMonth(ctx context.Context, store CounterStore, u *db.User, now time.Time) (int, error) {
	effective, _, changed := MonthlyCount(u.MonthlyMessageCount, u.MonthlyMessageCountResetAt, now)
	if !changed {
		return effective, nil
	}

	updated, err := store.ResetMonthlyCount(ctx, u.ID, MonthStart(now), now)
	if err != nil {
		return 0, fmt.Errorf("reset monthly count: %w", err)
	}
	*u = *updated
	return u.MonthlyMessageCount, nil
}

// Admit returns the admission check run under the owner row lock when a
// message is created.
func (a *Authority) Admit(now time.Time) db.AdmitFunc {
	return func(owner *db.User) (db.Admission, error) {
		effective, marker, _ := MonthlyCount(owner.MonthlyMessageCount, owner.MonthlyMessageCountResetAt, now)
		if limit := a.MessageLimit(owner, now); limit != Unlimited && effective >= limit {
			return db.Admission{}, db.ErrMessageLimit
		}
		return db.Admission{Count: effective + 1, ResetAt: marker}, nil
	}
}

// Usage summarizes the owner's plan for display.
type Usage struct {
	Plan           string    `json:"plan"`
	GracePeriod    bool      `json:"grace_period"`
	Count          int       `json:"messages_this_month"`
	Limit          int       `json:"message_limit"`
	Percent        int       `json:"usage_percent"`
	ResetsAt       time.Time `json:"resets_at"`
	DaysUntilReset int       `json:"days_until_reset"`
}

// Usage builds the summary from an already-reset count.
func (a *Authority) Usage(u *db.User, count int, now time.Time) Usage {
	usage := Usage{
		Plan:        db.PlanFree,
		GracePeriod: InGracePeriod(u, now),
		Count:       count,
		Limit:       a.MessageLimit(u, now),
		ResetsAt:    MonthStart(now).AddDate(0, 1, 0),
	}
	if a.IsPro(u, now) {
		usage.Plan = db.PlanPro
	}
	if usage.Limit != Unlimited && usage.Limit > 0 {
		usage.Percent = count * 100 / usage.Limit
		if usage.Percent > 100 {
			usage.Percent = 100
		}
	}
	usage.DaysUntilReset = int(usage.ResetsAt.Sub(db.TruncateDay(now)).Hours() / 24)
	return usage
}
