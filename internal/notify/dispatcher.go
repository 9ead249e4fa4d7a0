package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/metrics"
	"github.com/JuyeonYu/readit/internal/quota"
)

// ErrNotRetryable is returned by Retry for notifications that are not failed.
var ErrNotRetryable = errors.New("notification is not in a retryable state")

const maxErrorLength = 500

// Store is the persistence the dispatcher needs.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*db.Message, error)
	InsertNotificationIfAbsent(ctx context.Context, n *db.Notification) (bool, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	GetNotificationByKey(ctx context.Context, key string) (*db.Notification, error)
	ClaimFailedNotification(ctx context.Context, id uuid.UUID) (bool, error)
	MarkNotificationSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkNotificationFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

// ShareURLFunc builds the owner's details link for a message token.
type ShareURLFunc func(token string) string

type Dispatcher struct {
	store    Store
	quota    *quota.Authority
	email    Sender
	webhook  Sender
	shareURL ShareURLFunc
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher wires the email and webhook transports. Either may be the
// same router sender.
func NewDispatcher(store Store, authority *quota.Authority, email, webhook Sender, shareURL ShareURLFunc, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		quota:    authority,
		email:    email,
		webhook:  webhook,
		shareURL: shareURL,
		logger:   logger,
		now:      time.Now,
	}
}

// NotifyOnRead delivers the email notification, then the webhook one. Each
// channel keeps its own notification row; a failure on one never changes
// the other. Delivery failures are recorded on the row, not returned.
func (d *Dispatcher) NotifyOnRead(ctx context.Context, job Job) (Result, error) {
	result := Result{Email: OutcomeDisabled, Webhook: OutcomeDisabled}
	if err := job.Validate(); err != nil {
		return result, err
	}

	msg, err := d.store.GetMessage(ctx, job.MessageID)
	if err != nil {
		return result, fmt.Errorf("load message: %w", err)
	}
	owner, err := d.store.GetUser(ctx, msg.UserID)
	if err != nil {
		return result, fmt.Errorf("load owner: %w", err)
	}

	now := d.now()
	in := d.payloadInput(msg, now)

	if msg.NotifyOnRead && owner.Email != "" {
		result.Email, err = d.deliverOnce(ctx, job, msg, db.ChannelEmail, owner.Email, func() (*Delivery, error) {
			return emailDelivery(owner.Email, in), nil
		})
		if err != nil {
			return result, err
		}
	}

	if url := webhookURL(owner); url != "" && d.quota.IsPro(owner, now) {
		kind := DetectWebhookKind(url)
		result.Webhook, err = d.deliverOnce(ctx, job, msg, WebhookChannel(kind), url, func() (*Delivery, error) {
			return webhookDelivery(url, kind, in)
		})
		if err != nil {
			return result, err
		}
	}

	d.logger.Debug("read notification processed",
		zap.String("message_id", msg.ID.String()),
		zap.String("viewer", shortHash(job.ViewerTokenHash)),
		zap.String("email", string(result.Email)),
		zap.String("webhook", string(result.Webhook)),
	)
	return result, nil
}

// Retry re-attempts a failed notification owned by ownerID. The row is
// claimed first so concurrent retries deliver at most once.
func (d *Dispatcher) Retry(ctx context.Context, ownerID, notificationID uuid.UUID) (Outcome, error) {
	n, err := d.store.GetNotification(ctx, notificationID)
	if err != nil {
		return "", err
	}
	msg, err := d.store.GetMessage(ctx, n.MessageID)
	if err != nil {
		return "", err
	}
	if msg.UserID != ownerID {
		return "", db.ErrNotFound
	}
	if n.Status != db.StatusFailed {
		return "", ErrNotRetryable
	}

	owner, err := d.store.GetUser(ctx, ownerID)
	if err != nil {
		return "", err
	}

	now := d.now()
	in := d.payloadInput(msg, now)

	var build func() (*Delivery, error)
	switch n.Channel {
	case db.ChannelEmail:
		build = func() (*Delivery, error) { return emailDelivery(n.Recipient, in), nil }
	case db.ChannelSlack, db.ChannelWebhook:
		// The owner may have cleared or replaced the endpoint since the failure.
		if !d.quota.IsPro(owner, now) || webhookURL(owner) != n.Recipient {
			return OutcomeDisabled, nil
		}
		kind := DetectWebhookKind(n.Recipient)
		build = func() (*Delivery, error) { return webhookDelivery(n.Recipient, kind, in) }
	default:
		return "", fmt.Errorf("unsupported channel: %s", n.Channel)
	}

	job := Job{MessageID: msg.ID, ViewerTokenHash: n.ViewerTokenHash, EnqueuedAt: now}
	return d.deliverOnce(ctx, job, msg, n.Channel, n.Recipient, build)
}

// deliverOnce runs one channel under its idempotency key. A sent or
// in-flight row is left alone; a failed row is claimed back to pending
// before it is re-delivered.
func (d *Dispatcher) deliverOnce(ctx context.Context, job Job, msg *db.Message, channel, recipient string, build func() (*Delivery, error)) (Outcome, error) {
	key := IdempotencyKey(msg.ID, job.ViewerTokenHash, channel)
	logger := d.logger.With(
		zap.String("message_id", msg.ID.String()),
		zap.String("channel", channel),
		zap.String("viewer", shortHash(job.ViewerTokenHash)),
	)

	n := &db.Notification{
		MessageID:       msg.ID,
		ViewerTokenHash: job.ViewerTokenHash,
		Channel:         channel,
		Recipient:       recipient,
		IdempotencyKey:  key,
	}
	inserted, err := d.store.InsertNotificationIfAbsent(ctx, n)
	if err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}

	if !inserted {
		existing, err := d.store.GetNotificationByKey(ctx, key)
		if err != nil {
			return "", fmt.Errorf("load notification: %w", err)
		}
		switch existing.Status {
		case db.StatusSent:
			logger.Debug("notification already sent")
			return OutcomeAlreadySent, nil
		case db.StatusPending:
			logger.Debug("notification already in flight")
			return OutcomeInFlight, nil
		}

		claimed, err := d.store.ClaimFailedNotification(ctx, existing.ID)
		if err != nil {
			return "", fmt.Errorf("claim notification: %w", err)
		}
		if !claimed {
			// Someone else claimed or finished it between our reads.
			current, err := d.store.GetNotification(ctx, existing.ID)
			if err == nil && current.Status == db.StatusSent {
				return OutcomeAlreadySent, nil
			}
			return OutcomeInFlight, nil
		}
		n = existing
	}

	delivery, err := build()
	if err == nil {
		delivery.NotificationID = n.ID
		err = d.send(ctx, channel, delivery)
	}

	if err != nil {
		metrics.RecordNotificationProcessed(db.StatusFailed, channel)
		logger.Warn("notification delivery failed", zap.Error(err), zap.Int("attempts", n.Attempts))
		if markErr := d.store.MarkNotificationFailed(ctx, n.ID, truncate(err.Error(), maxErrorLength)); markErr != nil {
			logger.Error("failed to record delivery failure", zap.Error(markErr))
		}
		return OutcomeFailed, nil
	}

	if err := d.store.MarkNotificationSent(ctx, n.ID, d.now()); err != nil {
		logger.Error("failed to record delivery", zap.Error(err))
	}
	metrics.RecordNotificationProcessed(db.StatusSent, channel)
	if !job.EnqueuedAt.IsZero() {
		metrics.RecordNotificationLatency(channel, d.now().Sub(job.EnqueuedAt))
	}
	logger.Info("notification delivered", zap.Int("attempts", n.Attempts))
	return OutcomeSent, nil
}

func (d *Dispatcher) send(ctx context.Context, channel string, delivery *Delivery) error {
	sender := d.webhook
	if channel == db.ChannelEmail {
		sender = d.email
	}
	if sender == nil || !sender.SupportsChannel(channel) {
		return fmt.Errorf("no sender for channel %s", channel)
	}
	return sender.Send(ctx, delivery)
}

func (d *Dispatcher) payloadInput(msg *db.Message, now time.Time) PayloadInput {
	return PayloadInput{
		Token:     msg.Token,
		Title:     msg.Title,
		ReadCount: msg.ReadCount,
		CreatedAt: msg.CreatedAt,
		ShareURL:  d.shareURL(msg.Token),
		Now:       now,
	}
}

func emailDelivery(to string, in PayloadInput) *Delivery {
	email := BuildEmail(in)
	return &Delivery{
		Channel:   db.ChannelEmail,
		Recipient: to,
		Subject:   email.Subject,
		Body:      email.Body,
	}
}

func webhookDelivery(url string, kind WebhookKind, in PayloadInput) (*Delivery, error) {
	payload, err := BuildWebhookPayload(kind, in)
	if err != nil {
		return nil, err
	}
	return &Delivery{
		Channel:   WebhookChannel(kind),
		Recipient: url,
		Kind:      kind,
		Payload:   payload,
	}, nil
}

func webhookURL(u *db.User) string {
	if u.WebhookURL == nil {
		return ""
	}
	return *u.WebhookURL
}

// shortHash is the loggable prefix of a viewer hash.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
