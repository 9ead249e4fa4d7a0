// Package billing applies subscription webhooks from the payment provider
// to users' plan state.
package billing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JuyeonYu/readit/internal/db"
)

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

// Event names handled by Transition.
const (
	EventSubscriptionCreated   = "subscription_created"
	EventSubscriptionUpdated   = "subscription_updated"
	EventSubscriptionCancelled = "subscription_cancelled"
	EventSubscriptionResumed   = "subscription_resumed"
	EventSubscriptionExpired   = "subscription_expired"
	EventPaymentSuccess        = "subscription_payment_success"
	EventPaymentFailed         = "subscription_payment_failed"
)

// VerifySignature checks the hex HMAC-SHA256 of payload. An empty secret
// or signature never verifies.
func VerifySignature(payload []byte, signatureHex, secret string) error {
	if secret == "" || signatureHex == "" {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signatureHex))) {
		return ErrInvalidSignature
	}
	return nil
}

// Event is the subset of a provider webhook the service acts on.
type Event struct {
	Name           string
	UserID         string // from custom data, set at checkout
	UserEmail      string
	CustomerID     string
	SubscriptionID string
	Status         string
	RenewsAt       *time.Time
}

// id accepts both JSON strings and numbers; the provider mixes them.
type id string

func (i *id) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*i = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*i = id(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*i = id(n.String())
	return nil
}

type envelope struct {
	Meta struct {
		EventName  string            `json:"event_name"`
		CustomData map[string]string `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         id `json:"id"`
		Attributes struct {
			CustomerID     id         `json:"customer_id"`
			SubscriptionID id         `json:"subscription_id"`
			UserEmail      string     `json:"user_email"`
			Status         string     `json:"status"`
			RenewsAt       *time.Time `json:"renews_at"`
		} `json:"attributes"`
	} `json:"data"`
}

// ParseEvent decodes a webhook body. Payment events carry the
// subscription in their attributes; subscription events are the resource.
func ParseEvent(payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Meta.EventName == "" {
		return nil, fmt.Errorf("%w: missing event_name", ErrMalformedEvent)
	}

	attrs := env.Data.Attributes
	ev := &Event{
		Name:           env.Meta.EventName,
		UserID:         env.Meta.CustomData["user_id"],
		UserEmail:      attrs.UserEmail,
		CustomerID:     string(attrs.CustomerID),
		SubscriptionID: string(env.Data.ID),
		Status:         attrs.Status,
		RenewsAt:       attrs.RenewsAt,
	}
	if ev.Name == EventPaymentSuccess || ev.Name == EventPaymentFailed {
		ev.SubscriptionID = string(attrs.SubscriptionID)
	}
	return ev, nil
}

// Transition maps an event onto the user's billing state. ok is false when
// the event changes nothing.
func Transition(u *db.User, ev *Event, now time.Time) (db.SubscriptionChange, bool) {
	switch ev.Name {
	case EventSubscriptionCreated:
		return db.SubscriptionChange{
			Plan:             str(db.PlanPro),
			Status:           str(db.SubscriptionActive),
			CustomerID:       nonEmpty(ev.CustomerID),
			SubscriptionID:   nonEmpty(ev.SubscriptionID),
			CurrentPeriodEnd: ev.RenewsAt,
			ClearCancelledAt: true,
		}, true

	case EventSubscriptionUpdated:
		switch ev.Status {
		case db.SubscriptionActive:
			return db.SubscriptionChange{
				Status:           str(db.SubscriptionActive),
				CurrentPeriodEnd: ev.RenewsAt,
			}, true
		case db.SubscriptionPastDue, db.SubscriptionPaused:
			return db.SubscriptionChange{Status: str(ev.Status)}, true
		}
		return db.SubscriptionChange{}, false

	case EventSubscriptionCancelled:
		return db.SubscriptionChange{
			Status:      str(db.SubscriptionCancelled),
			CancelledAt: &now,
		}, true

	case EventSubscriptionResumed:
		return db.SubscriptionChange{
			Status:           str(db.SubscriptionActive),
			CurrentPeriodEnd: ev.RenewsAt,
			ClearCancelledAt: true,
		}, true

	case EventSubscriptionExpired:
		return db.SubscriptionChange{
			Plan:   str(db.PlanFree),
			Status: str(db.SubscriptionExpired),
		}, true

	case EventPaymentSuccess:
		if u.SubscriptionStatus != nil && *u.SubscriptionStatus == db.SubscriptionPastDue {
			return db.SubscriptionChange{Status: str(db.SubscriptionActive)}, true
		}
		return db.SubscriptionChange{}, false

	case EventPaymentFailed:
		return db.SubscriptionChange{Status: str(db.SubscriptionPastDue)}, true
	}
	return db.SubscriptionChange{}, false
}

func str(s string) *string { return &s }

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
