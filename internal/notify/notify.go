// Package notify delivers read notifications to message owners: one email
// and one webhook per (message, viewer), deduplicated through an
// idempotency key stored with each notification row.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job asks the dispatcher to notify the owner about one read. It is the
// unit carried by the dispatch queue.
type Job struct {
	MessageID       uuid.UUID `json:"message_id"`
	ViewerTokenHash string    `json:"viewer_token_hash"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

// Validate rejects jobs that cannot identify a read.
func (j Job) Validate() error {
	if j.MessageID == uuid.Nil {
		return fmt.Errorf("job missing message_id")
	}
	if j.ViewerTokenHash == "" {
		return fmt.Errorf("job missing viewer_token_hash")
	}
	return nil
}

// Delivery is a rendered notification handed to a transport.
type Delivery struct {
	NotificationID uuid.UUID
	Channel        string
	// Recipient is an email address for email and the endpoint URL for
	// webhook channels.
	Recipient string

	Subject string
	Body    string

	Kind    WebhookKind
	Payload json.RawMessage
}

// Sender is an outbound transport. Implementations return nil only when the
// remote side accepted the delivery.
type Sender interface {
	Send(ctx context.Context, d *Delivery) error
	SupportsChannel(channel string) bool
}

// Outcome describes what one channel did for a job.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeFailed      Outcome = "failed"
	OutcomeAlreadySent Outcome = "already_sent"
	OutcomeInFlight    Outcome = "in_flight"
	OutcomeDisabled    Outcome = "disabled"
)

// Result reports both channels of a NotifyOnRead call.
type Result struct {
	Email   Outcome `json:"email"`
	Webhook Outcome `json:"webhook"`
}
