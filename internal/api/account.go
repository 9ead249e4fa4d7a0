package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/billing"
	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/notify"
)

// ListNotifications handles GET /v1/notifications?limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := userFrom(ctx)
	limit, offset := pagination(r, 20, 100)

	notifications, err := h.store.ListNotificationsByUser(ctx, ownerID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("owner_id", ownerID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// RetryNotification handles POST /v1/notifications/{id}/retry. Only failed
// notifications on the owner's own messages can be retried.
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	outcome, err := h.dispatcher.Retry(ctx, userFrom(ctx), id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	case errors.Is(err, notify.ErrNotRetryable):
		h.writeError(w, http.StatusConflict, "not_retryable", "Notification is not retryable", "Only failed notifications can be retried")
		return
	case err != nil:
		h.logger.Error("notification retry failed",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Retry failed", "")
		return
	}

	h.logger.Info("notification retried",
		zap.String("notification_id", id.String()),
		zap.String("outcome", string(outcome)),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"outcome": outcome,
	})
}

// WebhookSettingsRequest is the body of PUT /v1/settings/webhook. A null or
// empty URL clears the webhook.
type WebhookSettingsRequest struct {
	URL *string `json:"url"`
}

// UpdateWebhook handles PUT /v1/settings/webhook. Setting a URL requires
// Pro; clearing one is always allowed.
func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := userFrom(ctx)

	var req WebhookSettingsRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	var target *string
	if req.URL != nil && strings.TrimSpace(*req.URL) != "" {
		raw := strings.TrimSpace(*req.URL)
		if !validWebhookURL(raw) {
			h.writeError(w, http.StatusUnprocessableEntity, "validation_error", "Invalid url", "url must be an absolute http or https URL")
			return
		}
		target = &raw

		owner, err := h.store.GetUser(ctx, ownerID)
		if err != nil {
			h.writeOwnerError(w, err, "Failed to load user")
			return
		}
		if !h.quota.IsPro(owner, time.Now()) {
			h.writeError(w, http.StatusForbidden, "plan_required", "Pro plan required", "Webhook notifications are a Pro feature")
			return
		}
	}

	if err := h.store.UpdateWebhookURL(ctx, ownerID, target); err != nil {
		h.writeOwnerError(w, err, "Failed to update webhook")
		return
	}

	h.logger.Info("webhook settings updated",
		zap.String("owner_id", ownerID.String()),
		zap.Bool("enabled", target != nil),
	)
	writeJSON(w, http.StatusOK, WebhookSettingsRequest{URL: target})
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

// BillingWebhook handles POST /webhooks/billing. The raw body is verified
// against the X-Signature header before anything is parsed.
func (h *Handler) BillingWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}

	outcome, err := h.billing.Handle(r.Context(), payload, r.Header.Get("X-Signature"))
	switch {
	case errors.Is(err, billing.ErrInvalidSignature):
		h.writeError(w, http.StatusUnauthorized, "invalid_signature", "Invalid signature", "")
		return
	case errors.Is(err, billing.ErrMalformedEvent):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed event", err.Error())
		return
	case err != nil:
		h.logger.Error("billing webhook failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to apply event", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome)})
}
