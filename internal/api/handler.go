// Package api serves the HTTP surface: the public read path under /m, the
// owner API under /v1 and the billing webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/billing"
	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/message"
	"github.com/JuyeonYu/readit/internal/notify"
	"github.com/JuyeonYu/readit/internal/quota"
	"github.com/JuyeonYu/readit/internal/reads"
	"github.com/JuyeonYu/readit/internal/redis"
)

// AccountStore is the user and notification persistence the handlers read
// directly.
type AccountStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	UpdateWebhookURL(ctx context.Context, userID uuid.UUID, url *string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Deps are the services the handlers delegate to.
type Deps struct {
	Store      AccountStore
	Messages   *message.Service
	Reads      *reads.Coordinator
	Dispatcher *notify.Dispatcher
	Billing    *billing.Service
	Quota      *quota.Authority

	// Idempotency is nil when Redis is not configured.
	Idempotency *redis.IdempotencyService
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	store       AccountStore
	messages    *message.Service
	reads       *reads.Coordinator
	dispatcher  *notify.Dispatcher
	billing     *billing.Service
	quota       *quota.Authority
	idempotency *redis.IdempotencyService
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{
		logger:      logger,
		store:       deps.Store,
		messages:    deps.Messages,
		reads:       deps.Reads,
		dispatcher:  deps.Dispatcher,
		billing:     deps.Billing,
		quota:       deps.Quota,
		idempotency: deps.Idempotency,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// writeError writes a problem+json error response
func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeReadError maps read-path errors onto HTTP statuses. Unreadable
// messages answer 410 with the reason so clients can explain it.
func (h *Handler) writeReadError(w http.ResponseWriter, err error) {
	var unreadable *db.UnreadableError
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Message not found", "")
	case errors.As(err, &unreadable) && unreadable.Reason == db.ReasonWrongPassword:
		h.writeError(w, http.StatusForbidden, db.ReasonWrongPassword, "Wrong password", "")
	case errors.As(err, &unreadable):
		h.writeError(w, http.StatusGone, "unreadable", "Message can't be read", unreadable.Reason)
	case errors.Is(err, db.ErrUnreadable):
		h.writeError(w, http.StatusGone, "unreadable", "Message can't be read", "")
	case errors.Is(err, db.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, "busy", "Message is busy", "Too many concurrent reads, retry shortly")
	case errors.Is(err, db.ErrInvalidReaction):
		h.writeError(w, http.StatusBadRequest, "invalid_reaction", "Reaction not allowed", "")
	default:
		h.logger.Error("read path failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

// pagination parses limit and offset, falling back to defaults on bad input.
func pagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxLimit {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

const maxBodyBytes = 64 << 10

// decodeJSON decodes a JSON body into v. An empty body leaves v untouched
// unless required is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, required bool) error {
	if r.Body == nil {
		if required {
			return io.EOF
		}
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) && !required {
		return nil
	}
	return err
}
