package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/message"
	"github.com/JuyeonYu/readit/internal/redis"
)

// MessageResponse is returned for an owner's message.
type MessageResponse struct {
	*db.Message
	HasPassword    bool   `json:"has_password"`
	RemainingReads *int   `json:"remaining_reads,omitempty"`
	ReadURL        string `json:"read_url"`
	ShareURL       string `json:"share_url"`
}

func (h *Handler) messageResponse(msg *db.Message) MessageResponse {
	return MessageResponse{
		Message:        msg,
		HasPassword:    msg.HasPassword(),
		RemainingReads: msg.RemainingReads(),
		ReadURL:        h.messages.ReadURL(msg.Token),
		ShareURL:       h.messages.ShareURL(msg.Token),
	}
}

// CreateMessage handles POST /v1/messages
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := userFrom(ctx)

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req message.CreateInput
	if err := decodeJSON(w, r, &req, true); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, ownerID.String(), idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			msg, err := h.messages.Get(ctx, ownerID, cachedResult.Token)
			if err == nil {
				w.Header().Set("X-Idempotency-Replayed", "true")
				writeJSON(w, cachedResult.StatusCode, h.messageResponse(msg))
				return
			}
			// The message was deleted since; answer like a fresh request would.
			h.logger.Info("idempotent replay target gone",
				zap.String("message_id", cachedResult.MessageID),
				zap.Error(err),
			)
		} else {
			reserved = true
		}
	}

	msg, err := h.messages.Create(ctx, ownerID, req)
	if err != nil {
		if reserved {
			if relErr := h.idempotency.Release(ctx, ownerID.String(), idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		h.writeCreateError(w, err)
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{
			MessageID:  msg.ID.String(),
			Token:      msg.Token,
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, ownerID.String(), idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	writeJSON(w, http.StatusCreated, h.messageResponse(msg))
}

func (h *Handler) writeCreateError(w http.ResponseWriter, err error) {
	var verr *message.ValidationError
	switch {
	case errors.As(err, &verr):
		h.writeError(w, http.StatusUnprocessableEntity, "validation_error", "Invalid "+verr.Field, verr.Message)
	case errors.Is(err, db.ErrMessageLimit):
		h.writeError(w, http.StatusForbidden, "message_limit_reached",
			"Monthly message limit reached", "Upgrade to Pro for unlimited messages")
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Unknown user", "")
	default:
		h.logger.Error("failed to create message", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create message", "")
	}
}

// ListMessages handles GET /v1/messages?limit=20&offset=0
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := userFrom(ctx)
	limit, offset := pagination(r, 20, 100)

	msgs, err := h.messages.List(ctx, ownerID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages",
			zap.Error(err),
			zap.String("owner_id", ownerID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list messages", "")
		return
	}

	data := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		data = append(data, h.messageResponse(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   data,
		"limit":  limit,
		"offset": offset,
		"count":  len(data),
	})
}

// GetMessage handles GET /v1/messages/{token}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	msg, err := h.messages.Get(ctx, userFrom(ctx), chi.URLParam(r, "token"))
	if err != nil {
		h.writeOwnerError(w, err, "Failed to get message")
		return
	}
	writeJSON(w, http.StatusOK, h.messageResponse(msg))
}

// DeleteMessage handles DELETE /v1/messages/{token}. The message is
// deactivated unless ?hard=true asks for removal with its reads.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := userFrom(ctx)
	token := chi.URLParam(r, "token")
	hard, _ := strconv.ParseBool(r.URL.Query().Get("hard"))

	var err error
	if hard {
		err = h.messages.Delete(ctx, ownerID, token)
	} else {
		err = h.messages.Deactivate(ctx, ownerID, token)
	}
	if err != nil {
		h.writeOwnerError(w, err, "Failed to delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MessageReads handles GET /v1/messages/{token}/reads?limit=3
func (h *Handler) MessageReads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit, _ := pagination(r, 3, 50)

	ledger, err := h.reads.Ledger(ctx, userFrom(ctx), chi.URLParam(r, "token"), limit)
	if err != nil {
		h.writeOwnerError(w, err, "Failed to load reads")
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

// Dashboard handles GET /v1/dashboard
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dash, err := h.reads.Dashboard(ctx, userFrom(ctx))
	if err != nil {
		h.writeOwnerError(w, err, "Failed to load dashboard")
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

// writeOwnerError answers 404 for records the owner can't see. Other
// messages' existence is never revealed.
func (h *Handler) writeOwnerError(w http.ResponseWriter, err error, title string) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Not found", "")
		return
	}
	h.logger.Error(title, zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "database_error", title, "")
}
