package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JuyeonYu/readit/internal/reads"
)

// ReadRequest is the optional body of POST /m/{token}/read.
type ReadRequest struct {
	Password string `json:"password,omitempty"`
}

// ReadResponse carries the content released by one read.
type ReadResponse struct {
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	ReadCount      int       `json:"read_count"`
	RemainingReads *int      `json:"remaining_reads,omitempty"`
	ReadAt         time.Time `json:"read_at"`
	Reaction       *string   `json:"reaction,omitempty"`
}

// ReactionRequest sets or, with a null reaction, clears a reaction.
type ReactionRequest struct {
	Reaction *string `json:"reaction"`
}

// PeekMessage handles GET /m/{token}. It never consumes a read.
func (h *Handler) PeekMessage(w http.ResponseWriter, r *http.Request) {
	preview, err := h.reads.Peek(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// ReadMessage handles POST /m/{token}/read
func (h *Handler) ReadMessage(w http.ResponseWriter, r *http.Request) {
	var req ReadRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	res, err := h.reads.Consume(r.Context(), reads.ConsumeRequest{
		Token:      chi.URLParam(r, "token"),
		ViewerHash: viewerFrom(r.Context()),
		UserAgent:  r.UserAgent(),
		Password:   req.Password,
	})
	if err != nil {
		h.writeReadError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, ReadResponse{
		Title:          res.Message.Title,
		Content:        res.Message.Content,
		ReadCount:      res.Message.ReadCount,
		RemainingReads: res.Message.RemainingReads(),
		ReadAt:         res.Event.ReadAt,
		Reaction:       res.Event.Reaction,
	})
}

// ReactToMessage handles PUT /m/{token}/reaction
func (h *Handler) ReactToMessage(w http.ResponseWriter, r *http.Request) {
	var req ReactionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	ev, err := h.reads.React(r.Context(), chi.URLParam(r, "token"), viewerFrom(r.Context()), req.Reaction)
	if err != nil {
		h.writeReadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReactionRequest{Reaction: ev.Reaction})
}
