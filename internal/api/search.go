package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/pplx/internal/apierr"
	"github.com/ashureev/pplx/internal/domain"
	"github.com/ashureev/pplx/internal/identity"
	"github.com/ashureev/pplx/internal/stream"
)

// searchRequest is the body of POST /api/search.
type searchRequest struct {
	Query     string   `json:"query"`
	Mode      string   `json:"mode"`
	Model     string   `json:"model"`
	Sources   []string `json:"sources"`
	Language  string   `json:"language"`
	FollowUp  string   `json:"follow_up"`
	Incognito bool     `json:"incognito"`
	Stream    bool     `json:"stream"`
}

// chunkView is the wire shape of one streamed chunk.
type chunkView struct {
	BackendUUID string `json:"backend_uuid,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Final       bool   `json:"final"`
}

// RegisterRoutes registers the search gateway routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/search", h.Search)
	r.Get("/api/pool", h.PoolStats)
	r.Get("/api/accounts", h.Accounts)
}

// Search dispatches a query through the pool. With "stream": true the
// response is a text/event-stream of chunk views; otherwise the final
// answer is returned as a single JSON object.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opts := identity.SearchOptions{
		Mode:      req.Mode,
		Model:     req.Model,
		Sources:   req.Sources,
		Language:  req.Language,
		Incognito: req.Incognito,
	}
	if req.FollowUp != "" {
		opts.FollowUp = &domain.FollowUp{BackendUUID: req.FollowUp}
	}

	if !req.Stream {
		chunk, err := h.pool.SearchAnswer(r.Context(), req.Query, opts)
		if err != nil {
			h.writeSearchError(w, err)
			return
		}
		JSON(w, http.StatusOK, viewOf(chunk))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	enc := json.NewEncoder(w)
	for chunk, err := range h.pool.Search(r.Context(), req.Query, opts) {
		if err != nil {
			h.logger.Warn("search stream failed", "error", err)
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			w.Write([]byte("event: error\ndata: "))
			w.Write(payload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}
		w.Write([]byte("data: "))
		if err := enc.Encode(viewOf(chunk)); err != nil {
			return
		}
		w.Write([]byte("\n"))
		flusher.Flush()
	}
	w.Write([]byte("event: done\ndata: {}\n\n"))
	flusher.Flush()
}

// PoolStats reports aggregate pool capacity.
func (h *Handler) PoolStats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.pool.Snapshot())
}

// Accounts lists active accounts from the ledger.
func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		Error(w, http.StatusNotFound, "ledger disabled")
		return
	}
	records, err := h.ledger.ListActive(r.Context())
	if err != nil {
		h.logger.Error("ledger list failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	JSON(w, http.StatusOK, records)
}

func (h *Handler) writeSearchError(w http.ResponseWriter, err error) {
	var (
		validationErr *apierr.ValidationError
		quotaErr      *apierr.QuotaError
		authErr       *apierr.AuthError
	)
	switch {
	case errors.As(err, &validationErr):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &quotaErr):
		Error(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &authErr):
		Error(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusGatewayTimeout, err.Error())
	default:
		h.logger.Error("search failed", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
	}
}

func viewOf(chunk stream.Chunk) chunkView {
	return chunkView{
		BackendUUID: chunk.BackendUUID,
		Answer:      chunk.Answer,
		Final:       chunk.Kind() == stream.KindFinal,
	}
}
