package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// DeadLetterHandler exposes the dead-letter index.
type DeadLetterHandler struct {
	store pubsub.DeadLetterLister
}

func NewDeadLetterHandler(store pubsub.DeadLetterLister) *DeadLetterHandler {
	return &DeadLetterHandler{store: store}
}

// List handles GET /v1/dead-letters?limit=&offset=.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageLimit)
	if err != nil {
		HandleError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		HandleError(w, err)
		return
	}
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	entries, total, err := h.store.ListDeadLetters(r.Context(), limit, offset)
	if err != nil {
		HandleError(w, err)
		return
	}
	if entries == nil {
		entries = []pubsub.DeadLetter{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"dead_letters": entries,
		"pagination": map[string]int{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
	})
}

// Delete handles DELETE /v1/dead-letters/{key}.
func (h *DeadLetterHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteDeadLetter(r.Context(), chi.URLParam(r, "key")); err != nil {
		HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, core.NewInvalidRequestError(key+" must be a non-negative integer", map[string]any{key: v})
	}
	return n, nil
}
