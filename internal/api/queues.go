package api

import (
	"net/http"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/manager"
)

// QueueLister describes registered job queues.
type QueueLister interface {
	Queues() []manager.QueueInfo
}

type QueueHandler struct {
	queues QueueLister
}

func NewQueueHandler(queues QueueLister) *QueueHandler {
	return &QueueHandler{queues: queues}
}

// List handles GET /v1/queues.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"queues": h.queues.Queues(),
	})
}
