package api

import (
	"context"
	"net/http"
	"time"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/manager"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

const healthTimeout = 2 * time.Second

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string                  `json:"status"`
	Version    string                  `json:"version"`
	Transport  string                  `json:"transport"`
	Error      string                  `json:"error,omitempty"`
	Processors []manager.ProcessorInfo `json:"processors"`
}

// ProcessorLister reports active processors.
type ProcessorLister interface {
	Processors() []manager.ProcessorInfo
}

type SystemHandler struct {
	pinger     pubsub.Pinger
	processors ProcessorLister
	transport  string
}

func NewSystemHandler(pinger pubsub.Pinger, processors ProcessorLister, transport string) *SystemHandler {
	return &SystemHandler{pinger: pinger, processors: processors, transport: transport}
}

// Health handles GET /health. An unreachable transport is 503.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Version:    core.Version,
		Transport:  h.transport,
		Processors: h.processors.Processors(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.pinger.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
