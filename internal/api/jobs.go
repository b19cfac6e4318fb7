package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/manager"
)

// Enqueuer publishes a raw JSON payload for a registered job name.
type Enqueuer interface {
	EnqueueRaw(ctx context.Context, jobName string, data []byte, opts ...manager.EnqueueOption) (string, error)
}

// EnqueueResponse is returned for an accepted job.
type EnqueueResponse struct {
	MessageID string `json:"message_id"`
	JobName   string `json:"job_name"`
	Priority  string `json:"priority,omitempty"`
	Delay     string `json:"delay,omitempty"`
}

// JobHandler handles job enqueue requests.
type JobHandler struct {
	enq Enqueuer
}

func NewJobHandler(enq Enqueuer) *JobHandler {
	return &JobHandler{enq: enq}
}

// Enqueue handles POST /v1/jobs/{name}. The body is the job's JSON arguments;
// ?priority= and ?delay= (Go or ISO 8601 duration) are optional.
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	opts, resp, err := enqueueOptions(r.URL.Query())
	if err != nil {
		HandleError(w, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, core.NewInvalidRequestError("request body too large", map[string]any{
				"limit": tooLarge.Limit,
			}))
			return
		}
		HandleError(w, core.NewInvalidRequestError("reading request body: "+err.Error(), nil))
		return
	}

	id, err := h.enq.EnqueueRaw(r.Context(), name, body, opts...)
	if err != nil {
		HandleError(w, err)
		return
	}
	resp.MessageID = id
	resp.JobName = name
	WriteJSON(w, http.StatusAccepted, resp)
}

func enqueueOptions(q url.Values) ([]manager.EnqueueOption, EnqueueResponse, error) {
	var (
		opts []manager.EnqueueOption
		resp EnqueueResponse
	)
	if v := q.Get("priority"); v != "" {
		p, err := core.ParsePriority(v)
		if err != nil {
			return nil, resp, core.NewInvalidRequestError(err.Error(), map[string]any{"priority": v})
		}
		opts = append(opts, manager.WithPriority(p))
		resp.Priority = p.String()
	}
	if v := q.Get("delay"); v != "" {
		d, err := core.ParseDelay(v)
		if err != nil {
			return nil, resp, core.NewInvalidRequestError(err.Error(), map[string]any{"delay": v})
		}
		opts = append(opts, manager.WithDelay(d))
		resp.Delay = d.String()
	}
	return opts, resp, nil
}
