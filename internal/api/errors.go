// Package api holds the HTTP handlers for the job manager's admin surface.
package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
)

// MediaType is the content type of every response.
const MediaType = "application/json"

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", MediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a structured error reply.
func WriteError(w http.ResponseWriter, status int, e *core.Error) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		Details:   e.Details,
		RequestID: w.Header().Get("X-Request-Id"),
	}})
}

// HandleError maps err to a status and writes it. Errors without a code are
// reported as internal errors.
func HandleError(w http.ResponseWriter, err error) {
	var e *core.Error
	if !errors.As(err, &e) {
		e = core.NewInternalError(err.Error())
	}
	WriteError(w, StatusFor(e.Code), e)
}

// StatusFor returns the HTTP status for an error code.
func StatusFor(code string) int {
	switch code {
	case core.ErrCodeInvalid:
		return http.StatusBadRequest
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeConflict:
		return http.StatusConflict
	case core.ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	case core.ErrCodeProvisioning, core.ErrCodePublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
