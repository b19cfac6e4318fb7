package core

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	ErrCodeConfiguration = "configuration_error"
	ErrCodeProvisioning  = "provisioning_error"
	ErrCodePublish       = "publish_error"
	ErrCodeConflict      = "conflict"
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalid       = "invalid_request"
	ErrCodeInternalError = "internal_error"
)

// Error is the structured error surfaced by the job manager to its callers.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so callers can write
// errors.Is(err, core.ErrConfiguration).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrConfiguration = &Error{Code: ErrCodeConfiguration}
	ErrProvisioning  = &Error{Code: ErrCodeProvisioning}
	ErrPublish       = &Error{Code: ErrCodePublish}
	ErrConflict      = &Error{Code: ErrCodeConflict}
	ErrNotFound      = &Error{Code: ErrCodeNotFound}
	ErrInvalid       = &Error{Code: ErrCodeInvalid}
)

// NewConfigurationError reports a fatal misconfiguration. Never retried.
func NewConfigurationError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeConfiguration,
		Message: message,
		Details: details,
	}
}

// NewProvisioningError wraps a transport failure while creating topics or subscriptions.
func NewProvisioningError(message string, err error) *Error {
	return &Error{
		Code:      ErrCodeProvisioning,
		Message:   message,
		Retryable: true,
		Err:       err,
	}
}

// NewPublishError wraps a transport failure on the publish path.
func NewPublishError(message string, err error) *Error {
	return &Error{
		Code:      ErrCodePublish,
		Message:   message,
		Retryable: true,
		Err:       err,
	}
}

func NewConflictError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeConflict,
		Message: message,
		Details: details,
	}
}

func NewNotFoundError(resourceType, resourceID string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

func NewInvalidRequestError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeInvalid,
		Message: message,
		Details: details,
	}
}

func NewInternalError(message string) *Error {
	return &Error{
		Code:      ErrCodeInternalError,
		Message:   message,
		Retryable: true,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
