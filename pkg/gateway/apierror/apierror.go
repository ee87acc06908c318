package apierror

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vango-go/vai-triage/pkg/gateway/calls"
	"github.com/vango-go/vai-triage/pkg/gateway/livekit"
	"github.com/vango-go/vai-triage/pkg/triage"
)

type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrConflict       ErrorType = "conflict_error"
	ErrConfiguration  ErrorType = "configuration_error"
	ErrDownstream     ErrorType = "downstream_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrUnavailable    ErrorType = "unavailable_error"
	ErrAPI            ErrorType = "api_error"
)

// Error is the body of every JSON error response.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type Envelope struct {
	Error *Error `json:"error"`
}

func InvalidRequest(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

func FromError(err error, requestID string) (*Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &Error{
			Type:      ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr != nil {
		out := *apiErr
		out.RequestID = requestID
		return &out, StatusFromType(apiErr.Type)
	}

	switch {
	case errors.Is(err, calls.ErrNotFound):
		return typed(ErrNotFound, "Call not found", "call_not_found", requestID)
	case errors.Is(err, livekit.ErrCredentialsMissing):
		return typed(ErrConfiguration, "LiveKit credentials not configured", "credentials_missing", requestID)
	case errors.Is(err, livekit.ErrMissingAuthorization):
		return typed(ErrAuthentication, "Missing Authorization header", "missing_authorization", requestID)
	case errors.Is(err, livekit.ErrInvalidSignature):
		return typed(ErrAuthentication, "Invalid webhook signature", "invalid_signature", requestID)
	case errors.Is(err, livekit.ErrDownstream):
		return typed(ErrDownstream, "media platform request failed", "downstream_failure", requestID)
	case errors.Is(err, calls.ErrIDExhausted):
		return typed(ErrAPI, "could not allocate a call id", "id_exhausted", requestID)
	}

	// Session controller errors. The message is safe to surface: it names
	// roles and actions only.
	switch {
	case errors.Is(err, triage.ErrInvalidTransition):
		return typed(ErrConflict, err.Error(), "invalid_transition", requestID)
	case errors.Is(err, triage.ErrActionNotPermitted):
		return typed(ErrConflict, err.Error(), "action_not_permitted", requestID)
	case errors.Is(err, triage.ErrNotStarted):
		return typed(ErrConflict, err.Error(), "not_started", requestID)
	case errors.Is(err, triage.ErrAlreadyStarted):
		return typed(ErrConflict, err.Error(), "already_started", requestID)
	case errors.Is(err, triage.ErrUnknownAction):
		return typed(ErrInvalidRequest, err.Error(), "unknown_action", requestID)
	case errors.Is(err, triage.ErrUnknownRole):
		return typed(ErrInvalidRequest, err.Error(), "unknown_role", requestID)
	case errors.Is(err, triage.ErrInvalidUrgency):
		return typed(ErrInvalidRequest, err.Error(), "invalid_urgency", requestID)
	case errors.Is(err, triage.ErrInvalidArguments):
		return typed(ErrInvalidRequest, err.Error(), "invalid_arguments", requestID)
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &Error{
		Type:      ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func typed(t ErrorType, message, code, requestID string) (*Error, int) {
	return &Error{Type: t, Message: message, Code: code, RequestID: requestID}, StatusFromType(t)
}

func StatusFromType(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthentication:
		return http.StatusUnauthorized
	case ErrPermission:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrConfiguration, ErrDownstream, ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
