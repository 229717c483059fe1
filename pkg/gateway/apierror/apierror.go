// Package apierror converts internal errors into the JSON error envelope and
// HTTP status the API returns.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/voiceforge/forge/pkg/agent"
	"github.com/voiceforge/forge/pkg/gateway/build"
)

type Envelope struct {
	Error *agent.Error `json:"error"`
}

func FromError(err error, requestID string) (*agent.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &agent.Error{
			Type:      agent.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &agent.Error{
			Type:      agent.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Build supervisor rejections.
	if errors.Is(err, build.ErrSessionNotFound) {
		return &agent.Error{
			Type:      agent.ErrNotFound,
			Message:   "no session found",
			Param:     "session_id",
			RequestID: requestID,
		}, http.StatusNotFound
	}
	if errors.Is(err, build.ErrBuildRunning) {
		return &agent.Error{
			Type:      agent.ErrConflict,
			Message:   "build already running",
			Code:      "build_running",
			RequestID: requestID,
		}, http.StatusConflict
	}

	// Already canonical.
	var agentErr *agent.Error
	if errors.As(err, &agentErr) && agentErr != nil {
		out := *agentErr
		out.RequestID = requestID
		return &out, StatusFromType(agentErr.Type)
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &agent.Error{
		Type:      agent.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

func StatusFromType(t agent.ErrorType) int {
	switch t {
	case agent.ErrInvalidRequest:
		return http.StatusBadRequest
	case agent.ErrNotFound:
		return http.StatusNotFound
	case agent.ErrConflict:
		return http.StatusConflict
	case agent.ErrRateLimit:
		return http.StatusTooManyRequests
	case agent.ErrOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
