package web

// errors.go provides unified error response handling for the API.
//
// Handlers call respondError with whatever error bubbled up; the mapping
// here decides the HTTP status and the client-facing message. Technical
// detail is logged server-side with the request ID for correlation and
// never leaks into the response body.

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcastellanos/migrator/internal/columns"
	"github.com/jcastellanos/migrator/internal/logging"
	"github.com/jcastellanos/migrator/internal/migrate"
	"github.com/jcastellanos/migrator/internal/process"
	"github.com/jcastellanos/migrator/internal/source"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Action string `json:"action,omitempty"`
}

// mapped pairs an HTTP status with the client-facing classification.
type mapped struct {
	status int
	code   string
	action string
}

// mapError classifies an error into status, stable code and a suggested
// client action.
func mapError(err error) mapped {
	var (
		invalidTransition *process.InvalidTransitionError
		duplicateName     *columns.DuplicateColumnNameError
		invalidDefault    *columns.InvalidDefaultValueError
		coercion          *migrate.CoercionError
	)

	switch {
	case errors.Is(err, process.ErrNotFound):
		return mapped{http.StatusNotFound, "process_not_found", ""}
	case errors.Is(err, process.ErrNameTaken):
		return mapped{http.StatusConflict, "name_taken", "choose a different process name"}
	case errors.Is(err, process.ErrNotRunnable):
		return mapped{http.StatusConflict, "not_runnable", "validate the configuration first"}
	case errors.Is(err, migrate.ErrAlreadyRunning):
		return mapped{http.StatusConflict, "already_running", "wait for the current run to finish"}
	case errors.Is(err, migrate.ErrTooManyRuns):
		return mapped{http.StatusTooManyRequests, "too_many_runs", "retry after a short delay"}
	case errors.Is(err, migrate.ErrNotRunning):
		return mapped{http.StatusConflict, "not_running", "the process has no run in flight"}
	case errors.Is(err, source.ErrShareExpired):
		return mapped{http.StatusBadGateway, "share_expired", "request a fresh share link"}
	case errors.Is(err, source.ErrAuthentication):
		return mapped{http.StatusBadGateway, "source_auth_failed", "check the source credentials"}
	case errors.Is(err, source.ErrConnectTimeout):
		return mapped{http.StatusGatewayTimeout, "source_timeout", "retry or check the source host"}
	case errors.Is(err, source.ErrSourceUnreachable):
		return mapped{http.StatusBadGateway, "source_unreachable", "check the source location"}
	case errors.As(err, &invalidTransition):
		return mapped{http.StatusConflict, "invalid_transition", ""}
	case errors.As(err, &duplicateName):
		return mapped{http.StatusUnprocessableEntity, "duplicate_column_name", "pick a unique column name"}
	case errors.As(err, &invalidDefault):
		return mapped{http.StatusUnprocessableEntity, "invalid_default", "fix the default value"}
	case errors.As(err, &coercion):
		return mapped{http.StatusUnprocessableEntity, "coercion_failed", ""}
	default:
		return mapped{http.StatusInternalServerError, "internal", ""}
	}
}

// respondError logs the technical error and writes the mapped JSON response.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	m := mapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", m.status,
		"code", m.code,
		"error", err.Error(),
		"request_id", middleware.GetReqID(r.Context()),
	)

	respondJSON(w, m.status, ErrorResponse{
		Error:  err.Error(),
		Code:   m.code,
		Action: m.action,
	})
}

// respondErrorLogOnly records an error that should not fail the request,
// such as a best-effort mirror sync.
func respondErrorLogOnly(r *http.Request, err error) {
	logging.FromContext(r.Context()).Warn("background operation failed",
		"path", r.URL.Path,
		"error", err.Error(),
	)
}

// respondBadRequest reports a malformed request body or parameter.
func respondBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	logging.FromContext(r.Context()).Warn("bad request",
		"path", r.URL.Path, "reason", msg)
	respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "bad_request"})
}
