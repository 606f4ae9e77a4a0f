package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"qllmd/internal/config"
	"qllmd/internal/manager"
	"qllmd/internal/modelcache"
	"qllmd/internal/session"
	"qllmd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var he HTTPError
	switch {
	case errors.As(err, &he):
		return he.StatusCode()
	case config.IsConfigError(err):
		return http.StatusBadRequest
	case manager.IsSessionNotFound(err):
		return http.StatusNotFound
	case manager.IsTooBusy(err):
		return http.StatusTooManyRequests
	case modelcache.IsLoadFailure(err), manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case session.IsDecodeFailure(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status and counts 429s.
func writeServiceError(w http.ResponseWriter, err error) int {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("too_busy")
	}
	writeJSONError(w, status, err.Error())
	return status
}

// clientGone reports whether the request or the server was canceled, in
// which case nothing more should be written.
func clientGone(r *http.Request) bool {
	return r.Context().Err() != nil || serverBaseCtx.Err() != nil
}
