package server

import (
	"errors"
	"net/http"

	"grepwise/internal/alarm"
	"grepwise/internal/buffer"
	"grepwise/internal/config"
	"grepwise/internal/partition"
	"grepwise/internal/query"
	"grepwise/internal/redact"
)

// errUnauthorizedReveal is returned when reveal=true arrives without
// the authorization flag on the request context.
var errUnauthorizedReveal = errors.New("reveal not authorized")

// apiError is the JSON error body.
type apiError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// mapError translates sentinel errors into HTTP status + error code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, query.ErrSyntax):
		return http.StatusBadRequest, "QUERY_SYNTAX"
	case errors.Is(err, query.ErrEvalUnsupported):
		return http.StatusBadRequest, "EVAL_UNSUPPORTED"
	case errors.Is(err, query.ErrTimeout):
		return http.StatusGatewayTimeout, "QUERY_TIMEOUT"
	case errors.Is(err, buffer.ErrFull):
		return http.StatusServiceUnavailable, "BUFFER_FULL"
	case errors.Is(err, redact.ErrBadConfig):
		return http.StatusBadRequest, "BAD_CONFIG"
	case errors.Is(err, errUnauthorizedReveal):
		return http.StatusForbidden, "UNAUTHORIZED_REVEAL"
	case errors.Is(err, alarm.ErrNotFound), errors.Is(err, config.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, partition.ErrUnavailable):
		return http.StatusServiceUnavailable, "PARTITION_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
