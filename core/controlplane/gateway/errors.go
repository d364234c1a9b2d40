package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cordum/jobrelay/core/controlplane/executor"
	"github.com/cordum/jobrelay/core/infra/artifacts"
	"github.com/cordum/jobrelay/core/infra/jobstore"
	"github.com/cordum/jobrelay/core/infra/logging"
	"github.com/cordum/jobrelay/core/infra/schema"
)

// Stable error codes returned in the "code" field of every error body.
const (
	codeInvalidRequest = "invalid_request"
	codeUnsafePath     = "unsafe_path"
	codeUnauthorized   = "unauthorized"
	codeForbidden      = "forbidden"
	codeNotFound       = "not_found"
	codeNotCancelable  = "not_cancelable"
	codeExpired        = "expired"
	codeTooLarge       = "too_large"
	codeRateLimited    = "rate_limited"
	codeUnavailable    = "unavailable"
	codeInternal       = "internal"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// classify maps a domain error to an HTTP status and stable code.
func classify(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case schema.IsValidationError(err), errors.Is(err, executor.ErrUnknownCommand):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, artifacts.ErrUnsafePath):
		return http.StatusBadRequest, codeUnsafePath
	case errors.Is(err, jobstore.ErrNotFound), errors.Is(err, artifacts.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, executor.ErrNotCancelable), errors.Is(err, jobstore.ErrInvalidTransition):
		return http.StatusConflict, codeNotCancelable
	case errors.Is(err, artifacts.ErrExpired):
		return http.StatusGone, codeExpired
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, codeTooLarge
	case errors.Is(err, executor.ErrClosed):
		return http.StatusServiceUnavailable, codeUnavailable
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.Error("gateway", "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}
