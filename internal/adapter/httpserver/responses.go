// Package httpserver contains the submitter's HTTP handlers and middleware.
//
// It exposes the public job API, the platform preset listing and the
// internal worker callback, keeping transport concerns out of the use cases.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clipscrub/clipscrub/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
		codeStr = "UNAUTHORIZED"
	case errors.Is(err, domain.ErrInsufficientCredits):
		code = http.StatusPaymentRequired
		codeStr = "INSUFFICIENT_CREDITS"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrContentInvalid):
		code = http.StatusUnsupportedMediaType
		codeStr = "CONTENT_INVALID"
	case errors.Is(err, domain.ErrRateLimited):
		code = http.StatusTooManyRequests
		codeStr = "RATE_LIMITED"
	case errors.Is(err, domain.ErrQueueUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "QUEUE_UNAVAILABLE"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_TIMEOUT"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

// writeInsufficientCredits renders the 402 envelope with the credit numbers a
// client needs to react (top up, downgrade to crop).
func writeInsufficientCredits(w http.ResponseWriter, required, available int) {
	writeJSON(w, http.StatusPaymentRequired, errorEnvelope{Error: apiError{
		Code:    "INSUFFICIENT_CREDITS",
		Message: "insufficient credits",
		Details: map[string]int{"credits_required": required, "credits_available": available},
	}})
}
