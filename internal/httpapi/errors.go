// SPDX-License-Identifier: MIT

// Package httpapi exposes the Autonomy V2 control surface over HTTP.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/forgeops/forged/internal/log"
)

// APIError pairs a stable machine-readable code with a human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Stable error codes. HTTP status maps 1-1 with code families: 400
// validation, 401 auth, 404 absence, 503 wiring or missing config, 500
// otherwise.
var (
	ErrInvalidRequest = &APIError{
		Code:    "INVALID_REQUEST",
		Message: "Malformed input or out-of-range parameter",
	}
	ErrInvalidCursor = &APIError{
		Code:    "INVALID_CURSOR",
		Message: "Cursor format invalid",
	}
	ErrRunNotFound = &APIError{
		Code:    "RUN_NOT_FOUND",
		Message: "Run not found",
	}
	ErrInvalidAdminToken = &APIError{
		Code:    "INVALID_ADMIN_TOKEN",
		Message: "Invalid or missing admin token",
	}
	ErrAdminTokenNotConfigured = &APIError{
		Code:    "ADMIN_TOKEN_NOT_CONFIGURED",
		Message: "Admin endpoints are disabled: no admin token configured",
	}
	ErrWorkerNotWired = &APIError{
		Code:    "WORKER_NOT_WIRED",
		Message: "Worker is not wired yet",
	}
	ErrTickError = &APIError{
		Code:    "TICK_ERROR",
		Message: "Worker tick failed",
	}
	ErrInternal = &APIError{
		Code:    "INTERNAL_ERROR",
		Message: "An internal error occurred",
	}
)

// errEnvelope is the wire shape of every error response.
type errEnvelope struct {
	Error errBody `json:"error"`
}

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers already sent; log so a truncated body is explainable.
		log.L().Error().Err(err).Int("status", code).Msg("failed to encode JSON response")
	}
}

// respondError sends the standard error envelope.
func respondError(w http.ResponseWriter, statusCode int, apiErr *APIError, details ...any) {
	var d any
	if len(details) > 0 {
		d = details[0]
	}
	writeJSON(w, statusCode, errEnvelope{Error: errBody{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Detail:  d,
	}})
}
