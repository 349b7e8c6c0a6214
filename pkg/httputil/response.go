// Package httputil holds the HTTP plumbing shared by the bridge server:
// response rendering helpers, context keys, and a retryable request client.
package httputil

import (
	"encoding/json"
	"net/http"
)

// Middleware wraps an http.Handler with additional behavior.
type Middleware func(http.Handler) http.Handler

// ContextKey is the type for values stored in request contexts.
type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	ClaimsCtxKey    ContextKey = "Claims"
)

// ErrorResponse is the wire shape of every error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Error sends a JSON error body with the verbatim error and a generic
// human-readable message.
func Error(w http.ResponseWriter, statusCode int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := ErrorResponse{Error: errMsg, Message: message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Failed to encode error response", http.StatusInternalServerError)
	}
}
