package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope. RequestID carries
// the same value reported in the X-Request-ID header so an operator
// reading a failed registerWorker response can grep it
// straight out of vmfleetd's request logs.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// RespondError writes a JSON error response, tagging it with the
// request ID from ctx (set by the RequestID middleware) when present.
func RespondError(ctx context.Context, w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:     err,
		Message:   message,
		RequestID: RequestIDFromContext(ctx),
	})
}
