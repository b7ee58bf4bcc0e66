package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorEnvelope matches the API error format: {"error":{"code","message"}}.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError writes a JSON error response from inside a middleware and
// records the code for the logging middleware.
func writeError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	ctx = SetErrorCode(ctx, code)
	UpdateResponseContext(w, ctx)

	var env errorEnvelope
	env.Error.Code = code
	env.Error.Message = message

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}
