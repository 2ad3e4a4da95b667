package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already sent, so the client sees a truncated body
		slog.Warn("Failed to encode response", "status", statusCode, "error", err)
	}
}

// writeError sends an ErrorResponse
func writeError(w http.ResponseWriter, statusCode int, format string, args ...any) {
	writeJSON(w, statusCode, ErrorResponse{Error: fmt.Sprintf(format, args...)})
}
