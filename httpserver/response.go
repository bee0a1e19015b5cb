package httpserver

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// RunResponse is the body of a successful execution.
type RunResponse struct {
	Output string `json:"output"`
}

// ErrorResponse is the body of every error returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`          // human readable
	Kind  string `json:"kind,omitempty"` // machine readable failure class
}

// writeJSON sends a JSON response with the given status code. Headers must be
// set before the status is written.
func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", zap.Error(err))
	}
}
