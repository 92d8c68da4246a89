package server

import (
	"encoding/json"
	"net/http"

	v1 "github.com/meridian-labs/llmgate/pkg/api/v1"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError shapes the egress error envelope spec.md §6 defines:
// {"error": {"type", "message", "code", "details"}}.
func writeError(w http.ResponseWriter, status int, errType, message, details string) {
	writeJSON(w, status, v1.ErrorResponse{Error: v1.ErrorDetails{
		Type:    errType,
		Message: message,
		Code:    status,
		Details: details,
	}})
}
