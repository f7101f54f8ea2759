package handler

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes v as the response body. Encode failures after the status
// line has gone out cannot be reported to the client, so they are dropped.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the `{"error": "..."}` envelope the client's error
// reader unwraps. Stream handlers only use it before the first frame; once
// SSE frames are flowing, failures travel as stream events instead.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
