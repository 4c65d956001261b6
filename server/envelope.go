package server

import (
	"encoding/json"
	"net/http"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/logging"
)

// envelope is the fixed response shape every handler writes through:
// {success:true, data} on success, {success:false, error} on failure.
// Health and service-info responses use it too.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeErr maps err to an HTTP-like status code via domain.StatusCode and
// writes the generic envelope error shape. Internal errors are logged
// with context; the client only ever sees the generic message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.StatusCode(err)
	if status == 500 {
		logging.Logger.Error("internal error", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, envelope{Success: false, Error: "internal error"})
		return
	}
	writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Logger.Error("failed to encode response body", "error", err)
	}
}
