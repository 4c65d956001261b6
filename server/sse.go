package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const heartbeatInterval = 15 * time.Second

// sseWriter wraps the ResponseWriter/Flusher pair for one open SSE
// connection. write failures are sticky: once one occurs, every
// subsequent write is a no-op so callers don't keep hammering a dead
// connection; the caller checks ok() and tears down.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

// send writes one named SSE event. data is marshalled to JSON.
func (s *sseWriter) send(event string, data any) {
	if s.failed {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		s.failed = true
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		s.failed = true
		return
	}
	s.flusher.Flush()
}

func (s *sseWriter) ok() bool { return !s.failed }
