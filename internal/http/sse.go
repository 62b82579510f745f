package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// SSESink adapts an HTTP response to the relay's sink contract. Headers are
// written on the first Send, so a chat turn that fails before producing any
// event can still answer with a plain JSON error instead of a stream.
type SSESink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    <-chan struct{}

	mu      sync.Mutex
	started bool
}

// NewSSESink wraps the response writer. Returns an error when the transport
// cannot flush incrementally.
func NewSSESink(w http.ResponseWriter, r *http.Request) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &SSESink{w: w, flusher: flusher, done: r.Context().Done()}, nil
}

// Send pushes one named event. String payloads go out verbatim (the `[DONE]`
// sentinel), everything else as JSON.
func (s *SSESink) Send(event string, data any) error {
	var body string
	if str, ok := data.(string); ok {
		body = str
	} else {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", event, err)
		}
		body = string(encoded)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.started = true
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream; charset=utf-8")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, body); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done reports client disconnect via the request context.
func (s *SSESink) Done() <-chan struct{} { return s.done }

// Started reports whether the stream has been committed to the client.
func (s *SSESink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
