// Package sse writes server-sent-event frames for streaming chat
// completions and queue heartbeats.
package sse

import (
	"bufio"
	"fmt"
	"net/http"
)

// Writer wraps a flushable ResponseWriter with SSE framing helpers. Every
// event line ends with "\n\n"; comment lines begin with ": ".
type Writer struct {
	w       *bufio.Writer
	flusher http.Flusher
}

// New prepares w for SSE: sets the standard headers and wraps the body in
// a buffered writer that flushes after every frame.
func New(w http.ResponseWriter) *Writer {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &Writer{w: bufio.NewWriter(w), flusher: flusher}
}

// Event writes a `data: <payload>\n\n` frame.
func (s *Writer) Event(payload string) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.flush()
}

// Comment writes a `: <text>\n\n` comment line, invisible to any compliant
// SSE client — used for heartbeats that must not be mistaken for model
// output.
func (s *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.flush()
}

// Done writes the terminal `data: [DONE]\n\n` sentinel.
func (s *Writer) Done() error {
	return s.Event("[DONE]")
}

func (s *Writer) flush() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
