// Package sseutil carries the low-level Server-Sent-Events write helpers
// shared by the HTTP transports.
package sseutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// WriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional
// context. It serializes concurrent writes/flushes and refuses to write after
// ctx is canceled, which also gives each connection per-session FIFO ordering.
type WriteFlusher struct {
	w   io.Writer
	f   http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

// NewWriteFlusher builds a WriteFlusher bound to the connection context.
func NewWriteFlusher(ctx context.Context, w io.Writer, f http.Flusher) *WriteFlusher {
	return &WriteFlusher{w: w, f: f, ctx: ctx}
}

func (l *WriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation.
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.w.Write(p)
}

func (l *WriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.f.Flush()
}

// SetStreamHeaders applies the standard event-stream response headers. Must
// run before the status line is written.
func SetStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent writes one SSE frame and flushes it. Event and id are optional.
func WriteEvent(wf *WriteFlusher, event, id string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event name: %w", err)
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// WriteComment writes an SSE comment line, used as a keep-alive heartbeat.
func WriteComment(wf *WriteFlusher, text string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", text); err != nil {
		return err
	}
	wf.Flush()
	return nil
}
