package stdio

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// Guard supervises the transport's output stream. The single client reading
// it parses newline-delimited JSON, so any foreign byte corrupts the framing.
// Writes that are not whole JSON values are redirected to the fallback writer
// instead of reaching the protocol stream.
type Guard struct {
	mu       sync.Mutex
	out      io.Writer
	fallback io.Writer
}

// NewGuard wraps out so only framed JSON passes through. Stray writes go to
// fallback; a nil fallback discards them.
func NewGuard(out, fallback io.Writer) *Guard {
	if fallback == nil {
		fallback = io.Discard
	}
	return &Guard{out: out, fallback: fallback}
}

// Write implements io.Writer. Valid JSON payloads (optionally
// newline-terminated) are written to the protocol stream; anything else is
// diverted to the fallback and reported as written so callers do not error.
func (g *Guard) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if json.Valid(bytes.TrimSpace(p)) {
		return g.out.Write(p)
	}
	_, _ = g.fallback.Write(p)
	return len(p), nil
}
