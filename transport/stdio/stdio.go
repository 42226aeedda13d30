// Package stdio implements the stream transport: newline-delimited JSON-RPC
// over a single persistent duplex byte stream, by default the process's
// standard input and output. There is exactly one implicit session that lives
// as long as the process.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/firebirdmcp/firebird-mcp-go/internal/jsonrpc"
	"github.com/firebirdmcp/firebird-mcp-go/protocol"
)

const maxLineBytes = 16 * 1024 * 1024

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger. Logs must never share the output stream;
// callers are expected to point slog at stderr when using stdio transport.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// Handler is a single-connection stdio transport. It delegates all protocol
// semantics to the protocol.Handler and owns only framing and the output
// guard.
type Handler struct {
	r     io.Reader
	w     io.Writer
	log   *slog.Logger
	proto *protocol.Handler
}

// NewHandler constructs a stdio Handler with stdin/stdout defaults. The
// output stream is wrapped in a Guard so accidental writes cannot corrupt
// framing.
func NewHandler(proto *protocol.Handler, opts ...Option) *Handler {
	h := &Handler{
		r:     os.Stdin,
		w:     NewGuard(os.Stdout, os.Stderr),
		log:   slog.Default(),
		proto: proto,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the read loop until EOF on the reader or context cancellation.
// Responses are written in the order requests were read, which trivially
// satisfies per-session FIFO ordering on this transport.
func (h *Handler) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(h.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	h.log.InfoContext(ctx, "stdio.serve.start")

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			h.log.WarnContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
			h.write(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil))
			continue
		}

		req := msg.AsRequest()
		if req == nil {
			// Client responses have no handler on this server; drop them.
			h.log.DebugContext(ctx, "stdio.response.ignored")
			continue
		}

		if resp := h.proto.Handle(ctx, req); resp != nil {
			h.write(ctx, resp)
		}
	}

	if err := scanner.Err(); err != nil {
		h.log.ErrorContext(ctx, "stdio.read.fail", slog.String("err", err.Error()))
		return err
	}
	h.log.InfoContext(ctx, "stdio.serve.eof")
	return nil
}

func (h *Handler) write(ctx context.Context, resp *jsonrpc.Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.response.marshal.fail", slog.String("err", err.Error()))
		return
	}
	if _, err := h.w.Write(append(b, '\n')); err != nil {
		h.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
