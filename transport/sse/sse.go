// Package sse implements the legacy event-stream transport: a long-lived
// server-to-client SSE channel per session plus a separate message endpoint
// correlated by a sessionId query parameter.
//
// Each stream moves through an explicit state machine:
//
//	connecting -> open -> (degraded) -> closed
//
// The degraded state exists because response headers, once flushed, cannot be
// re-sent: after that point the only way to tell the client anything is an
// in-band event on the already-open stream.
package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/firebirdmcp/firebird-mcp-go/auth"
	"github.com/firebirdmcp/firebird-mcp-go/internal/jsonrpc"
	"github.com/firebirdmcp/firebird-mcp-go/internal/logctx"
	"github.com/firebirdmcp/firebird-mcp-go/internal/sseutil"
	"github.com/firebirdmcp/firebird-mcp-go/protocol"
	"github.com/firebirdmcp/firebird-mcp-go/sessions"
	"github.com/google/uuid"
)

const maxBodyBytes = 4 * 1024 * 1024

var (
	jsonMediaType = contenttype.NewMediaType("application/json")
	textMediaType = contenttype.NewMediaType("text/plain")
	formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")
)

// streamState tracks where a stream is in its lifecycle.
type streamState int

const (
	stateConnecting streamState = iota
	stateOpen
	stateDegraded
	stateClosed
)

// stream is the transport-specific state bound to one session.
type stream struct {
	mu     sync.Mutex
	wf     *sseutil.WriteFlusher
	state  streamState
	cancel context.CancelFunc
}

func (s *stream) setState(st streamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *stream) currentState() streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// send emits an event if the stream is still usable.
func (s *stream) send(event string, payload []byte) error {
	s.mu.Lock()
	wf := s.wf
	st := s.state
	s.mu.Unlock()
	if st == stateClosed || st == stateConnecting || wf == nil {
		return context.Canceled
	}
	return sseutil.WriteEvent(wf, event, uuid.NewString(), payload)
}

// close cancels the stream's connection context. Safe to call repeatedly.
func (s *stream) close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.state = stateClosed
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger used by the transport.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAuthenticator installs the pre-flight authorization hook.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) {
		if a != nil {
			h.authn = a
		}
	}
}

// WithHeartbeatInterval overrides the keep-alive cadence on open streams.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// Handler serves the legacy SSE endpoints. One instance multiplexes many
// concurrent client sessions.
type Handler struct {
	log       *slog.Logger
	proto     *protocol.Handler
	store     *sessions.Store
	authn     auth.Authenticator
	heartbeat time.Duration

	mu      sync.Mutex
	streams map[string]*stream

	mux *http.ServeMux
}

// New constructs the legacy SSE transport over the shared protocol handler
// and session store.
func New(proto *protocol.Handler, store *sessions.Store, opts ...Option) *Handler {
	h := &Handler{
		log:       slog.Default(),
		proto:     proto,
		store:     store,
		authn:     auth.AllowAll(),
		heartbeat: 30 * time.Second,
		streams:   make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", h.HandleSSE)
	mux.HandleFunc("POST /messages", h.HandleMessage)
	// Alias kept for clients built against the older endpoint spelling.
	mux.HandleFunc("POST /message", h.HandleMessage)
	mux.HandleFunc("GET /health", h.HandleHealth)
	h.mux = mux
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// HandleSSE opens the event stream, allocates a session and pushes the
// endpoint event carrying the session id and the message post URL.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "sse.connect.start")

	if err := h.authn.Authenticate(ctx, r); err != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusUnauthorized, nil, jsonrpc.ErrorCodeInvalidRequest, "unauthorized")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &stream{state: stateConnecting, cancel: cancel}
	sess := h.store.Create(sessions.BindingFunc(st.close))

	h.mu.Lock()
	h.streams[sess.ID()] = st
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.streams, sess.ID())
		h.mu.Unlock()
		h.store.Remove(sess.ID())
	}()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Transport: "sse", State: string(sess.State())})

	// Headers committed here: past this point only in-band signaling works.
	sseutil.SetStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	wf := sseutil.NewWriteFlusher(ctx, w, f)
	wf.Flush()

	st.mu.Lock()
	st.wf = wf
	st.state = stateOpen
	st.mu.Unlock()

	endpoint, err := json.Marshal(map[string]string{
		"sessionId": sess.ID(),
		"postUrl":   "/messages?sessionId=" + url.QueryEscape(sess.ID()),
	})
	if err == nil {
		err = sseutil.WriteEvent(wf, "endpoint", "", endpoint)
	}
	if err != nil {
		h.degrade(ctx, st, err)
	} else {
		h.log.InfoContext(ctx, "sse.connect.ok")
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end")
			return
		case <-ticker.C:
			if err := sseutil.WriteComment(wf, "keep-alive"); err != nil {
				h.log.InfoContext(ctx, "sse.heartbeat.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// degrade switches a stream whose headers are already flushed into the
// degraded state: no header mutation, best-effort in-band error event, and a
// heartbeat keeps the connection from being silently dropped.
func (h *Handler) degrade(ctx context.Context, st *stream, cause error) {
	st.setState(stateDegraded)
	h.log.WarnContext(ctx, "sse.stream.degraded", slog.String("err", cause.Error()))

	resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInternalError, "stream error", nil)
	if b, err := json.Marshal(resp); err == nil {
		_ = st.send("error", b)
	}
}

// HandleMessage accepts a client-to-server message correlated by the
// sessionId query parameter, dispatches it, returns the response on the POST
// and mirrors it onto the open stream when still connected.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.authn.Authenticate(ctx, r); err != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusUnauthorized, nil, jsonrpc.ErrorCodeInvalidRequest, "unauthorized")
		return
	}

	sessID := r.URL.Query().Get("sessionId")
	if sessID == "" {
		h.log.InfoContext(ctx, "message.session_id.missing")
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidSession, "missing sessionId query parameter")
		return
	}

	sess, err := h.store.Get(sessID)
	if err != nil {
		// An expired id stays expired; a POST must never revive it.
		h.log.InfoContext(ctx, "message.session.miss", slog.String("session_id", sessID))
		writeRPCError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return
	}
	h.store.Touch(sessID)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Transport: "sse", State: string(sess.State())})

	payload, err := readPayload(r)
	if err != nil {
		h.log.WarnContext(ctx, "message.body.read.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, "unreadable request body")
		return
	}
	if len(payload) == 0 {
		h.log.InfoContext(ctx, "message.body.empty")
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, "empty request body")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.log.WarnContext(ctx, "message.parse.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message")
		return
	}

	req := msg.AsRequest()
	if req == nil {
		// Responses from the client carry no reply; acknowledge only.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := h.proto.Handle(ctx, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	b, err := json.Marshal(resp)
	if err != nil {
		h.log.ErrorContext(ctx, "message.response.marshal.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusInternalServerError, req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode response")
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		h.log.WarnContext(ctx, "message.response.write.fail", slog.String("err", err.Error()))
	}

	// Mirror onto the open stream, best effort.
	h.mu.Lock()
	st := h.streams[sessID]
	h.mu.Unlock()
	if st != nil && st.currentState() == stateOpen {
		if err := st.send("message", b); err != nil {
			h.log.DebugContext(ctx, "message.mirror.fail", slog.String("err", err.Error()))
		}
	}
}

// readPayload extracts the JSON-RPC payload tolerating the content-type
// variants seen in the wild: declared JSON, mislabeled text/plain carrying
// JSON (passed through unchanged when it doesn't parse), and form-encoded
// bodies with the payload in a "message" field.
func readPayload(r *http.Request) ([]byte, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil {
		// No or unparseable content-type header: treat the body as-is.
		return body, nil
	}

	switch {
	case ctype.Matches(jsonMediaType), ctype.Matches(textMediaType):
		return body, nil
	case ctype.Matches(formMediaType):
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return body, nil
		}
		if msg := values.Get("message"); msg != "" {
			return []byte(msg), nil
		}
		return body, nil
	default:
		return body, nil
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(body), nil
}

// HandleHealth reports transport liveness plus aggregate session counts.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"activeSessions": h.store.Active(),
		"uptime":         h.store.Uptime().Round(time.Second).String(),
	})
}

// ActiveStreams reports how many event streams are currently connected.
func (h *Handler) ActiveStreams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// writeRPCError emits a well-formed JSON-RPC error envelope with the given
// HTTP status. Clients always get a parseable body, never a bare error page.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg, nil))
}
