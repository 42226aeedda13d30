// Package streamhttp implements the bidirectional stream transport: a single
// /mcp endpoint carrying request/response over POST, an optional server-push
// event stream over GET, and explicit session termination over DELETE.
//
// The transport runs in one of two modes fixed at startup. Stateful mode
// performs an initialize handshake and correlates every later request through
// the Mcp-Session-Id header. Stateless mode trades server-push and
// continuity for maximum client compatibility: every POST is self-contained.
package streamhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/firebirdmcp/firebird-mcp-go/auth"
	"github.com/firebirdmcp/firebird-mcp-go/internal/jsonrpc"
	"github.com/firebirdmcp/firebird-mcp-go/internal/logctx"
	"github.com/firebirdmcp/firebird-mcp-go/internal/sseutil"
	"github.com/firebirdmcp/firebird-mcp-go/mcp"
	"github.com/firebirdmcp/firebird-mcp-go/protocol"
	"github.com/firebirdmcp/firebird-mcp-go/sessions"
	"github.com/google/uuid"
)

// SessionIDHeader carries the session id on every stateful request after the
// initialize handshake.
const SessionIDHeader = "Mcp-Session-Id"

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Mode selects the transport's session behavior at startup.
type Mode int

const (
	// ModeStateful requires an initialize handshake and session header.
	ModeStateful Mode = iota
	// ModeStateless treats every request as self-contained.
	ModeStateless
)

func (m Mode) String() string {
	if m == ModeStateless {
		return "stateless"
	}
	return "stateful"
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

// WithHeartbeatInterval overrides the keep-alive cadence on push streams.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// push is the per-session server-push channel opened by GET.
type push struct {
	wf     *sseutil.WriteFlusher
	cancel context.CancelFunc
}

// sessionBinding releases the transport resources for one session.
type sessionBinding struct {
	h  *Handler
	id string
}

func (b *sessionBinding) Close() error {
	b.h.closePush(b.id)
	return nil
}

// Handler serves the /mcp endpoint. One instance multiplexes all sessions.
type Handler struct {
	log       *slog.Logger
	proto     *protocol.Handler
	store     *sessions.Store
	authn     auth.Authenticator
	mode      Mode
	heartbeat time.Duration

	mu     sync.Mutex
	pushes map[string]*push

	mux *http.ServeMux
}

// New constructs the bidirectional stream transport in the given mode.
func New(proto *protocol.Handler, store *sessions.Store, mode Mode, opts ...Option) *Handler {
	h := &Handler{
		log:       slog.Default(),
		proto:     proto,
		store:     store,
		authn:     auth.AllowAll(),
		mode:      mode,
		heartbeat: 30 * time.Second,
		pushes:    make(map[string]*push),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp", h.handlePost)
	mux.HandleFunc("GET /mcp", h.handleGet)
	mux.HandleFunc("DELETE /mcp", h.handleDelete)
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

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.authn.Authenticate(ctx, r); err != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusUnauthorized, nil, jsonrpc.ErrorCodeInvalidRequest, "unauthorized")
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		writeRPCError(w, http.StatusUnsupportedMediaType, nil, jsonrpc.ErrorCodeInvalidRequest, "content-type must be application/json")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "invalid JSON body")
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, "JSON-RPC batch arrays are not supported")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message: "+err.Error())
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	if h.mode == ModeStateless {
		h.dispatch(ctx, w, &msg)
		return
	}

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		// First contact must be the handshake.
		req := msg.AsRequest()
		if req == nil || req.Method != string(mcp.InitializeMethod) || req.IsNotification() {
			h.log.InfoContext(ctx, "session.handshake.missing")
			writeRPCError(w, http.StatusBadRequest, msg.ID, jsonrpc.ErrorCodeInvalidSession, "missing mcp-session-id header: send initialize first")
			return
		}

		// The handshake runs before any session exists: a rejected initialize
		// must not leave a usable session behind.
		resp := h.proto.Handle(ctx, req)
		if resp.Error != nil {
			h.log.InfoContext(ctx, "session.initialize.fail")
			writeJSON(w, http.StatusBadRequest, resp)
			return
		}

		binding := &sessionBinding{h: h}
		sess := h.store.Create(binding)
		binding.id = sess.ID()

		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Transport: "streamhttp", State: string(sess.State())})

		w.Header().Set(SessionIDHeader, sess.ID())
		writeJSON(w, http.StatusOK, resp)
		h.log.InfoContext(ctx, "session.initialize.ok")
		return
	}

	sess, err := h.store.Get(sessID)
	if err != nil {
		// Expired or never existed: the client should re-handshake.
		h.log.InfoContext(ctx, "session.load.miss")
		writeRPCError(w, http.StatusNotFound, msg.ID, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return
	}
	h.store.Touch(sessID)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Transport: "streamhttp", State: string(sess.State())})

	if req := msg.AsRequest(); req != nil && req.Method == string(mcp.InitializeMethod) && !req.IsNotification() {
		h.log.WarnContext(ctx, "session.initialize.redundant")
		writeRPCError(w, http.StatusConflict, msg.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")
		return
	}

	w.Header().Set(SessionIDHeader, sess.ID())
	h.dispatch(ctx, w, &msg)
}

// dispatch routes a decoded message to the protocol handler and writes the
// single terminal response (or a bare acknowledgment for one-way messages).
func (h *Handler) dispatch(ctx context.Context, w http.ResponseWriter, msg *jsonrpc.AnyMessage) {
	req := msg.AsRequest()
	if req == nil {
		// Client-to-server responses have no reply.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := h.proto.Handle(ctx, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	status := http.StatusOK
	if resp.Error != nil && resp.Error.Code == jsonrpc.ErrorCodeInternalError {
		// Server-class failure, but the JSON-RPC envelope is still well-formed
		// so clients do not need the status code to parse the outcome.
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.mode == ModeStateless {
		writeRPCError(w, http.StatusMethodNotAllowed, nil, jsonrpc.ErrorCodeInvalidRequest, "server-push requires stateful mode")
		return
	}

	if err := h.authn.Authenticate(ctx, r); err != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusUnauthorized, nil, jsonrpc.ErrorCodeInvalidRequest, "unauthorized")
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.log.WarnContext(ctx, "accept.unsupported")
		writeRPCError(w, http.StatusUnsupportedMediaType, nil, jsonrpc.ErrorCodeInvalidRequest, "accept must include text/event-stream")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		writeRPCError(w, http.StatusInternalServerError, nil, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		return
	}

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidSession, "missing mcp-session-id header")
		return
	}
	sess, err := h.store.Get(sessID)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return
	}
	h.store.Touch(sessID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Transport: "streamhttp", State: string(sess.State())})

	sseutil.SetStreamHeaders(w.Header())
	w.Header().Set(SessionIDHeader, sess.ID())
	w.WriteHeader(http.StatusOK)
	wf := sseutil.NewWriteFlusher(ctx, w, f)
	wf.Flush()

	h.mu.Lock()
	if prev := h.pushes[sessID]; prev != nil {
		// A session binds to at most one live push stream at a time.
		prev.cancel()
	}
	h.pushes[sessID] = &push{wf: wf, cancel: cancel}
	h.mu.Unlock()
	defer h.closePush(sessID)

	h.log.InfoContext(ctx, "push.stream.start")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "push.stream.end")
			return
		case <-ticker.C:
			if err := sseutil.WriteComment(wf, "keep-alive"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.mode == ModeStateless {
		writeRPCError(w, http.StatusMethodNotAllowed, nil, jsonrpc.ErrorCodeInvalidRequest, "session termination requires stateful mode")
		return
	}

	if err := h.authn.Authenticate(ctx, r); err != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		writeRPCError(w, http.StatusUnauthorized, nil, jsonrpc.ErrorCodeInvalidRequest, "unauthorized")
		return
	}

	sessID := r.Header.Get(SessionIDHeader)
	if sessID == "" {
		writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidSession, "missing mcp-session-id header")
		return
	}
	if _, err := h.store.Get(sessID); err != nil {
		writeRPCError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return
	}

	h.store.Remove(sessID)
	h.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", sessID))
	w.WriteHeader(http.StatusNoContent)
}

// Notify pushes a server-initiated notification to the session's push stream
// if one is connected. Without a stream the notification is dropped silently:
// the protocol offers no delivery guarantee for async events.
func (h *Handler) Notify(sessionID, method string, params any) error {
	h.mu.Lock()
	p := h.pushes[sessionID]
	h.mu.Unlock()
	if p == nil {
		return nil
	}

	n, err := jsonrpc.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return sseutil.WriteEvent(p.wf, "message", uuid.NewString(), b)
}

// closePush tears down the push stream for a session, if any. Idempotent.
func (h *Handler) closePush(sessionID string) {
	h.mu.Lock()
	p := h.pushes[sessionID]
	delete(h.pushes, sessionID)
	h.mu.Unlock()
	if p != nil {
		p.cancel()
	}
}

// Mode reports the operating mode fixed at startup.
func (h *Handler) Mode() Mode { return h.mode }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRPCError emits a well-formed JSON-RPC error envelope with the given
// HTTP status.
func writeRPCError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	writeJSON(w, status, jsonrpc.NewErrorResponse(id, code, msg, nil))
}
