// Package frontdoor exposes every HTTP transport behind one listener. It
// mounts the legacy event-stream endpoints and the bidirectional stream
// endpoint side by side, and offers an auto-negotiating endpoint that routes
// a request to the right transport by inspecting its shape.
package frontdoor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/firebirdmcp/firebird-mcp-go/sessions"
	"github.com/firebirdmcp/firebird-mcp-go/transport/sse"
	"github.com/firebirdmcp/firebird-mcp-go/transport/streamhttp"
)

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCORSOrigins restricts cross-origin access to the given origins. The
// default allows any origin, matching how MCP clients are usually deployed
// (local tools and desktop apps rather than browsers).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.corsOrigins = origins
		}
	}
}

// Server is the unified front door. It owns no protocol logic of its own;
// every request is delegated to one of the mounted transports.
type Server struct {
	log         *slog.Logger
	sse         *sse.Handler
	stream      *streamhttp.Handler
	store       *sessions.Store
	corsOrigins []string
	router      chi.Router
}

// New wires both HTTP transports behind a single chi router.
func New(sseHandler *sse.Handler, streamHandler *streamhttp.Handler, store *sessions.Store, opts ...Option) *Server {
	s := &Server{
		log:         slog.Default(),
		sse:         sseHandler,
		stream:      streamHandler,
		store:       store,
		corsOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{streamhttp.SessionIDHeader},
	})

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(c.Handler)

	// Legacy event-stream transport.
	r.Handle("/sse", s.sse)
	r.Handle("/messages", s.sse)
	r.Handle("/message", s.sse)

	// Bidirectional stream transport.
	r.Handle("/mcp", s.stream)

	// Protocol sniffing for clients that cannot be configured per-transport.
	r.HandleFunc("/mcp-auto", s.handleAuto)

	r.Get("/health", s.handleHealth)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleAuto picks a transport from the request shape. The signals, in
// precedence order: an Mcp-Session-Id header or DELETE method means the
// stream transport; a GET asking for text/event-stream without that header
// means the legacy transport; a sessionId query parameter means a legacy
// message post; everything else defaults to the stream transport.
func (s *Server) handleAuto(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Header.Get(streamhttp.SessionIDHeader) != "", r.Method == http.MethodDelete:
		s.serveVia(w, r, s.stream, "/mcp", "streamhttp")
	case r.Method == http.MethodGet && acceptsEventStream(r):
		s.serveVia(w, r, s.sse, "/sse", "sse")
	case r.URL.Query().Get("sessionId") != "":
		s.serveVia(w, r, s.sse, "/messages", "sse")
	default:
		s.serveVia(w, r, s.stream, "/mcp", "streamhttp")
	}
}

// serveVia rewrites the path so the target transport's own mux matches, then
// delegates.
func (s *Server) serveVia(w http.ResponseWriter, r *http.Request, h http.Handler, path, transport string) {
	s.log.DebugContext(r.Context(), "frontdoor.route",
		slog.String("transport", transport),
		slog.String("path", path),
	)
	r2 := r.Clone(r.Context())
	r2.URL.Path = path
	h.ServeHTTP(w, r2)
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// handleHealth aggregates liveness across both transports and the shared
// session store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"activeSessions": s.store.Active(),
		"sseStreams":     s.sse.ActiveStreams(),
		"streamMode":     s.stream.Mode().String(),
		"uptime":         s.store.Uptime().Round(time.Second).String(),
	})
}
