// Package protocol implements the transport-agnostic MCP request dispatcher.
// Transports hand it decoded JSON-RPC requests; it validates, invokes the
// matching capability handler from the registry, and normalizes every outcome
// into a well-formed response envelope.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/firebirdmcp/firebird-mcp-go/internal/jsonrpc"
	"github.com/firebirdmcp/firebird-mcp-go/internal/logctx"
	"github.com/firebirdmcp/firebird-mcp-go/mcp"
	"github.com/firebirdmcp/firebird-mcp-go/registry"
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used by the handler. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithInstructions sets the human-readable instructions surfaced during initialize.
func WithInstructions(instr string) Option {
	return func(h *Handler) { h.instructions = instr }
}

// WithLogLevelVar wires the LevelVar adjusted by logging/setLevel requests.
// When set, the logging capability is advertised on handshake.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(h *Handler) { h.level = v }
}

// Handler dispatches MCP requests against a capability registry. One instance
// serves every transport and session concurrently; it holds no per-session
// state.
type Handler struct {
	reg          *registry.Registry
	info         mcp.ImplementationInfo
	instructions string
	log          *slog.Logger
	level        *slog.LevelVar
}

// New constructs a Handler for the given registry and server identity.
func New(reg *registry.Registry, info mcp.ImplementationInfo, opts ...Option) *Handler {
	h := &Handler{reg: reg, info: info, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle processes one inbound request and returns its terminal response.
// Notifications return nil: they have no correlation id and therefore no
// response. Handle never panics and never returns both an error and a result.
func (h *Handler) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   "request",
	})

	if req.IsNotification() {
		h.handleNotification(ctx, req)
		return nil
	}

	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return h.handleInitialize(ctx, req)
	case mcp.PingMethod:
		return h.result(ctx, req, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		return h.result(ctx, req, mcp.ListToolsResult{Tools: h.reg.Tools()})
	case mcp.ToolsCallMethod:
		return h.handleToolCall(ctx, req)
	case mcp.ResourcesListMethod:
		return h.result(ctx, req, mcp.ListResourcesResult{Resources: h.reg.Resources()})
	case mcp.ResourcesReadMethod:
		return h.handleResourceRead(ctx, req)
	case mcp.PromptsListMethod:
		return h.result(ctx, req, mcp.ListPromptsResult{Prompts: h.reg.Prompts()})
	case mcp.PromptsGetMethod:
		return h.handlePromptGet(ctx, req)
	case mcp.LoggingSetLevelMethod:
		return h.handleSetLevel(ctx, req)
	default:
		h.log.InfoContext(ctx, "rpc.method.unknown")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (h *Handler) handleNotification(ctx context.Context, req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		h.log.DebugContext(ctx, "session.initialized")
	default:
		// Unknown notifications are ignored per JSON-RPC semantics.
		h.log.DebugContext(ctx, "notification.ignored")
	}
}

func (h *Handler) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var initReq mcp.InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
		}
	}

	caps := mcp.ServerCapabilities{}
	if len(h.reg.Tools()) > 0 {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	if len(h.reg.Resources()) > 0 {
		caps.Resources = &struct {
			ListChanged bool `json:"listChanged"`
			Subscribe   bool `json:"subscribe"`
		}{}
	}
	if len(h.reg.Prompts()) > 0 {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
	}
	if h.level != nil {
		caps.Logging = &struct{}{}
	}

	res := mcp.InitializeResult{
		ProtocolVersion: mcp.NegotiateProtocolVersion(initReq.ProtocolVersion),
		Capabilities:    caps,
		ServerInfo:      h.info,
		Instructions:    h.instructions,
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.String("client", initReq.ClientInfo.Name), slog.String("protocol_version", res.ProtocolVersion))
	return h.result(ctx, req, res)
}

func (h *Handler) handleToolCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var call mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tool call params", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: call.Name})

	def, ok := h.reg.Tool(call.Name)
	if !ok {
		h.log.InfoContext(ctx, "tool.call.miss")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("tool not found: %s", call.Name), nil)
	}

	if err := ValidateArguments(def.Tool.InputSchema, call.Arguments); err != nil {
		h.log.InfoContext(ctx, "tool.call.invalid", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}

	res, err := h.invokeTool(ctx, def, call.Arguments)
	if err != nil {
		h.log.ErrorContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeHandlerError, err.Error(), nil)
	}
	if res == nil {
		h.log.ErrorContext(ctx, "tool.call.nil_result")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "tool returned no result", nil)
	}

	switch res.Kind() {
	case registry.KindFail:
		// Explicit failure results surface as protocol errors so clients never
		// mistake an error-shaped value for success.
		h.log.InfoContext(ctx, "tool.call.failed", slog.String("err", res.FailMessage()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeHandlerError, res.FailMessage(), nil)
	case registry.KindRaw:
		return &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Result: res.Raw(), ID: req.ID}
	default:
		h.log.InfoContext(ctx, "tool.call.ok")
		return h.result(ctx, req, res.CallToolResult())
	}
}

// invokeTool runs the handler with panic recovery: a panicking domain handler
// must not take down the other sessions sharing this process.
func (h *Handler) invokeTool(ctx context.Context, def registry.ToolDef, args json.RawMessage) (res *registry.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.ErrorContext(ctx, "tool.call.panic", slog.Any("panic", r))
			res = nil
			err = fmt.Errorf("internal error in tool handler")
		}
	}()
	return def.Handler(ctx, args)
}

func (h *Handler) handleResourceRead(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var read mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &read); err != nil || read.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid resource read params", nil)
	}

	def, ok := h.reg.Resource(read.URI)
	if !ok {
		h.log.InfoContext(ctx, "resource.read.miss", slog.String("uri", read.URI))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("resource not found: %s", read.URI), nil)
	}

	contents, err := def.Handler(ctx, read.URI)
	if err != nil {
		h.log.ErrorContext(ctx, "resource.read.fail", slog.String("uri", read.URI), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeHandlerError, err.Error(), nil)
	}
	if contents == nil {
		contents = []mcp.ResourceContents{}
	}
	h.log.InfoContext(ctx, "resource.read.ok", slog.String("uri", read.URI))
	return h.result(ctx, req, mcp.ReadResourceResult{Contents: contents})
}

func (h *Handler) handlePromptGet(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var get mcp.GetPromptRequest
	if err := json.Unmarshal(req.Params, &get); err != nil || get.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid prompt get params", nil)
	}

	def, ok := h.reg.Prompt(get.Name)
	if !ok {
		h.log.InfoContext(ctx, "prompt.get.miss", slog.String("name", get.Name))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("prompt not found: %s", get.Name), nil)
	}

	for _, arg := range def.Prompt.Arguments {
		if arg.Required {
			if _, present := get.Arguments[arg.Name]; !present {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("missing required argument: %s", arg.Name), nil)
			}
		}
	}

	msgs, err := def.Handler(ctx, get.Arguments)
	if err != nil {
		h.log.ErrorContext(ctx, "prompt.get.fail", slog.String("name", get.Name), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeHandlerError, err.Error(), nil)
	}

	h.log.InfoContext(ctx, "prompt.get.ok", slog.String("name", get.Name))
	return h.result(ctx, req, mcp.GetPromptResult{
		Description: def.Prompt.Description,
		Messages:    NormalizePromptMessages(msgs),
	})
}

func (h *Handler) handleSetLevel(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if h.level == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "logging capability not supported", nil)
	}
	var set mcp.SetLevelRequest
	if err := json.Unmarshal(req.Params, &set); err != nil || !mcp.IsValidLoggingLevel(set.Level) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid logging level", nil)
	}
	h.level.Set(slogLevel(set.Level))
	h.log.InfoContext(ctx, "logging.level.set", slog.String("level", string(set.Level)))
	return h.result(ctx, req, mcp.EmptyResult{})
}

// slogLevel maps MCP syslog severities onto slog's four levels.
func slogLevel(l mcp.LoggingLevel) slog.Level {
	switch l {
	case mcp.LoggingLevelDebug:
		return slog.LevelDebug
	case mcp.LoggingLevelInfo, mcp.LoggingLevelNotice:
		return slog.LevelInfo
	case mcp.LoggingLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// NormalizePromptMessages enforces the protocol's prompt message shape:
// unknown roles become assistant, missing or non-text content becomes an
// empty-typed text block. Malformed handler output must never reach a client
// as a protocol violation.
func NormalizePromptMessages(msgs []mcp.PromptMessage) []mcp.PromptMessage {
	out := make([]mcp.PromptMessage, 0, len(msgs))
	for _, m := range msgs {
		if !mcp.IsValidRole(m.Role) {
			m.Role = mcp.RoleAssistant
		}
		if m.Content.Type == "" {
			m.Content = mcp.ContentBlock{Type: "text", Text: m.Content.Text}
		}
		switch m.Content.Type {
		case "text", "image", "audio", "resource":
		default:
			m.Content = mcp.ContentBlock{Type: "text", Text: m.Content.Text}
		}
		out = append(out, m)
	}
	return out
}

func (h *Handler) result(ctx context.Context, req *jsonrpc.Request, v any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(req.ID, v)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.result.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return resp
}
