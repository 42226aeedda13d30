package protocol

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firebirdmcp/firebird-mcp-go/internal/jsonrpc"
	"github.com/firebirdmcp/firebird-mcp-go/mcp"
	"github.com/firebirdmcp/firebird-mcp-go/registry"
)

type echoArgs struct {
	Message string `json:"message"`
}

func testHandler(t *testing.T, opts ...Option) *Handler {
	t.Helper()
	reg := registry.New()

	require.NoError(t, reg.RegisterTool(registry.NewTool("echo", func(ctx context.Context, args echoArgs) (*registry.Result, error) {
		return registry.Text(args.Message), nil
	})))
	require.NoError(t, reg.RegisterTool(registry.NewTool("always-fails", func(ctx context.Context, _ echoArgs) (*registry.Result, error) {
		return registry.Failf("boom: %s", "it broke"), nil
	})))
	require.NoError(t, reg.RegisterTool(registry.NewTool("panics", func(ctx context.Context, _ echoArgs) (*registry.Result, error) {
		panic("handler bug")
	})))

	require.NoError(t, reg.RegisterResource(registry.ResourceDef{
		Resource: mcp.Resource{URI: "test://thing", Name: "Thing"},
		Handler: func(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{{URI: uri, MimeType: "text/plain", Text: "contents"}}, nil
		},
	}))

	require.NoError(t, reg.RegisterPrompt(registry.PromptDef{
		Prompt: mcp.Prompt{
			Name:      "greet",
			Arguments: []mcp.PromptArgument{{Name: "who", Required: true}},
		},
		Handler: func(ctx context.Context, args map[string]string) ([]mcp.PromptMessage, error) {
			return []mcp.PromptMessage{{
				Role:    mcp.RoleUser,
				Content: mcp.ContentBlock{Type: "text", Text: "hello " + args["who"]},
			}}, nil
		},
	}))

	return New(reg, mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"}, opts...)
}

func callTool(t *testing.T, h *Handler, name string, args any) *jsonrpc.Response {
	t.Helper()
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	require.NoError(t, err)
	return h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ToolsCallMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(int64(1)),
	})
}

func TestHandleToolCallOk(t *testing.T) {
	h := testHandler(t)

	resp := callTool(t, h, "echo", map[string]any{"message": "hi"})
	require.Nil(t, resp.Error)

	var res mcp.CallToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "hi", res.Content[0].Text)
	assert.Equal(t, "1", resp.ID.String())
}

func TestHandleToolCallFailureBecomesError(t *testing.T) {
	h := testHandler(t)

	resp := callTool(t, h, "always-fails", map[string]any{"message": "x"})

	// A failure-marked result must surface as a protocol error, never a
	// success-shaped result.
	require.NotNil(t, resp.Error)
	assert.Empty(t, resp.Result)
	assert.Equal(t, jsonrpc.ErrorCodeHandlerError, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "boom")
}

func TestHandleToolCallPanicRecovered(t *testing.T) {
	h := testHandler(t)

	resp := callTool(t, h, "panics", map[string]any{"message": "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeHandlerError, resp.Error.Code)
}

func TestHandleToolCallUnknownTool(t *testing.T) {
	h := testHandler(t)

	resp := callTool(t, h, "ghost", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, resp.Error.Code)
}

func TestHandleToolCallInvalidArguments(t *testing.T) {
	h := testHandler(t)

	resp := callTool(t, h, "echo", map[string]any{"message": 42})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, resp.Error.Code)
}

func TestHandleUnknownMethod(t *testing.T) {
	h := testHandler(t)

	resp := h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         "bogus/method",
		ID:             jsonrpc.NewRequestID("r1"),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "r1", resp.ID.String())
}

func TestHandleNotificationReturnsNil(t *testing.T) {
	h := testHandler(t)

	resp := h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializedNotificationMethod),
	})
	assert.Nil(t, resp)
}

func TestHandleInitializeAdvertisesCapabilities(t *testing.T) {
	level := new(slog.LevelVar)
	h := testHandler(t, WithLogLevelVar(level), WithInstructions("use echo"))

	params, _ := json.Marshal(mcp.InitializeRequest{
		ProtocolVersion: "2024-11-05",
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0"},
	})
	resp := h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(int64(1)),
	})
	require.Nil(t, resp.Error)

	var res mcp.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Equal(t, "2024-11-05", res.ProtocolVersion)
	assert.NotNil(t, res.Capabilities.Tools)
	assert.NotNil(t, res.Capabilities.Resources)
	assert.NotNil(t, res.Capabilities.Prompts)
	assert.NotNil(t, res.Capabilities.Logging)
	assert.Equal(t, "test-server", res.ServerInfo.Name)
	assert.Equal(t, "use echo", res.Instructions)
}

func TestHandleInitializeUnknownVersionFallsBack(t *testing.T) {
	h := testHandler(t)

	params, _ := json.Marshal(mcp.InitializeRequest{ProtocolVersion: "1999-01-01"})
	resp := h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.InitializeMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(int64(1)),
	})
	require.Nil(t, resp.Error)

	var res mcp.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	assert.Equal(t, mcp.LatestProtocolVersion, res.ProtocolVersion)
}

func TestHandleResourceRead(t *testing.T) {
	h := testHandler(t)

	params, _ := json.Marshal(mcp.ReadResourceRequest{URI: "test://thing"})
	resp := h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ResourcesReadMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(int64(2)),
	})
	require.Nil(t, resp.Error)

	var res mcp.ReadResourceResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "contents", res.Contents[0].Text)
}

func TestHandleResourceReadUnknownURI(t *testing.T) {
	h := testHandler(t)

	params, _ := json.Marshal(mcp.ReadResourceRequest{URI: "test://missing"})
	resp := h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.ResourcesReadMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(int64(2)),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, resp.Error.Code)
}

func TestHandlePromptGetMissingRequiredArgument(t *testing.T) {
	h := testHandler(t)

	params, _ := json.Marshal(mcp.GetPromptRequest{Name: "greet"})
	resp := h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.PromptsGetMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(int64(3)),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, resp.Error.Code)
}

func TestHandlePromptGetOk(t *testing.T) {
	h := testHandler(t)

	params, _ := json.Marshal(mcp.GetPromptRequest{Name: "greet", Arguments: map[string]string{"who": "world"}})
	resp := h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.PromptsGetMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(int64(3)),
	})
	require.Nil(t, resp.Error)

	var res mcp.GetPromptResult
	require.NoError(t, json.Unmarshal(resp.Result, &res))
	require.Len(t, res.Messages, 1)
	assert.Equal(t, mcp.RoleUser, res.Messages[0].Role)
	assert.Equal(t, "hello world", res.Messages[0].Content.Text)
}

func TestHandleSetLevel(t *testing.T) {
	level := new(slog.LevelVar)
	h := testHandler(t, WithLogLevelVar(level))

	params, _ := json.Marshal(mcp.SetLevelRequest{Level: mcp.LoggingLevelDebug})
	resp := h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.LoggingSetLevelMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(int64(4)),
	})
	require.Nil(t, resp.Error)
	assert.Equal(t, slog.LevelDebug, level.Level())
}

func TestHandleSetLevelWithoutCapability(t *testing.T) {
	h := testHandler(t)

	params, _ := json.Marshal(mcp.SetLevelRequest{Level: mcp.LoggingLevelDebug})
	resp := h.Handle(context.Background(), &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(mcp.LoggingSetLevelMethod),
		Params:         params,
		ID:             jsonrpc.NewRequestID(int64(4)),
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, resp.Error.Code)
}

func TestNormalizePromptMessages(t *testing.T) {
	msgs := NormalizePromptMessages([]mcp.PromptMessage{
		{Role: "narrator", Content: mcp.ContentBlock{Type: "text", Text: "once upon a time"}},
		{Role: mcp.RoleUser, Content: mcp.ContentBlock{Type: "hologram", Text: "beam"}},
	})

	require.Len(t, msgs, 2)
	assert.Equal(t, mcp.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "text", msgs[1].Content.Type)
	assert.Equal(t, "beam", msgs[1].Content.Text)
}
