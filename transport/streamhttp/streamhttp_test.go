package streamhttp

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firebirdmcp/firebird-mcp-go/internal/jsonrpc"
	"github.com/firebirdmcp/firebird-mcp-go/mcp"
	"github.com/firebirdmcp/firebird-mcp-go/protocol"
	"github.com/firebirdmcp/firebird-mcp-go/registry"
	"github.com/firebirdmcp/firebird-mcp-go/sessions"
)

type pingArgs struct{}

func testProto(t *testing.T) *protocol.Handler {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterTool(registry.NewTool("ping", func(ctx context.Context, _ pingArgs) (*registry.Result, error) {
		return registry.Text("pong"), nil
	})))
	return protocol.New(reg, mcp.ImplementationInfo{Name: "test", Version: "0"})
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"t","version":"0"}}}`

func post(t *testing.T, url, sessID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if sessID != "" {
		req.Header.Set(SessionIDHeader, sessID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeRPC(t *testing.T, resp *http.Response) *jsonrpc.Response {
	t.Helper()
	defer resp.Body.Close()
	var out jsonrpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return &out
}

func initialize(t *testing.T, url string) string {
	t.Helper()
	resp := post(t, url, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessID := resp.Header.Get(SessionIDHeader)
	require.NotEmpty(t, sessID)
	rpc := decodeRPC(t, resp)
	require.Nil(t, rpc.Error)
	return sessID
}

func TestStatefulHandshake(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateful)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID := initialize(t, srv.URL)

	resp := post(t, srv.URL, sessID, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ping","arguments":{}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessID, resp.Header.Get(SessionIDHeader))

	rpc := decodeRPC(t, resp)
	require.Nil(t, rpc.Error)
	var res mcp.CallToolResult
	require.NoError(t, json.Unmarshal(rpc.Result, &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "pong", res.Content[0].Text)
}

func TestFailedInitializeMintsNoSession(t *testing.T) {
	store := sessions.NewStore()
	h := New(testProto(t), store, ModeStateful)
	srv := httptest.NewServer(h)
	defer srv.Close()

	// protocolVersion must be a string; the rejected handshake must not hand
	// out a session id or leave a session in the store.
	resp := post(t, srv.URL, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":123}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(SessionIDHeader))

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidParams, rpc.Error.Code)
	assert.Equal(t, 0, store.Active())

	// An id guessed off a failed handshake is worthless.
	resp = post(t, srv.URL, "some-guessed-id", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestStatefulMissingHeaderRejected(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateful)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := post(t, srv.URL, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidSession, rpc.Error.Code)
}

func TestStatefulUnknownSession(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateful)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := post(t, srv.URL, "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeSessionNotFound, rpc.Error.Code)
}

func TestStatefulRedundantInitialize(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateful)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID := initialize(t, srv.URL)

	resp := post(t, srv.URL, sessID, initializeBody)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidRequest, rpc.Error.Code)
}

func TestDeleteTerminatesSession(t *testing.T) {
	store := sessions.NewStore()
	h := New(testProto(t), store, ModeStateful)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID := initialize(t, srv.URL)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(SessionIDHeader, sessID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// A terminated id behaves like it never existed.
	resp = post(t, srv.URL, sessID, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 0, store.Active())
}

func TestStatelessSelfContainedRequests(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateless)
	srv := httptest.NewServer(h)
	defer srv.Close()

	// No handshake, no header; every POST stands alone.
	resp := post(t, srv.URL, "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(SessionIDHeader))

	rpc := decodeRPC(t, resp)
	assert.Nil(t, rpc.Error)
}

func TestStatelessRejectsGetAndDelete(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateless)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err = http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPostRejectsBatchArrays(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateless)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := post(t, srv.URL, "", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidRequest, rpc.Error.Code)
}

func TestPostMalformedBody(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateless)
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := post(t, srv.URL, "", "{broken")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeParseError, rpc.Error.Code)
}

func TestPostRequiresJSONContentType(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateless)
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	resp.Body.Close()
}

func TestStatefulNotificationAccepted(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateful)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID := initialize(t, srv.URL)

	resp := post(t, srv.URL, sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
}

func TestGetOpensPushStream(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateful, WithHeartbeatInterval(20*time.Millisecond))
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID := initialize(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, sessID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	deadline := time.AfterFunc(5*time.Second, cancel)
	defer deadline.Stop()

	scanner := bufio.NewScanner(resp.Body)
	notified := false
	for scanner.Scan() {
		line := scanner.Text()
		// The first heartbeat proves the push stream is registered; only then
		// can a server-initiated notification be delivered.
		if !notified && strings.HasPrefix(line, ":") {
			require.NoError(t, h.Notify(sessID, "notifications/tools/list_changed", nil))
			notified = true
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, "notifications/tools/list_changed")
			return
		}
	}
	t.Fatal("no pushed event received")
}

func TestGetRequiresEventStreamAccept(t *testing.T) {
	h := New(testProto(t), sessions.NewStore(), ModeStateful)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID := initialize(t, srv.URL)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SessionIDHeader, sessID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}
