package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
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

// openStream connects to /sse and returns the session id announced in the
// endpoint event, plus a closer for the stream.
func openStream(t *testing.T, baseURL string) (string, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	closer := func() {
		cancel()
		resp.Body.Close()
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload struct {
			SessionID string `json:"sessionId"`
			PostURL   string `json:"postUrl"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload))
		require.NotEmpty(t, payload.SessionID)
		require.Contains(t, payload.PostURL, payload.SessionID)
		return payload.SessionID, closer
	}
	closer()
	t.Fatal("no endpoint event received")
	return "", nil
}

func postMessage(t *testing.T, baseURL, sessID, contentType, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(baseURL+"/messages?sessionId="+sessID, contentType, strings.NewReader(body))
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

func TestMessageRoundTrip(t *testing.T) {
	h := New(testProto(t), sessions.NewStore())
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID, closeStream := openStream(t, srv.URL)
	defer closeStream()

	resp := postMessage(t, srv.URL, sessID, "application/json",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ping","arguments":{}}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.Nil(t, rpc.Error)
	var res mcp.CallToolResult
	require.NoError(t, json.Unmarshal(rpc.Result, &res))
	require.Len(t, res.Content, 1)
	assert.Equal(t, "pong", res.Content[0].Text)
}

func TestMessageTextPlainParity(t *testing.T) {
	h := New(testProto(t), sessions.NewStore())
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID, closeStream := openStream(t, srv.URL)
	defer closeStream()

	// Identical payload declared as text/plain must behave exactly like JSON.
	resp := postMessage(t, srv.URL, sessID, "text/plain",
		`{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	assert.Nil(t, rpc.Error)
	assert.Equal(t, "7", rpc.ID.String())
}

func TestMessageFormEncoded(t *testing.T) {
	h := New(testProto(t), sessions.NewStore())
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID, closeStream := openStream(t, srv.URL)
	defer closeStream()

	form := url.Values{"message": {`{"jsonrpc":"2.0","id":8,"method":"ping"}`}}.Encode()
	resp := postMessage(t, srv.URL, sessID, "application/x-www-form-urlencoded", form)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	assert.Nil(t, rpc.Error)
	assert.Equal(t, "8", rpc.ID.String())
}

func TestMessageMissingSessionID(t *testing.T) {
	h := New(testProto(t), sessions.NewStore())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/messages", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidSession, rpc.Error.Code)
}

func TestMessageUnknownSessionNeverRevives(t *testing.T) {
	h := New(testProto(t), sessions.NewStore())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp := postMessage(t, srv.URL, "expired-session-id", "application/json",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeSessionNotFound, rpc.Error.Code)

	// Posting again must hit the same wall; the miss does not recreate it.
	resp = postMessage(t, srv.URL, "expired-session-id", "application/json",
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestMessageEmptyBody(t *testing.T) {
	h := New(testProto(t), sessions.NewStore())
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID, closeStream := openStream(t, srv.URL)
	defer closeStream()

	resp := postMessage(t, srv.URL, sessID, "application/json", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeInvalidRequest, rpc.Error.Code)
}

func TestMessageMalformedJSON(t *testing.T) {
	h := New(testProto(t), sessions.NewStore())
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID, closeStream := openStream(t, srv.URL)
	defer closeStream()

	resp := postMessage(t, srv.URL, sessID, "application/json", "{not json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeParseError, rpc.Error.Code)
}

func TestStreamDisconnectRemovesSession(t *testing.T) {
	store := sessions.NewStore()
	h := New(testProto(t), store)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID, closeStream := openStream(t, srv.URL)
	require.Equal(t, 1, store.Active())

	closeStream()

	require.Eventually(t, func() bool {
		_, err := store.Get(sessID)
		return err != nil && h.ActiveStreams() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestIdleSessionExpiryRejectsLatePost(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := sessions.NewStore(sessions.WithClock(clock), sessions.WithIdleTimeout(time.Minute))
	h := New(testProto(t), store)
	srv := httptest.NewServer(h)
	defer srv.Close()

	sessID, closeStream := openStream(t, srv.URL)
	defer closeStream()

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, store.Sweep())

	// The expired id must be refused and must not come back to life.
	resp := postMessage(t, srv.URL, sessID, "application/json",
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	rpc := decodeRPC(t, resp)
	require.NotNil(t, rpc.Error)
	assert.Equal(t, jsonrpc.ErrorCodeSessionNotFound, rpc.Error.Code)
	assert.Equal(t, 0, store.Active())
}

// failingStreamWriter fails its first write and records everything after,
// standing in for a connection that breaks right as the stream opens.
type failingStreamWriter struct {
	mu       sync.Mutex
	header   http.Header
	statuses []int
	buf      bytes.Buffer
	failed   bool
}

func newFailingStreamWriter() *failingStreamWriter {
	return &failingStreamWriter{header: make(http.Header)}
}

func (w *failingStreamWriter) Header() http.Header { return w.header }

func (w *failingStreamWriter) WriteHeader(code int) {
	w.mu.Lock()
	w.statuses = append(w.statuses, code)
	w.mu.Unlock()
}

func (w *failingStreamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.failed {
		w.failed = true
		return 0, errors.New("write: broken pipe")
	}
	return w.buf.Write(p)
}

func (w *failingStreamWriter) Flush() {}

func (w *failingStreamWriter) contents() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *failingStreamWriter) statusCalls() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int(nil), w.statuses...)
}

func TestEndpointWriteFailureDegradesStream(t *testing.T) {
	store := sessions.NewStore()
	h := New(testProto(t), store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/sse", nil).WithContext(ctx)
	w := newFailingStreamWriter()

	done := make(chan struct{})
	go func() {
		h.HandleSSE(w, req)
		close(done)
	}()

	// The failed endpoint event surfaces as an in-band error event on the
	// already-committed stream.
	require.Eventually(t, func() bool {
		return strings.Contains(w.contents(), "event: error")
	}, 2*time.Second, 10*time.Millisecond)

	body := w.contents()
	assert.Contains(t, body, `"code":-32603`)
	assert.NotContains(t, body, "event: endpoint")

	// Headers were committed exactly once; degrading never re-sends a status.
	assert.Equal(t, []int{http.StatusOK}, w.statusCalls())

	cancel()
	<-done
	assert.Equal(t, 0, store.Active())
}

func TestHealthEndpoint(t *testing.T) {
	h := New(testProto(t), sessions.NewStore())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Contains(t, health, "activeSessions")
	assert.Contains(t, health, "uptime")
}
