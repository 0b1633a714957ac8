package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zorz/ultra-ecp-sub000/internal/config"
	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
	"github.com/zorz/ultra-ecp-sub000/internal/middleware"
	"github.com/zorz/ultra-ecp-sub000/internal/registry"
	"github.com/zorz/ultra-ecp-sub000/internal/router"
)

// frame is a loosely-typed wire frame for assertions on raw bytes.
type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *ecp.Error      `json:"error"`
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := config.Default()
	cfg.Auth.Token = "sekrit"
	cfg.Auth.HandshakeTimeoutMs = 2000
	if mutate != nil {
		mutate(cfg)
	}

	reg := registry.New(nil, 8)
	rt := router.New(reg, middleware.NewChain(), nil)
	rt.SetLifecycle(router.LifecycleRunning)

	s := New(cfg, "0.9.0-test", reg, rt)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Stop(context.Background())
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ecp" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func send(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// authenticate walks a fresh connection through the full handshake and
// consumes the welcome notification.
func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	f := readFrame(t, conn)
	require.Equal(t, ecp.MethodAuthRequired, f.Method)

	send(t, conn, `{"jsonrpc":"2.0","id":1,"method":"auth/handshake","params":{"token":"sekrit"}}`)
	f = readFrame(t, conn)
	require.Nil(t, f.Error)

	f = readFrame(t, conn)
	require.Equal(t, ecp.MethodServerConnected, f.Method)
}

func TestAuthRequiredAnnouncement(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "")

	f := readFrame(t, conn)
	assert.Equal(t, ecp.MethodAuthRequired, f.Method)

	var params ecp.AuthRequiredParams
	require.NoError(t, json.Unmarshal(f.Params, &params))
	assert.Equal(t, "0.9.0-test", params.ServerVersion)
	assert.Equal(t, int64(2000), params.Timeout)
}

func TestHandshakeSuccess(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "")
	readFrame(t, conn) // auth/required

	send(t, conn, `{"jsonrpc":"2.0","id":7,"method":"auth/handshake","params":{"token":"sekrit","client":{"name":"editor","version":"1.2"}}}`)

	f := readFrame(t, conn)
	require.Nil(t, f.Error)
	assert.Equal(t, "7", string(f.ID), "id must be echoed verbatim")

	var result ecp.HandshakeResult
	require.NoError(t, json.Unmarshal(f.Result, &result))
	assert.NotEmpty(t, result.ClientID)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, "0.9.0-test", result.ServerVersion)

	f = readFrame(t, conn)
	assert.Equal(t, ecp.MethodServerConnected, f.Method)
}

func TestHandshakeInvalidTokenClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "")
	readFrame(t, conn) // auth/required

	send(t, conn, `{"jsonrpc":"2.0","id":1,"method":"auth/handshake","params":{"token":"wrong"}}`)

	f := readFrame(t, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, ecp.CodeInvalidToken, f.Error.Code)

	// Rejection is terminal: the server tears the connection down.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestRequestBeforeHandshakeRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "")
	readFrame(t, conn) // auth/required

	send(t, conn, `{"jsonrpc":"2.0","id":"pre-auth","method":"session/list"}`)

	f := readFrame(t, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, ecp.CodeNotAuthenticated, f.Error.Code)
	assert.Equal(t, `"pre-auth"`, string(f.ID))

	// The rejection is not terminal: a correct handshake on the same
	// connection still succeeds.
	send(t, conn, `{"jsonrpc":"2.0","id":2,"method":"auth/handshake","params":{"token":"sekrit"}}`)

	f = readFrame(t, conn)
	require.Nil(t, f.Error)
	assert.Equal(t, "2", string(f.ID))

	var result ecp.HandshakeResult
	require.NoError(t, json.Unmarshal(f.Result, &result))
	assert.NotEmpty(t, result.ClientID)

	f = readFrame(t, conn)
	assert.Equal(t, ecp.MethodServerConnected, f.Method)
}

func TestHandshakeTimeout(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.HandshakeTimeoutMs = 100
	})
	conn := dial(t, ts, "")
	readFrame(t, conn) // auth/required

	f := readFrame(t, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, ecp.CodeHandshakeTimeout, f.Error.Code)
	assert.Equal(t, "null", string(f.ID))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestNoAuthConfiguredSkipsHandshake(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Token = ""
	})
	conn := dial(t, ts, "")

	f := readFrame(t, conn)
	assert.Equal(t, ecp.MethodServerConnected, f.Method)
}

func TestLegacyQueryTokenAuthenticates(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.AllowLegacyToken = true
	})
	conn := dial(t, ts, "?token=sekrit")

	// No handshake needed; the welcome arrives directly.
	f := readFrame(t, conn)
	assert.Equal(t, ecp.MethodServerConnected, f.Method)
}

func TestLegacyQueryTokenRejectedWhenWrong(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.AllowLegacyToken = true
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ecp?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLegacyQueryTokenDisabledByDefault(t *testing.T) {
	_, ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ecp?token=sekrit"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestParseErrorResponse(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "")
	authenticate(t, conn)

	send(t, conn, `{not json`)

	f := readFrame(t, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, ecp.CodeParseError, f.Error.Code)
	assert.Equal(t, "null", string(f.ID))
}

func TestInvalidRequestFrame(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "")
	authenticate(t, conn)

	send(t, conn, `{"id":3,"method":"x/y"}`) // missing jsonrpc

	f := readFrame(t, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, ecp.CodeInvalidRequest, f.Error.Code)
	assert.Equal(t, "3", string(f.ID))
}

func TestStringAndIntIDsEchoedVerbatim(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "")
	authenticate(t, conn)

	// A numeric string must come back quoted, an integer bare.
	send(t, conn, `{"jsonrpc":"2.0","id":"42","method":"nope/nothing"}`)
	f := readFrame(t, conn)
	assert.Equal(t, `"42"`, string(f.ID))

	send(t, conn, `{"jsonrpc":"2.0","id":42,"method":"nope/nothing"}`)
	f = readFrame(t, conn)
	assert.Equal(t, "42", string(f.ID))
}

func TestRepeatedHandshakeRejected(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "")
	authenticate(t, conn)

	send(t, conn, `{"jsonrpc":"2.0","id":2,"method":"auth/handshake","params":{"token":"sekrit"}}`)

	f := readFrame(t, conn)
	require.NotNil(t, f.Error)
	assert.Equal(t, ecp.CodeInvalidRequest, f.Error.Code)
}

func TestWorkspaceOpenCloseOverWire(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dial(t, ts, "")
	authenticate(t, conn)
	dir := t.TempDir()

	send(t, conn, fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"workspace/open","params":{"path":%q}}`, dir))
	f := readFrame(t, conn)
	require.Nil(t, f.Error)

	var open ecp.WorkspaceOpenResult
	require.NoError(t, json.Unmarshal(f.Result, &open))
	assert.NotEmpty(t, open.WorkspaceID)

	send(t, conn, `{"jsonrpc":"2.0","id":2,"method":"workspace/close"}`)
	f = readFrame(t, conn)
	require.Nil(t, f.Error)

	var closed ecp.WorkspaceCloseResult
	require.NoError(t, json.Unmarshal(f.Result, &closed))
	assert.True(t, closed.WorkspaceClosed)
}

func TestDisconnectReleasesWorkspace(t *testing.T) {
	s, ts := newTestServer(t, nil)
	conn := dial(t, ts, "")
	authenticate(t, conn)
	dir := t.TempDir()

	send(t, conn, fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"workspace/open","params":{"path":%q}}`, dir))
	f := readFrame(t, conn)
	require.Nil(t, f.Error)
	require.Equal(t, 1, s.registry.Count())

	conn.Close()

	require.Eventually(t, func() bool {
		return s.registry.Count() == 0
	}, 5*time.Second, 20*time.Millisecond, "workspace must be released on disconnect")
}

func TestConnectionLimit(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxConnections = 1
	})

	conn := dial(t, ts, "")
	readFrame(t, conn) // connection established and counted

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ecp"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Clients)
}

func TestGlobalBroadcastReachesAuthenticatedClients(t *testing.T) {
	s, ts := newTestServer(t, nil)

	authed := dial(t, ts, "")
	authenticate(t, authed)

	pending := dial(t, ts, "")
	readFrame(t, pending) // auth/required, then stays pending

	s.Notifier().Publish(ecp.NewNotification("server/announce", map[string]string{"msg": "hi"}))

	f := readFrame(t, authed)
	assert.Equal(t, "server/announce", f.Method)

	// The pending connection must not receive it.
	require.NoError(t, pending.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := pending.ReadMessage()
	assert.Error(t, err, "unauthenticated connection must not see broadcasts")
}
