package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabrelay/tabrelay/internal/common/config"
	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/db"
	"github.com/tabrelay/tabrelay/internal/driver"
	"github.com/tabrelay/tabrelay/internal/driver/mock"
	"github.com/tabrelay/tabrelay/internal/events/bus"
	"github.com/tabrelay/tabrelay/internal/session"
	"github.com/tabrelay/tabrelay/internal/store"
	"github.com/tabrelay/tabrelay/pkg/wire"
)

const testOrigin = "chrome-extension://abcdefghijklmnop"

type testEnv struct {
	cfg     *config.Config
	store   *store.Store
	manager *session.Manager
	gateway *Gateway
	server  *httptest.Server
	drv     *mock.Driver
}

func newEnv(t *testing.T, steps ...mock.Step) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Server:  config.ServerConfig{BindHost: "127.0.0.1", Port: 0, MaxConnections: 4},
		Project: config.ProjectConfig{Path: t.TempDir()},
		Session: config.SessionConfig{
			DefaultPermissionMode: "plan",
			IdleLimitMinutes:      30,
			IdleGraceMinutes:      30,
			ResumeWindowHours:     24,
		},
		Keepalive: config.KeepaliveConfig{PingIntervalSeconds: 30, PingMissLimit: 2},
		Permission: config.PermissionConfig{
			ToolTimeoutSeconds:     1,
			PlanTimeoutSeconds:     1,
			QuestionTimeoutSeconds: 1,
		},
	}

	pool, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	st, err := store.New(pool, cfg.StateDir(), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	drv := mock.New(steps...)
	eventBus := bus.NewMemoryEventBus(logger.Default())
	manager, err := session.NewManager(cfg, st, eventBus, func() (driver.Driver, error) {
		return drv, nil
	}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	gw := New(cfg, manager, st, eventBus, logger.Default())
	engine := gin.New()
	gw.Register(engine)

	server := httptest.NewServer(engine)
	t.Cleanup(server.Close)

	return &testEnv{cfg: cfg, store: st, manager: manager, gateway: gw, server: server, drv: drv}
}

func (e *testEnv) dial(t *testing.T, origin string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := gorillaws.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *gorillaws.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// readFrame reads the next non-ping frame.
func readFrame(t *testing.T, conn *gorillaws.Conn) map[string]interface{} {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal(payload, &frame))
		if frame["type"] == "ping" {
			continue
		}
		return frame
	}
}

// expectClose asserts the connection closes with the given code.
func expectClose(t *testing.T, conn *gorillaws.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*gorillaws.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func doHandshake(t *testing.T, conn *gorillaws.Conn, tabID string) map[string]interface{} {
	t.Helper()
	sendJSON(t, conn, &wire.Handshake{
		Type:           wire.TypeHandshake,
		PermissionMode: wire.ModePlan,
		PageURL:        "https://app.example.com/page",
		TabID:          tabID,
	})
	ack := readFrame(t, conn)
	require.Equal(t, "handshake_ack", ack["type"])
	return ack
}

func TestHandshakeAndChatRoundtrip(t *testing.T) {
	env := newEnv(t, mock.Text("hello "), mock.Text("there"), mock.Result())
	conn := env.dial(t, testOrigin)

	ack := doHandshake(t, conn, "tab-1")
	assert.NotEmpty(t, ack["session_id"])
	assert.Equal(t, false, ack["resumed"])

	sendJSON(t, conn, &wire.Chat{Type: wire.TypeChat, Message: "hi"})

	var sawStarted bool
	var text string
	for {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "stream_control":
			switch frame["action"] {
			case "started":
				sawStarted = true
			case "completed":
				assert.True(t, sawStarted)
				assert.Equal(t, "hello there", text)
				return
			}
		case "response_chunk":
			if content, ok := frame["content"].(string); ok {
				text += content
			}
		}
	}
}

func TestOriginRejected(t *testing.T) {
	env := newEnv(t)
	conn := env.dial(t, "https://evil.example.com")
	expectClose(t, conn, wire.CloseOriginRejected)
}

func TestDebugRelaxesOriginCheck(t *testing.T) {
	env := newEnv(t)
	env.cfg.Debug = true
	conn := env.dial(t, "")
	doHandshake(t, conn, "tab-dbg")
}

func TestFirstFrameMustBeHandshake(t *testing.T) {
	env := newEnv(t)
	conn := env.dial(t, testOrigin)
	sendJSON(t, conn, &wire.Chat{Type: wire.TypeChat, Message: "no handshake"})
	expectClose(t, conn, wire.CloseProtocolError)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	env := newEnv(t)
	conn := env.dial(t, testOrigin)
	doHandshake(t, conn, "tab-1")

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("{not json")))
	expectClose(t, conn, wire.CloseProtocolError)
}

func TestUnknownFrameTypeKeepsConnection(t *testing.T) {
	env := newEnv(t)
	conn := env.dial(t, testOrigin)
	doHandshake(t, conn, "tab-1")

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"telemetry"}`)))

	// The frame is ignored; a second handshake on the same connection still
	// draws the protocol error, proving the connection survived.
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte(`{"type":"handshake","tab_id":"tab-1","page_url":"https://app.example.com/"}`)))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, wire.ErrorCodeProtocolError, frame["code"])
}

func TestConnectionCapacity(t *testing.T) {
	env := newEnv(t)
	env.cfg.Server.MaxConnections = 1

	first := env.dial(t, testOrigin)
	doHandshake(t, first, "tab-1")

	second := env.dial(t, testOrigin)
	expectClose(t, second, wire.CloseCapacityExceeded)
}

func TestKeepalivePingAndPong(t *testing.T) {
	env := newEnv(t)
	env.cfg.Keepalive.PingIntervalSeconds = 1
	env.cfg.Keepalive.PingMissLimit = 2

	conn := env.dial(t, testOrigin)
	doHandshake(t, conn, "tab-1")

	// The relay pings at the configured interval.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &frame))
	assert.Equal(t, "ping", frame["type"])

	sendJSON(t, conn, &wire.Pong{Type: wire.TypePong})
}

func TestMissedPingsCloseConnection(t *testing.T) {
	env := newEnv(t)
	env.cfg.Keepalive.PingIntervalSeconds = 1
	env.cfg.Keepalive.PingMissLimit = 1

	conn := env.dial(t, testOrigin)
	doHandshake(t, conn, "tab-1")

	// Never answer the pings; the relay gives up after the miss limit.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
	}
}

func TestRebindAfterReconnect(t *testing.T) {
	env := newEnv(t, mock.Text("hi"), mock.Result())

	first := env.dial(t, testOrigin)
	ack1 := doHandshake(t, first, "tab-1")
	require.NoError(t, first.Close())

	second := env.dial(t, testOrigin)
	ack2 := doHandshake(t, second, "tab-1")
	assert.Equal(t, ack1["session_id"], ack2["session_id"])
	assert.Equal(t, true, ack2["resumed"])
}

func TestHealthEndpoint(t *testing.T) {
	env := newEnv(t)
	conn := env.dial(t, testOrigin)
	doHandshake(t, conn, "tab-1")

	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["active_sessions"])
	assert.Equal(t, float64(1), body["active_connections"])
}

func TestSessionsAndMessagesEndpoints(t *testing.T) {
	env := newEnv(t, mock.Text("answer"), mock.Result())
	conn := env.dial(t, testOrigin)
	ack := doHandshake(t, conn, "tab-1")
	sessionID := ack["session_id"].(string)

	sendJSON(t, conn, &wire.Chat{Type: wire.TypeChat, Message: "question"})
	for {
		frame := readFrame(t, conn)
		if frame["type"] == "stream_control" && frame["action"] == "completed" {
			break
		}
	}

	resp, err := http.Get(env.server.URL + "/sessions")
	require.NoError(t, err)
	var listing struct {
		Sessions []*store.SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	_ = resp.Body.Close()
	require.Len(t, listing.Sessions, 1)
	assert.Equal(t, sessionID, listing.Sessions[0].SessionID)
	assert.Equal(t, "question", listing.Sessions[0].Title)

	resp, err = http.Get(env.server.URL + "/sessions/" + sessionID + "/messages")
	require.NoError(t, err)
	var transcript struct {
		Messages []*store.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&transcript))
	_ = resp.Body.Close()
	require.Len(t, transcript.Messages, 2)
	assert.Equal(t, store.RoleUser, transcript.Messages[0].Role)

	resp, err = http.Get(env.server.URL + "/sessions/nope/messages")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSwitchConversationEndpoint(t *testing.T) {
	env := newEnv(t, mock.Text("hi"), mock.Result())
	conn := env.dial(t, testOrigin)
	ack := doHandshake(t, conn, "tab-1")
	sessionID := ack["session_id"].(string)

	body, _ := json.Marshal(map[string]string{"target_agent_conversation_id": "conv-42"})
	resp, err := http.Post(env.server.URL+"/api/v1/sessions/"+sessionID+"/switch-sdk-session",
		"application/json", bytes.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sess, ok := env.manager.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, "conv-42", sess.ConversationID())

	resp, err = http.Post(env.server.URL+"/api/v1/sessions/unknown/switch-sdk-session",
		"application/json", bytes.NewReader(body))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
