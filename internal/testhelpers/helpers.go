// Package testhelpers provides common utilities for end-to-end tests of the
// roomchat server: a fully wired server on httptest, websocket dialing and
// event assertions over the {"event","data"} wire format.
package testhelpers

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/roomchat/internal/dispatch"
	"github.com/Tyrowin/roomchat/internal/messagelog"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/protocol"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultOrigin is the origin the helpers dial with.
const DefaultOrigin = "http://localhost:8080"

// ChatServer is a complete roomchat stack served by httptest.
type ChatServer struct {
	HTTP     *httptest.Server
	Server   *server.Server
	Hub      *dispatch.Hub
	Registry *presence.Registry
	Log      messagelog.Log
}

// StartChatServer wires registry, hub, coordinator and router over an
// in-memory log and serves them. customize may adjust the config first.
// Everything is torn down with t.Cleanup.
func StartChatServer(t *testing.T, customize func(cfg *server.Config)) *ChatServer {
	t.Helper()

	cfg := server.NewConfig()
	if customize != nil {
		customize(cfg)
	}

	logger := zerolog.Nop()
	log := messagelog.NewMemoryLog(cfg.MessageLog.Retention)
	registry := presence.NewRegistry()
	directory := presence.NewDirectory(registry)
	hub := dispatch.NewHub(directory, logger)
	coordinator := session.New(registry, directory, hub, log, logger,
		session.WithHistoryLimit(cfg.HistoryLimit))

	srv := server.New(*cfg, server.Deps{
		Hub:       hub,
		Sessions:  coordinator,
		Directory: directory,
		History:   log,
		Logger:    logger,
	})
	httpServer := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		httpServer.Close()
		_ = log.Close()
	})

	return &ChatServer{
		HTTP:     httpServer,
		Server:   srv,
		Hub:      hub,
		Registry: registry,
		Log:      log,
	}
}

// WebSocketURL returns the ws:// address of the /ws endpoint.
func (c *ChatServer) WebSocketURL() string {
	return "ws" + strings.TrimPrefix(c.HTTP.URL, "http") + "/ws"
}

// Connect dials the server's websocket endpoint with DefaultOrigin.
func (c *ChatServer) Connect(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, err := ConnectWebSocket(c.WebSocketURL(), DefaultOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// WaitForConnections blocks until the hub holds n connections.
func (c *ChatServer) WaitForConnections(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Hub.Len() == n }, 2*time.Second, 10*time.Millisecond,
		"expected %d registered connections", n)
}

// ConnectWebSocket creates a WebSocket connection to url sending origin as
// the Origin header when non-empty.
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MakeRequest creates and executes an HTTP request, returning the response.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DecodeJSON decodes the response body into v.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	assert.Equal(t, expected, resp.StatusCode, "unexpected status code")
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	assert.Equal(t, expected, resp.Header.Get("Content-Type"), "unexpected content type")
}

// SendEvent writes one {"event","data"} frame. A nil data omits the field.
func SendEvent(conn *websocket.Conn, event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Join sends a join event.
func Join(t *testing.T, conn *websocket.Conn, name, room string) {
	t.Helper()
	require.NoError(t, SendEvent(conn, protocol.EventJoin, protocol.JoinRequest{Name: name, Room: room}))
}

// ReadEvent reads the next frame within timeout.
func ReadEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.Decode(raw)
	require.NoError(t, err, "frame %q is not an event envelope", raw)
	return env
}

// ExpectEvent reads the next frame and requires it to carry event. When v
// is non-nil the payload is decoded into it.
func ExpectEvent(t *testing.T, conn *websocket.Conn, event string, v any) protocol.Envelope {
	t.Helper()
	env := ReadEvent(t, conn, 2*time.Second)
	require.Equal(t, event, env.Event, "unexpected event with data %s", env.Data)
	if v != nil {
		require.NoError(t, protocol.DecodeData(env, v))
	}
	return env
}

// ExpectChat reads the next frame and requires a message event with the
// given author and text.
func ExpectChat(t *testing.T, conn *websocket.Conn, author, text string) protocol.ChatMessage {
	t.Helper()
	var msg protocol.ChatMessage
	ExpectEvent(t, conn, protocol.EventMessage, &msg)
	assert.Equal(t, author, msg.Author)
	assert.Equal(t, text, msg.Text)
	return msg
}

// ExpectUsers reads the next frame and requires a users event naming
// exactly names, in any order.
func ExpectUsers(t *testing.T, conn *websocket.Conn, names ...string) {
	t.Helper()
	var got []string
	ExpectEvent(t, conn, protocol.EventUsers, &got)
	assert.ElementsMatch(t, names, got)
}

// ExpectJoined consumes the welcome, history and roster frames a joining
// connection receives and returns the history.
func ExpectJoined(t *testing.T, conn *websocket.Conn, room string, roster ...string) []protocol.ChatMessage {
	t.Helper()
	ExpectChat(t, conn, protocol.AdminAuthor, "Welcome to the "+room+" room!")
	var history []protocol.ChatMessage
	ExpectEvent(t, conn, protocol.EventPreviousMessages, &history)
	ExpectUsers(t, conn, roster...)
	return history
}

// ExpectNoEvent requires that nothing arrives within timeout. The
// connection cannot be read from afterwards.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no event, received %s", raw)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of event: %v", err)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
