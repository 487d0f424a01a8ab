// Package testhelpers provides common utilities for testing the nexushub server.
//
// It starts fully wired servers on httptest listeners, claims identities on
// behalf of simulated addresses and speaks the event envelope protocol over
// WebSocket connections.
package testhelpers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/channels"
	"github.com/Tyrowin/nexushub/internal/chatlog"
	"github.com/Tyrowin/nexushub/internal/identity"
	"github.com/Tyrowin/nexushub/internal/moderation"
	"github.com/Tyrowin/nexushub/internal/server"
	"github.com/Tyrowin/nexushub/internal/stats"
)

// DefaultTimeout bounds every read performed by the helpers.
const DefaultTimeout = 2 * time.Second

// Env is a running server plus the stores behind it.
type Env struct {
	HTTP     *httptest.Server
	Server   *server.Server
	Registry *identity.Registry
	Chat     *chatlog.Store
	Channels *channels.Store
	Config   server.Config

	shutdown bool
}

// Options customise StartServer.
type Options struct {
	// DataDir enables persistence; empty keeps every store in memory.
	DataDir string
	// Filter defaults to a filter that rejects the word "darn".
	Filter    moderation.Filter
	Customize func(cfg *server.Config)
}

// BlockedWord is rejected by the default test filter.
const BlockedWord = "darn"

// StartServer wires stores, server and listener. Addresses are taken from
// the X-Real-IP header so one test can act as several hosts.
func StartServer(t *testing.T, opts Options) *Env {
	t.Helper()

	env := &Env{}
	env.HTTP = httptest.NewUnstartedServer(nil)

	cfg := server.NewConfig()
	cfg.TrustProxy = true
	cfg.AllowedOrigins = []string{"http://" + env.HTTP.Listener.Addr().String()}
	cfg.DataDir = opts.DataDir
	cfg.StatsInterval = 50 * time.Millisecond
	cfg.ConnectLimit = server.ConnectLimitConfig{Rate: 1000, Burst: 1000}
	if opts.Customize != nil {
		opts.Customize(cfg)
	}
	env.Config = *cfg

	logger := zerolog.Nop()
	var err error
	env.Registry, err = identity.Open(cfg.UsersPath(), logger)
	if err != nil {
		t.Fatalf("Failed to open registry: %v", err)
	}
	env.Chat, err = chatlog.Open(chatlog.Options{Path: cfg.ChatLogPath(), Window: cfg.ChatWindow, Logger: logger})
	if err != nil {
		t.Fatalf("Failed to open chat log: %v", err)
	}
	env.Channels, err = channels.Open(env.Registry, channels.Options{Path: cfg.ChannelsPath(), Logger: logger})
	if err != nil {
		t.Fatalf("Failed to open channels: %v", err)
	}

	filter := opts.Filter
	if filter == nil {
		filter = moderation.Func(func(text string) bool {
			return strings.Contains(strings.ToLower(text), BlockedWord)
		})
	}

	env.Server = server.NewServer(*cfg, server.Deps{
		Registry: env.Registry,
		Chat:     env.Chat,
		Channels: env.Channels,
		Filter:   filter,
		HostSampler: stats.SamplerFunc(func(_ context.Context) (any, error) {
			return map[string]any{"cpu": map[string]any{"percent": 1.5, "count": 4}}, nil
		}),
	}, logger)
	env.Server.Start()

	env.HTTP.Config.Handler = env.Server.Handler()
	env.HTTP.Start()

	t.Cleanup(func() {
		env.HTTP.Close()
		env.Shutdown(t)
	})
	return env
}

// Shutdown stops the server once. Later calls are no-ops.
func (e *Env) Shutdown(t *testing.T) {
	t.Helper()
	if e.shutdown {
		return
	}
	e.shutdown = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Logf("Server shutdown reported: %v", err)
	}
}

// Origin is the allowed Origin header value.
func (e *Env) Origin() string {
	return e.HTTP.URL
}

// WSURL builds the WebSocket URL of namespace, optionally naming a username.
func (e *Env) WSURL(t *testing.T, namespace, username string) string {
	t.Helper()
	u, err := url.Parse(e.HTTP.URL)
	if err != nil {
		t.Fatalf("Failed to parse test server URL: %v", err)
	}
	u.Scheme = "ws"
	u.Path = namespace
	if username != "" {
		u.RawQuery = url.Values{"username": {username}}.Encode()
	}
	return u.String()
}

// Claim registers username for address through the identity API and returns
// the response.
func (e *Env) Claim(t *testing.T, address, username string) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]string{"username": username})
	if err != nil {
		t.Fatalf("Failed to marshal claim: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.HTTP.URL+"/api/identity", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Real-IP", address)

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("Failed to claim username: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// MustClaim claims username for address and fails the test unless it succeeds.
func (e *Env) MustClaim(t *testing.T, address, username string) {
	t.Helper()
	resp := e.Claim(t, address, username)
	AssertStatusCode(t, resp, http.StatusOK)
}

// Dial opens a WebSocket for address in namespace with the allowed origin.
func (e *Env) Dial(t *testing.T, address, namespace, username string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	headers := http.Header{}
	headers.Set("Origin", e.Origin())
	headers.Set("X-Real-IP", address)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(e.WSURL(t, namespace, username), headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Connect claims username for address and opens a chat connection, consuming
// the connect notice it triggers.
func (e *Env) Connect(t *testing.T, address, username string) *websocket.Conn {
	t.Helper()
	if !e.Registry.Verify(identity.Identity{Address: address, Username: username}) {
		e.MustClaim(t, address, username)
	}
	conn, _, err := e.Dial(t, address, server.NamespaceChat, username)
	if err != nil {
		t.Fatalf("Failed to connect %s: %v", username, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	ExpectNotice(t, conn, username+" connected.")
	return conn
}

// Event is a decoded inbound envelope.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Decode unmarshals the event data into v.
func (ev Event) Decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(ev.Data, v); err != nil {
		t.Fatalf("Failed to decode %s data %s: %v", ev.Event, ev.Data, err)
	}
}

// Send writes one event envelope.
func Send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := json.Marshal(map[string]any{"event": event, "data": data})
	if err != nil {
		t.Fatalf("Failed to marshal %s: %v", event, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to send %s: %v", event, err)
	}
}

// Read returns the next event on conn.
func Read(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("Failed to decode frame %q: %v", raw, err)
	}
	return ev
}

// ReadEvent reads until an event named name arrives, skipping others.
func ReadEvent(t *testing.T, conn *websocket.Conn, name string) Event {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		ev := Read(t, conn)
		if ev.Event == name {
			return ev
		}
	}
	t.Fatalf("Timed out waiting for %s", name)
	return Event{}
}

// ExpectNotice reads until a system message arrives and checks its text.
func ExpectNotice(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	var got string
	ReadEvent(t, conn, "system_message").Decode(t, &got)
	if got != want {
		t.Fatalf("Expected notice %q, got %q", want, got)
	}
}

// ExpectNoEvent fails if any frame arrives within timeout.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("Expected no event, but received %s", raw)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of event: %v", err)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request from address, returning
// the response. The body is closed when the test ends.
func MakeRequest(t *testing.T, method, target, address string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, target, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if address != "" {
		req.Header.Set("X-Real-IP", address)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
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
