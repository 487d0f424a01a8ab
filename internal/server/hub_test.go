package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/identity"
)

// connect upgrades a loopback connection, registers the server side with hub
// and returns the client side.
func connect(t *testing.T, hub *Hub, namespace string, id identity.Identity, dispatch func(*Client, []byte)) (*Client, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(srv.Close)

	peer, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = peer.Close() })

	client := NewClient(<-serverSide, hub, id, namespace, 4096, dispatch, zerolog.Nop())
	if !hub.Register(client) {
		t.Fatal("hub refused registration")
	}
	return client, peer
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })
	return hub
}

func readEnvelope(t *testing.T, conn *websocket.Conn) outboundEnvelope {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env outboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("frame %q is not an envelope: %v", raw, err)
	}
	return env
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestHubRegisterAnnouncesAndTracksPresence(t *testing.T) {
	hub := startHub(t)
	alice := identity.Identity{Address: "10.0.0.1", Username: "alice"}

	client, peer := connect(t, hub, NamespaceChat, alice, nil)

	env := readEnvelope(t, peer)
	if env.Event != eventSystemMessage || env.Data != "alice connected." {
		t.Fatalf("Unexpected connect notice %+v", env)
	}
	if !hub.IsPresent(NamespaceChat, alice.Address) {
		t.Error("Expected alice to be present in the chat namespace")
	}
	if hub.IsPresent(NamespaceHubStats, alice.Address) {
		t.Error("Presence must be tracked per namespace")
	}
	if id, ok := hub.Session(client.ID()); !ok || id != alice {
		t.Errorf("Expected session bound to alice, got %+v (%v)", id, ok)
	}

	hub.Unregister(client)
	waitUntil(t, func() bool { return hub.ConnectionCount() == 0 })
	if hub.IsPresent(NamespaceChat, alice.Address) {
		t.Error("Expected presence to be cleared")
	}
	if _, ok := hub.Session(client.ID()); ok {
		t.Error("Expected session to be unbound")
	}
}

func TestHubPublishIsScopedToNamespace(t *testing.T) {
	hub := startHub(t)

	_, chatPeer := connect(t, hub, NamespaceChat, identity.Identity{Address: "10.0.0.1", Username: "alice"}, nil)
	readEnvelope(t, chatPeer)
	_, statsPeer := connect(t, hub, NamespaceHubStats, identity.Identity{Address: "10.0.0.2", Username: "bob"}, nil)

	hub.Publish(NamespaceHubStats, "stats_update", map[string]int{"connections": 2})
	hub.Publish(NamespaceChat, eventChatMessage, "first")
	hub.Publish(NamespaceChat, eventChatMessage, "second")

	env := readEnvelope(t, statsPeer)
	if env.Event != "stats_update" {
		t.Fatalf("Expected stats_update, got %+v", env)
	}

	// The stats connection never triggers chat notices, so the chat peer
	// sees exactly the two chat events in publish order.
	for _, want := range []string{"first", "second"} {
		env := readEnvelope(t, chatPeer)
		if env.Event != eventChatMessage || env.Data != want {
			t.Fatalf("Expected chat_message %q, got %+v", want, env)
		}
	}
}

func TestHubSendToTargetsOneClient(t *testing.T) {
	hub := startHub(t)

	alice, alicePeer := connect(t, hub, NamespaceChat, identity.Identity{Address: "10.0.0.1", Username: "alice"}, nil)
	readEnvelope(t, alicePeer)
	_, bobPeer := connect(t, hub, NamespaceChat, identity.Identity{Address: "10.0.0.2", Username: "bob"}, nil)
	readEnvelope(t, alicePeer)
	readEnvelope(t, bobPeer)

	if !hub.SendTo(alice, eventSystemMessage, "just you") {
		t.Fatal("SendTo failed")
	}
	if env := readEnvelope(t, alicePeer); env.Data != "just you" {
		t.Fatalf("Unexpected reply %+v", env)
	}

	if err := bobPeer.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if _, raw, err := bobPeer.ReadMessage(); err == nil {
		t.Fatalf("bob should not receive a private reply, got %s", raw)
	}
}

func TestHubDisconnectNotice(t *testing.T) {
	hub := startHub(t)

	_, alicePeer := connect(t, hub, NamespaceChat, identity.Identity{Address: "10.0.0.1", Username: "alice"}, nil)
	readEnvelope(t, alicePeer)
	_, bobPeer := connect(t, hub, NamespaceChat, identity.Identity{Address: "10.0.0.2", Username: "bob"}, nil)
	readEnvelope(t, alicePeer)

	_ = bobPeer.Close()

	env := readEnvelope(t, alicePeer)
	if env.Event != eventSystemMessage || env.Data != "bob left." {
		t.Fatalf("Expected bob left notice, got %+v", env)
	}
	waitUntil(t, func() bool { return hub.OnlineAddresses(NamespaceChat) == 1 })
}

func TestHubDispatchesInboundFrames(t *testing.T) {
	hub := startHub(t)

	got := make(chan string, 1)
	_, peer := connect(t, hub, NamespaceHubStats, identity.Identity{Address: "10.0.0.1", Username: "alice"},
		func(_ *Client, raw []byte) { got <- string(raw) })

	if err := peer.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe_stats"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case raw := <-got:
		if raw != `{"event":"subscribe_stats"}` {
			t.Errorf("Unexpected frame %q", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not dispatched")
	}
}

func TestHubShutdown(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	go hub.Run()

	_, peer := connect(t, hub, NamespaceChat, identity.Identity{Address: "10.0.0.1", Username: "alice"}, nil)
	readEnvelope(t, peer)

	if err := hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if hub.ConnectionCount() != 0 {
		t.Errorf("Expected no clients after shutdown, got %d", hub.ConnectionCount())
	}

	if err := peer.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := peer.ReadMessage(); err == nil {
		t.Error("Expected the peer to be disconnected")
	}

	late := NewClient(nil, hub, identity.Identity{Address: "10.0.0.2", Username: "bob"}, NamespaceChat, 4096, nil, zerolog.Nop())
	if hub.Register(late) {
		t.Error("Register must fail after shutdown")
	}

	done := make(chan struct{})
	go func() {
		hub.Publish(NamespaceChat, eventChatMessage, "late")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Publish blocked after shutdown")
	}
}

func TestHubShutdownWithoutRun(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	errc := make(chan error, 1)
	go func() { errc <- hub.Shutdown(time.Second) }()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Shutdown failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown blocked on a hub that never ran")
	}

	// Run after shutdown returns at once and leaves the hub closed.
	ran := make(chan struct{})
	go func() {
		hub.Run()
		close(ran)
	}()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	late := NewClient(nil, hub, identity.Identity{Address: "10.0.0.1", Username: "alice"}, NamespaceChat, 4096, nil, zerolog.Nop())
	if hub.Register(late) {
		t.Error("Register must fail after shutdown")
	}
}
