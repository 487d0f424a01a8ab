package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexushub/internal/server"
	"github.com/Tyrowin/nexushub/test/testhelpers"
)

const tooFastNotice = "You are sending messages too quickly. Please wait a moment."

// TestOriginValidation verifies that only allowlisted origins may upgrade.
func TestOriginValidation(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.Options{})
	env.MustClaim(t, "10.0.0.1", "alice")

	cases := []struct {
		name   string
		origin string
	}{
		{"Missing Origin header", ""},
		{"Foreign origin", "http://evil.example.com"},
		{"Malformed origin", "not-a-url"},
		{"Unsupported scheme", "ftp://" + strings.TrimPrefix(env.Origin(), "http://")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			if tc.origin != "" {
				header.Set("Origin", tc.origin)
			}
			header.Set("X-Real-IP", "10.0.0.1")

			conn, resp, err := websocket.DefaultDialer.Dial(env.WSURL(t, server.NamespaceChat, "alice"), header)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected connection to be refused")
			}
			if resp == nil {
				t.Fatalf("Expected an HTTP response, got error %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected status %d, got %d", http.StatusForbidden, resp.StatusCode)
			}
		})
	}
}

// TestMessageRateLimit verifies the sliding window on global and channel
// messages.
func TestMessageRateLimit(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.Options{
		Customize: func(cfg *server.Config) {
			cfg.RateLimit = server.RateLimitConfig{Burst: 3, Window: time.Minute}
		},
	})
	alice := env.Connect(t, "10.0.0.1", "alice")

	for i := 0; i < 3; i++ {
		testhelpers.Send(t, alice, "send_message", map[string]any{"message": "spam"})
		testhelpers.ReadEvent(t, alice, "chat_message")
	}

	testhelpers.Send(t, alice, "send_message", map[string]any{"message": "one more"})
	testhelpers.ExpectNotice(t, alice, tooFastNotice)

	testhelpers.Send(t, alice, "create_channel", map[string]any{"title": "limits"})
	var created channelSummary
	testhelpers.ReadEvent(t, alice, "channel_created").Decode(t, &created)

	testhelpers.Send(t, alice, "send_channel_message", map[string]any{"channel_id": created.ID, "message": "still here?"})
	testhelpers.ExpectNotice(t, alice, tooFastNotice)

	if got := env.Chat.LastID(); got != 3 {
		t.Errorf("Expected 3 accepted messages, got %d", got)
	}

	t.Run("Other identities keep their own budget", func(t *testing.T) {
		bob := env.Connect(t, "10.0.0.2", "bob")
		testhelpers.Send(t, bob, "send_message", map[string]any{"message": "my turn"})
		var msg chatMessage
		testhelpers.ReadEvent(t, bob, "chat_message").Decode(t, &msg)
		if msg.Username != "bob" {
			t.Fatalf("Expected bob's message, got %+v", msg)
		}
	})
}

// TestContentFilter verifies that disallowed text never reaches the stores.
func TestContentFilter(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.Options{})
	alice := env.Connect(t, "10.0.0.1", "alice")

	testhelpers.Send(t, alice, "send_message", map[string]any{"message": "oh " + testhelpers.BlockedWord})
	testhelpers.ExpectNotice(t, alice, "Message blocked due to inappropriate content")
	if env.Chat.LastID() != 0 {
		t.Fatalf("Expected blocked message to be dropped")
	}

	t.Run("Commands skip the content check", func(t *testing.T) {
		testhelpers.Send(t, alice, "send_message", map[string]any{"message": "/say " + testhelpers.BlockedWord, "isCommand": true})
		testhelpers.ReadEvent(t, alice, "chat_message")
	})

	t.Run("Edits are checked", func(t *testing.T) {
		testhelpers.Send(t, alice, "edit_message", map[string]any{"id": 1, "message": testhelpers.BlockedWord})
		testhelpers.ExpectNotice(t, alice, "Message blocked due to inappropriate content")
	})

	t.Run("Channel messages are checked", func(t *testing.T) {
		testhelpers.Send(t, alice, "create_channel", map[string]any{"title": "clean"})
		var created channelSummary
		testhelpers.ReadEvent(t, alice, "channel_created").Decode(t, &created)

		testhelpers.Send(t, alice, "send_channel_message", map[string]any{"channel_id": created.ID, "message": testhelpers.BlockedWord})
		testhelpers.ExpectNotice(t, alice, "Your message contains inappropriate content")
	})
}

// TestMessageSizeLimit verifies that oversized frames close the connection.
func TestMessageSizeLimit(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.Options{
		Customize: func(cfg *server.Config) {
			cfg.MaxMessageSize = 256
		},
	})
	alice := env.Connect(t, "10.0.0.1", "alice")
	bob := env.Connect(t, "10.0.0.2", "bob")
	testhelpers.ExpectNotice(t, alice, "bob connected.")

	testhelpers.Send(t, bob, "send_message", map[string]any{"message": strings.Repeat("x", 1024)})

	testhelpers.ExpectNotice(t, alice, "bob left.")
	if err := bob.SetReadDeadline(time.Now().Add(testhelpers.DefaultTimeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		if _, _, err := bob.ReadMessage(); err != nil {
			break
		}
	}
	if env.Chat.LastID() != 0 {
		t.Errorf("Expected oversized message to be dropped")
	}
}

// TestConnectThrottle verifies the per-address upgrade throttle.
func TestConnectThrottle(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.Options{
		Customize: func(cfg *server.Config) {
			cfg.ConnectLimit = server.ConnectLimitConfig{Rate: 0.01, Burst: 2}
		},
	})
	env.MustClaim(t, "10.0.0.1", "alice")

	for i := 0; i < 2; i++ {
		conn, _, err := env.Dial(t, "10.0.0.1", server.NamespaceChat, "alice")
		if err != nil {
			t.Fatalf("Connection %d failed: %v", i, err)
		}
		defer func() { _ = conn.Close() }()
	}

	conn, resp, err := env.Dial(t, "10.0.0.1", server.NamespaceChat, "alice")
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected third connection to be throttled")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected status %d, got %v", http.StatusTooManyRequests, resp)
	}

	// Another address is unaffected.
	env.Connect(t, "10.0.0.2", "bob")
}
