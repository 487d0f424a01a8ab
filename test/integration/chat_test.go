package integration

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexushub/internal/server"
	"github.com/Tyrowin/nexushub/test/testhelpers"
)

type chatMessage struct {
	ID              uint64  `json:"id"`
	Username        string  `json:"username"`
	Message         string  `json:"message"`
	Timestamp       string  `json:"timestamp"`
	ReadCount       int     `json:"read_count"`
	ReplyToID       *uint64 `json:"reply_to_id"`
	IPAddress       string  `json:"ip_address"`
	Edited          bool    `json:"edited"`
	Deleted         bool    `json:"deleted"`
	ReplyToUsername string  `json:"reply_to_username"`
	ReplyToMessage  string  `json:"reply_to_message"`
}

// TestGlobalChatConversation walks two users through a conversation in the
// global room.
func TestGlobalChatConversation(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.Options{})

	alice := env.Connect(t, "10.0.0.1", "alice")
	bob := env.Connect(t, "10.0.0.2", "bob")
	testhelpers.ExpectNotice(t, alice, "bob connected.")

	testhelpers.Send(t, alice, "send_message", map[string]any{"message": "hello"})

	var first chatMessage
	for _, conn := range []*websocket.Conn{alice, bob} {
		var got chatMessage
		testhelpers.ReadEvent(t, conn, "chat_message").Decode(t, &got)
		if got.ID != 1 || got.Username != "alice" || got.Message != "hello" {
			t.Fatalf("Unexpected chat message %+v", got)
		}
		if got.IPAddress != "10.0.0.1" {
			t.Errorf("Expected origin address 10.0.0.1, got %q", got.IPAddress)
		}
		if got.ReplyToID != nil {
			t.Errorf("Expected no reply target, got %d", *got.ReplyToID)
		}
		first = got
	}
	if _, err := time.Parse(time.RFC3339Nano, first.Timestamp); err != nil {
		t.Errorf("Timestamp %q is not RFC 3339: %v", first.Timestamp, err)
	}

	t.Run("Reply carries the quoted message", func(t *testing.T) {
		testhelpers.Send(t, bob, "send_message", map[string]any{"message": "hi alice", "reply_to_id": 1})

		var reply chatMessage
		testhelpers.ReadEvent(t, alice, "chat_message").Decode(t, &reply)
		testhelpers.ReadEvent(t, bob, "chat_message")
		if reply.ID != 2 || reply.ReplyToID == nil || *reply.ReplyToID != 1 {
			t.Fatalf("Unexpected reply %+v", reply)
		}
		if reply.ReplyToUsername != "alice" || reply.ReplyToMessage != "hello" {
			t.Errorf("Expected quote of alice's hello, got %q/%q", reply.ReplyToUsername, reply.ReplyToMessage)
		}
	})

	t.Run("Read receipts count each reader once", func(t *testing.T) {
		testhelpers.Send(t, bob, "message_read", map[string]any{"id": 1})
		testhelpers.Send(t, bob, "message_read", map[string]any{"id": "1"})

		var update struct {
			ID        uint64 `json:"id"`
			ReadCount int    `json:"read_count"`
		}
		testhelpers.ReadEvent(t, alice, "update_read_count").Decode(t, &update)
		if update.ID != 1 || update.ReadCount != 1 {
			t.Fatalf("Unexpected read count update %+v", update)
		}
		testhelpers.ReadEvent(t, bob, "update_read_count")

		if msg, ok := env.Chat.Get(1); !ok || msg.ReadCount != 1 {
			t.Errorf("Expected stored read count 1, got %+v", msg)
		}
	})

	t.Run("Only the sender may edit", func(t *testing.T) {
		testhelpers.Send(t, bob, "edit_message", map[string]any{"id": 1, "message": "hijacked"})
		testhelpers.ExpectNotice(t, bob, "You can only edit your own messages")

		testhelpers.Send(t, alice, "edit_message", map[string]any{"id": 1, "message": "hello there"})
		var edit struct {
			ID      uint64 `json:"id"`
			Message string `json:"message"`
		}
		testhelpers.ReadEvent(t, bob, "message_edited").Decode(t, &edit)
		if edit.ID != 1 || edit.Message != "hello there" {
			t.Fatalf("Unexpected edit %+v", edit)
		}
		testhelpers.ReadEvent(t, alice, "message_edited")
	})

	t.Run("Only the sender may delete", func(t *testing.T) {
		testhelpers.Send(t, alice, "delete_message", map[string]any{"id": 2})
		testhelpers.ExpectNotice(t, alice, "You can only delete your own messages")

		testhelpers.Send(t, bob, "delete_message", map[string]any{"id": 2})
		var ref struct {
			ID uint64 `json:"id"`
		}
		testhelpers.ReadEvent(t, alice, "message_deleted").Decode(t, &ref)
		if ref.ID != 2 {
			t.Fatalf("Expected message 2 deleted, got %d", ref.ID)
		}
		testhelpers.ReadEvent(t, bob, "message_deleted")

		testhelpers.Send(t, bob, "edit_message", map[string]any{"id": 2, "message": "back"})
		testhelpers.ExpectNotice(t, bob, "Message not found")

		testhelpers.Send(t, bob, "delete_message", map[string]any{"id": 99})
		testhelpers.ExpectNotice(t, bob, "Message not found")
	})

	t.Run("History pages are served to the requester only", func(t *testing.T) {
		testhelpers.Send(t, bob, "load_older_messages", map[string]any{"last_id": 2})

		var page []chatMessage
		testhelpers.ReadEvent(t, bob, "older_messages").Decode(t, &page)
		if len(page) != 1 || page[0].ID != 1 || page[0].Message != "hello there" || !page[0].Edited {
			t.Fatalf("Unexpected page %+v", page)
		}

		testhelpers.Send(t, bob, "load_older_messages", nil)
		testhelpers.ReadEvent(t, bob, "older_messages").Decode(t, &page)
		if len(page) != 2 || !page[1].Deleted {
			t.Fatalf("Expected both messages with the second deleted, got %+v", page)
		}

		for _, cursor := range []any{0, "0", "abc"} {
			testhelpers.Send(t, bob, "load_older_messages", map[string]any{"last_id": cursor})
			testhelpers.ReadEvent(t, bob, "older_messages").Decode(t, &page)
			if len(page) != 0 {
				t.Fatalf("Expected an empty page below cursor %v, got %+v", cursor, page)
			}
		}

		testhelpers.Send(t, bob, "load_older_messages", map[string]any{"last_id": nil})
		testhelpers.ReadEvent(t, bob, "older_messages").Decode(t, &page)
		if len(page) != 2 {
			t.Fatalf("Expected a null cursor to page from the newest message, got %+v", page)
		}
	})

	t.Run("Disconnect notice", func(t *testing.T) {
		if err := testhelpers.CloseWebSocket(bob); err != nil {
			t.Fatalf("Failed to close bob: %v", err)
		}
		testhelpers.ExpectNotice(t, alice, "bob left.")
	})

	t.Run("Empty and malformed frames are ignored", func(t *testing.T) {
		testhelpers.Send(t, alice, "send_message", map[string]any{"message": "   "})
		testhelpers.Send(t, alice, "no_such_event", map[string]any{})
		if err := alice.WriteMessage(websocket.TextMessage, []byte("not valid json")); err != nil {
			t.Fatalf("Failed to send malformed frame: %v", err)
		}
		testhelpers.ExpectNoEvent(t, alice, 200*time.Millisecond)

		if env.Chat.LastID() != 2 {
			t.Errorf("Expected no new messages, last id %d", env.Chat.LastID())
		}
	})
}

// TestMultipleConnectionsShareAnAddress checks that presence counts an
// address once however many sockets it holds.
func TestMultipleConnectionsShareAnAddress(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.Options{})

	first := env.Connect(t, "10.0.0.1", "alice")
	second := env.Connect(t, "10.0.0.1", "alice")
	testhelpers.ExpectNotice(t, first, "alice connected.")

	hub := env.Server.Hub()
	waitFor(t, func() bool { return hub.ConnectionCount() == 2 })
	if got := hub.OnlineAddresses(server.NamespaceChat); got != 1 {
		t.Fatalf("Expected 1 online address, got %d", got)
	}

	if err := testhelpers.CloseWebSocket(second); err != nil {
		t.Fatalf("Failed to close second socket: %v", err)
	}
	testhelpers.ExpectNotice(t, first, "alice left.")
	if !hub.IsPresent(server.NamespaceChat, "10.0.0.1") {
		t.Error("Expected address to stay present while one socket is open")
	}

	if err := testhelpers.CloseWebSocket(first); err != nil {
		t.Fatalf("Failed to close first socket: %v", err)
	}
	waitFor(t, func() bool { return !hub.IsPresent(server.NamespaceChat, "10.0.0.1") })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testhelpers.DefaultTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}
