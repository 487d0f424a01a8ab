package integration

import (
	"testing"

	"github.com/Tyrowin/nexushub/test/testhelpers"
)

type channelSummary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Creator     string   `json:"creator"`
	MemberCount int      `json:"member_count"`
}

type channelMessage struct {
	ChannelID       string  `json:"channel_id"`
	ID              uint64  `json:"id"`
	Username        string  `json:"username"`
	Message         string  `json:"message"`
	ReplyToID       *uint64 `json:"reply_to_id"`
	ReplyToUsername string  `json:"reply_to_username"`
}

type userChannels struct {
	Created []channelSummary `json:"created"`
	Joined  []channelSummary `json:"joined"`
}

// TestChannelLifecycle creates a channel, joins it, talks in it and deletes
// it again.
func TestChannelLifecycle(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.Options{})

	alice := env.Connect(t, "10.0.0.1", "alice")
	bob := env.Connect(t, "10.0.0.2", "bob")
	testhelpers.ExpectNotice(t, alice, "bob connected.")

	testhelpers.Send(t, alice, "create_channel", map[string]any{
		"title":       "  Gophers  ",
		"description": "all things Go",
		"tags":        []string{"go", "backend"},
	})

	var created channelSummary
	testhelpers.ReadEvent(t, bob, "channel_created").Decode(t, &created)
	testhelpers.ReadEvent(t, alice, "channel_created")
	if created.ID != "1" || created.Title != "Gophers" || created.Creator != "alice" {
		t.Fatalf("Unexpected channel %+v", created)
	}
	channelID := created.ID

	t.Run("Search by title and tag", func(t *testing.T) {
		testhelpers.Send(t, bob, "search_channels", map[string]any{"query": "goph"})
		var results []channelSummary
		testhelpers.ReadEvent(t, bob, "search_results").Decode(t, &results)
		if len(results) != 1 || results[0].ID != channelID {
			t.Fatalf("Expected channel %s, got %+v", channelID, results)
		}

		testhelpers.Send(t, bob, "search_channels", map[string]any{"query": "nothing", "tags": []string{"backend"}})
		testhelpers.ReadEvent(t, bob, "search_results").Decode(t, &results)
		if len(results) != 1 {
			t.Fatalf("Expected tag match, got %+v", results)
		}

		testhelpers.Send(t, bob, "search_channels", map[string]any{"query": "nothing"})
		testhelpers.ReadEvent(t, bob, "search_results").Decode(t, &results)
		if len(results) != 0 {
			t.Fatalf("Expected no results, got %+v", results)
		}
	})

	t.Run("Join and post", func(t *testing.T) {
		testhelpers.Send(t, bob, "join_channel", map[string]any{"channel_id": channelID})
		var joined struct {
			ChannelID string `json:"channel_id"`
			Username  string `json:"username"`
		}
		testhelpers.ReadEvent(t, alice, "channel_joined").Decode(t, &joined)
		if joined.ChannelID != channelID || joined.Username != "bob" {
			t.Fatalf("Unexpected join %+v", joined)
		}
		testhelpers.ReadEvent(t, bob, "channel_joined")

		testhelpers.Send(t, alice, "send_channel_message", map[string]any{"channel_id": channelID, "message": "welcome"})
		var first channelMessage
		testhelpers.ReadEvent(t, bob, "channel_message").Decode(t, &first)
		testhelpers.ReadEvent(t, alice, "channel_message")
		if first.ChannelID != channelID || first.ID != 1 || first.Username != "alice" {
			t.Fatalf("Unexpected channel message %+v", first)
		}

		testhelpers.Send(t, bob, "send_channel_message", map[string]any{"channel_id": channelID, "message": "thanks", "reply_to_id": 1})
		var reply channelMessage
		testhelpers.ReadEvent(t, alice, "channel_message").Decode(t, &reply)
		testhelpers.ReadEvent(t, bob, "channel_message")
		if reply.ID != 2 || reply.ReplyToID == nil || *reply.ReplyToID != 1 || reply.ReplyToUsername != "alice" {
			t.Fatalf("Unexpected reply %+v", reply)
		}

		testhelpers.Send(t, bob, "load_channel_messages", map[string]any{"channel_id": channelID})
		var history []channelMessage
		testhelpers.ReadEvent(t, bob, "channel_older_messages").Decode(t, &history)
		if len(history) != 2 {
			t.Fatalf("Expected 2 channel messages, got %d", len(history))
		}
	})

	t.Run("User channels split created from joined", func(t *testing.T) {
		testhelpers.Send(t, bob, "get_user_channels", nil)
		var mine userChannels
		testhelpers.ReadEvent(t, bob, "user_channels").Decode(t, &mine)
		if len(mine.Created) != 0 || len(mine.Joined) != 1 || mine.Joined[0].ID != channelID {
			t.Fatalf("Unexpected channels for bob %+v", mine)
		}

		testhelpers.Send(t, alice, "get_user_channels", nil)
		testhelpers.ReadEvent(t, alice, "user_channels").Decode(t, &mine)
		if len(mine.Created) != 1 || len(mine.Joined) != 0 {
			t.Fatalf("Unexpected channels for alice %+v", mine)
		}
	})

	t.Run("Only the creator may delete", func(t *testing.T) {
		testhelpers.Send(t, bob, "delete_channel", map[string]any{"channel_id": channelID})
		testhelpers.ExpectNotice(t, bob, "Failed to delete channel or not authorized")

		testhelpers.Send(t, alice, "delete_channel", map[string]any{"channel_id": channelID})
		var ref struct {
			ChannelID string `json:"channel_id"`
		}
		testhelpers.ReadEvent(t, bob, "channel_deleted").Decode(t, &ref)
		testhelpers.ReadEvent(t, alice, "channel_deleted")
		if ref.ChannelID != channelID {
			t.Fatalf("Expected channel %s deleted, got %s", channelID, ref.ChannelID)
		}

		testhelpers.Send(t, bob, "get_user_channels", nil)
		var mine userChannels
		testhelpers.ReadEvent(t, bob, "user_channels").Decode(t, &mine)
		if len(mine.Joined) != 0 {
			t.Fatalf("Expected deleted channel gone from bob's list, got %+v", mine.Joined)
		}
	})

	t.Run("Deleted channel rejects activity", func(t *testing.T) {
		testhelpers.Send(t, bob, "send_channel_message", map[string]any{"channel_id": channelID, "message": "anyone?"})
		testhelpers.ExpectNotice(t, bob, "Channel not found")

		testhelpers.Send(t, bob, "join_channel", map[string]any{"channel_id": channelID})
		testhelpers.ExpectNotice(t, bob, "Failed to join channel")

		testhelpers.Send(t, bob, "load_channel_messages", map[string]any{"channel_id": channelID})
		testhelpers.ExpectNotice(t, bob, "Channel not found")
	})
}

// TestChannelValidation covers malformed channel requests.
func TestChannelValidation(t *testing.T) {
	env := testhelpers.StartServer(t, testhelpers.Options{})
	alice := env.Connect(t, "10.0.0.1", "alice")

	testhelpers.Send(t, alice, "create_channel", map[string]any{"title": "   "})
	testhelpers.ExpectNotice(t, alice, "Invalid channel data")

	testhelpers.Send(t, alice, "join_channel", map[string]any{})
	testhelpers.ExpectNotice(t, alice, "Invalid request")

	testhelpers.Send(t, alice, "send_channel_message", map[string]any{"channel_id": "1", "message": ""})
	testhelpers.ExpectNotice(t, alice, "Invalid message")

	testhelpers.Send(t, alice, "send_channel_message", map[string]any{"channel_id": "42", "message": "hello"})
	testhelpers.ExpectNotice(t, alice, "Channel not found")

	if env.Channels.Count() != 0 {
		t.Errorf("Expected no channels, got %d", env.Channels.Count())
	}
}
