// Package server defines the wire envelope, outbound payload views and
// utility helpers that are reused across client and hub logic.
package server

import (
	"encoding/json"
	"strings"

	"github.com/Tyrowin/nexushub/internal/channels"
	"github.com/Tyrowin/nexushub/internal/chatlog"
	"github.com/Tyrowin/nexushub/internal/jsonfile"
)

// Namespaces served on their own WebSocket paths.
const (
	NamespaceChat        = "/ws"
	NamespaceServerStats = "/ws/stats/server"
	NamespaceHubStats    = "/ws/stats/hub"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Event: event, Data: data})
}

// BroadcastMessage is an encoded event queued for every client in Namespace.
type BroadcastMessage struct {
	Namespace string
	Event     string
	Payload   []byte
}

// MessageView is the outbound form of a global chat message.
type MessageView struct {
	ID              uint64  `json:"id"`
	Username        string  `json:"username"`
	Message         string  `json:"message"`
	Timestamp       string  `json:"timestamp"`
	ReadCount       int     `json:"read_count"`
	ReplyToID       *uint64 `json:"reply_to_id"`
	IPAddress       string  `json:"ip_address"`
	Edited          bool    `json:"edited,omitempty"`
	Deleted         bool    `json:"deleted,omitempty"`
	ReplyToUsername string  `json:"reply_to_username,omitempty"`
	ReplyToMessage  string  `json:"reply_to_message,omitempty"`
}

func newMessageView(m chatlog.Message) MessageView {
	v := MessageView{
		ID:              m.ID,
		Username:        m.Author,
		Message:         m.Body,
		Timestamp:       jsonfile.FormatTime(m.CreatedAt),
		ReadCount:       m.ReadCount,
		IPAddress:       m.OriginAddress,
		Edited:          m.Edited,
		Deleted:         m.Deleted,
		ReplyToUsername: m.ReplyToAuthor,
		ReplyToMessage:  m.ReplyToBody,
	}
	if m.ReplyToID != 0 {
		id := m.ReplyToID
		v.ReplyToID = &id
	}
	return v
}

func newMessageViews(msgs []chatlog.Message) []MessageView {
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, newMessageView(m))
	}
	return views
}

// ChannelMessageView is the outbound form of a channel message.
type ChannelMessageView struct {
	channels.Message
	ChannelID string `json:"channel_id"`
}

type readCountUpdate struct {
	ID        uint64 `json:"id"`
	ReadCount int    `json:"read_count"`
}

type messageRef struct {
	ID uint64 `json:"id"`
}

type messageEdit struct {
	ID      uint64 `json:"id"`
	Message string `json:"message"`
}

type channelRef struct {
	ChannelID string `json:"channel_id"`
}

type channelMembership struct {
	ChannelID string `json:"channel_id"`
	Username  string `json:"username"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
