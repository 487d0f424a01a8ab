package server

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/channels"
	"github.com/Tyrowin/nexushub/internal/chatlog"
	"github.com/Tyrowin/nexushub/internal/identity"
	"github.com/Tyrowin/nexushub/internal/metrics"
	"github.com/Tyrowin/nexushub/internal/moderation"
	"github.com/Tyrowin/nexushub/internal/ratelimit"
	"github.com/Tyrowin/nexushub/internal/stats"
)

// Inbound events.
const (
	eventSendMessage         = "send_message"
	eventMessageRead         = "message_read"
	eventLoadOlderMessages   = "load_older_messages"
	eventDeleteMessage       = "delete_message"
	eventEditMessage         = "edit_message"
	eventCreateChannel       = "create_channel"
	eventSearchChannels      = "search_channels"
	eventJoinChannel         = "join_channel"
	eventLeaveChannel        = "leave_channel"
	eventDeleteChannel       = "delete_channel"
	eventSendChannelMessage  = "send_channel_message"
	eventLoadChannelMessages = "load_channel_messages"
	eventGetUserChannels     = "get_user_channels"
	eventSubscribeStats      = "subscribe_stats"
)

// Outbound events.
const (
	eventSystemMessage        = "system_message"
	eventChatMessage          = "chat_message"
	eventUpdateReadCount      = "update_read_count"
	eventOlderMessages        = "older_messages"
	eventMessageDeleted       = "message_deleted"
	eventMessageEdited        = "message_edited"
	eventChannelCreated       = "channel_created"
	eventSearchResults        = "search_results"
	eventChannelJoined        = "channel_joined"
	eventChannelLeft          = "channel_left"
	eventChannelDeleted       = "channel_deleted"
	eventChannelMessage       = "channel_message"
	eventChannelOlderMessages = "channel_older_messages"
	eventUserChannels         = "user_channels"
)

// session is the explicit context every handler receives.
type session struct {
	client   *Client
	identity identity.Identity
}

type handlerFunc func(ctx context.Context, s session, data json.RawMessage) error

// Dispatcher routes inbound events to the stores. It owns no state of its
// own besides the handler tables.
type Dispatcher struct {
	hub       *Hub
	registry  *identity.Registry
	chat      *chatlog.Store
	channels  *channels.Store
	stats     *stats.Broadcaster
	filter    moderation.Filter
	limiter   *ratelimit.Limiter
	pool      *workerPool
	maxLength int
	handlers  map[string]map[string]handlerFunc
	logger    zerolog.Logger
}

func newDispatcher(d *Dispatcher) *Dispatcher {
	if d.filter == nil {
		d.filter = moderation.Nop
	}
	if d.maxLength <= 0 {
		d.maxLength = chatlog.DefaultMaxLength
	}
	chat := map[string]handlerFunc{
		eventSendMessage:         d.handleSendMessage,
		eventMessageRead:         d.handleMessageRead,
		eventLoadOlderMessages:   d.handleLoadOlderMessages,
		eventDeleteMessage:       d.handleDeleteMessage,
		eventEditMessage:         d.handleEditMessage,
		eventCreateChannel:       d.handleCreateChannel,
		eventSearchChannels:      d.handleSearchChannels,
		eventJoinChannel:         d.handleJoinChannel,
		eventLeaveChannel:        d.handleLeaveChannel,
		eventDeleteChannel:       d.handleDeleteChannel,
		eventSendChannelMessage:  d.handleSendChannelMessage,
		eventLoadChannelMessages: d.handleLoadChannelMessages,
		eventGetUserChannels:     d.handleGetUserChannels,
	}
	statsOnly := map[string]handlerFunc{
		eventSubscribeStats: d.handleSubscribeStats,
	}
	d.handlers = map[string]map[string]handlerFunc{
		NamespaceChat:        chat,
		NamespaceServerStats: statsOnly,
		NamespaceHubStats:    statsOnly,
	}
	return d
}

// Dispatch decodes one inbound frame and runs its handler on the worker pool,
// returning once the handler has finished.
func (d *Dispatcher) Dispatch(c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		d.logger.Warn().Str("client", c.id).Msg("discarding malformed frame")
		return
	}

	handler, ok := d.handlers[c.namespace][env.Event]
	if !ok {
		d.logger.Debug().Str("client", c.id).Str("event", env.Event).Msg("ignoring unknown event")
		return
	}

	err := d.pool.run(d.hub.ctx, func() {
		d.handle(d.hub.ctx, c, env, handler)
	})
	if err != nil {
		d.logger.Debug().Err(err).Str("event", env.Event).Msg("event not dispatched")
	}
}

func (d *Dispatcher) handle(ctx context.Context, c *Client, env Envelope, handler handlerFunc) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("event", env.Event).Msg("event handler panicked")
		}
	}()

	metrics.EventsDispatched.WithLabelValues(env.Event).Inc()

	id, ok := d.hub.Session(c.id)
	if !ok || !d.registry.Verify(id) {
		metrics.MessagesRejected.WithLabelValues(rejectionReason(ErrUnauthenticated)).Inc()
		d.logger.Warn().Str("client", c.id).Str("event", env.Event).Msg("ignoring event from unverified session")
		if env.Event == eventGetUserChannels {
			d.notice(c, "Not authenticated")
		}
		return
	}

	err := handler(ctx, session{client: c, identity: id}, env.Data)
	if err == nil {
		return
	}

	metrics.MessagesRejected.WithLabelValues(rejectionReason(err)).Inc()
	var ne *noticeError
	if errors.As(err, &ne) {
		d.notice(c, ne.notice)
		d.logger.Debug().Err(err).Str("event", env.Event).Str("username", id.Username).Msg("event rejected")
		return
	}
	d.logger.Warn().Err(err).Str("event", env.Event).Str("username", id.Username).Msg("event failed")
}

func (d *Dispatcher) notice(c *Client, text string) {
	d.hub.SendTo(c, eventSystemMessage, text)
}

func (d *Dispatcher) reply(s session, event string, payload any) error {
	d.hub.SendTo(s.client, event, payload)
	return nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(errInvalidPayload, err)
	}
	return nil
}

// flexID accepts a JSON string or number.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) uint() uint64 {
	n, _ := f.parse()
	return n
}

func (f flexID) parse() (uint64, bool) {
	n, err := strconv.ParseUint(string(f), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Global chat.

type sendMessagePayload struct {
	Message   string  `json:"message"`
	IsCommand bool    `json:"isCommand"`
	ReplyToID *flexID `json:"reply_to_id"`
}

func (d *Dispatcher) handleSendMessage(_ context.Context, s session, data json.RawMessage) error {
	var p sendMessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Message) == "" {
		return errInvalidPayload
	}
	body := chatlog.Truncate(p.Message, d.maxLength)

	if !d.limiter.Allow(s.identity.Key()) {
		return reject(ErrRateLimited, "You are sending messages too quickly. Please wait a moment.")
	}
	if d.filter.Disallowed(s.identity.Username) || (!p.IsCommand && d.filter.Disallowed(body)) {
		return reject(ErrContentRejected, "Message blocked due to inappropriate content")
	}

	var replyTo uint64
	if p.ReplyToID != nil {
		replyTo = p.ReplyToID.uint()
	}
	d.chat.Append(s.identity.Username, body, s.identity.Address, replyTo)
	metrics.MessagesPosted.WithLabelValues("global").Inc()
	return nil
}

type messageIDPayload struct {
	ID flexID `json:"id"`
}

func (d *Dispatcher) handleMessageRead(_ context.Context, s session, data json.RawMessage) error {
	var p messageIDPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	d.chat.MarkRead(p.ID.uint(), s.identity.Username)
	return nil
}

type loadOlderPayload struct {
	LastID *flexID `json:"last_id"`
}

func (d *Dispatcher) handleLoadOlderMessages(_ context.Context, s session, data json.RawMessage) error {
	var p loadOlderPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	// Only an absent cursor pages from the newest message; nothing sorts
	// below zero or an unreadable id.
	var cursor uint64
	if p.LastID != nil {
		n, ok := p.LastID.parse()
		if !ok || n == 0 {
			return d.reply(s, eventOlderMessages, []MessageView{})
		}
		cursor = n
	}
	return d.reply(s, eventOlderMessages, newMessageViews(d.chat.PageBefore(cursor, 0)))
}

func (d *Dispatcher) handleDeleteMessage(_ context.Context, s session, data json.RawMessage) error {
	var p messageIDPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	id := p.ID.uint()
	if id == 0 {
		return errInvalidPayload
	}

	_, err := d.chat.SoftDelete(id, s.identity.Address)
	switch {
	case errors.Is(err, chatlog.ErrNotFound):
		return reject(err, "Message not found")
	case errors.Is(err, chatlog.ErrUnauthorized):
		return reject(err, "You can only delete your own messages")
	}
	return err
}

type editMessagePayload struct {
	ID      flexID `json:"id"`
	Message string `json:"message"`
}

func (d *Dispatcher) handleEditMessage(_ context.Context, s session, data json.RawMessage) error {
	var p editMessagePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	id := p.ID.uint()
	body := chatlog.Truncate(strings.TrimSpace(p.Message), d.maxLength)
	if id == 0 || body == "" {
		return errInvalidPayload
	}

	current, ok := d.chat.Get(id)
	if !ok || current.Deleted {
		return reject(chatlog.ErrNotFound, "Message not found")
	}
	if current.OriginAddress != s.identity.Address {
		return reject(chatlog.ErrUnauthorized, "You can only edit your own messages")
	}
	if d.filter.Disallowed(body) {
		return reject(ErrContentRejected, "Message blocked due to inappropriate content")
	}

	_, err := d.chat.Edit(id, body, s.identity.Address)
	switch {
	case errors.Is(err, chatlog.ErrNotFound):
		return reject(err, "Message not found")
	case errors.Is(err, chatlog.ErrUnauthorized):
		return reject(err, "You can only edit your own messages")
	}
	return err
}

// Channels.

type createChannelPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

func (d *Dispatcher) handleCreateChannel(_ context.Context, s session, data json.RawMessage) error {
	var p createChannelPayload
	if err := decode(data, &p); err != nil {
		return reject(err, "Invalid channel data")
	}
	if _, err := d.channels.Create(p.Title, p.Description, p.Tags, s.identity); err != nil {
		return reject(err, "Invalid channel data")
	}
	return nil
}

type searchChannelsPayload struct {
	Query string   `json:"query"`
	Tags  []string `json:"tags"`
}

func (d *Dispatcher) handleSearchChannels(_ context.Context, s session, data json.RawMessage) error {
	var p searchChannelsPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	return d.reply(s, eventSearchResults, d.channels.Search(p.Query, p.Tags))
}

type channelPayload struct {
	ChannelID flexID `json:"channel_id"`
}

func (d *Dispatcher) channelID(data json.RawMessage) (string, error) {
	var p channelPayload
	if err := decode(data, &p); err != nil {
		return "", reject(err, "Invalid request")
	}
	if p.ChannelID == "" {
		return "", reject(errInvalidPayload, "Invalid request")
	}
	return string(p.ChannelID), nil
}

func (d *Dispatcher) handleJoinChannel(_ context.Context, s session, data json.RawMessage) error {
	channelID, err := d.channelID(data)
	if err != nil {
		return err
	}
	if err := d.channels.Join(channelID, s.identity); err != nil {
		return reject(err, "Failed to join channel")
	}
	d.hub.Publish(NamespaceChat, eventChannelJoined, channelMembership{ChannelID: channelID, Username: s.identity.Username})
	return nil
}

func (d *Dispatcher) handleLeaveChannel(_ context.Context, s session, data json.RawMessage) error {
	channelID, err := d.channelID(data)
	if err != nil {
		return err
	}
	if err := d.channels.Leave(channelID, s.identity); err != nil {
		return reject(err, "Failed to leave channel")
	}
	d.hub.Publish(NamespaceChat, eventChannelLeft, channelMembership{ChannelID: channelID, Username: s.identity.Username})
	return nil
}

func (d *Dispatcher) handleDeleteChannel(_ context.Context, s session, data json.RawMessage) error {
	channelID, err := d.channelID(data)
	if err != nil {
		return err
	}
	if err := d.channels.Delete(channelID, s.identity); err != nil {
		return reject(err, "Failed to delete channel or not authorized")
	}
	return nil
}

type sendChannelMessagePayload struct {
	ChannelID flexID  `json:"channel_id"`
	Message   string  `json:"message"`
	ReplyToID *flexID `json:"reply_to_id"`
}

func (d *Dispatcher) handleSendChannelMessage(_ context.Context, s session, data json.RawMessage) error {
	var p sendChannelMessagePayload
	if err := decode(data, &p); err != nil {
		return reject(err, "Invalid message")
	}
	body := chatlog.Truncate(strings.TrimSpace(p.Message), d.maxLength)
	if p.ChannelID == "" || body == "" {
		return reject(errInvalidPayload, "Invalid message")
	}

	if !d.limiter.Allow(s.identity.Key()) {
		return reject(ErrRateLimited, "You are sending messages too quickly. Please wait a moment.")
	}
	if d.filter.Disallowed(body) {
		return reject(ErrContentRejected, "Your message contains inappropriate content")
	}

	var replyTo uint64
	if p.ReplyToID != nil {
		replyTo = p.ReplyToID.uint()
	}
	if _, err := d.channels.Post(string(p.ChannelID), s.identity, body, replyTo); err != nil {
		return reject(err, "Channel not found")
	}
	return nil
}

type loadChannelMessagesPayload struct {
	ChannelID flexID  `json:"channel_id"`
	LastID    *flexID `json:"last_id"`
}

func (d *Dispatcher) handleLoadChannelMessages(_ context.Context, s session, data json.RawMessage) error {
	var p loadChannelMessagesPayload
	if err := decode(data, &p); err != nil {
		return reject(err, "Channel not found")
	}
	var cursor uint64
	if p.LastID != nil {
		cursor = p.LastID.uint()
	}
	msgs, err := d.channels.Messages(string(p.ChannelID), cursor)
	if err != nil {
		return reject(err, "Channel not found")
	}
	return d.reply(s, eventChannelOlderMessages, msgs)
}

func (d *Dispatcher) handleGetUserChannels(_ context.Context, s session, _ json.RawMessage) error {
	uc, err := d.channels.UserChannels(s.identity)
	if err != nil {
		return reject(err, "User data not found")
	}
	return d.reply(s, eventUserChannels, uc)
}

// Stats.

func (d *Dispatcher) handleSubscribeStats(ctx context.Context, s session, _ json.RawMessage) error {
	snap, err := d.stats.Subscribe(ctx, s.client.namespace)
	if err != nil {
		return reject(err, "Stats are unavailable right now")
	}
	return d.reply(s, stats.EventName, snap)
}

// Store change hooks. They run under the owning store's lock, so the order
// in which they queue broadcasts is the commit order.

func (d *Dispatcher) publishChatChange(c chatlog.Change) {
	switch c.Kind {
	case chatlog.Appended:
		d.hub.Publish(NamespaceChat, eventChatMessage, newMessageView(c.Message))
	case chatlog.Read:
		d.hub.Publish(NamespaceChat, eventUpdateReadCount, readCountUpdate{ID: c.Message.ID, ReadCount: c.Message.ReadCount})
	case chatlog.Edited:
		d.hub.Publish(NamespaceChat, eventMessageEdited, messageEdit{ID: c.Message.ID, Message: c.Message.Body})
	case chatlog.Deleted:
		d.hub.Publish(NamespaceChat, eventMessageDeleted, messageRef{ID: c.Message.ID})
	}
}

func (d *Dispatcher) publishChannelChange(c channels.Change) {
	switch c.Kind {
	case channels.Created:
		d.hub.Publish(NamespaceChat, eventChannelCreated, c.Summary)
	case channels.Deleted:
		d.hub.Publish(NamespaceChat, eventChannelDeleted, channelRef{ChannelID: c.ChannelID})
	case channels.Posted:
		d.hub.Publish(NamespaceChat, eventChannelMessage, ChannelMessageView{Message: c.Message, ChannelID: c.ChannelID})
	}
}
