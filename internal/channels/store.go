// Package channels manages user-created topic channels. Each channel keeps its
// full message history; the whole channels file is rewritten after every
// change. Membership lives on identity records and is updated through the
// identity registry.
package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/chatlog"
	"github.com/Tyrowin/nexushub/internal/identity"
	"github.com/Tyrowin/nexushub/internal/jsonfile"
	"github.com/Tyrowin/nexushub/internal/metrics"
)

const DefaultPageSize = 100

var (
	ErrNotFound     = errors.New("channels: channel not found")
	ErrUnauthorized = errors.New("channels: only the creator may delete a channel")
	ErrEmptyTitle   = errors.New("channels: title cannot be empty")
	ErrCorruptFile  = errors.New("channels: corrupt channels file")
)

// Registry is the part of the identity registry the channel store mutates.
type Registry interface {
	AddCreatedChannel(id identity.Identity, channelID string) error
	JoinChannel(id identity.Identity, channelID string) error
	LeaveChannel(id identity.Identity, channelID string) error
	RemoveChannel(channelID string) int
	MemberCount(channelID string) int
	Channels(id identity.Identity) (identity.Membership, error)
	ReferencedChannelIDs() []string
}

// Message is a channel message as stored in the channels file.
type Message struct {
	ID              uint64        `json:"id"`
	Username        string        `json:"username"`
	Message         string        `json:"message"`
	Timestamp       jsonfile.Time `json:"timestamp"`
	ReadCount       int           `json:"read_count"`
	ReadUsers       []string      `json:"read_users"`
	ReplyToID       *uint64       `json:"reply_to_id"`
	ReplyToUsername string        `json:"reply_to_username,omitempty"`
	IPAddress       string        `json:"ip_address"`
	Edited          bool          `json:"edited"`
}

type channel struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Tags        []string      `json:"tags"`
	Creator     string        `json:"creator"`
	CreatedAt   jsonfile.Time `json:"created_at"`
	Messages    []Message     `json:"messages"`
}

// Summary describes a channel without its messages.
type Summary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Creator     string   `json:"creator"`
	MemberCount int      `json:"member_count"`
}

// UserChannels splits an identity's channels into those it created and those
// it only joined.
type UserChannels struct {
	Created []Summary `json:"created"`
	Joined  []Summary `json:"joined"`
}

// ChangeKind identifies a committed mutation.
type ChangeKind int

const (
	Created ChangeKind = iota + 1
	Deleted
	Posted
)

// Change describes a committed mutation.
type Change struct {
	Kind      ChangeKind
	ChannelID string
	Summary   Summary
	Message   Message
}

// Options configures a Store. Zero values select the defaults.
type Options struct {
	// Path of the channels file. Empty keeps channels in memory only.
	Path      string
	MaxLength int
	PageSize  int
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Store owns the channel map and is the only writer of the channels file.
type Store struct {
	mu       sync.RWMutex
	channels map[string]*channel
	nextID   uint64
	version  uint64
	onChange []func(Change)

	registry  Registry
	writer    *jsonfile.Writer
	maxLength int
	pageSize  int
	now       func() time.Time
	logger    zerolog.Logger
}

// Open loads the channels file. New ids continue after the highest id found in
// the file or referenced by any identity, so a deleted id is not handed out
// again while stale references to it may exist.
func Open(registry Registry, opts Options) (*Store, error) {
	s := &Store{
		channels:  make(map[string]*channel),
		nextID:    1,
		registry:  registry,
		maxLength: opts.MaxLength,
		pageSize:  opts.PageSize,
		now:       opts.Now,
		logger:    opts.Logger.With().Str("component", "channels").Logger(),
	}
	if s.maxLength <= 0 {
		s.maxLength = chatlog.DefaultMaxLength
	}
	if s.pageSize <= 0 {
		s.pageSize = DefaultPageSize
	}
	if s.now == nil {
		s.now = time.Now
	}

	if opts.Path != "" {
		s.writer = jsonfile.NewWriter(opts.Path)
		data, err := jsonfile.ReadIfExists(opts.Path)
		if err != nil {
			return nil, err
		}
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, &s.channels); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrCorruptFile, opts.Path, err)
			}
		}
		for id, ch := range s.channels {
			if ch == nil {
				return nil, fmt.Errorf("%w: %s: channel %q is null", ErrCorruptFile, opts.Path, id)
			}
			normalize(ch)
		}
	}

	ids := registry.ReferencedChannelIDs()
	for id := range s.channels {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if n, err := strconv.ParseUint(id, 10, 64); err == nil && n >= s.nextID {
			s.nextID = n + 1
		}
	}

	s.logger.Info().
		Int("channels", len(s.channels)).
		Uint64("next_id", s.nextID).
		Msg("channels loaded")
	return s, nil
}

// OnChange registers fn to run after each committed create, delete or post.
// fn runs with the store mutex held and must not call back into the Store.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Create registers a new channel and records creator as its creator and
// member. A failure to update the creator's record is logged; the channel
// still exists.
func (s *Store) Create(title, description string, tags []string, creator identity.Identity) (Summary, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Summary{}, ErrEmptyTitle
	}

	s.mu.Lock()
	id := strconv.FormatUint(s.nextID, 10)
	s.nextID++
	ch := &channel{
		Title:       title,
		Description: strings.TrimSpace(description),
		Tags:        cleanTags(tags),
		Creator:     creator.Username,
		CreatedAt:   jsonfile.Time{Time: s.now()},
		Messages:    []Message{},
	}
	s.channels[id] = ch
	summary := summarize(id, ch, 1)
	s.notifyLocked(Change{Kind: Created, ChannelID: id, Summary: summary})
	version, data, err := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(version, data, err)
	if err := s.registry.AddCreatedChannel(creator, id); err != nil {
		s.logger.Warn().Err(err).
			Str("channel", id).
			Str("creator", creator.Username).
			Msg("channel created but creator record not updated")
	}
	metrics.ChannelsCreated.Inc()
	return summary, nil
}

// Delete removes a channel created by requester and drops it from every
// identity's lists.
func (s *Store) Delete(channelID string, requester identity.Identity) error {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if ch.Creator != requester.Username {
		s.mu.Unlock()
		return ErrUnauthorized
	}
	delete(s.channels, channelID)
	s.notifyLocked(Change{Kind: Deleted, ChannelID: channelID, Summary: summarize(channelID, ch, 0)})
	version, data, err := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(version, data, err)
	s.registry.RemoveChannel(channelID)
	return nil
}

// Join adds channelID to the identity's joined list.
func (s *Store) Join(channelID string, id identity.Identity) error {
	if !s.exists(channelID) {
		return ErrNotFound
	}
	return s.registry.JoinChannel(id, channelID)
}

// Leave drops channelID from the identity's joined list. Creators cannot
// leave their own channel; for them Leave changes nothing.
func (s *Store) Leave(channelID string, id identity.Identity) error {
	return s.registry.LeaveChannel(id, channelID)
}

// Post appends a message to a channel. Channel message ids start at 1 and are
// local to the channel.
func (s *Store) Post(channelID string, author identity.Identity, body string, replyTo uint64) (Message, error) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return Message{}, ErrNotFound
	}

	var nextID uint64 = 1
	if n := len(ch.Messages); n > 0 {
		nextID = ch.Messages[n-1].ID + 1
	}
	msg := Message{
		ID:        nextID,
		Username:  author.Username,
		Message:   chatlog.Truncate(body, s.maxLength),
		Timestamp: jsonfile.Time{Time: s.now()},
		ReadUsers: []string{},
		IPAddress: author.Address,
	}
	if replyTo != 0 {
		r := replyTo
		msg.ReplyToID = &r
		for i := range ch.Messages {
			if ch.Messages[i].ID == replyTo {
				msg.ReplyToUsername = ch.Messages[i].Username
				break
			}
		}
	}
	ch.Messages = append(ch.Messages, msg)
	s.notifyLocked(Change{Kind: Posted, ChannelID: channelID, Message: msg})
	version, data, err := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(version, data, err)
	metrics.MessagesPosted.WithLabelValues("channel").Inc()
	return msg, nil
}

// Messages returns up to the page size of the most recent messages with an id
// below before, oldest first. A zero before means no upper bound.
func (s *Store) Messages(channelID string, before uint64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Message, 0, len(ch.Messages))
	for _, m := range ch.Messages {
		if before == 0 || m.ID < before {
			out = append(out, m)
		}
	}
	if len(out) > s.pageSize {
		out = out[len(out)-s.pageSize:]
	}
	return out, nil
}

// Search matches query case-insensitively against title, description and id.
// When tags are given, a channel carrying any of them also matches. The result
// is empty, never nil, when nothing matches.
func (s *Store) Search(query string, tags []string) []Summary {
	query = strings.ToLower(strings.TrimSpace(query))
	wanted := make(map[string]struct{})
	for _, tag := range cleanTags(tags) {
		wanted[strings.ToLower(tag)] = struct{}{}
	}

	s.mu.RLock()
	var matched []string
	found := make(map[string]*channel)
	for id, ch := range s.channels {
		if matches(id, ch, query, wanted) {
			matched = append(matched, id)
			found[id] = ch
		}
	}
	s.mu.RUnlock()

	sortIDs(matched)
	results := make([]Summary, 0, len(matched))
	for _, id := range matched {
		results = append(results, summarize(id, found[id], s.registry.MemberCount(id)))
	}
	return results
}

// UserChannels returns summaries of the channels an identity created and,
// separately, those it joined without creating. Ids of channels that no
// longer exist are skipped.
func (s *Store) UserChannels(id identity.Identity) (UserChannels, error) {
	membership, err := s.registry.Channels(id)
	if err != nil {
		return UserChannels{}, err
	}
	created := make(map[string]struct{}, len(membership.Created))
	for _, cid := range membership.Created {
		created[cid] = struct{}{}
	}

	out := UserChannels{Created: []Summary{}, Joined: []Summary{}}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cid := range membership.Created {
		if ch, ok := s.channels[cid]; ok {
			out.Created = append(out.Created, summarize(cid, ch, 0))
		}
	}
	for _, cid := range membership.Joined {
		if _, own := created[cid]; own {
			continue
		}
		if ch, ok := s.channels[cid]; ok {
			out.Joined = append(out.Joined, summarize(cid, ch, 0))
		}
	}
	return out, nil
}

// Get returns the summary of one channel.
func (s *Store) Get(channelID string) (Summary, bool) {
	s.mu.RLock()
	ch, ok := s.channels[channelID]
	s.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}
	return summarize(channelID, ch, s.registry.MemberCount(channelID)), true
}

// Count returns the number of channels.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

func (s *Store) exists(channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channelID]
	return ok
}

func (s *Store) notifyLocked(c Change) {
	for _, fn := range s.onChange {
		fn(c)
	}
}

func (s *Store) snapshotLocked() (uint64, []byte, error) {
	if s.writer == nil {
		return 0, nil, nil
	}
	s.version++
	data, err := json.MarshalIndent(s.channels, "", "  ")
	return s.version, data, err
}

// persist runs without s.mu held.
func (s *Store) persist(version uint64, data []byte, encodeErr error) {
	if s.writer == nil {
		return
	}
	err := encodeErr
	if err == nil {
		err = s.writer.Write(version, data)
	}
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("channels").Inc()
		s.logger.Error().Err(err).Str("path", s.writer.Path()).Msg("failed to persist channels")
	}
}

func matches(id string, ch *channel, query string, tags map[string]struct{}) bool {
	if strings.Contains(strings.ToLower(ch.Title), query) ||
		strings.Contains(strings.ToLower(ch.Description), query) ||
		strings.Contains(strings.ToLower(id), query) {
		return true
	}
	for _, tag := range ch.Tags {
		if _, ok := tags[strings.ToLower(tag)]; ok {
			return true
		}
	}
	return false
}

func summarize(id string, ch *channel, members int) Summary {
	return Summary{
		ID:          id,
		Title:       ch.Title,
		Description: ch.Description,
		Tags:        append([]string{}, ch.Tags...),
		Creator:     ch.Creator,
		MemberCount: members,
	}
}

func normalize(ch *channel) {
	if ch.Tags == nil {
		ch.Tags = []string{}
	}
	if ch.Messages == nil {
		ch.Messages = []Message{}
	}
	for i := range ch.Messages {
		if ch.Messages[i].ReadUsers == nil {
			ch.Messages[i].ReadUsers = []string{}
		}
	}
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

// sortIDs orders numeric ids numerically and anything else after them.
func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.ParseUint(ids[i], 10, 64)
		b, errB := strconv.ParseUint(ids[j], 10, 64)
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		default:
			return ids[i] < ids[j]
		}
	})
}
