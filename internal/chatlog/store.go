// Package chatlog holds the global chat log: a bounded in-memory window of the
// most recent messages backed by a durable log file that receives every
// message evicted from the window.
package chatlog

import (
	"errors"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/metrics"
)

// DeletedBody replaces the body of a soft-deleted message.
const DeletedBody = "[deleted]"

const (
	DefaultWindow    = 100
	DefaultMaxLength = 200
	DefaultPageSize  = 50
)

var (
	ErrNotFound     = errors.New("chatlog: message not found")
	ErrUnauthorized = errors.New("chatlog: message belongs to another address")
)

// Message is a chat message. ReplyToAuthor and ReplyToBody snapshot the
// replied-to message at send time and are empty when it was not in the window.
// ReadBy lists the readers counted in ReadCount, in the order they were counted.
type Message struct {
	ID            uint64
	Author        string
	Body          string
	CreatedAt     time.Time
	Edited        bool
	Deleted       bool
	ReplyToID     uint64
	ReplyToAuthor string
	ReplyToBody   string
	OriginAddress string
	ReadCount     int
	ReadBy        []string
}

// ChangeKind identifies a committed mutation.
type ChangeKind int

const (
	Appended ChangeKind = iota + 1
	Read
	Edited
	Deleted
)

// Change describes a committed mutation and the message after it.
type Change struct {
	Kind    ChangeKind
	Message Message
}

// Options configures a Store. Zero values select the defaults.
type Options struct {
	// Path of the durable log. Empty keeps evicted messages nowhere.
	Path      string
	Window    int
	MaxLength int
	PageSize  int
	Now       func() time.Time
	Logger    zerolog.Logger
}

type entry struct {
	msg    Message
	readBy map[string]struct{}
	// onDisk is set for entries loaded from the log; dirty marks them changed since.
	onDisk bool
	dirty  bool
}

// Store owns the window and is the only writer of the durable log.
type Store struct {
	mu       sync.Mutex
	window   []*entry
	index    map[uint64]*entry
	nextID   uint64
	onChange []func(Change)

	log       *durableLog
	windowCap int
	maxLength int
	pageSize  int
	now       func() time.Time
	logger    zerolog.Logger
}

// Open loads the durable log, seeds the id sequence from it and keeps the most
// recent messages in the window. A log that cannot be decoded is an error.
func Open(opts Options) (*Store, error) {
	s := &Store{
		index:     make(map[uint64]*entry),
		nextID:    1,
		windowCap: opts.Window,
		maxLength: opts.MaxLength,
		pageSize:  opts.PageSize,
		now:       opts.Now,
		logger:    opts.Logger.With().Str("component", "chatlog").Logger(),
	}
	if s.windowCap <= 0 {
		s.windowCap = DefaultWindow
	}
	if s.maxLength <= 0 {
		s.maxLength = DefaultMaxLength
	}
	if s.pageSize <= 0 {
		s.pageSize = DefaultPageSize
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Path == "" {
		return s, nil
	}

	s.log = &durableLog{path: opts.Path}
	stored, err := s.log.readAll()
	if err != nil {
		return nil, err
	}
	stored = dedupe(stored)
	if n := len(stored); n > 0 {
		s.nextID = stored[n-1].ID + 1
	}
	if len(stored) > s.windowCap {
		stored = stored[len(stored)-s.windowCap:]
	}
	for _, m := range stored {
		e := &entry{msg: m, readBy: readerSet(m.ReadBy), onDisk: true}
		s.window = append(s.window, e)
		s.index[m.ID] = e
	}

	s.logger.Info().
		Int("window", len(s.window)).
		Uint64("next_id", s.nextID).
		Msg("chat log loaded")
	return s, nil
}

// OnChange registers fn to run after each committed mutation. fn runs with
// the store mutex held, so calls arrive in commit order; it must not call
// back into the Store.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Append stores a new message. A non-zero replyTo is resolved against the
// window only. When the window overflows, the oldest message is written to
// the durable log.
func (s *Store) Append(author, body, originAddress string, replyTo uint64) Message {
	s.mu.Lock()
	e := &entry{
		msg: Message{
			ID:            s.nextID,
			Author:        author,
			Body:          Truncate(body, s.maxLength),
			CreatedAt:     s.now(),
			ReplyToID:     replyTo,
			OriginAddress: originAddress,
		},
		readBy: make(map[string]struct{}),
	}
	if replyTo != 0 {
		if target, ok := s.index[replyTo]; ok {
			e.msg.ReplyToAuthor = target.msg.Author
			e.msg.ReplyToBody = target.msg.Body
		}
	}
	s.nextID++
	s.window = append(s.window, e)
	s.index[e.msg.ID] = e

	var evicted *entry
	if len(s.window) > s.windowCap {
		evicted = s.window[0]
		s.window[0] = nil
		s.window = s.window[1:]
		delete(s.index, evicted.msg.ID)
	}
	msg := e.msg
	s.notifyLocked(Change{Kind: Appended, Message: msg})
	s.mu.Unlock()

	if evicted != nil {
		s.spill(evicted)
	}
	return msg
}

// Get returns a message from the window. The durable log is not searched.
func (s *Store) Get(id uint64) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return e.msg, true
}

// MarkRead counts reader as having read message id and returns the new count.
// It reports false, changing nothing, when the message is not in the window,
// reader is its author or reader was already counted.
func (s *Store) MarkRead(id uint64, reader string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok || reader == e.msg.Author {
		return 0, false
	}
	if _, seen := e.readBy[reader]; seen {
		return e.msg.ReadCount, false
	}
	e.readBy[reader] = struct{}{}
	e.msg.ReadBy = append(e.msg.ReadBy, reader)
	e.msg.ReadCount++
	e.dirty = true
	s.notifyLocked(Change{Kind: Read, Message: e.msg})
	return e.msg.ReadCount, true
}

// Edit replaces the body of a message sent from requesterAddress.
func (s *Store) Edit(id uint64, body, requesterAddress string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok || e.msg.Deleted {
		return Message{}, ErrNotFound
	}
	if e.msg.OriginAddress != requesterAddress {
		return Message{}, ErrUnauthorized
	}
	e.msg.Body = Truncate(body, s.maxLength)
	e.msg.Edited = true
	e.dirty = true
	s.notifyLocked(Change{Kind: Edited, Message: e.msg})
	return e.msg, nil
}

// SoftDelete replaces the body of a message sent from requesterAddress with
// DeletedBody. The message keeps its id and stays in the log.
func (s *Store) SoftDelete(id uint64, requesterAddress string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	if e.msg.OriginAddress != requesterAddress {
		return Message{}, ErrUnauthorized
	}
	e.msg.Body = DeletedBody
	e.msg.Deleted = true
	e.dirty = true
	s.notifyLocked(Change{Kind: Deleted, Message: e.msg})
	return e.msg, nil
}

// PageBefore returns up to limit of the most recent messages with an id below
// cursor, oldest first, merging the window with the durable log. A zero cursor
// means no upper bound and a non-positive limit selects the page size. If the
// log cannot be read the failure is logged and only window messages are used.
func (s *Store) PageBefore(cursor uint64, limit int) []Message {
	if limit <= 0 {
		limit = s.pageSize
	}
	below := func(id uint64) bool { return cursor == 0 || id < cursor }

	s.mu.Lock()
	seen := make(map[uint64]struct{}, len(s.window))
	page := make([]Message, 0, len(s.window))
	for _, e := range s.window {
		seen[e.msg.ID] = struct{}{}
		if below(e.msg.ID) {
			page = append(page, e.msg)
		}
	}
	s.mu.Unlock()

	if s.log != nil {
		stored, err := s.log.readAll()
		if err != nil {
			metrics.PersistenceFailures.WithLabelValues("chatlog").Inc()
			s.logger.Error().Err(err).Str("path", s.log.path).Msg("failed to read chat log for paging")
		}
		for _, m := range dedupe(stored) {
			if _, ok := seen[m.ID]; ok || !below(m.ID) {
				continue
			}
			page = append(page, m)
		}
	}

	sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })
	if len(page) > limit {
		page = page[len(page)-limit:]
	}
	return page
}

// FlushAll writes the window to the durable log, replacing any stored copies
// of window messages. It is called once at shutdown.
func (s *Store) FlushAll() error {
	if s.log == nil {
		return nil
	}
	s.mu.Lock()
	window := make([]Message, 0, len(s.window))
	for _, e := range s.window {
		window = append(window, e.msg)
	}
	s.mu.Unlock()

	if err := s.log.replaceTail(window); err != nil {
		metrics.PersistenceFailures.WithLabelValues("chatlog").Inc()
		return err
	}
	s.logger.Info().Int("messages", len(window)).Msg("flushed chat window to disk")
	return nil
}

// LastID returns the id of the most recently appended message, or zero.
func (s *Store) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID - 1
}

// Len returns the number of messages in the window.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.window)
}

func (s *Store) notifyLocked(c Change) {
	for _, fn := range s.onChange {
		fn(c)
	}
}

// spill runs without s.mu held.
func (s *Store) spill(e *entry) {
	metrics.Evictions.Inc()
	if s.log == nil || (e.onDisk && !e.dirty) {
		return
	}
	if err := s.log.append(e.msg); err != nil {
		metrics.PersistenceFailures.WithLabelValues("chatlog").Inc()
		s.logger.Error().Err(err).Uint64("id", e.msg.ID).Msg("failed to spill message to chat log")
	}
}

func readerSet(readers []string) map[string]struct{} {
	set := make(map[string]struct{}, len(readers))
	for _, r := range readers {
		set[r] = struct{}{}
	}
	return set
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
