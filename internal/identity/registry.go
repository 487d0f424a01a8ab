// Package identity binds usernames to network addresses. One record exists per
// address, holding the usernames that address claimed in claim order and, per
// username, the channels it created and joined.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/nexushub/internal/jsonfile"
	"github.com/Tyrowin/nexushub/internal/metrics"
)

var (
	ErrEmptyUsername   = errors.New("identity: username cannot be empty")
	ErrUsernameTaken   = errors.New("identity: username already taken")
	ErrUnknownIdentity = errors.New("identity: no such identity")
)

// Identity is the (address, username) pair a participant uses for a session.
type Identity struct {
	Address  string `json:"address"`
	Username string `json:"username"`
}

// Key returns the rate-limit key for the identity.
func (id Identity) Key() string {
	return id.Address + "|" + id.Username
}

// Membership lists the channel ids a username created and joined. A created
// channel is always also joined.
type Membership struct {
	Created []string `json:"created"`
	Joined  []string `json:"joined"`
}

// Registry is the sole owner and writer of the users file.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*account
	order    []*account
	owners   map[string]string
	version  uint64

	writer *jsonfile.Writer
	logger zerolog.Logger
}

// Open loads the users file at path. An empty path keeps the registry in
// memory only. A file that exists but cannot be decoded is an error.
func Open(path string, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{
		accounts: make(map[string]*account),
		owners:   make(map[string]string),
		logger:   logger.With().Str("component", "identity").Logger(),
	}
	if path == "" {
		return r, nil
	}
	r.writer = jsonfile.NewWriter(path)

	data, err := jsonfile.ReadIfExists(path)
	if err != nil {
		return nil, err
	}
	accounts, err := decodeUsers(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	for _, acct := range accounts {
		r.accounts[acct.address] = acct
		r.order = append(r.order, acct)
		for _, u := range acct.users {
			if _, taken := r.owners[u.name]; !taken {
				r.owners[u.name] = acct.address
			}
		}
	}

	r.logger.Info().
		Int("addresses", len(r.order)).
		Int("usernames", len(r.owners)).
		Msg("users loaded")
	return r, nil
}

// Claim binds username to address. A username held by another address is
// rejected; reclaiming one of the address's own usernames succeeds without
// changing claim order.
func (r *Registry) Claim(address, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrEmptyUsername
	}

	r.mu.Lock()
	if owner, taken := r.owners[username]; taken && owner != address {
		r.mu.Unlock()
		return ErrUsernameTaken
	}
	acct, ok := r.accounts[address]
	if !ok {
		acct = &account{address: address}
		r.accounts[address] = acct
		r.order = append(r.order, acct)
	}
	if acct.find(username) == nil {
		acct.users = append(acct.users, newUser(username))
	}
	r.owners[username] = address
	version, data, err := r.snapshotLocked()
	r.mu.Unlock()

	metrics.IdentitiesClaimed.Inc()
	r.persist(version, data, err)
	return nil
}

// Usernames returns the usernames claimed by address in claim order.
func (r *Registry) Usernames(address string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[address]
	if !ok {
		return []string{}
	}
	names := make([]string, 0, len(acct.users))
	for _, u := range acct.users {
		names = append(names, u.name)
	}
	return names
}

// MostRecent returns the last username claimed by address.
func (r *Registry) MostRecent(address string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[address]
	if !ok || len(acct.users) == 0 {
		return "", false
	}
	return acct.users[len(acct.users)-1].name, true
}

// Verify reports whether username is registered for address.
func (r *Registry) Verify(id Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acct, ok := r.accounts[id.Address]
	return ok && acct.find(id.Username) != nil
}

// Exists reports whether any address holds username.
func (r *Registry) Exists(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.owners[username]
	return ok
}

// Channels returns a copy of the identity's channel membership.
func (r *Registry) Channels(id Identity) (Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u := r.lookupLocked(id)
	if u == nil {
		return Membership{}, ErrUnknownIdentity
	}
	return Membership{
		Created: append([]string{}, u.record.Channels.Created...),
		Joined:  append([]string{}, u.record.Channels.Joined...),
	}, nil
}

// AddCreatedChannel records channelID as created and joined by id.
func (r *Registry) AddCreatedChannel(id Identity, channelID string) error {
	return r.mutate(id, func(m *Membership) bool {
		changed := false
		if !contains(m.Created, channelID) {
			m.Created = append(m.Created, channelID)
			changed = true
		}
		if !contains(m.Joined, channelID) {
			m.Joined = append(m.Joined, channelID)
			changed = true
		}
		return changed
	})
}

// JoinChannel records channelID as joined by id.
func (r *Registry) JoinChannel(id Identity, channelID string) error {
	return r.mutate(id, func(m *Membership) bool {
		if contains(m.Joined, channelID) {
			return false
		}
		m.Joined = append(m.Joined, channelID)
		return true
	})
}

// LeaveChannel drops channelID from the joined list. Creators stay joined.
func (r *Registry) LeaveChannel(id Identity, channelID string) error {
	return r.mutate(id, func(m *Membership) bool {
		if contains(m.Created, channelID) {
			return false
		}
		var removed bool
		m.Joined, removed = remove(m.Joined, channelID)
		return removed
	})
}

// RemoveChannel drops channelID from every identity's created and joined lists.
func (r *Registry) RemoveChannel(channelID string) int {
	r.mu.Lock()
	touched := 0
	for _, acct := range r.order {
		for _, u := range acct.users {
			var c, j bool
			u.record.Channels.Created, c = remove(u.record.Channels.Created, channelID)
			u.record.Channels.Joined, j = remove(u.record.Channels.Joined, channelID)
			if c || j {
				touched++
			}
		}
	}
	if touched == 0 {
		r.mu.Unlock()
		return 0
	}
	version, data, err := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(version, data, err)
	return touched
}

// MemberCount returns how many identities joined channelID.
func (r *Registry) MemberCount(channelID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, acct := range r.order {
		for _, u := range acct.users {
			if contains(u.record.Channels.Joined, channelID) {
				n++
			}
		}
	}
	return n
}

// ReferencedChannelIDs returns every channel id mentioned by any identity.
func (r *Registry) ReferencedChannelIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var ids []string
	for _, acct := range r.order {
		for _, u := range acct.users {
			for _, list := range [][]string{u.record.Channels.Created, u.record.Channels.Joined} {
				for _, id := range list {
					if _, ok := seen[id]; ok {
						continue
					}
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
	}
	return ids
}

// AddressCount returns the number of distinct addresses with a record.
func (r *Registry) AddressCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// UsernameCount returns the number of claimed usernames.
func (r *Registry) UsernameCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

func (r *Registry) mutate(id Identity, fn func(m *Membership) bool) error {
	r.mu.Lock()
	u := r.lookupLocked(id)
	if u == nil {
		r.mu.Unlock()
		return ErrUnknownIdentity
	}
	if !fn(&u.record.Channels) {
		r.mu.Unlock()
		return nil
	}
	version, data, err := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(version, data, err)
	return nil
}

func (r *Registry) lookupLocked(id Identity) *user {
	acct, ok := r.accounts[id.Address]
	if !ok {
		return nil
	}
	return acct.find(id.Username)
}

func (r *Registry) snapshotLocked() (uint64, []byte, error) {
	if r.writer == nil {
		return 0, nil, nil
	}
	r.version++
	data, err := encodeUsers(r.order)
	return r.version, data, err
}

// persist runs without r.mu held. Failures are logged; memory stays authoritative.
func (r *Registry) persist(version uint64, data []byte, encodeErr error) {
	if r.writer == nil {
		return
	}
	err := encodeErr
	if err == nil {
		err = r.writer.Write(version, data)
	}
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("identity").Inc()
		r.logger.Error().Err(err).Str("path", r.writer.Path()).Msg("failed to persist users")
	}
}
