package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrCorruptFile is returned by Open when the users file cannot be decoded.
var ErrCorruptFile = errors.New("identity: corrupt users file")

var emptyChat = json.RawMessage(`{}`)

// userRecord is the per-username document of the users file.
type userRecord struct {
	UsernamesCreated []string        `json:"usernames_created"`
	Chat             json.RawMessage `json:"Chat,omitempty"`
	Channels         Membership      `json:"Channels"`
}

type user struct {
	name   string
	record userRecord
}

type account struct {
	address string
	users   []*user
}

// decodeUsers reads the users file. Two schemas are accepted and told apart by
// the shape of each address entry:
//
//	{"10.0.0.1": ["alice", "al"]}                       legacy list of usernames
//	{"10.0.0.1": {"alice": {"usernames_created": ...}}} nested records
//
// Key order is significant (it is claim order), so objects are read token by
// token instead of through a map.
func decodeUsers(data []byte) ([]*account, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var accounts []*account
	err := decodeOrderedObject(data, func(address string, raw json.RawMessage) error {
		acct, err := decodeAccount(address, raw)
		if err != nil {
			return err
		}
		accounts = append(accounts, acct)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return accounts, nil
}

func decodeAccount(address string, raw json.RawMessage) (*account, error) {
	acct := &account{address: address}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("address %q: empty entry", address)
	}

	switch trimmed[0] {
	case '[':
		var names []string
		if err := json.Unmarshal(trimmed, &names); err != nil {
			return nil, fmt.Errorf("address %q: %w", address, err)
		}
		for _, name := range names {
			if acct.find(name) != nil {
				continue
			}
			acct.users = append(acct.users, newUser(name))
		}
	case '{':
		err := decodeOrderedObject(trimmed, func(name string, raw json.RawMessage) error {
			u := newUser(name)
			if err := json.Unmarshal(raw, &u.record); err != nil {
				return fmt.Errorf("address %q user %q: %w", address, name, err)
			}
			u.record.normalize(name)
			acct.users = append(acct.users, u)
			return nil
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("address %q: unexpected value", address)
	}
	return acct, nil
}

func decodeOrderedObject(data []byte, fn func(key string, raw json.RawMessage) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("expected JSON object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return errors.New("expected object key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after object")
	}
	return nil
}

// encodeUsers always writes the nested schema.
func encodeUsers(accounts []*account) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, acct := range accounts {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, acct.address); err != nil {
			return nil, err
		}
		buf.WriteByte('{')
		for j, u := range acct.users {
			if j > 0 {
				buf.WriteByte(',')
			}
			if err := writeKey(&buf, u.name); err != nil {
				return nil, err
			}
			rec, err := json.Marshal(u.record)
			if err != nil {
				return nil, err
			}
			buf.Write(rec)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, key string) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	return nil
}

func newUser(name string) *user {
	u := &user{name: name}
	u.record.normalize(name)
	return u
}

func (r *userRecord) normalize(name string) {
	if len(r.Chat) == 0 {
		r.Chat = emptyChat
	}
	if r.Channels.Created == nil {
		r.Channels.Created = []string{}
	}
	if r.Channels.Joined == nil {
		r.Channels.Joined = []string{}
	}
	if !contains(r.UsernamesCreated, name) {
		r.UsernamesCreated = append(r.UsernamesCreated, name)
	}
}

func (a *account) find(name string) *user {
	for _, u := range a.users {
		if u.name == name {
			return u
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) ([]string, bool) {
	out := list[:0]
	removed := false
	for _, item := range list {
		if item == v {
			removed = true
			continue
		}
		out = append(out, item)
	}
	return out, removed
}
