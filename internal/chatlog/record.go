package chatlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Tyrowin/nexushub/internal/jsonfile"
)

// ErrCorruptLog is returned when the durable chat log cannot be decoded.
var ErrCorruptLog = errors.New("chatlog: corrupt chat log")

// record is one message as stored in the chat log file.
type record struct {
	ID              uint64   `json:"id"`
	Username        string   `json:"username"`
	Message         string   `json:"message"`
	Timestamp       string   `json:"timestamp"`
	ReadCount       int      `json:"read_count"`
	ReadUsers       []string `json:"read_users"`
	ReplyToID       *uint64  `json:"reply_to_id"`
	IPAddress       *string  `json:"ip_address"`
	Edited          bool     `json:"edited"`
	Deleted         bool     `json:"deleted,omitempty"`
	ReplyToUsername string   `json:"reply_to_username,omitempty"`
	ReplyToMessage  string   `json:"reply_to_message,omitempty"`
}

func toRecord(m Message) record {
	rec := record{
		ID:              m.ID,
		Username:        m.Author,
		Message:         m.Body,
		Timestamp:       jsonfile.FormatTime(m.CreatedAt),
		ReadCount:       m.ReadCount,
		ReadUsers:       append([]string{}, m.ReadBy...),
		Edited:          m.Edited,
		Deleted:         m.Deleted,
		ReplyToUsername: m.ReplyToAuthor,
		ReplyToMessage:  m.ReplyToBody,
	}
	if m.ReplyToID != 0 {
		id := m.ReplyToID
		rec.ReplyToID = &id
	}
	if m.OriginAddress != "" {
		addr := m.OriginAddress
		rec.IPAddress = &addr
	}
	return rec
}

func (r record) message() (Message, error) {
	created, err := jsonfile.ParseTime(r.Timestamp)
	if err != nil {
		return Message{}, fmt.Errorf("message %d: %w", r.ID, err)
	}
	m := Message{
		ID:            r.ID,
		Author:        r.Username,
		Body:          r.Message,
		CreatedAt:     created,
		Edited:        r.Edited,
		Deleted:       r.Deleted,
		ReadCount:     r.ReadCount,
		ReadBy:        r.ReadUsers,
		ReplyToAuthor: r.ReplyToUsername,
		ReplyToBody:   r.ReplyToMessage,
	}
	if r.ReplyToID != nil {
		m.ReplyToID = *r.ReplyToID
	}
	if r.IPAddress != nil {
		m.OriginAddress = *r.IPAddress
	}
	return m, nil
}

// decodeLog sniffs the file shape: a JSON array of records, an empty JSON
// object left by first-run initialisation, or legacy pipe-delimited lines.
func decodeLog(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var recs []record
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLog, err)
		}
		msgs := make([]Message, 0, len(recs))
		for _, rec := range recs {
			m, err := rec.message()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptLog, err)
			}
			msgs = append(msgs, m)
		}
		return msgs, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil || len(obj) != 0 {
			return nil, fmt.Errorf("%w: unexpected JSON object", ErrCorruptLog)
		}
		return nil, nil
	default:
		return decodeLegacy(trimmed)
	}
}

// decodeLegacy reads lines of the form
//
//	id|username|timestamp|message
//	id|username|timestamp|reply_to_id|message
//	id|username|timestamp|reply_to_id|ip|message
//
// Lines with fewer than four fields are skipped.
func decodeLegacy(data []byte) ([]Message, error) {
	var msgs []Message
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		parts := strings.SplitN(line, "|", 6)
		if len(parts) < 4 {
			continue
		}

		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: bad id %q", ErrCorruptLog, lineNo, parts[0])
		}
		created, err := jsonfile.ParseTime(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorruptLog, lineNo, err)
		}

		m := Message{ID: id, Author: parts[1], CreatedAt: created}
		rest := parts[3:]
		switch len(rest) {
		case 3:
			m.OriginAddress = rest[1]
			m.Body = rest[2]
		case 2:
			m.Body = rest[1]
		default:
			m.Body = rest[0]
		}
		if len(rest) > 1 && rest[0] != "" {
			replyTo, err := strconv.ParseUint(rest[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: bad reply id %q", ErrCorruptLog, lineNo, rest[0])
			}
			m.ReplyToID = replyTo
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptLog, err)
	}
	return msgs, nil
}
