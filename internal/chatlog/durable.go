package chatlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Tyrowin/nexushub/internal/jsonfile"
)

const tailProbe = 4096

// durableLog is the on-disk chat log: a JSON array of records. mu serialises
// file access only; it is never held together with the store mutex.
type durableLog struct {
	path string
	mu   sync.Mutex
}

func (l *durableLog) readAll() ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readAllLocked()
}

func (l *durableLog) readAllLocked() ([]Message, error) {
	data, err := jsonfile.ReadIfExists(l.path)
	if err != nil {
		return nil, err
	}
	return decodeLog(data)
}

// append adds msgs to the end of the array in place. Files in any other shape
// (missing, empty, legacy lines) are rewritten in the canonical shape first.
func (l *durableLog) append(msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		return l.rewriteLocked(msgs)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", l.path, err)
	}
	defer f.Close()

	closeAt, empty, ok, err := findArrayEnd(f)
	if err != nil {
		return err
	}
	if !ok {
		existing, err := l.readAllLocked()
		if err != nil {
			return err
		}
		return l.rewriteLocked(append(existing, msgs...))
	}

	var buf bytes.Buffer
	for i, m := range msgs {
		if i > 0 || !empty {
			buf.WriteByte(',')
		}
		buf.WriteString("\n  ")
		if err := writeRecord(&buf, m); err != nil {
			return err
		}
	}
	buf.WriteString("\n]\n")

	if _, err := f.WriteAt(buf.Bytes(), closeAt); err != nil {
		return fmt.Errorf("append %s: %w", l.path, err)
	}
	if err := f.Truncate(closeAt + int64(buf.Len())); err != nil {
		return fmt.Errorf("truncate %s: %w", l.path, err)
	}
	return f.Sync()
}

// replaceTail rewrites the log as every stored message older than the first
// window message followed by the window itself.
func (l *durableLog) replaceTail(window []Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.readAllLocked()
	if err != nil {
		return err
	}
	var floor uint64
	if len(window) > 0 {
		floor = window[0].ID
	}

	merged := make([]Message, 0, len(existing)+len(window))
	for _, m := range dedupe(existing) {
		if floor == 0 || m.ID < floor {
			merged = append(merged, m)
		}
	}
	merged = append(merged, window...)
	return l.rewriteLocked(merged)
}

func (l *durableLog) rewriteLocked(msgs []Message) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, m := range msgs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString("\n  ")
		if err := writeRecord(&buf, m); err != nil {
			return err
		}
	}
	if len(msgs) > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString("]\n")

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	return jsonfile.WriteAtomic(l.path, buf.Bytes())
}

func writeRecord(buf *bytes.Buffer, m Message) error {
	data, err := json.MarshalIndent(toRecord(m), "  ", "  ")
	if err != nil {
		return fmt.Errorf("encode message %d: %w", m.ID, err)
	}
	buf.Write(data)
	return nil
}

// findArrayEnd locates the closing bracket of a JSON array file. ok is false
// when the file is not a JSON array whose end can be found in the last
// tailProbe bytes.
func findArrayEnd(f *os.File) (closeAt int64, empty bool, ok bool, err error) {
	info, err := f.Stat()
	if err != nil {
		return 0, false, false, err
	}
	size := info.Size()
	if size == 0 {
		return 0, false, false, nil
	}

	head := make([]byte, 1)
	for off := int64(0); off < size; off++ {
		if _, err := f.ReadAt(head, off); err != nil {
			return 0, false, false, err
		}
		if !isSpace(head[0]) {
			break
		}
	}
	if head[0] != '[' {
		return 0, false, false, nil
	}

	start := size - tailProbe
	if start < 0 {
		start = 0
	}
	tail := make([]byte, size-start)
	if _, err := f.ReadAt(tail, start); err != nil && err != io.EOF {
		return 0, false, false, err
	}

	i := len(tail) - 1
	for i >= 0 && isSpace(tail[i]) {
		i--
	}
	if i < 0 || tail[i] != ']' {
		return 0, false, false, nil
	}
	closeIdx := i

	i--
	for i >= 0 && isSpace(tail[i]) {
		i--
	}
	if i < 0 {
		return 0, false, false, nil
	}
	return start + int64(closeIdx), tail[i] == '[', true, nil
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t'
}

// dedupe sorts by id and keeps the last occurrence of each id.
func dedupe(msgs []Message) []Message {
	latest := make(map[uint64]Message, len(msgs))
	for _, m := range msgs {
		latest[m.ID] = m
	}
	out := make([]Message, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
