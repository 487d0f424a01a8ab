// Package jsonfile persists whole JSON documents to disk. Writes go through a
// temporary file and a rename so a crash never leaves a half-written document.
package jsonfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Writer serialises writes of a single document. Callers snapshot their state
// under their own lock, take a version number, release the lock and then call
// Write; snapshots older than the last one written are discarded.
type Writer struct {
	path    string
	mu      sync.Mutex
	written uint64
}

// NewWriter returns a Writer for the document at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the document location.
func (w *Writer) Path() string {
	return w.path
}

// Write stores data when version is newer than the last stored version.
// A zero version always writes.
func (w *Writer) Write(version uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if version != 0 && version <= w.written {
		return nil
	}
	if err := WriteAtomic(w.path, data); err != nil {
		return err
	}
	if version > w.written {
		w.written = version
	}
	return nil
}

// WriteAtomic replaces the file at path with data.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ReadIfExists returns the file contents, or nil when the file does not exist.
func ReadIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
