// Package statestore persists the desired enabled/disabled flag per
// plugin across host restarts.
//
// The document is a flat JSON object mapping plugin name to a boolean
// ("should be enabled"). Every mutation reads the whole document,
// applies the single change, and writes the whole document back through
// an atomic rename, so the file is never left torn. A mutex serializes
// mutations; this is the one shared file in the host that needs one.
package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StoreError wraps a failed read or write of the persisted document.
type StoreError struct {
	Op   string // "read" or "write"
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("state store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Store is a durable plugin-name -> desired-enabled mapping.
type Store struct {
	mu   sync.Mutex
	path string
}

// New creates a store backed by the JSON document at path. The file is
// created lazily on the first write.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the desired state for the plugin. A missing entry (or a
// missing document) defaults to enabled: newly installed plugins start
// on.
func (s *Store) Get(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return true, err
	}

	v := gjson.GetBytes(doc, escapeKey(name))
	if !v.Exists() {
		return true, nil
	}
	return v.Bool(), nil
}

// Has reports whether the document has an explicit entry for the plugin.
func (s *Store) Has(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(doc, escapeKey(name)).Exists(), nil
}

// Set records the desired state for the plugin.
func (s *Store) Set(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	doc, err = sjson.SetBytes(doc, escapeKey(name), enabled)
	if err != nil {
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	return s.write(doc)
}

// Remove deletes the plugin's entry. Removing an absent entry is a
// no-op.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}

	if !gjson.GetBytes(doc, escapeKey(name)).Exists() {
		return nil
	}

	doc, err = sjson.DeleteBytes(doc, escapeKey(name))
	if err != nil {
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	return s.write(doc)
}

// All returns the full name -> desired-enabled mapping.
func (s *Store) All() (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}

	states := make(map[string]bool)
	gjson.ParseBytes(doc).ForEach(func(key, value gjson.Result) bool {
		states[key.String()] = value.Bool()
		return true
	})
	return states, nil
}

// read loads the whole document. A missing file yields an empty object.
// Callers must hold s.mu.
func (s *Store) read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []byte("{}"), nil
		}
		return []byte("{}"), &StoreError{Op: "read", Path: s.path, Err: err}
	}
	if len(data) == 0 {
		return []byte("{}"), nil
	}
	if !gjson.ValidBytes(data) {
		return []byte("{}"), &StoreError{Op: "read", Path: s.path, Err: fmt.Errorf("document is not valid JSON")}
	}
	return data, nil
}

// write replaces the whole document atomically. Callers must hold s.mu.
func (s *Store) write(doc []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".plugin-states-*.json")
	if err != nil {
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return &StoreError{Op: "write", Path: s.path, Err: err}
	}
	return nil
}

// escapeKey protects gjson path metacharacters in plugin names.
func escapeKey(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '.', '*', '?', '\\', '|', '#', '@':
			out = append(out, '\\')
		}
		out = append(out, name[i])
	}
	return string(out)
}
