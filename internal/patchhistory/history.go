// Package patchhistory tracks the last applied patch so the exec-apply
// path can undo it. Patch parsing and application live in a higher layer;
// this store only holds the opaque patch text and the files it touched,
// serialized to a single JSON file under the state root.
package patchhistory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is the last applied patch.
type Entry struct {
	AppliedAt time.Time `json:"applied_at"`
	Patch     string    `json:"patch"`
	Files     []string  `json:"files"`
	Summary   string    `json:"summary,omitempty"`
}

// Store persists the last applied patch to a JSON file. Only one entry is
// retained: recording a new patch replaces the previous one, matching
// single-level undo semantics.
type Store struct {
	mu   sync.Mutex
	path string
}

// New creates a store writing to path. The file is created lazily on the
// first Record.
func New(path string) *Store {
	return &Store{path: path}
}

// Record replaces the stored entry with entry, stamping AppliedAt if the
// caller left it zero.
func (s *Store) Record(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.AppliedAt.IsZero() {
		entry.AppliedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal patch history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create patch history dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write patch history: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("swap patch history: %w", err)
	}
	return nil
}

// Last returns the stored entry, or ok=false when no patch has been
// recorded (or the history was consumed by Take).
func (s *Store) Last() (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Take returns the stored entry and clears the history, so a completed
// undo cannot be replayed.
func (s *Store) Take() (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok, err := s.read()
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	if err := os.Remove(s.path); err != nil {
		return Entry{}, false, fmt.Errorf("clear patch history: %w", err)
	}
	return entry, true, nil
}

func (s *Store) read() (Entry, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read patch history: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("parse patch history: %w", err)
	}
	return entry, true, nil
}
