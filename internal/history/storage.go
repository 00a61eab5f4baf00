package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JSONStore keeps entries in memory and, when a path is set, mirrors them to
// a JSON file.
type JSONStore struct {
	mu         sync.RWMutex
	path       string
	maxEntries int
	data       *storeData
	now        func() time.Time
}

type storeData struct {
	Entries     []Entry   `json:"entries"` // oldest first
	LastUpdated time.Time `json:"last_updated"`
}

// NewJSONStore creates a store. An empty path keeps history in memory only.
// maxEntries <= 0 keeps everything.
func NewJSONStore(path string, maxEntries int) (*JSONStore, error) {
	s := &JSONStore{
		path:       path,
		maxEntries: maxEntries,
		data:       &storeData{},
		now:        time.Now,
	}

	if path == "" {
		return s, nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading history: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("checking history file: %w", err)
	}
	return s, nil
}

// Load replaces the in-memory entries with the file contents.
func (s *JSONStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	data := &storeData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return err
	}
	s.data = data
	s.trim()
	return nil
}

// Save writes all entries to the file. It is a no-op without a path.
func (s *JSONStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *JSONStore) save() error {
	if s.path == "" {
		return nil
	}
	s.data.LastUpdated = s.now()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	// Write to temp file first
	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o644); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, s.path)
}

// Append records e. The entry is kept in memory even if persisting fails.
func (s *JSONStore) Append(e Entry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Entries = append(s.data.Entries, e)
	s.trim()
	if err := s.save(); err != nil {
		return e, fmt.Errorf("saving history: %w", err)
	}
	return e, nil
}

func (s *JSONStore) trim() {
	if s.maxEntries > 0 && len(s.data.Entries) > s.maxEntries {
		drop := len(s.data.Entries) - s.maxEntries
		s.data.Entries = append([]Entry(nil), s.data.Entries[drop:]...)
	}
}

// Recent returns up to limit entries, newest first.
func (s *JSONStore) Recent(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.data.Entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.data.Entries[i])
	}
	return out
}

// Stats summarizes the retained entries.
func (s *JSONStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, e := range s.data.Entries {
		st.Total++
		switch e.Status {
		case StatusSuccess:
			st.Successes++
		default:
			st.Failures++
		}
		if e.Reversed {
			st.Reversals++
		}
		if e.Time.After(st.LastEntry) {
			st.LastEntry = e.Time
		}
	}
	return st
}
