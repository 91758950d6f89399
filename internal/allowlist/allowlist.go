// Package allowlist maintains the JSON file consumed by the tunnel daemon:
// the set of (board, public port) pairs allowed to open reverse tunnels.
package allowlist

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Entry is one allowed tunnel. Port is serialized as a string because the
// tunnel daemon parses it that way.
type Entry struct {
	Client string `json:"client"`
	Port   string `json:"port"`
}

// Store owns the allowlist file. All writes rewrite the whole file under a
// single descriptor (truncate then write) so readers never see a torn list.
type Store struct {
	path   string
	logger *log.Logger

	mu sync.Mutex
}

// NewStore creates a Store for the file at path. The file is created on the
// first write.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		logger: log.New(os.Stderr, "[allowlist] ", log.LstdFlags|log.Lmsgprefix),
	}
}

// Add records (boardUUID, port). Adding an entry that is already present is
// a no-op.
func (s *Store) Add(boardUUID string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	want := Entry{Client: boardUUID, Port: strconv.Itoa(port)}
	for _, e := range entries {
		if e == want {
			return nil
		}
	}
	entries = append(entries, want)
	if err := s.store(entries); err != nil {
		return err
	}
	s.logger.Printf("allowed board %s on port %d", boardUUID, port)
	return nil
}

// Remove drops (boardUUID, port). Removing an absent entry is a no-op.
func (s *Store) Remove(boardUUID string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	drop := Entry{Client: boardUUID, Port: strconv.Itoa(port)}
	kept := entries[:0]
	for _, e := range entries {
		if e != drop {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	if err := s.store(kept); err != nil {
		return err
	}
	s.logger.Printf("removed board %s from port %d", boardUUID, port)
	return nil
}

// Entries returns the current list.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read allowlist %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse allowlist %s: %w", s.path, err)
	}
	return entries, nil
}

// store rewrites the file in place: truncate, write, sync. The tunnel daemon
// holds the same path open and re-reads it on change.
func (s *Store) store(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open allowlist %s: %w", s.path, err)
	}
	defer f.Close()
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write allowlist %s: %w", s.path, err)
	}
	return f.Sync()
}
