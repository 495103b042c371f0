// Package store persists the wager ledger as a JSON file so that wagers
// placed before a restart can still be cancelled afterwards.
//
// Writes use atomic file replacement (write to .tmp, then rename) so the
// file is never left half-written.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"prophetx-mm/pkg/types"
)

const ledgerFile = "wagers.json"

// ledgerDoc is the on-disk layout.
type ledgerDoc struct {
	SavedAt time.Time     `json:"saved_at"`
	Wagers  []types.Wager `json:"wagers"`
}

// Store reads and writes the ledger file in a designated directory.
type Store struct {
	dir string
	mu  sync.Mutex // serializes file operations
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) Path() string { return filepath.Join(s.dir, ledgerFile) }

// SaveWagers atomically replaces the ledger file with ws.
func (s *Store) SaveWagers(ws []types.Wager) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ws == nil {
		ws = []types.Wager{}
	}
	data, err := json.MarshalIndent(ledgerDoc{SavedAt: time.Now().UTC(), Wagers: ws}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wagers: %w", err)
	}

	path := s.Path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write wagers: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace wagers: %w", err)
	}
	return nil
}

// LoadWagers returns the saved ledger, or nil if nothing was saved yet.
func (s *Store) LoadWagers() ([]types.Wager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read wagers: %w", err)
	}

	var doc ledgerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal wagers: %w", err)
	}
	return doc.Wagers, nil
}
