package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/billbridge/billbridge/internal/billing"
)

// StoredSnapshot is the on-disk record of the last observed billing state.
// It is diagnostic only: the controller re-derives entitlement from live
// purchase data after every restart.
type StoredSnapshot struct {
	Snapshot billing.Snapshot `json:"snapshot"`
	SavedAt  time.Time        `json:"savedAt"`
}

// SnapshotStore persists the latest billing snapshot to billing.json under
// the data directory.
type SnapshotStore struct {
	dataDir string
	mu      sync.RWMutex
}

// NewSnapshotStore creates a file-backed snapshot store rooted at dataDir.
func NewSnapshotStore(dataDir string) *SnapshotStore {
	return &SnapshotStore{dataDir: dataDir}
}

func (s *SnapshotStore) path() string {
	return filepath.Join(s.dataDir, "billing.json")
}

// Load returns the last saved snapshot. A missing or empty file means "no
// state yet" and returns (nil, nil).
func (s *SnapshotStore) Load() (*StoredSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read billing snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var stored StoredSnapshot
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("decode billing snapshot: %w", err)
	}
	return &stored, nil
}

// Save persists snap atomically via a temp file rename.
func (s *SnapshotStore) Save(snap billing.Snapshot) error {
	data, err := json.Marshal(StoredSnapshot{Snapshot: snap, SavedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("encode billing snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	tmpPath := s.path() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp billing snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path()); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit billing snapshot: %w", err)
	}
	return nil
}
