package producer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

// State holds the crash-recovery bookkeeping persisted synchronously on
// every transition so a process restart can detect an interrupted session
type State struct {
	TrackingActive       bool             `json:"tracking_active"`
	IntentionallyStopped bool             `json:"intentionally_stopped"`
	Mode                 fix.TrackingMode `json:"mode"`
	IdleHeartbeatSeconds int64            `json:"idle_heartbeat_s"`
	IdleFullFixSeconds   int64            `json:"idle_full_fix_s"`
}

// StateStore persists engine state across process restarts
type StateStore interface {
	Save(s State) error
	// Load returns the persisted state and whether one existed
	Load() (State, bool, error)
}

// FileStateStore persists state as JSON, written atomically and synced so
// the flags survive a crash
type FileStateStore struct {
	path string
}

// NewFileStateStore creates a store at the given path
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

// Save writes the state synchronously
func (s *FileStateStore) Save(state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("failed to create state temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Load reads the persisted state
func (s *FileStateStore) Load() (State, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("failed to read state file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("failed to decode state file: %w", err)
	}
	return state, true, nil
}

// MemoryStateStore is an in-memory StateStore for tests
type MemoryStateStore struct {
	state State
	saved bool
}

// NewMemoryStateStore creates an empty in-memory store
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

// Save records the state
func (s *MemoryStateStore) Save(state State) error {
	s.state = state
	s.saved = true
	return nil
}

// Load returns the recorded state
func (s *MemoryStateStore) Load() (State, bool, error) {
	return s.state, s.saved, nil
}
