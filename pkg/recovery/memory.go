package recovery

import (
	"context"
	"sync"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

// MemoryStore is an in-memory Store used in tests and as a stand-in when no
// durable backend is configured
type MemoryStore struct {
	mu        sync.Mutex
	latest    map[string]fix.Fix
	available bool
}

// NewMemoryStore creates an available in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{latest: make(map[string]fix.Fix), available: true}
}

// SetAvailable toggles the simulated availability
func (s *MemoryStore) SetAvailable(available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = available
}

// CheckAvailability reports the simulated availability
func (s *MemoryStore) CheckAvailability(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// SaveLatest stores the fix for its device
func (s *MemoryStore) SaveLatest(ctx context.Context, f fix.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[f.DeviceID] = f
	return nil
}

// LoadLatest returns the stored fix for the device, or nil
func (s *MemoryStore) LoadLatest(ctx context.Context, deviceID string) (*fix.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.latest[deviceID]
	if !ok {
		return nil, nil
	}
	out := f
	return &out, nil
}
