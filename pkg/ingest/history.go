package ingest

import (
	"sort"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

// History bounds for the configurable capacity
const (
	MinHistoryCapacity     = 50
	MaxHistoryCapacity     = 500
	DefaultHistoryCapacity = 100
)

// History is the hub's working trail: a capacity-bounded sequence of
// admitted fixes kept sorted ascending by timestamp. Insertion is
// positional because batched and file-delivered fixes arrive after newer
// interactive ones.
type History struct {
	capacity int
	fixes    []fix.Fix
}

// NewHistory creates a history with the capacity clamped to [50, 500]
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if capacity < MinHistoryCapacity {
		capacity = MinHistoryCapacity
	}
	if capacity > MaxHistoryCapacity {
		capacity = MaxHistoryCapacity
	}
	return &History{capacity: capacity, fixes: make([]fix.Fix, 0, capacity)}
}

// Insert places the fix at its timestamp position and trims the oldest
// entries beyond capacity
func (h *History) Insert(f fix.Fix) {
	i := sort.Search(len(h.fixes), func(i int) bool {
		return h.fixes[i].Timestamp.After(f.Timestamp)
	})
	h.fixes = append(h.fixes, fix.Fix{})
	copy(h.fixes[i+1:], h.fixes[i:])
	h.fixes[i] = f

	if len(h.fixes) > h.capacity {
		overflow := len(h.fixes) - h.capacity
		h.fixes = h.fixes[overflow:]
	}
}

// Len returns the number of fixes held
func (h *History) Len() int {
	return len(h.fixes)
}

// Capacity returns the configured bound
func (h *History) Capacity() int {
	return h.capacity
}

// Snapshot returns a copy of the trail, oldest first
func (h *History) Snapshot() []fix.Fix {
	out := make([]fix.Fix, len(h.fixes))
	copy(out, h.fixes)
	return out
}

// Newest returns the most recent fix by timestamp, or nil when empty
func (h *History) Newest() *fix.Fix {
	if len(h.fixes) == 0 {
		return nil
	}
	f := h.fixes[len(h.fixes)-1]
	return &f
}

// Oldest returns the oldest fix, or nil when empty
func (h *History) Oldest() *fix.Fix {
	if len(h.fixes) == 0 {
		return nil
	}
	f := h.fixes[0]
	return &f
}
