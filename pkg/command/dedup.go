package command

// Dedup is a bounded set of applied command IDs. Duplicate command delivery
// must not double-apply, so the producer checks here before acting.
type Dedup struct {
	capacity int
	ids      map[string]struct{}
	order    []string
}

// NewDedup creates a dedup cache with the given capacity
func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = 128
	}
	return &Dedup{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
	}
}

// Seen records the ID and reports whether it was already applied
func (d *Dedup) Seen(id string) bool {
	if _, ok := d.ids[id]; ok {
		return true
	}
	d.ids[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.ids, oldest)
	}
	return false
}

// Len returns the number of remembered IDs
func (d *Dedup) Len() int {
	return len(d.ids)
}
