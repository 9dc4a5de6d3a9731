package wire

import "sync"

// dedupCapacity bounds the recently-seen set. Gateway resumes replay at most
// a few dozen messages; a thousand ids is comfortable headroom.
const dedupCapacity = 1000

// Dedup is a bounded set of recently seen message ids. Oldest entries are
// evicted first once the capacity is reached.
type Dedup struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	cap   int
}

// NewDedup builds a set bounded at n entries (dedupCapacity when n <= 0).
func NewDedup(n int) *Dedup {
	if n <= 0 {
		n = dedupCapacity
	}
	return &Dedup{seen: make(map[string]struct{}, n), cap: n}
}

// Seen records id and reports whether it was already present.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return false
}
