package cache

import (
	"context"
	"sync"
	"time"
)

// DuplicateIndex remembers recently seen image hashes. It is a signal only;
// a duplicate image is still processed or served from cache normally.
type DuplicateIndex interface {
	// Seen records the image and reports whether it was already present
	Seen(ctx context.Context, image []byte) bool
}

// MemoryDuplicateIndex is a bounded in-process DuplicateIndex
type MemoryDuplicateIndex struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	seen       map[string]time.Time
	now        func() time.Time
}

// NewMemoryDuplicateIndex creates an index holding at most maxEntries hashes for ttl
func NewMemoryDuplicateIndex(ttl time.Duration, maxEntries int) *MemoryDuplicateIndex {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &MemoryDuplicateIndex{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
		now:        time.Now,
	}
}

func (d *MemoryDuplicateIndex) Seen(_ context.Context, image []byte) bool {
	hash := ImageHash(image)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[hash]; ok && now.Sub(at) <= d.ttl {
		return true
	}
	if len(d.seen) >= d.maxEntries {
		d.pruneLocked(now)
	}
	d.seen[hash] = now
	return false
}

// pruneLocked drops expired hashes, then the oldest half if still full
func (d *MemoryDuplicateIndex) pruneLocked(now time.Time) {
	var oldest time.Time
	for h, at := range d.seen {
		if now.Sub(at) > d.ttl {
			delete(d.seen, h)
		} else if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}
	if len(d.seen) < d.maxEntries {
		return
	}
	cutoff := oldest.Add(now.Sub(oldest) / 2)
	for h, at := range d.seen {
		if !at.After(cutoff) {
			delete(d.seen, h)
		}
	}
}

// Len is the number of remembered hashes
func (d *MemoryDuplicateIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
