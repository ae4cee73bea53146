/**
 * Result Cache
 *
 * Content-addressed cache of final pipeline results keyed by image content
 * and canonical options. Entries expire by age on read and are evicted in
 * least-recently-accessed order to below 80% of the caps under pressure.
 * An optional L2 Store (Redis) is written through and read on L1 miss.
 */

package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/adverant/nexus/questionprocess-worker/internal/logging"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

// Config holds cache limits
type Config struct {
	MaxEntries int
	MaxBytes   int64
	MaxAge     time.Duration
	// EvictTarget is the fraction of each cap to evict down to
	EvictTarget float64
}

// DefaultConfig returns production cache limits
func DefaultConfig() Config {
	return Config{
		MaxEntries:  500,
		MaxBytes:    64 << 20,
		MaxAge:      24 * time.Hour,
		EvictTarget: 0.8,
	}
}

// Store is a shared second-level cache
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Stats are cumulative counters
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Bytes     int64
}

// storedEntry is the L2 encoding; Created travels with the result so an
// entry promoted from the store keeps its original age
type storedEntry struct {
	Created time.Time             `json:"created"`
	Result  *model.PipelineResult `json:"result"`
}

type entry struct {
	key          string
	result       *model.PipelineResult
	size         int64
	created      time.Time
	lastAccessed time.Time
}

// Cache is an in-memory LRU with optional write-through Store
type Cache struct {
	mu    sync.Mutex
	cfg   Config
	ll    *list.List
	items map[string]*list.Element
	bytes int64
	stats Stats

	store  Store
	logger *logging.Logger
	now    func() time.Time
}

// New creates a cache. store may be nil.
func New(cfg Config, store Store, logger *logging.Logger) *Cache {
	def := DefaultConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.EvictTarget <= 0 || cfg.EvictTarget >= 1 {
		cfg.EvictTarget = def.EvictTarget
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Cache{
		cfg:    cfg,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// ImageHash is the hex sha256 of the image bytes
func ImageHash(image []byte) string {
	sum := sha256.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// Key combines the image hash with the canonical options hash
func Key(image []byte, opts model.Options) string {
	sum := sha256.Sum256([]byte(ImageHash(image) + opts.Hash()))
	return hex.EncodeToString(sum[:])
}

// Get returns a copy of the cached result with FromCache set
func (c *Cache) Get(ctx context.Context, image []byte, opts model.Options) (*model.PipelineResult, bool) {
	key := Key(image, opts)
	if res, ok := c.getLocal(key); ok {
		return res, true
	}

	if c.store != nil {
		data, ok, err := c.store.Get(ctx, key)
		if err != nil {
			c.logger.Warn("Cache store read failed", "key", key[:12], "error", err)
		} else if ok {
			var stored storedEntry
			if err := json.Unmarshal(data, &stored); err != nil || stored.Result == nil || stored.Created.IsZero() {
				c.logger.Warn("Cache store entry undecodable", "key", key[:12], "error", err)
			} else if c.now().Sub(stored.Created) <= c.cfg.MaxAge {
				res := stored.Result
				c.insert(key, res, int64(len(data)), stored.Created)
				out := res.Clone()
				out.ProcessingInfo.FromCache = true
				c.mu.Lock()
				c.stats.Hits++
				c.stats.Misses--
				c.mu.Unlock()
				return out, true
			}
		}
	}
	return nil, false
}

func (c *Cache) getLocal(key string) (*model.PipelineResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	e := el.Value.(*entry)
	now := c.now()
	if now.Sub(e.created) > c.cfg.MaxAge {
		c.removeElement(el)
		c.stats.Misses++
		return nil, false
	}
	e.lastAccessed = now
	c.ll.MoveToFront(el)
	c.stats.Hits++

	out := e.result.Clone()
	out.ProcessingInfo.FromCache = true
	return out, true
}

// Set stores a copy of result. It reports false when the result cannot be
// cached, for example when it alone exceeds the byte cap.
func (c *Cache) Set(ctx context.Context, image []byte, opts model.Options, result *model.PipelineResult) bool {
	if result == nil {
		return false
	}
	stored := result.Clone()
	stored.ProcessingInfo.FromCache = false
	stored.ProcessingInfo.DuplicateImage = false
	stored.ProcessingInfo.RequestID = ""

	created := c.now()
	data, err := json.Marshal(storedEntry{Created: created, Result: stored})
	if err != nil {
		c.logger.Warn("Cache entry not encodable", "error", err)
		return false
	}
	if int64(len(data)) > c.cfg.MaxBytes {
		return false
	}

	key := Key(image, opts)
	c.insert(key, stored, int64(len(data)), created)

	if c.store != nil {
		if err := c.store.Set(ctx, key, data, c.cfg.MaxAge); err != nil {
			c.logger.Warn("Cache store write failed", "key", key[:12], "error", err)
		}
	}
	return true
}

func (c *Cache) insert(key string, result *model.PipelineResult, size int64, created time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.items[key]; ok {
		// same key may race; last writer wins
		c.removeElement(el)
	}
	el := c.ll.PushFront(&entry{key: key, result: result, size: size, created: created, lastAccessed: now})
	c.items[key] = el
	c.bytes += size

	c.pruneExpiredLocked(now)
	if len(c.items) > c.cfg.MaxEntries || c.bytes > c.cfg.MaxBytes {
		c.evictLocked()
	}
}

// evictLocked removes least recently accessed entries until both counts are
// strictly below the eviction target. The newest entry is always kept.
func (c *Cache) evictLocked() {
	targetEntries := int(float64(c.cfg.MaxEntries) * c.cfg.EvictTarget)
	targetBytes := int64(float64(c.cfg.MaxBytes) * c.cfg.EvictTarget)

	for len(c.items) > 1 && (len(c.items) >= targetEntries || c.bytes >= targetBytes) {
		back := c.ll.Back()
		if back == nil {
			return
		}
		c.removeElement(back)
		c.stats.Evictions++
	}
}

// pruneExpiredLocked drops expired entries from the cold end
func (c *Cache) pruneExpiredLocked(now time.Time) {
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if e := el.Value.(*entry); now.Sub(e.created) > c.cfg.MaxAge {
			c.removeElement(el)
		}
		el = prev
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.bytes -= e.size
}

// Len is the number of cached entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.items)
	s.Bytes = c.bytes
	return s
}
