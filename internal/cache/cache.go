// Package cache stores finished narration containers keyed by text and voice
// parameters, bounded by TTL, entry count and aggregate size.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/observability"
)

// Key identifies a narration. Every field takes part in equality: changing
// any voice parameter is a different narration.
type Key struct {
	TextHash uint64  `json:"text_hash"`
	Language string  `json:"language"`
	Voice    string  `json:"voice"`
	Pitch    float64 `json:"pitch"`
	Pace     float64 `json:"pace"`
}

// HashText returns the content hash used in cache keys
func HashText(text string) uint64 {
	return xxhash.Sum64String(text)
}

// NewKey builds a key for text rendered with the given voice parameters
func NewKey(text, language, voice string, pitch, pace float64) Key {
	return Key{
		TextHash: HashText(text),
		Language: language,
		Voice:    voice,
		Pitch:    pitch,
		Pace:     pace,
	}
}

// Entry is one cached container
type Entry struct {
	Key       Key
	Container []byte
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Config bounds the cache. Zero values disable the corresponding limit.
type Config struct {
	TTL        time.Duration
	MaxEntries int
	MaxBytes   int64
}

// Stats is a snapshot of cache usage
type Stats struct {
	Entries  int     `json:"entries"`
	Bytes    int64   `json:"bytes"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
}

// Cache is a content-addressed LRU with TTL expiry
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	logger  zerolog.Logger
	entries map[Key]*list.Element
	order   *list.List // front is most recently used
	bytes   int64
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// New creates an empty cache
func New(cfg Config, logger zerolog.Logger) *Cache {
	return &Cache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[Key]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the container stored under key, or nil on a miss.
// Expired entries are removed and count as a miss.
func (c *Cache) Get(key Key) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if ok {
		entry := el.Value.(*Entry)
		if c.expired(entry, c.now()) {
			c.remove(el, "expired")
			ok = false
		} else {
			c.order.MoveToFront(el)
			c.hits++
			observability.RecordCacheLookup(true)
			return entry.Container
		}
	}

	c.misses++
	observability.RecordCacheLookup(false)
	return nil
}

// Put stores container under key, evicting expired and then least recently
// used entries until the new entry fits. A container larger than the whole
// byte budget is not cached.
func (c *Cache) Put(key Key, container []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(container))
	if c.cfg.MaxBytes > 0 && size > c.cfg.MaxBytes {
		c.logger.Warn().Int64("size", size).Int64("max_bytes", c.cfg.MaxBytes).Msg("Container exceeds cache budget, not caching")
		return
	}

	if el, ok := c.entries[key]; ok {
		c.remove(el, "replaced")
	}

	now := c.now()
	c.makeRoom(size, now)

	entry := &Entry{
		Key:       key,
		Container: container,
		Size:      size,
		CreatedAt: now,
	}
	if c.cfg.TTL > 0 {
		entry.ExpiresAt = now.Add(c.cfg.TTL)
	}
	c.entries[key] = c.order.PushFront(entry)
	c.bytes += size
	observability.SetCacheBytes(c.bytes)
}

// makeRoom evicts until one more entry of size bytes fits
func (c *Cache) makeRoom(size int64, now time.Time) {
	if !c.overBudget(size) {
		return
	}

	c.purgeExpired(now)

	for c.overBudget(size) {
		oldest := c.order.Back()
		if oldest == nil {
			return
		}
		c.remove(oldest, "lru")
	}
}

func (c *Cache) overBudget(incoming int64) bool {
	if c.cfg.MaxEntries > 0 && c.order.Len()+1 > c.cfg.MaxEntries {
		return true
	}
	return c.cfg.MaxBytes > 0 && c.bytes+incoming > c.cfg.MaxBytes
}

// PurgeExpired removes every expired entry and returns how many were removed
func (c *Cache) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.purgeExpired(c.now())
}

func (c *Cache) purgeExpired(now time.Time) int {
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*Entry), now) {
			c.remove(el, "expired")
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache) expired(e *Entry, now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func (c *Cache) remove(el *list.Element, reason string) {
	entry := c.order.Remove(el).(*Entry)
	delete(c.entries, entry.Key)
	c.bytes -= entry.Size
	observability.SetCacheBytes(c.bytes)
	if reason != "replaced" {
		observability.RecordCacheEviction(reason)
		c.logger.Debug().Str("reason", reason).Int64("size", entry.Size).Msg("Cache entry evicted")
	}
}

// Stats returns a snapshot of cache usage
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries: c.order.Len(),
		Bytes:   c.bytes,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRatio = float64(c.hits) / float64(lookups)
	}
	return s
}

// Clear removes every entry and resets the hit counters
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[Key]*list.Element)
	c.order.Init()
	c.bytes = 0
	c.hits = 0
	c.misses = 0
	observability.SetCacheBytes(0)
}
