package optimizer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pgbridge/pgbridge/pkg/engine"
)

// cacheEntry holds one cached result, either as-is or as a compressed
// serialized payload (blob non-nil). An entry is logically expired when
// now > createdAt + ttl; expired entries are never served.
type cacheEntry struct {
	key       string
	data      *engine.Result
	blob      []byte
	createdAt time.Time
	ttl       time.Duration
	hitCount  int64
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// Cache is a TTL result cache with a maximum entry count. When full, the
// single oldest entry by creation time is evicted before insert; last-access
// time is tracked only as a hit count for observability. Large results are
// held compressed when compression is enabled and pays for itself.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	maxEntries int
	defaultTTL time.Duration

	compressMin   int
	compressRatio float64
}

func NewCache(maxEntries int, defaultTTL time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
	}
}

// SetCompression enables transparent compression of entries whose serialized
// size reaches minSize bytes. A non-positive minSize disables it.
func (c *Cache) SetCompression(minSize int, ratio float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compressMin = minSize
	c.compressRatio = ratio
}

// Get returns the cached result for key, evicting it lazily when expired.
func (c *Cache) Get(key string) (*engine.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[key]
	if !found {
		return nil, false
	}
	if entry.expired(time.Now()) {
		delete(c.entries, key)
		return nil, false
	}

	if entry.blob != nil {
		result, err := decodeEntry(entry.blob)
		if err != nil {
			delete(c.entries, key)
			return nil, false
		}
		entry.hitCount++
		return result, true
	}

	entry.hitCount++
	return entry.data, true
}

// Set stores a result under key. A zero ttl uses the cache default.
func (c *Cache) Set(key string, data *engine.Result, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	entry := &cacheEntry{
		key:       key,
		data:      data,
		createdAt: time.Now(),
		ttl:       ttl,
	}
	if blob, ok := c.compressLocked(data); ok {
		entry.data = nil
		entry.blob = blob
	}
	c.entries[key] = entry
}

// compressLocked serializes a large result and keeps the compressed form
// when it wins. Results too small, incompressible, or unserializable stay in
// their structured form.
func (c *Cache) compressLocked(data *engine.Result) ([]byte, bool) {
	if c.compressMin <= 0 || data == nil {
		return nil, false
	}
	payload, err := json.Marshal(data.Rows)
	if err != nil || len(payload) < c.compressMin {
		return nil, false
	}
	blob := Compress(payload, c.compressMin, c.compressRatio)
	if !IsCompressed(blob) {
		return nil, false
	}
	return blob, true
}

// decodeEntry restores a compressed entry. Values round-trip through JSON,
// arriving exactly as they render on the wire.
func decodeEntry(blob []byte) (*engine.Result, error) {
	payload, err := Decompress(blob)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, err
	}
	return &engine.Result{Rows: rows}, nil
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.createdAt.Before(oldest) {
			oldestKey = key
			oldest = entry.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Sweep removes all expired entries.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}

// StartSweeper runs periodic sweeps until ctx is canceled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}
