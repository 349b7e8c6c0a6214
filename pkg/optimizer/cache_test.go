package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/pkg/engine"
)

func resultWith(id int) *engine.Result {
	return &engine.Result{Rows: []map[string]any{{"id": id}}}
}

func TestCacheGetSet(t *testing.T) {
	c := NewCache(10, time.Minute)

	_, found := c.Get("missing")
	assert.False(t, found)

	c.Set("k", resultWith(1), 0)
	got, found := c.Get("k")
	require.True(t, found)
	assert.Equal(t, resultWith(1), got)
	assert.Equal(t, 1, c.Len())
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10, time.Minute)
	c.Set("k", resultWith(1), 10*time.Millisecond)

	_, found := c.Get("k")
	assert.True(t, found)

	time.Sleep(20 * time.Millisecond)
	_, found = c.Get("k")
	assert.False(t, found, "expired entries must never be served")
	assert.Equal(t, 0, c.Len(), "expired entries are dropped on access")
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	c := NewCache(3, time.Minute)

	c.Set("first", resultWith(1), 0)
	time.Sleep(2 * time.Millisecond)
	c.Set("second", resultWith(2), 0)
	time.Sleep(2 * time.Millisecond)
	c.Set("third", resultWith(3), 0)

	// Hitting the oldest entry does not protect it: eviction is by creation
	// time, not recency of access.
	_, found := c.Get("first")
	require.True(t, found)

	c.Set("fourth", resultWith(4), 0)
	assert.Equal(t, 3, c.Len())

	_, found = c.Get("first")
	assert.False(t, found, "oldest entry by creation is evicted")
	for _, key := range []string{"second", "third", "fourth"} {
		_, found = c.Get(key)
		assert.True(t, found, "entry %q should survive eviction", key)
	}
}

func TestCacheOverwriteDoesNotEvict(t *testing.T) {
	c := NewCache(2, time.Minute)
	c.Set("a", resultWith(1), 0)
	c.Set("b", resultWith(2), 0)

	c.Set("a", resultWith(3), 0)
	assert.Equal(t, 2, c.Len())

	got, found := c.Get("a")
	require.True(t, found)
	assert.Equal(t, resultWith(3), got)
	_, found = c.Get("b")
	assert.True(t, found)
}

func TestCacheSweep(t *testing.T) {
	c := NewCache(10, time.Minute)
	c.Set("short", resultWith(1), 5*time.Millisecond)
	c.Set("long", resultWith(2), time.Minute)

	time.Sleep(10 * time.Millisecond)
	c.Sweep()

	assert.Equal(t, 1, c.Len())
	_, found := c.Get("long")
	assert.True(t, found)
}

// bulkResult builds a result large and repetitive enough to compress well.
func bulkResult(rows int) *engine.Result {
	out := make([]map[string]any, rows)
	for i := range out {
		out[i] = map[string]any{
			"name":   "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			"status": "published",
		}
	}
	return &engine.Result{Rows: out}
}

func TestCacheCompressesLargeEntries(t *testing.T) {
	c := NewCache(10, time.Minute)
	c.SetCompression(64, DefaultCompressRatio)

	data := bulkResult(50)
	c.Set("big", data, 0)

	c.mu.Lock()
	entry := c.entries["big"]
	c.mu.Unlock()
	require.NotNil(t, entry)
	assert.Nil(t, entry.data, "large entries are held compressed, not structured")
	require.NotNil(t, entry.blob)
	assert.True(t, IsCompressed(entry.blob))

	got, found := c.Get("big")
	require.True(t, found)
	assert.Equal(t, data.Rows, got.Rows, "compressed entries round-trip intact")
}

func TestCacheKeepsSmallEntriesUncompressed(t *testing.T) {
	c := NewCache(10, time.Minute)
	c.SetCompression(1<<20, DefaultCompressRatio)

	c.Set("small", bulkResult(2), 0)

	c.mu.Lock()
	entry := c.entries["small"]
	c.mu.Unlock()
	require.NotNil(t, entry)
	assert.NotNil(t, entry.data)
	assert.Nil(t, entry.blob, "entries under the size floor stay structured")
}

func TestCacheCompressionDisabledByDefault(t *testing.T) {
	c := NewCache(10, time.Minute)
	c.Set("big", bulkResult(50), 0)

	c.mu.Lock()
	entry := c.entries["big"]
	c.mu.Unlock()
	require.NotNil(t, entry)
	assert.NotNil(t, entry.data)
	assert.Nil(t, entry.blob)
}

func TestCacheClear(t *testing.T) {
	c := NewCache(10, time.Minute)
	c.Set("a", resultWith(1), 0)
	c.Set("b", resultWith(2), 0)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
