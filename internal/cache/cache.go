package cache

import (
	"sync"
	"time"

	"github.com/pgexporter/pgexporter/internal/log"
	"golang.org/x/sync/singleflight"
)

// entry is one published artifact. Entries are immutable after publish and
// removed only by expiry, eviction or explicit clear.
type entry struct {
	data       []byte
	insertedAt time.Time
}

// Cache is a bounded fingerprint->artifact store with TTL freshness,
// insertion-order capacity eviction and single-flight coalescing of
// concurrent producers.
type Cache struct {
	maxSize int64
	maxAge  time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	order   []string // fingerprints in insertion order, oldest first
	size    int64

	group singleflight.Group
}

// New creates a cache bounded by maxSize bytes with per-entry TTL maxAge.
// Zero maxSize disables storing entirely: every request goes to the backend
// (still coalesced while in flight).
func New(maxSize int64, maxAge time.Duration) *Cache {
	return &Cache{
		maxSize: maxSize,
		maxAge:  maxAge,
		entries: make(map[string]*entry),
	}
}

// Get returns the fresh artifact published under the fingerprint. Expired
// entries are removed on touch.
func (c *Cache) Get(fingerprint string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lookup(fingerprint)
}

func (c *Cache) lookup(fingerprint string) ([]byte, bool) {
	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}

	if time.Since(e.insertedAt) >= c.maxAge {
		c.remove(fingerprint)
		return nil, false
	}

	return e.data, true
}

// GetOrProduce returns the cached artifact for the fingerprint, or runs
// produce to build and publish it. Concurrent callers with the same
// fingerprint share a single produce invocation and observe the same bytes
// or the same error. A produce failure publishes nothing.
func (c *Cache) GetOrProduce(fingerprint string, produce func() ([]byte, error)) ([]byte, error) {
	if data, ok := c.Get(fingerprint); ok {
		return data, nil
	}

	data, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		// Another waiter may have published while this call was queued behind
		// an earlier flight.
		if data, ok := c.Get(fingerprint); ok {
			return data, nil
		}

		data, err := produce()
		if err != nil {
			return nil, err
		}

		c.Put(fingerprint, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}

	return data.([]byte), nil
}

// Put publishes an artifact under the fingerprint. Oversized artifacts are
// not stored, the caller keeps serving the bytes uncached.
func (c *Cache) Put(fingerprint string, data []byte) {
	if c.maxSize == 0 || c.maxAge <= 0 {
		return
	}

	if int64(len(data)) > c.maxSize {
		log.Debugf("cache entry of %d bytes exceeds limit %d; bypass", len(data), c.maxSize)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[fingerprint]; ok {
		c.remove(fingerprint)
	}

	// Evict oldest entries by insertion order until the new entry fits.
	for c.size+int64(len(data)) > c.maxSize && len(c.order) > 0 {
		c.remove(c.order[0])
	}

	c.entries[fingerprint] = &entry{data: data, insertedAt: time.Now()}
	c.order = append(c.order, fingerprint)
	c.size += int64(len(data))
}

// remove deletes the entry; the caller holds the lock.
func (c *Cache) remove(fingerprint string) {
	e, ok := c.entries[fingerprint]
	if !ok {
		return
	}

	delete(c.entries, fingerprint)
	c.size -= int64(len(e.data))

	for i, fp := range c.order {
		if fp == fingerprint {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Clear drops all published entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.order = nil
	c.size = 0
}

// Stats reports the number of entries and total bytes currently stored.
func (c *Cache) Stats() (entries int, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries), c.size
}
