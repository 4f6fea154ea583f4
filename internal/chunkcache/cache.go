// Package chunkcache keeps recently decoded chunks (decompressed EWF chunks, QCOW2
// clusters, VMDK grains, L2 tables) so sequential reads do not decode the same chunk twice.
package chunkcache

import (
	"sync"
)

// Stats tracks cache effectiveness
type Stats struct {
	Hits      int64
	Misses    int64
	Entries   int
	BytesUsed int64
	MaxBytes  int64
}

// Cache is a size-bounded map of chunk index to data. When an insert would exceed the
// bound the whole cache is dropped, which keeps bookkeeping trivial for the mostly
// sequential access pattern of image readers.
type Cache struct {
	mu       sync.Mutex
	chunks   map[uint64][]byte
	maxBytes int64
	used     int64
	hits     int64
	misses   int64
}

// New returns a cache holding at most maxBytes of chunk data. maxBytes <= 0 disables caching.
func New(maxBytes int64) *Cache {
	return &Cache{
		chunks:   make(map[uint64][]byte),
		maxBytes: maxBytes,
	}
}

// Get returns the cached chunk. The returned slice must not be modified.
func (c *Cache) Get(key uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.chunks[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return data, ok
}

// Put stores data under key. The cache keeps data, callers must not modify it afterwards.
func (c *Cache) Put(key uint64, data []byte) {
	size := int64(len(data))
	if c.maxBytes <= 0 || size > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.chunks[key]; ok {
		c.used -= int64(len(old))
	}
	// If adding this chunk exceeds the bound, clear the cache
	if c.used+size > c.maxBytes {
		c.chunks = make(map[uint64][]byte)
		c.used = 0
	}
	c.chunks[key] = data
	c.used += size
}

// Load returns the cached chunk for key, or calls fill and caches its result
func (c *Cache) Load(key uint64, fill func() ([]byte, error)) ([]byte, error) {
	if data, ok := c.Get(key); ok {
		return data, nil
	}
	data, err := fill()
	if err != nil {
		return nil, err
	}
	c.Put(key, data)
	return data, nil
}

// Reset drops every cached chunk
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = make(map[uint64][]byte)
	c.used = 0
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Entries:   len(c.chunks),
		BytesUsed: c.used,
		MaxBytes:  c.maxBytes,
	}
}
