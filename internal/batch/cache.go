package batch

import "sync"

type cacheEntry struct {
	value []byte
	rmd   []byte
}

// TransientCache is the per-partition in-memory prior-value-and-RMD cache
// spec §9 calls for: it lets closely spaced A/A writes to the same key skip
// a disk round trip. Consistency requirement: updated only under the key
// lock, which every caller in this package already holds.
type TransientCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewTransientCache() *TransientCache {
	return &TransientCache{entries: make(map[string]cacheEntry)}
}

func (c *TransientCache) Get(key []byte) (value, rmd []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[string(key)]
	return e.value, e.rmd, found
}

func (c *TransientCache) Put(key, value, rmd []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[string(key)] = cacheEntry{value: value, rmd: rmd}
}

// Evict drops a key from the cache. Optional per spec §9; callers may use
// it to bound cache growth for keys that stop being hot.
func (c *TransientCache) Evict(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, string(key))
}
