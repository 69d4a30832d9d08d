package netopt

import (
	"strings"
	"sync"
	"time"
)

// CacheEntry is a stored response body with its revalidation metadata.
type CacheEntry struct {
	Body         []byte
	StoredAt     time.Time
	TTL          time.Duration
	ETag         string
	LastModified string
}

// Expired reports whether the entry is logically absent at now.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.StoredAt) > e.TTL
}

func (e CacheEntry) conditional() bool {
	return e.ETag != "" || e.LastModified != ""
}

// Cache is the response cache: a bounded in-memory tier in insertion order,
// optionally backed by a persistent disk tier.
type Cache struct {
	mem  *memCache
	disk *diskCache
	now  func() time.Time
}

func newCache(maxEntries int, disk *diskCache, now func() time.Time, overflowLog *rateLimitedLogger) *Cache {
	return &Cache{
		mem:  newMemCache(maxEntries, overflowLog),
		disk: disk,
		now:  now,
	}
}

// Get returns the entry for key only while it is live.
func (c *Cache) Get(key string) (CacheEntry, bool) {
	ent, ok := c.Peek(key)
	if !ok || ent.Expired(c.now()) {
		return CacheEntry{}, false
	}
	return ent, true
}

// Peek returns the entry for key even if it has expired. Expired entries stay
// in place until overwritten or evicted so they can back the stale-serve path.
func (c *Cache) Peek(key string) (CacheEntry, bool) {
	if ent, ok := c.mem.Peek(key); ok {
		return ent, true
	}
	if c.disk == nil {
		return CacheEntry{}, false
	}
	ent, ok := c.disk.Get(key)
	if !ok {
		return CacheEntry{}, false
	}
	c.mem.Set(key, ent)
	return ent, true
}

// Set stores body under key, evicting the oldest entry when full.
func (c *Cache) Set(key string, body []byte, ttl time.Duration, etag, lastModified string) {
	ent := CacheEntry{
		Body:         body,
		StoredAt:     c.now(),
		TTL:          ttl,
		ETag:         etag,
		LastModified: lastModified,
	}
	c.mem.Set(key, ent)
	if c.disk != nil {
		c.disk.PutAsync(key, ent)
	}
}

// Touch restarts the TTL clock of key and returns the refreshed entry.
func (c *Cache) Touch(key string) (CacheEntry, bool) {
	ent, ok := c.Peek(key)
	if !ok {
		return CacheEntry{}, false
	}
	ent.StoredAt = c.now()
	c.mem.Replace(key, ent)
	if c.disk != nil {
		c.disk.PutAsync(key, ent)
	}
	return ent, true
}

// Delete drops key from every tier.
func (c *Cache) Delete(key string) {
	c.mem.Delete(key)
	if c.disk != nil {
		c.disk.Delete(key)
	}
}

// Clear removes every entry whose key starts with prefix; an empty prefix
// removes everything. It returns the number of in-memory entries removed.
func (c *Cache) Clear(prefix string) int {
	n := c.mem.Clear(prefix)
	if c.disk != nil {
		c.disk.Clear(prefix)
	}
	return n
}

// Len is the number of in-memory entries, live or stale.
func (c *Cache) Len() int { return c.mem.Len() }

// Keys returns the in-memory keys, oldest first.
func (c *Cache) Keys() []string { return c.mem.Keys() }

// ---- memory tier ----

type memItem struct {
	key  string
	ent  CacheEntry
	prev *memItem
	next *memItem
}

// memCache keeps entries in a doubly linked list ordered by insertion; the
// tail is the oldest entry and the first to go when the cache is full.
type memCache struct {
	maxEntries int

	mu    sync.Mutex
	items map[string]*memItem
	head  *memItem
	tail  *memItem

	overflowLog *rateLimitedLogger
}

func newMemCache(maxEntries int, overflowLog *rateLimitedLogger) *memCache {
	return &memCache{
		maxEntries:  maxEntries,
		items:       map[string]*memItem{},
		overflowLog: overflowLog,
	}
}

func (c *memCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *memCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for it := c.tail; it != nil; it = it.prev {
		out = append(out, it.key)
	}
	return out
}

func (c *memCache) Peek(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	return it.ent, true
}

// Set inserts or overwrites key. An overwrite counts as a fresh insertion.
func (c *memCache) Set(key string, ent CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		it.ent = ent
		c.moveToFront(it)
		return
	}

	evicted := 0
	for c.maxEntries > 0 && len(c.items) >= c.maxEntries && c.tail != nil {
		old := c.tail
		c.remove(old)
		delete(c.items, old.key)
		evicted++
	}
	if evicted > 0 && c.overflowLog != nil {
		c.overflowLog.Warnw("response cache full, evicted oldest entries", "evicted", evicted, "max_entries", c.maxEntries)
	}

	it := &memItem{key: key, ent: ent}
	c.items[key] = it
	c.addToFront(it)
}

// Replace updates the entry of an existing key without changing its position.
func (c *memCache) Replace(key string, ent CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.ent = ent
	}
}

func (c *memCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return
	}
	c.remove(it)
	delete(c.items, key)
}

func (c *memCache) Clear(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix == "" {
		n := len(c.items)
		c.items = map[string]*memItem{}
		c.head, c.tail = nil, nil
		return n
	}

	var doomed []*memItem
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			doomed = append(doomed, it)
		}
	}
	for _, it := range doomed {
		c.remove(it)
		delete(c.items, it.key)
	}
	return len(doomed)
}

func (c *memCache) addToFront(it *memItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *memCache) remove(it *memItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *memCache) moveToFront(it *memItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}
