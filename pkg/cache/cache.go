// Package cache provides the bounded LRU used for volume routing and for
// decompressed blob copies.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// EvictFunc is invoked after an entry leaves the cache because of capacity
// pressure, expiry, an explicit Delete, or Purge. It runs without the cache
// lock held.
type EvictFunc func(key string, value any)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Size      int
	Capacity  int
	Evictions int64
	Expired   int64
}

// Options configures a Cache.
type Options struct {
	Capacity int
	// TTL of zero keeps entries until they are evicted or removed.
	TTL     time.Duration
	OnEvict EvictFunc
}

// Cache is a threadsafe LRU with optional TTL.
type Cache struct {
	mu          sync.Mutex
	ll          *list.List
	items       map[string]*list.Element
	capacity    int
	ttl         time.Duration
	onEvict     EvictFunc
	stats       Stats
	cleanupStop context.CancelFunc
	cleanupDone chan struct{}
}

type entry struct {
	key    string
	value  any
	expire time.Time
}

// New returns a cache with given capacity and ttl.
func New(capacity int, ttl time.Duration) *Cache {
	return NewWithOptions(Options{Capacity: capacity, TTL: ttl})
}

// NewWithOptions returns a cache configured by opts. When a TTL is set a
// background goroutine periodically drops expired entries; Close stops it.
func NewWithOptions(opts Options) *Cache {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	c := &Cache{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
		ttl:      opts.TTL,
		onEvict:  opts.OnEvict,
	}
	if opts.TTL > 0 {
		c.cleanupDone = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		c.cleanupStop = cancel
		go c.cleanupExpired(ctx, opts.TTL)
	}
	return c
}

// Get retrieves a value if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	ele, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		c.mu.Unlock()
		return nil, false
	}
	ent := ele.Value.(*entry)
	if c.ttl > 0 && time.Now().After(ent.expire) {
		c.removeElement(ele)
		c.stats.Expired++
		c.stats.Misses++
		c.mu.Unlock()
		c.notify([]*entry{ent})
		return nil, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	c.mu.Unlock()
	return ent.value, true
}

// Set inserts or updates a cache entry. Replacing a value does not invoke
// the eviction callback for the old value.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ent := ele.Value.(*entry)
		ent.value = value
		if c.ttl > 0 {
			ent.expire = time.Now().Add(c.ttl)
		}
		c.mu.Unlock()
		return
	}
	var evicted []*entry
	for c.ll.Len() >= c.capacity {
		ent := c.evictOldest()
		if ent == nil {
			break
		}
		evicted = append(evicted, ent)
	}
	ent := &entry{key: key, value: value}
	if c.ttl > 0 {
		ent.expire = time.Now().Add(c.ttl)
	}
	c.items[key] = c.ll.PushFront(ent)
	c.mu.Unlock()
	c.notify(evicted)
}

// Delete removes a key if present and reports whether it was there.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	ele, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	ent := ele.Value.(*entry)
	c.removeElement(ele)
	c.mu.Unlock()
	c.notify([]*entry{ent})
	return true
}

// Clear removes all entries without invoking the eviction callback.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.ll = list.New()
}

// Purge removes all entries, invoking the eviction callback for each one.
func (c *Cache) Purge() {
	c.mu.Lock()
	var all []*entry
	for ele := c.ll.Back(); ele != nil; ele = ele.Prev() {
		all = append(all, ele.Value.(*entry))
	}
	c.items = make(map[string]*list.Element)
	c.ll = list.New()
	c.mu.Unlock()
	c.notify(all)
}

func (c *Cache) evictOldest() *entry {
	ele := c.ll.Back()
	if ele == nil {
		return nil
	}
	c.removeElement(ele)
	c.stats.Evictions++
	return ele.Value.(*entry)
}

func (c *Cache) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	ent := ele.Value.(*entry)
	delete(c.items, ent.key)
}

func (c *Cache) notify(entries []*entry) {
	if c.onEvict == nil {
		return
	}
	for _, ent := range entries {
		c.onEvict(ent.key, ent.value)
	}
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}

// Size returns the current number of entries in the cache.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) cleanupExpired(ctx context.Context, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.cleanupDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupOnce()
		}
	}
}

func (c *Cache) cleanupOnce() {
	c.mu.Lock()
	if c.ttl <= 0 {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	var expired []*entry
	for _, ele := range c.items {
		ent := ele.Value.(*entry)
		if now.After(ent.expire) {
			c.removeElement(ele)
			c.stats.Expired++
			expired = append(expired, ent)
		}
	}
	c.mu.Unlock()
	c.notify(expired)
}

// Close stops the background cleanup goroutine and waits for it to finish.
// It's safe to call Close multiple times.
func (c *Cache) Close() error {
	c.mu.Lock()
	stop := c.cleanupStop
	c.cleanupStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-c.cleanupDone
	}
	return nil
}
