// Package cache implements the TTL cache contract shared by the local store and
// the queue manager.
//
// Capacity is bounded by entry count. Eviction removes the oldest-inserted
// entry first: an approximation of LRU that ignores reads. Re-setting a key
// counts as a fresh insertion.
package cache

import (
	"container/list"
	"path"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-core/internal/model"
)

// Persister mirrors entries to durable storage. Persistence failures are
// logged and never fail a cache operation. Calls are made with the cache lock
// held so storage sees mutations in the same order as memory.
type Persister interface {
	Save(e *model.CacheEntry) error
	Remove(key string) error
	LoadAll(fn func(e *model.CacheEntry)) error
}

type Options struct {
	MaxEntries int
	Persister  Persister
	Now        func() time.Time
	Logger     *zap.Logger
}

type Cache struct {
	mu         sync.Mutex
	order      *list.List
	entries    map[string]*list.Element
	bytes      int64
	maxEntries int
	persist    Persister
	now        func() time.Time
	log        *zap.Logger
}

func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		order:      list.New(),
		entries:    make(map[string]*list.Element),
		maxEntries: opts.MaxEntries,
		persist:    opts.Persister,
		now:        opts.Now,
		log:        opts.Logger,
	}
}

// Set stores value under key. A ttl of zero means the entry never expires.
func (c *Cache) Set(key string, value []byte, ttl time.Duration, tags ...string) model.CacheEntry {
	now := c.now()
	e := &model.CacheEntry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Size:      len(value),
		CreatedAt: now,
		Tags:      append([]string(nil), tags...),
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
	c.entries[key] = c.order.PushBack(e)
	c.bytes += int64(e.Size)
	c.save(e)
	for _, k := range c.evictLocked() {
		c.remove(k)
	}
	return copyEntry(e)
}

// Get returns a copy of the value. Expired entries are purged and reported as
// a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.Entry(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Entry is Get returning the whole entry.
func (c *Cache) Entry(key string) (model.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return model.CacheEntry{}, false
	}
	e := el.Value.(*model.CacheEntry)
	if e.Expired(c.now()) {
		c.removeElement(el)
		c.remove(key)
		return model.CacheEntry{}, false
	}
	return copyEntry(e), true
}

func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if ok {
		c.removeElement(el)
		c.remove(key)
	}
	return ok
}

// InvalidateTag removes every entry carrying tag and returns how many went.
func (c *Cache) InvalidateTag(tag string) int {
	return c.removeWhere(func(e *model.CacheEntry) bool {
		for _, t := range e.Tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

// Clear removes entries whose key matches the glob pattern (path.Match
// syntax). An empty pattern clears everything.
func (c *Cache) Clear(pattern string) int {
	if pattern == "" {
		return c.removeWhere(func(*model.CacheEntry) bool { return true })
	}
	return c.removeWhere(func(e *model.CacheEntry) bool {
		ok, err := path.Match(pattern, e.Key)
		return err == nil && ok
	})
}

// Purge removes expired entries and returns the count.
func (c *Cache) Purge() int {
	now := c.now()
	return c.removeWhere(func(e *model.CacheEntry) bool { return e.Expired(now) })
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes is the summed value size of all live entries.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Keys returns keys from oldest to newest insertion.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*model.CacheEntry).Key)
	}
	return keys
}

// Load rehydrates the cache from its persister, dropping expired entries from
// both memory and storage. It returns the number of live entries loaded.
func (c *Cache) Load() (int, error) {
	if c.persist == nil {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var live []*model.CacheEntry
	var expired []string
	err := c.persist.LoadAll(func(e *model.CacheEntry) {
		if e.Expired(now) {
			expired = append(expired, e.Key)
			return
		}
		live = append(live, e)
	})
	if err != nil {
		return 0, err
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })

	for _, e := range live {
		if el, ok := c.entries[e.Key]; ok {
			c.removeElement(el)
		}
		c.entries[e.Key] = c.order.PushBack(e)
		c.bytes += int64(e.Size)
	}
	evicted := c.evictLocked()
	for _, k := range append(expired, evicted...) {
		c.remove(k)
	}
	return len(live) - len(evicted), nil
}

func (c *Cache) removeWhere(match func(e *model.CacheEntry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*model.CacheEntry)
		if match(e) {
			removed++
			c.removeElement(el)
			c.remove(e.Key)
		}
		el = next
	}
	return removed
}

func (c *Cache) evictLocked() []string {
	if c.maxEntries <= 0 {
		return nil
	}
	var evicted []string
	for len(c.entries) > c.maxEntries {
		el := c.order.Front()
		evicted = append(evicted, el.Value.(*model.CacheEntry).Key)
		c.removeElement(el)
	}
	return evicted
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*model.CacheEntry)
	c.order.Remove(el)
	delete(c.entries, e.Key)
	c.bytes -= int64(e.Size)
}

func (c *Cache) save(e *model.CacheEntry) {
	if c.persist == nil {
		return
	}
	if err := c.persist.Save(e); err != nil {
		c.log.Warn("Failed to persist cache entry", zap.String("key", e.Key), zap.Error(err))
	}
}

func (c *Cache) remove(key string) {
	if c.persist == nil {
		return
	}
	if err := c.persist.Remove(key); err != nil {
		c.log.Warn("Failed to remove persisted cache entry", zap.String("key", key), zap.Error(err))
	}
}

func copyEntry(e *model.CacheEntry) model.CacheEntry {
	out := *e
	out.Value = append([]byte(nil), e.Value...)
	out.Tags = append([]string(nil), e.Tags...)
	if e.ExpiresAt != nil {
		exp := *e.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}
