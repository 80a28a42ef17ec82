package cachestore

import (
	"context"
	"strings"
	"sync"
)

// WithHotTier puts a size-bounded LRU of decoded entries in front of s.
// A non-positive maxBytes returns s unchanged.
func WithHotTier(s Storage, maxBytes int64) Storage {
	if maxBytes <= 0 {
		return s
	}
	return &hotStorage{Storage: s, ram: newRAMCache(maxBytes)}
}

type hotStorage struct {
	Storage
	ram *ramCache
}

func (h *hotStorage) Open(ctx context.Context, name string) (Cache, error) {
	c, err := h.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &hotCache{Cache: c, ram: h.ram}, nil
}

func (h *hotStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := h.Storage.Delete(ctx, name)
	// Drop RAM copies even on error; a partial delete must not keep serving.
	h.ram.DeletePrefix(name + "\x00")
	return ok, err
}

type hotCache struct {
	Cache
	ram *ramCache
}

func (c *hotCache) ramKey(key string) string {
	return c.Name() + "\x00" + key
}

func (c *hotCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	if ent, ok := c.ram.Get(c.ramKey(key)); ok {
		return ent.Clone(), true, nil
	}
	ent, ok, err := c.Cache.Match(ctx, key)
	if err != nil || !ok {
		return ent, ok, err
	}
	c.ram.Put(c.ramKey(key), ent.Clone())
	return ent, true, nil
}

func (c *hotCache) Put(ctx context.Context, key string, ent Entry) error {
	return c.PutAll(ctx, []Item{{Key: key, Entry: ent}})
}

func (c *hotCache) PutAll(ctx context.Context, items []Item) error {
	if err := c.Cache.PutAll(ctx, items); err != nil {
		return err
	}
	for _, it := range items {
		c.ram.Put(c.ramKey(it.Key), it.Entry.Clone())
	}
	return nil
}

// ---- ram cache ----

type ramItem struct {
	key  string
	ent  Entry
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(it)
		}
	}
}

func (c *ramCache) Put(key string, ent Entry) {
	sz := ent.size()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[key]; ok {
		c.removeLocked(old)
	}
	if sz > c.maxBytes {
		// too big for RAM, the backend still has it
		return
	}
	for c.total+sz > c.maxBytes && c.tail != nil {
		c.removeLocked(c.tail)
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.unlink(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
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

func (c *ramCache) unlink(it *ramItem) {
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

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.unlink(it)
	c.addToFront(it)
}
