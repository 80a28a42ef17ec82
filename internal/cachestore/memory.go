package cachestore

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Storage.
type Memory struct {
	mu      sync.RWMutex
	gens    map[string]map[string]Entry
	serving string
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{gens: map[string]map[string]Entry{}}
}

func (m *Memory) Open(ctx context.Context, name string) (Cache, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.gens[name]; !ok {
		m.gens[name] = map[string]Entry{}
	}
	return &memoryCache{m: m, name: name}, nil
}

func (m *Memory) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]string, 0, len(m.gens))
	for name := range m.gens {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.gens[name]
	delete(m.gens, name)
	return ok, nil
}

func (m *Memory) Serving(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrClosed
	}
	return m.serving, nil
}

func (m *Memory) SetServing(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.serving = name
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.gens = nil
	m.mu.Unlock()
	return nil
}

type memoryCache struct {
	m    *Memory
	name string
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	if c.m.closed {
		return Entry{}, false, ErrClosed
	}
	ent, ok := c.m.gens[c.name][key]
	if !ok {
		return Entry{}, false, nil
	}
	return ent.Clone(), true, nil
}

func (c *memoryCache) Put(ctx context.Context, key string, ent Entry) error {
	return c.PutAll(ctx, []Item{{Key: key, Entry: ent}})
}

func (c *memoryCache) PutAll(ctx context.Context, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if c.m.closed {
		return ErrClosed
	}
	gen, ok := c.m.gens[c.name]
	if !ok {
		return ErrNoGeneration
	}
	for _, it := range items {
		gen[it.Key] = it.Entry.Clone()
	}
	return nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	if c.m.closed {
		return nil, ErrClosed
	}
	gen := c.m.gens[c.name]
	out := make([]string, 0, len(gen))
	for k := range gen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}
