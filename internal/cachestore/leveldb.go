package cachestore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<generation>              -> gob(generationMeta)
//	e:<generation>\x00<key>     -> gob(Entry)
//	s:serving                   -> generation name
const (
	namePrefix  = "n:"
	entryPrefix = "e:"
	servingKey  = "s:serving"
)

type generationMeta struct {
	CreatedAt int64
}

// LevelDB is a Storage persisted in a goleveldb database.
type LevelDB struct {
	db *leveldb.DB

	// Writers hold the read lock while checking the generation marker so a
	// concurrent Delete cannot leave orphaned entries behind.
	mu sync.RWMutex
}

// OpenLevelDB opens or creates the database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func nameKey(name string) []byte {
	return []byte(namePrefix + name)
}

func entriesPrefix(name string) []byte {
	return []byte(entryPrefix + name + "\x00")
}

func entryKey(name, key string) []byte {
	return append(entriesPrefix(name), key...)
}

func mapErr(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return err
}

func (d *LevelDB) Open(ctx context.Context, name string) (Cache, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	has, err := d.db.Has(nameKey(name), nil)
	if err != nil {
		return nil, mapErr(err)
	}
	if !has {
		mb, err := encodeGob(generationMeta{CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := d.db.Put(nameKey(name), mb, nil); err != nil {
			return nil, mapErr(err)
		}
	}
	return &levelCache{d: d, name: name}, nil
}

func (d *LevelDB) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := d.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(namePrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, mapErr(err)
	}
	sort.Strings(out)
	return out, nil
}

func (d *LevelDB) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	has, err := d.db.Has(nameKey(name), nil)
	if err != nil {
		return false, mapErr(err)
	}

	batch := new(leveldb.Batch)
	it := d.db.NewIterator(util.BytesPrefix(entriesPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, mapErr(err)
	}
	batch.Delete(nameKey(name))
	if err := d.db.Write(batch, nil); err != nil {
		return false, mapErr(err)
	}
	return has, nil
}

func (d *LevelDB) Serving(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := d.db.Get([]byte(servingKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", mapErr(err)
	}
	return string(b), nil
}

func (d *LevelDB) SetServing(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(d.db.Put([]byte(servingKey), []byte(name), nil))
}

func (d *LevelDB) Close() error {
	return d.db.Close()
}

type levelCache struct {
	d    *LevelDB
	name string
}

func (c *levelCache) Name() string { return c.name }

func (c *levelCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	b, err := c.d.db.Get(entryKey(c.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, mapErr(err)
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, err
	}
	return ent, true, nil
}

func (c *levelCache) Put(ctx context.Context, key string, ent Entry) error {
	return c.PutAll(ctx, []Item{{Key: key, Entry: ent}})
}

func (c *levelCache) PutAll(ctx context.Context, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, it := range items {
		b, err := encodeGob(it.Entry)
		if err != nil {
			return err
		}
		batch.Put(entryKey(c.name, it.Key), b)
	}

	c.d.mu.RLock()
	defer c.d.mu.RUnlock()
	has, err := c.d.db.Has(nameKey(c.name), nil)
	if err != nil {
		return mapErr(err)
	}
	if !has {
		return ErrNoGeneration
	}
	return mapErr(c.d.db.Write(batch, nil))
}

func (c *levelCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := entriesPrefix(c.name)
	it := c.d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}
