// Package cachestore implements named response stores ("cache generations").
//
// A Storage holds any number of generations, each a Cache mapping request keys
// to stored responses. Every operation is individually atomic; nothing here
// coordinates read-then-write sequences across callers.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned by operations on a closed Storage.
	ErrClosed = errors.New("cachestore: storage closed")
	// ErrNoGeneration is returned when writing into a generation that was
	// deleted after it was opened.
	ErrNoGeneration = errors.New("cachestore: generation does not exist")
	// ErrInvalidName is returned for empty generation names or names with NUL bytes.
	ErrInvalidName = errors.New("cachestore: invalid generation name")
)

// Storage is a set of named generations.
type Storage interface {
	// Open returns the named generation, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Names lists every generation, sorted.
	Names(ctx context.Context) ([]string, error)
	// Delete removes a generation with all of its entries. It reports
	// whether the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Serving returns the generation last recorded with SetServing, or ""
	// when none was recorded. The name may refer to a deleted generation.
	Serving(ctx context.Context) (string, error)
	// SetServing records which generation answers requests.
	SetServing(ctx context.Context, name string) error
	Close() error
}

// Cache is one generation.
type Cache interface {
	Name() string
	// Match returns the entry stored under key. ok is false when absent.
	Match(ctx context.Context, key string) (ent Entry, ok bool, err error)
	// Put stores ent under key, replacing any previous entry.
	Put(ctx context.Context, key string, ent Entry) error
	// PutAll stores every item or none of them.
	PutAll(ctx context.Context, items []Item) error
	// Keys lists stored keys, sorted.
	Keys(ctx context.Context) ([]string, error)
}

func validName(name string) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
