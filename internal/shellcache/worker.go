// Package shellcache is an offline application-shell cache.
//
// A Worker precaches a fixed asset set into a versioned cache generation
// (OnInstall), prunes every other generation and takes control (OnActivate),
// and then answers requests cache-first with write-through of successful
// same-origin GET responses (OnIntercept). When both cache and network fail,
// navigations get the cached root document instead of an error.
package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shellcache/internal/cachestore"
	"shellcache/internal/logger"
)

var (
	// ErrOffline is returned when a request cannot be answered from the cache
	// and the network failed.
	ErrOffline = errors.New("offline: no cached response")
	// ErrNotInstalled is returned by OnActivate before a successful OnInstall.
	ErrNotInstalled = errors.New("generation not installed")
	// ErrAssetStatus marks an asset fetch that returned a non-2xx status.
	ErrAssetStatus = errors.New("unexpected asset status")
)

// AssetError reports which asset broke an install.
type AssetError struct {
	Path string
	Err  error
}

func (e *AssetError) Error() string { return fmt.Sprintf("asset %s: %v", e.Path, e.Err) }
func (e *AssetError) Unwrap() error { return e.Err }

// Source says how a response was produced. The values double as the
// X-Shell-Cache response header.
type Source string

const (
	SourceCache        Source = "hit"
	SourceNetwork      Source = "miss"
	SourceBypass       Source = "bypass"
	SourceIgnored      Source = "ignore-by-status"
	SourceFallback     Source = "fallback"
	SourceUncontrolled Source = "uncontrolled"
)

// Response is an intercepted response.
type Response struct {
	cachestore.Entry
	Source Source
}

// Network performs real requests. Implementations return a fully read
// response for any status and an error only when no response was obtained.
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (cachestore.Entry, error)
}

type Options struct {
	// Generation is the current cache generation name, e.g. "shell-v2".
	Generation string
	// Scope is the origin whose responses may be written through.
	Scope string
	// Assets are the scope-relative paths precached on install.
	Assets []string
	// Fallback are scope-relative documents tried for offline navigations.
	Fallback []string

	Storage cachestore.Storage
	Network Network
	Logger  logger.Logger

	// Registerer receives the worker metrics. Nil keeps them unregistered.
	Registerer prometheus.Registerer

	InstallConcurrency int
	MaxWritesInFlight  int
	WriteTimeout       time.Duration
	// MaxEntryBytes caps the body size stored by write-through and precache.
	// Larger responses are still returned. Zero means no limit.
	MaxEntryBytes int64
}

type generation struct {
	name  string
	cache cachestore.Cache
}

// Worker owns the cache identity, the asset manifest and the store handle.
// Its three event methods may be called from any goroutine.
type Worker struct {
	generation string
	scope      *url.URL
	assets     []string
	fallback   []string

	store cachestore.Storage
	net   Network

	log     logger.Logger
	warnLog *rateLimitedLogger
	metrics *metrics

	installConcurrency int
	writeTimeout       time.Duration
	maxEntryBytes      int64

	installed atomic.Bool
	current   atomic.Pointer[generation]

	bgSem chan struct{}
	wg    sync.WaitGroup
}

func NewWorker(opts Options) (*Worker, error) {
	if opts.Generation == "" {
		return nil, errors.New("generation name is required")
	}
	if opts.Storage == nil || opts.Network == nil {
		return nil, errors.New("storage and network are required")
	}
	scope, err := parseOrigin(strings.TrimRight(opts.Scope, "/"))
	if err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 4
	}
	if opts.MaxWritesInFlight <= 0 {
		opts.MaxWritesInFlight = 32
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Fallback == nil {
		opts.Fallback = DefaultFallback
	}

	log := opts.Logger.With(logger.String("generation", opts.Generation))
	return &Worker{
		generation:         opts.Generation,
		scope:              scope,
		assets:             append([]string(nil), opts.Assets...),
		fallback:           append([]string(nil), opts.Fallback...),
		store:              opts.Storage,
		net:                opts.Network,
		log:                log,
		warnLog:            newRateLimitedLogger(log, time.Minute),
		metrics:            newMetrics(opts.Registerer),
		installConcurrency: opts.InstallConcurrency,
		writeTimeout:       opts.WriteTimeout,
		maxEntryBytes:      opts.MaxEntryBytes,
		bgSem:              make(chan struct{}, opts.MaxWritesInFlight),
	}, nil
}

// Generation returns the name of the generation this worker installs.
func (w *Worker) Generation() string { return w.generation }

// Serving returns the generation currently answering requests, or "" before
// activation.
func (w *Worker) Serving() string {
	if g := w.current.Load(); g != nil {
		return g.name
	}
	return ""
}

// Entries counts the entries in the serving generation.
func (w *Worker) Entries(ctx context.Context) (int, error) {
	g := w.current.Load()
	if g == nil {
		return 0, nil
	}
	keys, err := g.cache.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Wait blocks until all pending write-through stores have finished. The
// storage is owned by the caller and stays open.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// scopeURL resolves a scope-relative path to an absolute URL.
func (w *Worker) scopeURL(path string) *url.URL {
	u := *w.scope
	ref, err := url.Parse(path)
	if err != nil {
		u.Path = path
		return &u
	}
	return u.ResolveReference(ref)
}

func (w *Worker) tooLarge(ent cachestore.Entry) bool {
	return w.maxEntryBytes > 0 && int64(len(ent.Body)) > w.maxEntryBytes
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, w.scope.Scheme) && strings.EqualFold(u.Host, w.scope.Host)
}
