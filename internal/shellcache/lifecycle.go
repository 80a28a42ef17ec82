package shellcache

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"shellcache/internal/cachestore"
	"shellcache/internal/logger"
)

// OnInstall fetches every asset and commits them to the current generation in
// one atomic write. If any asset fails nothing is written and the error is
// returned; the serving generation is left alone. Calling it again retries
// from scratch.
func (w *Worker) OnInstall(ctx context.Context) error {
	attempt := uuid.NewString()
	log := w.log.With(logger.String("attempt", attempt))
	log.Info("install started", logger.Int("assets", len(w.assets)))

	items := make([]cachestore.Item, len(w.assets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.installConcurrency)
	for i, path := range w.assets {
		g.Go(func() error {
			u := w.scopeURL(path)
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return &AssetError{Path: path, Err: err}
			}
			ent, err := w.net.Fetch(gctx, req)
			if err != nil {
				return &AssetError{Path: path, Err: err}
			}
			if !ent.OK() {
				return &AssetError{Path: path, Err: fmt.Errorf("%w %d", ErrAssetStatus, ent.Status)}
			}
			items[i] = cachestore.Item{Key: cachestore.RequestKey(http.MethodGet, u), Entry: ent}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.metrics.installs.WithLabelValues("failed").Inc()
		log.Warn("install failed", logger.Error(err))
		return fmt.Errorf("install %s: %w", w.generation, err)
	}

	cache, err := w.store.Open(ctx, w.generation)
	if err != nil {
		w.metrics.installs.WithLabelValues("failed").Inc()
		return fmt.Errorf("install %s: open: %w", w.generation, err)
	}
	if err := cache.PutAll(ctx, items); err != nil {
		w.metrics.installs.WithLabelValues("failed").Inc()
		return fmt.Errorf("install %s: store assets: %w", w.generation, err)
	}

	w.installed.Store(true)
	w.metrics.installs.WithLabelValues("ok").Inc()
	// Activation follows right away; nothing waits for open pages to close.
	log.Info("install complete")
	return nil
}

// OnActivate takes control of all requests with the installed generation,
// records it as serving in the store and deletes every other generation.
// Failing deletions are logged and skipped. It returns the names that were
// pruned.
func (w *Worker) OnActivate(ctx context.Context) ([]string, error) {
	if !w.installed.Load() {
		return nil, ErrNotInstalled
	}

	cache, err := w.store.Open(ctx, w.generation)
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", w.generation, err)
	}
	// Claim before pruning so a restored older generation is never served
	// after its deletion.
	w.current.Store(&generation{name: w.generation, cache: cache})
	if err := w.store.SetServing(ctx, w.generation); err != nil {
		w.log.Warn("record serving generation failed", logger.Error(err))
	}

	pruned, err := pruneGenerations(ctx, w.store, w.generation, w.log, func(ok bool) {
		if ok {
			w.metrics.prunes.WithLabelValues("ok").Inc()
		} else {
			w.metrics.prunes.WithLabelValues("failed").Inc()
		}
	})
	if err != nil {
		w.log.Warn("list generations failed, skipping prune", logger.Error(err))
	}
	w.log.Info("activated", logger.Strings("pruned", pruned))
	return pruned, nil
}

// Restore resumes serving the generation recorded by the last activation, so
// cache hits and the offline fallback work while a new install is retried.
// It returns the serving name, or "" when nothing usable was recorded. Once a
// generation is serving it does nothing.
func (w *Worker) Restore(ctx context.Context) (string, error) {
	if g := w.current.Load(); g != nil {
		return g.name, nil
	}
	name, err := w.store.Serving(ctx)
	if err != nil || name == "" {
		return "", err
	}
	names, err := w.store.Names(ctx)
	if err != nil {
		return "", err
	}
	if !slices.Contains(names, name) {
		w.log.Warn("recorded serving generation is gone", logger.String("serving", name))
		return "", nil
	}
	cache, err := w.store.Open(ctx, name)
	if err != nil {
		return "", err
	}
	if !w.current.CompareAndSwap(nil, &generation{name: name, cache: cache}) {
		return w.Serving(), nil
	}
	w.log.Info("restored serving generation", logger.String("serving", name))
	return name, nil
}

// PruneGenerations deletes every generation in store except keep. Each
// deletion is independent: failures are logged and the rest still run. The
// error is non-nil only when the generations could not be listed.
func PruneGenerations(ctx context.Context, store cachestore.Storage, keep string, log logger.Logger) ([]string, error) {
	return pruneGenerations(ctx, store, keep, log, nil)
}

func pruneGenerations(ctx context.Context, store cachestore.Storage, keep string, log logger.Logger, result func(ok bool)) ([]string, error) {
	names, err := store.Names(ctx)
	if err != nil {
		return nil, err
	}
	var pruned []string
	for _, name := range names {
		if name == keep {
			continue
		}
		_, err := store.Delete(ctx, name)
		if result != nil {
			result(err == nil)
		}
		if err != nil {
			log.Warn("delete stale generation failed", logger.String("stale", name), logger.Error(err))
			continue
		}
		log.Info("removed stale generation", logger.String("stale", name))
		pruned = append(pruned, name)
	}
	return pruned, nil
}
