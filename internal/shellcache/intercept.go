package shellcache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"shellcache/internal/cachestore"
	"shellcache/internal/logger"
)

// OnIntercept answers one request. req.URL must be absolute.
//
// Non-GET requests go straight to the network. GETs are looked up in the
// serving generation first and only fetched on a miss; successful same-origin
// responses are then stored in the background. A miss whose fetch fails is
// handed to the fallback policy.
func (w *Worker) OnIntercept(ctx context.Context, req *http.Request) (Response, error) {
	gen := w.current.Load()
	if gen == nil {
		return w.passThrough(ctx, req, SourceUncontrolled)
	}
	if req.Method != http.MethodGet {
		return w.passThrough(ctx, req, SourceBypass)
	}

	key := cachestore.RequestKey(req.Method, req.URL)
	ent, ok, err := gen.cache.Match(ctx, key)
	if err != nil {
		w.warnLog.Warn("cache match failed, treating as miss", logger.String("key", key), logger.Error(err))
	}
	if ok {
		w.metrics.observe(SourceCache)
		return Response{Entry: ent, Source: SourceCache}, nil
	}

	start := time.Now()
	ent, err = w.net.Fetch(ctx, req)
	w.metrics.fetchSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return w.fallbackFor(ctx, gen, req, err)
	}

	switch {
	case !ent.OK():
		w.metrics.observe(SourceIgnored)
		return Response{Entry: ent, Source: SourceIgnored}, nil
	case !w.sameOrigin(req.URL):
		w.metrics.observe(SourceBypass)
		return Response{Entry: ent, Source: SourceBypass}, nil
	}

	w.writeThrough(gen, key, ent)
	w.metrics.observe(SourceNetwork)
	return Response{Entry: ent, Source: SourceNetwork}, nil
}

func (w *Worker) passThrough(ctx context.Context, req *http.Request, src Source) (Response, error) {
	ent, err := w.net.Fetch(ctx, req)
	if err != nil {
		w.metrics.observe("error")
		return Response{}, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	w.metrics.observe(src)
	return Response{Entry: ent, Source: src}, nil
}

// writeThrough stores ent without holding up the response. Oversized entries
// are not stored, and when too many writes are already in flight the write is
// skipped.
func (w *Worker) writeThrough(gen *generation, key string, ent cachestore.Entry) {
	if w.tooLarge(ent) {
		w.metrics.writes.WithLabelValues("too-large").Inc()
		return
	}
	select {
	case w.bgSem <- struct{}{}:
	default:
		w.metrics.writes.WithLabelValues("skipped").Inc()
		w.warnLog.Warn("write-through saturated, skipping", logger.String("key", key))
		return
	}

	ent = ent.Clone()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.bgSem }()

		ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
		defer cancel()
		if err := gen.cache.Put(ctx, key, ent); err != nil {
			w.metrics.writes.WithLabelValues("failed").Inc()
			w.warnLog.Warn("write-through failed", logger.String("key", key), logger.Error(err))
			return
		}
		w.metrics.writes.WithLabelValues("ok").Inc()
	}()
}
