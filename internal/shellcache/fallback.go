package shellcache

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"shellcache/internal/cachestore"
	"shellcache/internal/logger"
)

// fallbackFor runs after a cache miss whose network fetch failed. Only
// navigations get a substitute document; everything else fails with
// ErrOffline wrapping the network error.
func (w *Worker) fallbackFor(ctx context.Context, gen *generation, req *http.Request, netErr error) (Response, error) {
	if IsNavigation(req) {
		for _, path := range w.fallback {
			key := cachestore.RequestKey(http.MethodGet, w.scopeURL(path))
			ent, ok, err := gen.cache.Match(ctx, key)
			if err != nil {
				w.warnLog.Warn("fallback lookup failed", logger.String("key", key), logger.Error(err))
				continue
			}
			if ok {
				w.metrics.observe(SourceFallback)
				w.log.Debug("serving offline document", logger.String("url", req.URL.String()), logger.String("document", path))
				return Response{Entry: ent, Source: SourceFallback}, nil
			}
		}
	}
	w.metrics.observe("error")
	return Response{}, fmt.Errorf("%w: %s %s: %w", ErrOffline, req.Method, req.URL, netErr)
}

// IsNavigation reports whether req loads a full page. Sec-Fetch-Mode decides
// when present; otherwise a GET whose Accept lists text/html counts.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if req.Method != http.MethodGet {
		return false
	}
	for _, part := range strings.Split(req.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "text/html" {
			return true
		}
	}
	return false
}
