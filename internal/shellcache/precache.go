package shellcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"shellcache/internal/cachestore"
	"shellcache/internal/logger"
)

var errNotActive = errors.New("no serving generation")

// Warm fetches each URL that is same-origin and not yet cached and stores
// successful responses in the serving generation. Failures are skipped, not
// returned; the error is set only when nothing is serving or ctx ends.
func (w *Worker) Warm(ctx context.Context, urls []string) (stored, skipped int, _ error) {
	gen := w.current.Load()
	if gen == nil {
		return 0, 0, errNotActive
	}
	for _, raw := range urls {
		if err := ctx.Err(); err != nil {
			return stored, skipped, err
		}
		u := w.scopeURL(strings.TrimSpace(raw))
		if !w.sameOrigin(u) {
			skipped++
			continue
		}
		key := cachestore.RequestKey(http.MethodGet, u)
		if _, ok, err := gen.cache.Match(ctx, key); err == nil && ok {
			skipped++
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			skipped++
			continue
		}
		ent, err := w.net.Fetch(ctx, req)
		if err != nil || !ent.OK() || w.tooLarge(ent) {
			w.log.Debug("precache fetch skipped", logger.String("url", u.String()), logger.Error(err))
			skipped++
			continue
		}
		if err := gen.cache.Put(ctx, key, ent); err != nil {
			w.warnLog.Warn("precache store failed", logger.String("key", key), logger.Error(err))
			skipped++
			continue
		}
		stored++
	}
	return stored, skipped, nil
}

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverSitemapURLs walks the configured sitemaps, following nested sitemap
// indexes once each, and returns every page location found.
func (w *Worker) discoverSitemapURLs(ctx context.Context, sitemaps []string) ([]string, error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, w.scopeURL(sm).String())
		}
	}

	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := fetchSitemap(ctx, w.net, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, w.scopeURL(nested).String())
			}
		}
		for _, loc := range doc.URLs {
			if loc = strings.TrimSpace(loc); loc != "" {
				out = append(out, loc)
			}
		}
	}
	return out, nil
}

func fetchSitemap(ctx context.Context, net Network, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	ent, err := net.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !ent.OK() {
		snippet := ent.Body
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(snippet)))
	}

	body := ent.Body
	// .gz sitemaps may arrive compressed or already decoded by a proxy.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}
