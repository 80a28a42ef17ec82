package shellcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"shellcache/internal/cachestore"
)

// HTTPNetwork fetches over HTTP. Requests addressed to the scope origin are
// sent to the upstream origin instead; other URLs are fetched as they are.
type HTTPNetwork struct {
	client   *http.Client
	scope    *url.URL
	upstream *url.URL
}

// NewHTTPNetwork builds a network layer. timeout bounds every fetch,
// including reading the body.
func NewHTTPNetwork(client *http.Client, scope, upstream string, timeout time.Duration) (*HTTPNetwork, error) {
	s, err := parseOrigin(scope)
	if err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}
	u, err := parseOrigin(upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if timeout > 0 {
		c := *client
		c.Timeout = timeout
		client = &c
	}
	return &HTTPNetwork{client: client, scope: s, upstream: u}, nil
}

// CloseIdleConnections releases pooled connections.
func (n *HTTPNetwork) CloseIdleConnections() {
	n.client.CloseIdleConnections()
}

func (n *HTTPNetwork) target(u *url.URL) *url.URL {
	out := *u
	if strings.EqualFold(u.Scheme, n.scope.Scheme) && strings.EqualFold(u.Host, n.scope.Host) {
		out.Scheme = n.upstream.Scheme
		out.Host = n.upstream.Host
		if p := strings.TrimRight(n.upstream.Path, "/"); p != "" {
			out.Path = p + u.Path
			out.RawPath = ""
		}
	}
	out.Fragment = ""
	out.RawFragment = ""
	return &out
}

func (n *HTTPNetwork) Fetch(ctx context.Context, req *http.Request) (cachestore.Entry, error) {
	var body io.Reader
	if req.Body != nil && req.Body != http.NoBody {
		body = req.Body
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, n.target(req.URL).String(), body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	out.ContentLength = req.ContentLength
	if body == nil {
		out.ContentLength = 0
	}
	copyHeaders(out.Header, req.Header)
	out.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(out)
	if err != nil {
		return cachestore.Entry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Entry{}, err
	}

	ent := cachestore.Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// hopHeaders are not forwarded upstream.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
