package shellcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// HeaderSource carries the Source of an intercepted response.
const HeaderSource = "X-Shell-Cache"

// Transport returns an http.RoundTripper that answers through OnIntercept,
// putting a Go HTTP client under the worker's control. The worker's own
// Network must not use this transport.
func (w *Worker) Transport() http.RoundTripper {
	return roundTripper{w: w}
}

type roundTripper struct {
	w *Worker
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || !req.URL.IsAbs() {
		closeBody(req)
		return nil, fmt.Errorf("shellcache: request URL must be absolute")
	}
	res, err := rt.w.OnIntercept(req.Context(), req)
	// Cache hits never hand the body to the network.
	closeBody(req)
	if err != nil {
		return nil, err
	}

	h := responseHeader(res.Header, string(res.Source))
	h.Set("Content-Length", strconv.Itoa(len(res.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", res.Status, http.StatusText(res.Status)),
		StatusCode:    res.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(res.Body)),
		ContentLength: int64(len(res.Body)),
		Request:       req,
	}, nil
}

// responseHeader is the header set sent for a stored response: a copy of
// stored carrying src as the source tag, which cross-origin scripts may read.
func responseHeader(stored http.Header, src string) http.Header {
	h := stored.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Del(HeaderSource)
	if src != "" {
		h.Set(HeaderSource, src)
	}
	exposeHeader(h, HeaderSource)
	return h
}

// exposeHeader adds name to Access-Control-Expose-Headers unless it, or the
// wildcard, is listed already.
func exposeHeader(h http.Header, name string) {
	const key = "Access-Control-Expose-Headers"
	var listed []string
	for _, v := range h.Values(key) {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				listed = append(listed, n)
			}
		}
	}
	if slices.ContainsFunc(listed, func(n string) bool { return n == "*" || strings.EqualFold(n, name) }) {
		return
	}
	h.Set(key, strings.Join(append(listed, name), ", "))
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
