package cachestore

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"net/url"
)

// Entry is a stored response.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// Clone returns a copy that shares nothing mutable with e.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

// OK reports whether the stored status is a 2xx.
func (e Entry) OK() bool {
	return e.Status >= 200 && e.Status < 300
}

func (e Entry) size() int64 {
	n := int64(len(e.Body))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Item pairs a key with an entry for batch writes.
type Item struct {
	Key   string
	Entry Entry
}

// RequestKey returns the identity of a request: method plus the absolute URL
// with any fragment removed.
func RequestKey(method string, u *url.URL) string {
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""
	return method + " " + cp.String()
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
