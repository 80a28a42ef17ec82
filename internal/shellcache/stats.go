package shellcache

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// statsCollector keeps in-process counters for the periodic stats line and
// the status endpoint.
type statsCollector struct {
	mu      sync.Mutex
	bySrc   map[Source]uint64
	errored atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{bySrc: map[Source]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	s.mu.Lock()
	s.bySrc[src]++
	s.mu.Unlock()

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) ObserveError() {
	s.errored.Add(1)
}

type statsSnapshot struct {
	BySource       map[Source]uint64 `json:"bySource"`
	Errors         uint64            `json:"errors"`
	TotalResponses uint64            `json:"totalResponses"`
	TotalRespBytes uint64            `json:"totalRespBytes"`
	MinRespBytes   uint64            `json:"minRespBytes"`
	MaxRespBytes   uint64            `json:"maxRespBytes"`
	AvgRespBytes   uint64            `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{BySource: map[Source]uint64{}, Errors: s.errored.Load()}
	s.mu.Lock()
	for k, v := range s.bySrc {
		out.BySource[k] = v
	}
	s.mu.Unlock()

	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
