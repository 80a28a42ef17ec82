package shellcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	intercepts   *prometheus.CounterVec
	installs     *prometheus.CounterVec
	prunes       *prometheus.CounterVec
	writes       *prometheus.CounterVec
	fetchSeconds prometheus.Histogram
}

// newMetrics registers the worker metrics with reg. A nil reg yields working
// but unexported collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		intercepts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "intercepts_total",
			Help:      "Intercepted requests by outcome.",
		}, []string{"outcome"}),
		installs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "installs_total",
			Help:      "Install attempts by result.",
		}, []string{"result"}),
		prunes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "generation_prunes_total",
			Help:      "Stale generation deletions by result.",
		}, []string{"result"}),
		writes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "write_through_total",
			Help:      "Background write-through stores by result.",
		}, []string{"result"}),
		fetchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shellcache",
			Name:      "network_fetch_seconds",
			Help:      "Latency of network fetches on cache miss.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *metrics) observe(src Source) {
	m.intercepts.WithLabelValues(string(src)).Inc()
}
