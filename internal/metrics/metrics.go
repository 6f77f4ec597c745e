// Package metrics registers the Prometheus collectors used by the TTS cache.
// Collectors live on the default registry and are served from /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Retrievals counts completed GetPlayableURI retrievals labelled by source
	// ("cache", "network", "passthrough") or "error".
	Retrievals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttscache_retrievals_total",
			Help: "Total playable URI retrievals by outcome.",
		},
		[]string{"source"},
	)

	// RetrievalDuration observes retrieval latency in seconds.
	RetrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ttscache_retrieval_duration_seconds",
			Help:    "Time to produce a playable URI in seconds.",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)

	// Coalesced counts callers that shared another caller's in-flight
	// retrieval instead of starting their own.
	Coalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ttscache_coalesced_total",
			Help: "Total requests served by an already in-flight retrieval.",
		},
	)

	// FetchErrors counts failed synthesis downloads by reason ("not_audio",
	// "transport", "io").
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttscache_fetch_errors_total",
			Help: "Total failed synthesis downloads by reason.",
		},
		[]string{"reason"},
	)

	// Evictions counts index entries dropped by reason ("ttl", "capacity",
	// "missing", "not_audio").
	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ttscache_evictions_total",
			Help: "Total cache entries removed by reason.",
		},
		[]string{"reason"},
	)

	// CachedBytes tracks the bytes held by the durable file cache.
	CachedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ttscache_cached_bytes",
			Help: "Bytes of audio currently indexed by the file cache.",
		},
	)

	// IndexPersistFailures counts index writes that failed and were ignored.
	IndexPersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ttscache_index_persist_failures_total",
			Help: "Total failed index writes.",
		},
	)
)
