package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slidecache_hits_total",
			Help: "Total number of cache lookups that found a live entry",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slidecache_misses_total",
			Help: "Total number of cache lookups that found no live entry",
		},
		[]string{"cache"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slidecache_evictions_total",
			Help: "Total number of entries that left the cache",
		},
		[]string{"cache", "reason"}, // reason: removed, replaced, expired, capacity
	)

	CacheItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slidecache_items",
			Help: "Current number of entries held by the cache, including not yet swept expired ones",
		},
		[]string{"cache"},
	)

	FactoryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slidecache_factory_duration_seconds",
			Help:    "Duration of GetOrCreate factory invocations in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"cache", "status"}, // status: success, error
	)

	CallbackFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slidecache_callback_failures_total",
			Help: "Total number of eviction callbacks that returned an error or panicked",
		},
		[]string{"cache"},
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slidecache_sweep_duration_seconds",
			Help:    "Duration of background expiration sweeps in seconds",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		},
		[]string{"cache"},
	)

	SweepsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slidecache_sweeps_skipped_total",
			Help: "Total number of sweeper ticks skipped because no entry could have expired yet",
		},
		[]string{"cache"},
	)
)
