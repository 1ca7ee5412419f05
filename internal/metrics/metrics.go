// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FragPacketsTotal counts packets accepted for fragmentation by mode
	FragPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usb_eval_frag_packets_total",
			Help: "Total number of packets accepted for fragmentation",
		},
		[]string{"mode"},
	)

	// FragDropsTotal counts packets refused by the fragmentation engine
	FragDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usb_eval_frag_drops_total",
			Help: "Total number of packets refused by the fragmentation engine",
		},
		[]string{"reason"},
	)

	// FragBatchesTotal counts transmission batches flushed to the sink
	FragBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usb_eval_frag_batches_total",
			Help: "Total number of transmission batches flushed to the sink",
		},
	)

	// FragBatchBytes tracks the byte size distribution of flushed batches
	FragBatchBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usb_eval_frag_batch_bytes",
			Help:    "Bytes per flushed transmission batch",
			Buckets: prometheus.LinearBuckets(64, 64, 8), // 64..512
		},
	)

	// DefragChunksTotal counts transport chunks consumed during reassembly
	DefragChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usb_eval_defrag_chunks_total",
			Help: "Total number of transport chunks consumed during reassembly",
		},
	)

	// DefragErrorsTotal counts reassembly integrity errors by type
	DefragErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usb_eval_defrag_errors_total",
			Help: "Total number of reassembly integrity errors",
		},
		[]string{"type"},
	)

	// PoolAcquiresTotal counts successful pool item acquisitions
	PoolAcquiresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usb_eval_pool_acquires_total",
			Help: "Total number of successful pool item acquisitions",
		},
	)

	// PoolReleasesTotal counts successful pool item releases
	PoolReleasesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usb_eval_pool_releases_total",
			Help: "Total number of successful pool item releases",
		},
	)

	// PoolExhaustedTotal counts acquisitions refused on an empty free list
	PoolExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usb_eval_pool_exhausted_total",
			Help: "Total number of acquisitions refused on an empty free list",
		},
	)

	// BusMessagesTotal counts fully assembled messages delivered upstream
	BusMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usb_eval_bus_messages_total",
			Help: "Total number of fully assembled messages delivered upstream",
		},
	)

	// BusDropsTotal counts packets dropped by the bus receive path by reason
	BusDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usb_eval_bus_drops_total",
			Help: "Total number of packets dropped by the bus receive path",
		},
		[]string{"reason"},
	)

	// BenchDurationSeconds measures the latency of instrumented calls
	BenchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usb_eval_bench_duration_seconds",
			Help:    "Latency of instrumented calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"test"},
	)
)
