// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chunkrelay"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, route and status code.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 5, 30, 120, 600},
	}, []string{"method", "route"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of transcode sessions with a live controller.",
	})

	TranscoderLaunchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcoder_launches_total",
		Help:      "Total number of transcoder processes spawned.",
	})

	TranscoderRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcoder_restarts_total",
		Help:      "Total number of transcoder restarts by reason.",
	}, []string{"reason"})

	TranscoderKillsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcoder_kills_total",
		Help:      "Total number of controller kills by clean mode.",
	}, []string{"mode"})

	ChunkWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunk_waits_total",
		Help:      "Chunk availability waits by outcome.",
	}, []string{"outcome"})

	BytesServed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_served_total",
		Help:      "Bytes written to clients by stream kind.",
	}, []string{"stream"})

	SegmentsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_ingested_total",
		Help:      "Segment-list entries recorded from transcoder callbacks.",
	}, []string{"stream"})

	OrphansRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_orphans_removed_total",
		Help:      "Orphaned session cache directories removed by the sweeper.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveSessions,
		TranscoderLaunchesTotal,
		TranscoderRestartsTotal,
		TranscoderKillsTotal,
		ChunkWaits,
		BytesServed,
		SegmentsIngested,
		OrphansRemoved,
	)
}
