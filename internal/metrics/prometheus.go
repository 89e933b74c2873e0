// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Metrics holds all exported metrics.
type Metrics struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{operation,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{operation,outcome}
	upstreamDuration *prometheus.HistogramVec

	// ImagesSaved counts images written into the cache.
	// gateway_images_saved_total
	ImagesSaved prometheus.Counter

	// ImageReads counts image reads by serving tier ("local" or "archive").
	// gateway_image_reads_total{tier}
	ImageReads *prometheus.CounterVec

	// ImagesEvicted counts local-copy evictions by reason ("ttl" or "quota").
	// gateway_images_evicted_total{reason}
	ImagesEvicted *prometheus.CounterVec

	// ArchiveUploads counts archive upload attempts by result ("ok" or "error").
	// gateway_archive_uploads_total{result}
	ArchiveUploads *prometheus.CounterVec

	// RewriteImages counts payload rewrite conversions by direction
	// ("to_url" or "to_base64").
	// gateway_rewrite_images_total{direction}
	RewriteImages *prometheus.CounterVec

	// StreamHeartbeats counts synthesized heartbeat chunks.
	// gateway_stream_heartbeats_total
	StreamHeartbeats prometheus.Counter

	// gateway_store_records{kind}
	storeRecords *prometheus.GaugeVec

	// gateway_store_local_bytes
	storeLocalBytes prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream attempts including retries",
			},
			[]string{"operation", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"operation", "outcome"},
		),

		ImagesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_images_saved_total",
			Help: "Images written into the local cache",
		}),

		ImageReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_image_reads_total",
				Help: "Image reads by serving tier",
			},
			[]string{"tier"},
		),

		ImagesEvicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_images_evicted_total",
				Help: "Local image copies evicted by reason",
			},
			[]string{"reason"},
		),

		ArchiveUploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_archive_uploads_total",
				Help: "Archive upload attempts by result",
			},
			[]string{"result"},
		),

		RewriteImages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_rewrite_images_total",
				Help: "Images converted during payload rewriting by direction",
			},
			[]string{"direction"},
		),

		StreamHeartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_heartbeats_total",
			Help: "Heartbeat chunks synthesized while waiting on the upstream",
		}),

		storeRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_store_records",
				Help: "Image records by kind, refreshed on each maintenance sweep",
			},
			[]string{"kind"},
		),

		storeLocalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_store_local_bytes",
			Help: "Bytes held by the local image tier",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		m.inFlight,
		m.httpRequestsTotal,
		m.httpDuration,
		m.upstreamAttempts,
		m.upstreamDuration,
		m.ImagesSaved,
		m.ImageReads,
		m.ImagesEvicted,
		m.ArchiveUploads,
		m.RewriteImages,
		m.StreamHeartbeats,
		m.storeRecords,
		m.storeLocalBytes,
		m.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	m.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return m
}

func (m *Metrics) IncInFlight() { m.inFlight.Inc() }
func (m *Metrics) DecInFlight() { m.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (m *Metrics) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	m.httpRequestsTotal.WithLabelValues(route, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt.
func (m *Metrics) ObserveUpstreamAttempt(operation, outcome string, dur time.Duration) {
	m.upstreamAttempts.WithLabelValues(operation, outcome).Inc()
	m.upstreamDuration.WithLabelValues(operation, outcome).Observe(dur.Seconds())
}

// SetStoreStats refreshes the store-state gauges from a stats snapshot.
func (m *Metrics) SetStoreStats(total, local, remote, pending, failed, localBytes int64) {
	m.storeRecords.WithLabelValues("total").Set(float64(total))
	m.storeRecords.WithLabelValues("local").Set(float64(local))
	m.storeRecords.WithLabelValues("remote").Set(float64(remote))
	m.storeRecords.WithLabelValues("pending_upload").Set(float64(pending))
	m.storeRecords.WithLabelValues("failed_upload").Set(float64(failed))
	m.storeLocalBytes.Set(float64(localBytes))
}

func (m *Metrics) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	m.buildInfo.WithLabelValues(version).Set(1)
}

func (m *Metrics) Handler() fasthttp.RequestHandler {
	return m.metricsHandler
}

func (m *Metrics) PromRegistry() *prometheus.Registry { return m.reg }
