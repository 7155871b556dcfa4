// ============================================================================
// Tilerender Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects render pass and worker pool metrics and serves them
//           for Prometheus to scrape
//
// Metrics:
//
//   1. Counters:
//      - tilerender_passes_started_total
//      - tilerender_passes_completed_total
//      - tilerender_passes_failed_total
//      - tilerender_render_requests_coalesced_total: Render calls folded
//        into a follow-up pass
//      - tilerender_tiles_dispatched_total{queued="true|false"}
//      - tilerender_tiles_failed_total
//
//   2. Histograms:
//      - tilerender_tile_latency_seconds: submit to settle, per tile
//      - tilerender_pass_duration_seconds: dispatch to composite, per pass
//
//   3. Gauges:
//      - tilerender_pool_busy_slots
//      - tilerender_pool_queued_tiles
//
// Example queries:
//
//   # p95 tile latency
//   histogram_quantile(0.95, rate(tilerender_tile_latency_seconds_bucket[5m]))
//
//   # share of tiles that had to wait for a slot
//   rate(tilerender_tiles_dispatched_total{queued="true"}[5m])
//     / rate(tilerender_tiles_dispatched_total[5m])
//
// HTTP endpoint: /metrics
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tilerender"

// Collector holds every tilerender metric. It implements worker.Recorder
// and coordinator.Metrics.
type Collector struct {
	// pass metrics
	passesStarted   prometheus.Counter
	passesCompleted prometheus.Counter
	passesFailed    prometheus.Counter
	coalesced       prometheus.Counter
	passDuration    prometheus.Histogram

	// tile metrics
	tilesDispatched *prometheus.CounterVec
	tilesFailed     prometheus.Counter
	tileLatency     prometheus.Histogram

	// pool state
	poolBusy   prometheus.Gauge
	poolQueued prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
// It panics if any of them is already registered there.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		passesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_started_total",
			Help:      "Total number of render passes started",
		}),
		passesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_completed_total",
			Help:      "Total number of render passes composited",
		}),
		passesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_failed_total",
			Help:      "Total number of render passes aborted by a tile failure",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_requests_coalesced_total",
			Help:      "Total number of render requests made while a pass was active",
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Render pass duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		tilesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_dispatched_total",
			Help:      "Total number of tiles submitted to the worker pool",
		}, []string{"queued"}),
		tilesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_failed_total",
			Help:      "Total number of tiles whose worker reported an error",
		}),
		tileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_latency_seconds",
			Help:      "Time from submit to result per tile in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		poolBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_busy_slots",
			Help:      "Current number of worker slots holding a tile",
		}),
		poolQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queued_tiles",
			Help:      "Current number of tiles waiting for a worker slot",
		}),
	}

	reg.MustRegister(
		c.passesStarted,
		c.passesCompleted,
		c.passesFailed,
		c.coalesced,
		c.passDuration,
		c.tilesDispatched,
		c.tilesFailed,
		c.tileLatency,
		c.poolBusy,
		c.poolQueued,
	)
	return c
}

// RecordPassStarted counts a pass entering dispatch.
func (c *Collector) RecordPassStarted() {
	c.passesStarted.Inc()
}

// RecordPassDone records a finished pass and its duration.
func (c *Collector) RecordPassDone(seconds float64, err error) {
	c.passDuration.Observe(seconds)
	if err != nil {
		c.passesFailed.Inc()
		return
	}
	c.passesCompleted.Inc()
}

// RecordCoalesced counts a Render call absorbed by an active pass.
func (c *Collector) RecordCoalesced() {
	c.coalesced.Inc()
}

// RecordDispatch counts a tile handed to the pool.
func (c *Collector) RecordDispatch(queued bool) {
	c.tilesDispatched.WithLabelValues(strconv.FormatBool(queued)).Inc()
}

// RecordTaskDone records a settled tile.
func (c *Collector) RecordTaskDone(latencySeconds float64, err error) {
	c.tileLatency.Observe(latencySeconds)
	if err != nil {
		c.tilesFailed.Inc()
	}
}

// UpdatePoolStats sets the pool gauges.
func (c *Collector) UpdatePoolStats(busy, queued int) {
	c.poolBusy.Set(float64(busy))
	c.poolQueued.Set(float64(queued))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics from g on port until ctx is cancelled.
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
