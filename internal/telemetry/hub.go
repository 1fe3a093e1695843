// Package telemetry aggregates latency percentiles, cache hit ratio,
// audit fallback counts, and an APDEX score in-process, optionally
// mirroring them to an OTLP collector.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	bolt "go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ApdexThreshold and ApdexTolerance set the satisfied/tolerated boundary for
// the APDEX score: latencies under the threshold are "satisfied", under
// 4x the threshold are "tolerated", beyond that are "frustrated".
const (
	ApdexThreshold = 300 * time.Millisecond
	ApdexTolerance = 4
)

// Config configures OTLP export. Enabled=false keeps everything in-process.
// DBPath, when non-empty, persists the hub's counters to an embedded KV
// store so cache-hit and audit-fallback totals survive restarts; latency
// samples are process-local either way.
type Config struct {
	ServiceName  string
	OTLPEndpoint string
	Enabled      bool
	Insecure     bool
	DBPath       string
}

// Hub aggregates latency samples and counters in-process and, when
// configured, mirrors them to an OTLP collector.
type Hub struct {
	logger *slog.Logger

	mu                sync.Mutex
	latenciesMS       []float64
	cacheHits         int64
	cacheMisses       int64
	auditFallbacks    int64

	meterProvider *sdkmetric.MeterProvider
	latencyHist   metric.Float64Histogram
	fallbackCtr   metric.Int64Counter

	registry        *prometheus.Registry
	promLatency     *prometheus.HistogramVec
	promCacheTotal  *prometheus.CounterVec
	promFallbackCtr prometheus.Counter

	db *bolt.DB
}

var (
	bucketCounters = []byte("counters")
	countersKey    = []byte("current")
)

// persistedCounters is the on-disk shape of the hub's durable counters.
type persistedCounters struct {
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	AuditFallbacks int64 `json:"audit_fallbacks"`
}

// newPromMetrics builds the Prometheus side of the Hub: a private registry
// (not the global default, so multiple Hubs in the same process or test
// binary don't collide on duplicate registration) holding the same
// signals Stats() reports, scraped independently of the OTLP path.
func newPromMetrics() (*prometheus.Registry, *prometheus.HistogramVec, *prometheus.CounterVec, prometheus.Counter) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	latency := factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentrycore_exec_latency_ms",
		Help:    "sandboxed exec latency in milliseconds",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	}, []string{})

	cacheTotal := factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sentrycore_cache_requests_total",
		Help: "resilience cache lookups by outcome",
	}, []string{"outcome"})

	fallback := factory.NewCounter(prometheus.CounterOpts{
		Name: "sentrycore_audit_fallback_total",
		Help: "number of times the audit ledger degraded to its in-memory fallback",
	})

	return reg, latency, cacheTotal, fallback
}

// New creates a Hub. If cfg.Enabled, it stands up an OTLP gRPC metric
// exporter; otherwise it only tracks stats in-memory for Stats().
func New(ctx context.Context, cfg Config) (*Hub, error) {
	h := &Hub{logger: slog.Default().With("component", "telemetry")}
	h.registry, h.promLatency, h.promCacheTotal, h.promFallbackCtr = newPromMetrics()

	if cfg.DBPath != "" {
		db, err := bolt.Open(cfg.DBPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("open telemetry store: %w", err)
		}
		h.db = db
		if err := h.loadCounters(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("load telemetry counters: %w", err)
		}
	}

	if !cfg.Enabled {
		return h, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	h.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(h.meterProvider)

	meter := otel.Meter("sentrycore.telemetry")
	h.latencyHist, err = meter.Float64Histogram("sentrycore.exec.latency",
		metric.WithDescription("sandboxed exec latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	h.fallbackCtr, err = meter.Int64Counter("sentrycore.audit.fallback_count",
		metric.WithDescription("number of times the audit ledger degraded to its in-memory fallback"))
	if err != nil {
		return nil, err
	}

	h.logger.InfoContext(ctx, "telemetry exporter started", "endpoint", cfg.OTLPEndpoint)
	return h, nil
}

// Handler returns the Prometheus scrape endpoint for this Hub's private
// registry, for callers that want to expose /metrics alongside (or
// instead of) the OTLP push path.
func (h *Hub) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}

// Shutdown persists counters (when a store is configured) and flushes and
// stops the OTLP exporter, if one is running.
func (h *Hub) Shutdown(ctx context.Context) error {
	var errs []error
	if h.db != nil {
		if err := h.persistCounters(); err != nil {
			errs = append(errs, err)
		}
		if err := h.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if h.meterProvider != nil {
		if err := h.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown telemetry hub: %v", errs)
	}
	return nil
}

func (h *Hub) loadCounters() error {
	if err := h.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCounters)
		return err
	}); err != nil {
		return err
	}
	return h.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCounters).Get(countersKey)
		if raw == nil {
			return nil
		}
		var c persistedCounters
		if err := json.Unmarshal(raw, &c); err != nil {
			return err
		}
		h.mu.Lock()
		h.cacheHits = c.CacheHits
		h.cacheMisses = c.CacheMisses
		h.auditFallbacks = c.AuditFallbacks
		h.mu.Unlock()
		return nil
	})
}

func (h *Hub) persistCounters() error {
	h.mu.Lock()
	c := persistedCounters{CacheHits: h.cacheHits, CacheMisses: h.cacheMisses, AuditFallbacks: h.auditFallbacks}
	h.mu.Unlock()

	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCounters).Put(countersKey, data)
	})
}

// RecordLatency records a single exec latency sample in milliseconds.
func (h *Hub) RecordLatency(ms float64) {
	h.mu.Lock()
	h.latenciesMS = append(h.latenciesMS, ms)
	h.mu.Unlock()

	if h.latencyHist != nil {
		h.latencyHist.Record(context.Background(), ms)
	}
	h.promLatency.WithLabelValues().Observe(ms)
}

// RecordCacheHit and RecordCacheMiss feed the cache hit ratio.
func (h *Hub) RecordCacheHit() {
	h.mu.Lock()
	h.cacheHits++
	h.mu.Unlock()
	h.promCacheTotal.WithLabelValues("hit").Inc()
}

func (h *Hub) RecordCacheMiss() {
	h.mu.Lock()
	h.cacheMisses++
	h.mu.Unlock()
	h.promCacheTotal.WithLabelValues("miss").Inc()
}

// ObserveCacheHit and ObserveCacheMiss implement rescache.HitObserver.
func (h *Hub) ObserveCacheHit()  { h.RecordCacheHit() }
func (h *Hub) ObserveCacheMiss() { h.RecordCacheMiss() }

// RecordAuditFallback counts each time the ledger degrades to its
// in-memory fallback.
func (h *Hub) RecordAuditFallback() {
	h.mu.Lock()
	h.auditFallbacks++
	h.mu.Unlock()

	if h.fallbackCtr != nil {
		h.fallbackCtr.Add(context.Background(), 1)
	}
	h.promFallbackCtr.Inc()
}

// IncrementAuditFallback implements auditledger.FallbackObserver.
func (h *Hub) IncrementAuditFallback() {
	h.RecordAuditFallback()
}

// Stats is the point-in-time snapshot returned by the Stats() accessor.
type Stats struct {
	SampleCount      int     `json:"sample_count"`
	P95LatencyMS     float64 `json:"p95_latency_ms"`
	CacheHitRatio    float64 `json:"cache_hit_ratio"`
	AuditFallbacks   int64   `json:"audit_fallback_count"`
	Apdex            float64 `json:"apdex"`
}

// Stats computes the current snapshot. P95 and APDEX are derived from all
// samples recorded since the Hub was created; callers that want a rolling
// window should create periodic Hubs or call Reset.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Stats{SampleCount: len(h.latenciesMS), AuditFallbacks: h.auditFallbacks}

	totalCache := h.cacheHits + h.cacheMisses
	if totalCache > 0 {
		stats.CacheHitRatio = float64(h.cacheHits) / float64(totalCache)
	}

	if len(h.latenciesMS) == 0 {
		return stats
	}

	sorted := append([]float64(nil), h.latenciesMS...)
	sort.Float64s(sorted)
	stats.P95LatencyMS = percentile(sorted, 0.95)

	var satisfied, tolerated float64
	thresholdMS := float64(ApdexThreshold.Milliseconds())
	for _, ms := range sorted {
		switch {
		case ms <= thresholdMS:
			satisfied++
		case ms <= thresholdMS*ApdexTolerance:
			tolerated++
		}
	}
	stats.Apdex = (satisfied + tolerated/2) / float64(len(sorted))

	return stats
}

// Reset clears accumulated samples and counters without tearing down the
// OTLP exporter.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latenciesMS = nil
	h.cacheHits = 0
	h.cacheMisses = 0
	h.auditFallbacks = 0
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}
