// Package metrics provides internal prometheus metrics collection.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the engine's operational metrics.
type Collector struct {
	modelCallsInFlight prometheus.Gauge
	modelCallsTotal    *prometheus.CounterVec
	modelCallDuration  *prometheus.HistogramVec
	modelTokensUsed    *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	toolCallsTotal   *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	compressionRounds      *prometheus.CounterVec
	compressionTokensSaved prometheus.Counter

	poolConnections *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers the metric set on the given registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in
// tests.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.modelCallsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_calls_in_flight",
		Help:      "Model calls currently holding a concurrency slot",
	})
	c.modelCallsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_calls_total",
		Help:      "Total model calls",
	}, []string{"model", "status"})
	c.modelCallDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "model_call_duration_seconds",
		Help:      "Model call duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"model"})
	c.modelTokensUsed = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_tokens_used_total",
		Help:      "Tokens consumed by model calls",
	}, []string{"model", "type"}) // type: prompt, completion

	c.cacheHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_hits_total",
		Help:      "Cache hits",
	}, []string{"cache"})
	c.cacheMisses = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_misses_total",
		Help:      "Cache misses",
	}, []string{"cache"})

	c.toolCallsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Total tool invocations",
	}, []string{"tool", "status"})
	c.toolCallDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Tool invocation duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	c.compressionRounds = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compression_rounds_total",
		Help:      "Session compression rounds",
	}, []string{"status"})
	c.compressionTokensSaved = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compression_tokens_saved_total",
		Help:      "Tokens removed from active context by compression",
	})

	c.poolConnections = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "protocol_pool_connections",
		Help:      "Protocol server pool connections by state",
	}, []string{"server", "state"}) // state: total, in_use, available

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// ModelCallStarted marks a concurrency slot as held.
func (c *Collector) ModelCallStarted() {
	c.modelCallsInFlight.Inc()
}

// ModelCallFinished records a completed model call and frees the slot.
func (c *Collector) ModelCallFinished(model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.modelCallsInFlight.Dec()
	c.modelCallsTotal.WithLabelValues(model, status).Inc()
	c.modelCallDuration.WithLabelValues(model).Observe(duration.Seconds())
	c.modelTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	c.modelTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// RecordCacheHit records a hit for the named cache.
func (c *Collector) RecordCacheHit(cache string) {
	c.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a miss for the named cache.
func (c *Collector) RecordCacheMiss(cache string) {
	c.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordToolCall records one tool invocation.
func (c *Collector) RecordToolCall(tool, status string, duration time.Duration) {
	c.toolCallsTotal.WithLabelValues(tool, status).Inc()
	c.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCompression records one compression round.
func (c *Collector) RecordCompression(status string, tokensSaved int) {
	c.compressionRounds.WithLabelValues(status).Inc()
	if tokensSaved > 0 {
		c.compressionTokensSaved.Add(float64(tokensSaved))
	}
}

// RecordPoolStats records a protocol server pool snapshot.
func (c *Collector) RecordPoolStats(server string, total, inUse, available int) {
	c.poolConnections.WithLabelValues(server, "total").Set(float64(total))
	c.poolConnections.WithLabelValues(server, "in_use").Set(float64(inUse))
	c.poolConnections.WithLabelValues(server, "available").Set(float64(available))
}
