// Package metrics provides the conversation engine's Prometheus metrics.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every metric the conversation engine emits, grounded on
// spec.md §4.4 step 9 and §4.5's active-conversation gauge.
type Collector struct {
	callsTotal          *prometheus.CounterVec
	callDuration        *prometheus.HistogramVec
	tokensTotal         *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	activeConversations prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers the conversation engine's metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Total number of provider adapter calls.",
		},
		[]string{"provider", "model", "status"},
	)

	c.callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider adapter call latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	c.tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Total tokens reported by provider adapters.",
		},
		[]string{"provider", "model", "direction"}, // direction: input, output
	)

	c.errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total provider adapter errors by classified kind.",
		},
		[]string{"provider", "kind"},
	)

	c.activeConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_conversations",
			Help:      "Number of conversation runs currently in progress.",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordCall records one provider adapter call outcome: its status
// ("success" or "error"), latency, and reported token counts.
func (c *Collector) RecordCall(provider, model, status string, duration time.Duration, inputTokens, outputTokens int) {
	c.callsTotal.WithLabelValues(provider, model, status).Inc()
	c.callDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if inputTokens > 0 {
		c.tokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		c.tokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordError records a classified provider adapter failure.
func (c *Collector) RecordError(provider, kind string) {
	c.errorsTotal.WithLabelValues(provider, kind).Inc()
}

// IncrementActiveConversations records a conversation run starting.
func (c *Collector) IncrementActiveConversations() {
	c.activeConversations.Inc()
}

// DecrementActiveConversations records a conversation run finishing.
func (c *Collector) DecrementActiveConversations() {
	c.activeConversations.Dec()
}

// ServeHTTP starts the /metrics endpoint on port in the background, per
// spec §6.3's METRICS_PORT key, and returns a function that shuts it down.
// A server that fails to bind logs the error but does not panic the
// caller; metrics exposure is diagnostic, not load-bearing.
func ServeHTTP(port int, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
