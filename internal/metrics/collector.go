// Package metrics exports Prometheus metrics for filesystem and backend
// activity.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prismfs/prismfs/pkg/errors"
	"github.com/prismfs/prismfs/pkg/types"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:   false,
		Address:   "localhost:9090",
		Path:      "/metrics",
		Namespace: "prismfs",
	}
}

// Collector records filesystem and backend metrics into a Prometheus
// registry. A nil *Collector is a valid no-op collector.
type Collector struct {
	config   Config
	registry *prometheus.Registry
	logger   *slog.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheCounter      *prometheus.CounterVec
	backendCounter    *prometheus.CounterVec
	backendDuration   *prometheus.HistogramVec

	server *http.Server
}

// NewCollector creates a collector and registers its metrics.
func NewCollector(config Config, logger *slog.Logger) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "prismfs"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		config:   config,
		registry: registry,
		logger:   logger.With("component", "metrics"),
	}

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "operations_total",
			Help:      "Total number of filesystem operations",
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "operation_size_bytes",
			Help:      "Payload size of filesystem operations in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 20),
		},
		[]string{"operation"},
	)

	c.cacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "metadata_cache_requests_total",
			Help:      "Metadata cache lookups by outcome",
		},
		[]string{"result"},
	)

	c.backendCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "backend_requests_total",
			Help:      "Object store requests by operation and outcome",
		},
		[]string{"operation", "result"},
	)

	c.backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Duration of object store requests in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"operation"},
	)

	collectors := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheCounter,
		c.backendCounter,
		c.backendDuration,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return c, nil
}

// Start serves the metrics endpoint when the collector is enabled.
func (c *Collector) Start() error {
	if c == nil || !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              c.config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	c.logger.Info("metrics server listening", "address", c.config.Address, "path", c.config.Path)

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics endpoint.
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordOperation records one filesystem operation.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if c == nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}

	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordCacheHit records a metadata cache hit.
func (c *Collector) RecordCacheHit(path string) {
	if c == nil {
		return
	}
	c.cacheCounter.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a metadata cache miss.
func (c *Collector) RecordCacheMiss(path string) {
	if c == nil {
		return
	}
	c.cacheCounter.WithLabelValues("miss").Inc()
}

// RecordBackendRequest records one object store request.
func (c *Collector) RecordBackendRequest(operation string, duration time.Duration, err error) {
	if c == nil {
		return
	}

	result := "success"
	if err != nil {
		result = errors.KindOf(err).String()
	}

	c.backendCounter.WithLabelValues(operation, result).Inc()
	c.backendDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

var _ types.MetricsCollector = (*Collector)(nil)
