package couchkit

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus.
// The maps are guarded by mu so metrics not registered up front can be
// created lazily from concurrent emitters without racing the registry.
type PrometheusMetrics struct {
	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, a dedicated registry is created
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers all standard couchkit metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	// Operation counts
	p.counters[MetricOpSuccess] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchkit",
			Subsystem: "op",
			Name:      "success_total",
			Help:      "Total number of successful operations",
		},
		[]string{"kind"},
	)

	p.counters[MetricOpError] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchkit",
			Subsystem: "op",
			Name:      "errors_total",
			Help:      "Total number of failed operations",
		},
		[]string{"kind"},
	)

	p.counters[MetricRetryAttempts] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchkit",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total number of operation retries",
		},
		[]string{"op"},
	)

	p.counters[MetricFailoverCount] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchkit",
			Subsystem: "failover",
			Name:      "total",
			Help:      "Total number of endpoint failovers",
		},
		[]string{"endpoint"},
	)

	p.counters[MetricDurabilityTimeout] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchkit",
			Subsystem: "durability",
			Name:      "timeouts_total",
			Help:      "Durability waits that expired before requirements were met",
		},
		[]string{},
	)

	// Tag-less counters
	for _, c := range []struct {
		key, subsystem, name, help string
	}{
		{MetricRetryExhausted, "retry", "exhausted_total", "Operations that exhausted their retry budget"},
		{MetricPoolAcquireTimeout, "pool", "acquire_timeouts_total", "Acquire calls that timed out waiting for a connection"},
		{MetricPoolEvictions, "pool", "evictions_total", "Idle connections evicted by the reaper"},
		{MetricPoolValidationFail, "pool", "validation_failures_total", "Connections discarded after failing borrow validation"},
		{MetricFailoverFailures, "failover", "endpoint_failures_total", "Endpoint failures reported to the failover manager"},
		{MetricFailoverCircuitOpen, "failover", "circuit_open_total", "Endpoint circuit breakers tripped open"},
		{MetricObservePolls, "durability", "observe_polls_total", "Observe polls issued while waiting for durability"},
		{MetricDurabilityMet, "durability", "met_total", "Durability waits that met their requirements"},
		{MetricDurabilitySuperseded, "durability", "superseded_total", "Durability waits aborted because the CAS was superseded"},
		{MetricBatchFailures, "batch", "failures_total", "Batches that completed with at least one failed operation"},
		{MetricTransactionCommit, "transaction", "commits_total", "Transactions committed"},
		{MetricTransactionFailed, "transaction", "failures_total", "Transactions that failed during commit"},
		{MetricTransactionRollback, "transaction", "rollbacks_total", "Transactions rolled back"},
	} {
		p.counters[c.key] = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "couchkit",
				Subsystem: c.subsystem,
				Name:      c.name,
				Help:      c.help,
			},
			[]string{},
		)
	}

	// Timing histograms
	p.histograms[MetricOpDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "couchkit",
			Subsystem: "op",
			Name:      "duration_seconds",
			Help:      "Operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	p.histograms[MetricDurabilityDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "couchkit",
			Subsystem: "durability",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting for durability requirements",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{},
	)

	p.histograms[MetricBatchSize] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "couchkit",
			Subsystem: "batch",
			Name:      "size",
			Help:      "Number of operations per batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{},
	)

	p.histograms[MetricBatchDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "couchkit",
			Subsystem: "batch",
			Name:      "duration_seconds",
			Help:      "Batch execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{},
	)

	// Gauge metrics
	p.gauges[MetricPoolSize] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "couchkit",
			Subsystem: "pool",
			Name:      "connections",
			Help:      "Number of connections currently held by the pool",
		},
		[]string{},
	)

	p.gauges[MetricPoolActive] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "couchkit",
			Subsystem: "pool",
			Name:      "active_leases",
			Help:      "Number of connections currently borrowed from the pool",
		},
		[]string{},
	)

	p.gauges[MetricTransactionSize] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "couchkit",
			Subsystem: "transaction",
			Name:      "size",
			Help:      "Number of staged operations in the last committed transaction",
		},
		[]string{},
	)
}

// counterFor returns the counter vec for name, creating and registering a
// dynamic one on first use
func (p *PrometheusMetrics) counterFor(name string, tags []string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if counter, ok := p.counters[name]; ok {
		return counter
	}
	counter := promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchkit",
			Name:      sanitizeMetricName(name),
			Help:      "Dynamic counter: " + name,
		},
		p.extractLabels(tags),
	)
	p.counters[name] = counter
	return counter
}

func (p *PrometheusMetrics) gaugeFor(name string, tags []string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gauge, ok := p.gauges[name]; ok {
		return gauge
	}
	gauge := promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "couchkit",
			Name:      sanitizeMetricName(name),
			Help:      "Dynamic gauge: " + name,
		},
		p.extractLabels(tags),
	)
	p.gauges[name] = gauge
	return gauge
}

func (p *PrometheusMetrics) histogramFor(name string, tags []string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if histogram, ok := p.histograms[name]; ok {
		return histogram
	}
	histogram := promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "couchkit",
			Name:      sanitizeMetricName(name),
			Help:      "Dynamic histogram: " + name,
			Buckets:   prometheus.DefBuckets,
		},
		p.extractLabels(tags),
	)
	p.histograms[name] = histogram
	return histogram
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.counterFor(name, tags).With(p.extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.gaugeFor(name, tags).With(p.extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.histogramFor(name, tags).With(p.extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// sanitizeMetricName converts dotted metric names into valid Prometheus names
func sanitizeMetricName(name string) string {
	name = strings.TrimPrefix(name, "couchkit.")
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags)-1; i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return prometheus.Labels{}
	}

	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
