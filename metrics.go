package couchkit

import (
	"sync"
	"time"
)

// Metrics provides observability for couchkit operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (latency, size, etc)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Counter returns the current value of a counter (for tests)
func (m *InMemoryMetrics) Counter(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// Common metric names
const (
	MetricOpSuccess  = "couchkit.op.success"
	MetricOpError    = "couchkit.op.error"
	MetricOpDuration = "couchkit.op.duration"

	MetricRetryAttempts  = "couchkit.retry.attempts"
	MetricRetryExhausted = "couchkit.retry.exhausted"

	MetricPoolSize           = "couchkit.pool.size"
	MetricPoolActive         = "couchkit.pool.active"
	MetricPoolAcquireTimeout = "couchkit.pool.acquire_timeout"
	MetricPoolEvictions      = "couchkit.pool.evictions"
	MetricPoolValidationFail = "couchkit.pool.validation_failures"

	MetricFailoverCount       = "couchkit.failover.count"
	MetricFailoverFailures    = "couchkit.failover.endpoint_failures"
	MetricFailoverCircuitOpen = "couchkit.failover.circuit_open"

	MetricObservePolls         = "couchkit.durability.observe_polls"
	MetricDurabilityMet        = "couchkit.durability.met"
	MetricDurabilityTimeout    = "couchkit.durability.timeout"
	MetricDurabilityDuration   = "couchkit.durability.duration"
	MetricDurabilitySuperseded = "couchkit.durability.superseded"

	MetricBatchSize     = "couchkit.batch.size"
	MetricBatchFailures = "couchkit.batch.failures"
	MetricBatchDuration = "couchkit.batch.duration"

	MetricTransactionCommit   = "couchkit.transaction.commit"
	MetricTransactionFailed   = "couchkit.transaction.failed"
	MetricTransactionRollback = "couchkit.transaction.rollback"
	MetricTransactionSize     = "couchkit.transaction.size"
)
