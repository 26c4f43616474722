package couchkit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Default failover configuration
const (
	DefaultFailoverMaxAttempts   = 3
	DefaultFailoverTimeout       = 30 * time.Second
	DefaultFailureThreshold      = 5
	DefaultRecoveryTimeout       = 30 * time.Second
	DefaultHealthCheckInterval   = 10 * time.Second
	DefaultFailoverInitialDelay  = 50 * time.Millisecond
	DefaultFailoverMaxDelay      = 5 * time.Second
	DefaultFailoverBackoffFactor = 2.0
)

// LoadBalancingStrategy selects how the next endpoint is chosen
type LoadBalancingStrategy string

const (
	RoundRobin         LoadBalancingStrategy = "round_robin"
	LeastConnections   LoadBalancingStrategy = "least_connections"
	WeightedRoundRobin LoadBalancingStrategy = "weighted_round_robin"
	Random             LoadBalancingStrategy = "random"
)

// FailoverConfig holds configuration for endpoint failover
type FailoverConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxAttempts       int           `yaml:"max_attempts"`
	Timeout           time.Duration `yaml:"timeout"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`

	CircuitBreakerEnabled bool          `yaml:"circuit_breaker_enabled"`
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryTimeout       time.Duration `yaml:"recovery_timeout"`

	HealthCheckEnabled  bool          `yaml:"health_check_enabled"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	LoadBalancingEnabled  bool                  `yaml:"load_balancing_enabled"`
	LoadBalancingStrategy LoadBalancingStrategy `yaml:"load_balancing_strategy"`
	EndpointWeights       map[string]int        `yaml:"endpoint_weights"`
	PriorityEnabled       bool                  `yaml:"priority_enabled"`
}

// DefaultFailoverConfig returns the default failover configuration:
// round-robin selection with circuit breaking enabled
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		Enabled:               true,
		MaxAttempts:           DefaultFailoverMaxAttempts,
		Timeout:               DefaultFailoverTimeout,
		BackoffMultiplier:     DefaultFailoverBackoffFactor,
		InitialDelay:          DefaultFailoverInitialDelay,
		MaxDelay:              DefaultFailoverMaxDelay,
		CircuitBreakerEnabled: true,
		FailureThreshold:      DefaultFailureThreshold,
		RecoveryTimeout:       DefaultRecoveryTimeout,
		HealthCheckEnabled:    true,
		HealthCheckInterval:   DefaultHealthCheckInterval,
		LoadBalancingEnabled:  true,
		LoadBalancingStrategy: RoundRobin,
	}
}

// Validate checks if the FailoverConfig is valid
func (c FailoverConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxAttempts",
			"value":  c.MaxAttempts,
			"reason": "must be non-negative",
		})
	}
	if c.CircuitBreakerEnabled && c.FailureThreshold <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "FailureThreshold",
			"value":  c.FailureThreshold,
			"reason": "must be positive when circuit breaking is enabled",
		})
	}
	switch c.LoadBalancingStrategy {
	case "", RoundRobin, LeastConnections, WeightedRoundRobin, Random:
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "LoadBalancingStrategy",
			"value":  c.LoadBalancingStrategy,
			"reason": "unknown strategy",
		})
	}
	return nil
}

// LeaseCounter reports how many connections are currently borrowed against
// an endpoint. ConnectionPool implements it; the least-connections strategy
// needs the feedback.
type LeaseCounter interface {
	ActiveLeases(endpoint string) int
}

// FailoverManager tracks a set of cluster endpoints and their health, and
// performs managed failover between them. One circuit breaker per endpoint
// excludes unhealthy nodes from selection until their recovery timeout
// elapses, after which a half-open probe is allowed through.
//
// Safe for concurrent use. The current endpoint is read under an RWMutex
// read lock so the hot path does not serialize against failovers.
type FailoverManager struct {
	mu        sync.RWMutex
	config    FailoverConfig
	endpoints []string
	current   int
	breakers  map[string]*CircuitBreaker
	leases    LeaseCounter

	// smooth weighted round robin state
	wrrCurrent map[string]int

	failoverAttempts int
	stopCh           chan struct{}
	stopOnce         sync.Once

	logger  Logger
	metrics Metrics
}

// NewFailoverManager creates a manager over an ordered endpoint list.
// The first endpoint is the initial current endpoint; with PriorityEnabled
// the list order is also the preference order.
func NewFailoverManager(config FailoverConfig, endpoints []string) (*FailoverManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, WithContext(ErrNoEndpointsAvailable, map[string]interface{}{
			"reason": "endpoint list is empty",
		})
	}

	m := &FailoverManager{
		config:     config,
		endpoints:  append([]string(nil), endpoints...),
		breakers:   make(map[string]*CircuitBreaker, len(endpoints)),
		wrrCurrent: make(map[string]int, len(endpoints)),
		stopCh:     make(chan struct{}),
		logger:     &NoOpLogger{},
		metrics:    &NoOpMetrics{},
	}

	threshold := config.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	recovery := config.RecoveryTimeout
	if recovery <= 0 {
		recovery = DefaultRecoveryTimeout
	}
	for _, ep := range endpoints {
		m.breakers[ep] = NewCircuitBreaker(threshold, recovery)
	}

	return m, nil
}

// SetLogger updates the logger for this manager
func (m *FailoverManager) SetLogger(logger Logger) {
	m.logger = logger
}

// SetMetrics updates the metrics collector for this manager
func (m *FailoverManager) SetMetrics(metrics Metrics) {
	m.metrics = metrics
}

// SetLeaseCounter wires in connection-count feedback for the
// least-connections strategy
func (m *FailoverManager) SetLeaseCounter(leases LeaseCounter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases = leases
}

// CurrentEndpoint returns the active endpoint
func (m *FailoverManager) CurrentEndpoint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.endpoints) == 0 {
		return ""
	}
	return m.endpoints[m.current]
}

// Endpoints returns a copy of the endpoint list
func (m *FailoverManager) Endpoints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.endpoints...)
}

// ReportFailure records a failed request against an endpoint. Once the
// failure threshold is reached the endpoint's circuit opens and it is
// excluded from selection until the recovery timeout elapses.
func (m *FailoverManager) ReportFailure(endpoint string) {
	m.mu.RLock()
	cb := m.breakers[endpoint]
	m.mu.RUnlock()
	if cb == nil {
		return
	}

	cb.RecordFailure()
	m.metrics.Increment(MetricFailoverFailures)
	if cb.State() == CircuitOpen {
		m.metrics.Increment(MetricFailoverCircuitOpen)
		m.logger.Warn("endpoint circuit opened", "endpoint", endpoint, "failures", cb.Failures())
	}
}

// ReportSuccess records a successful request against an endpoint,
// closing a half-open circuit and resetting the failover attempt counter
func (m *FailoverManager) ReportSuccess(endpoint string) {
	m.mu.RLock()
	cb := m.breakers[endpoint]
	m.mu.RUnlock()
	if cb != nil {
		cb.RecordSuccess()
	}

	m.mu.Lock()
	m.failoverAttempts = 0
	m.mu.Unlock()
}

// EndpointHealthy reports whether an endpoint would currently be selected
func (m *FailoverManager) EndpointHealthy(endpoint string) bool {
	if !m.config.CircuitBreakerEnabled {
		return true
	}
	m.mu.RLock()
	cb := m.breakers[endpoint]
	m.mu.RUnlock()
	if cb == nil {
		return false
	}
	return cb.Allow()
}

// Failover switches the current endpoint to the next healthy one according
// to the load balancing strategy, waiting out the backoff delay for the
// current failover attempt first. Fails with ErrNoEndpointsAvailable when
// every endpoint's circuit is open.
func (m *FailoverManager) Failover(ctx context.Context) (string, error) {
	if !m.config.Enabled {
		return "", WithContext(ErrNoEndpointsAvailable, map[string]interface{}{
			"reason": "failover disabled",
		})
	}

	m.mu.Lock()
	attempt := m.failoverAttempts
	m.failoverAttempts++
	m.mu.Unlock()

	if delay := m.failoverDelay(attempt); delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	healthy := m.healthyEndpointsLocked()
	if len(healthy) == 0 {
		return "", WithContext(ErrNoEndpointsAvailable, map[string]interface{}{
			"endpoints": len(m.endpoints),
		})
	}

	next := m.selectLocked(healthy)
	for i, ep := range m.endpoints {
		if ep == next {
			m.current = i
			break
		}
	}

	m.metrics.Increment(MetricFailoverCount, "endpoint", next)
	m.logger.Info("failed over to endpoint", "endpoint", next, "attempt", attempt)
	return next, nil
}

// failoverDelay follows the retry delay schedule keyed on the failover
// attempt count, capped at MaxDelay
func (m *FailoverManager) failoverDelay(attempt int) time.Duration {
	if attempt == 0 || m.config.InitialDelay <= 0 {
		return 0
	}
	policy := RetryPolicy{
		InitialDelay:      m.config.InitialDelay,
		MaxDelay:          m.config.MaxDelay,
		BackoffMultiplier: m.config.BackoffMultiplier,
	}
	return policy.CalculateDelay(attempt - 1)
}

// healthyEndpointsLocked returns endpoints whose circuit currently allows
// traffic, in list order. Caller must hold m.mu.
func (m *FailoverManager) healthyEndpointsLocked() []string {
	if !m.config.CircuitBreakerEnabled {
		return m.endpoints
	}
	healthy := make([]string, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		if m.breakers[ep].Allow() {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}

// selectLocked picks the next endpoint among healthy ones per the
// configured strategy. Caller must hold m.mu.
func (m *FailoverManager) selectLocked(healthy []string) string {
	if m.config.PriorityEnabled || !m.config.LoadBalancingEnabled {
		// List order is priority order; take the first healthy endpoint
		return healthy[0]
	}

	switch m.config.LoadBalancingStrategy {
	case LeastConnections:
		if m.leases != nil {
			best := healthy[0]
			bestLeases := m.leases.ActiveLeases(best)
			for _, ep := range healthy[1:] {
				if l := m.leases.ActiveLeases(ep); l < bestLeases {
					best, bestLeases = ep, l
				}
			}
			return best
		}
		// No lease feedback wired, fall back to round robin
		return m.nextRoundRobinLocked(healthy)

	case WeightedRoundRobin:
		return m.nextWeightedLocked(healthy)

	case Random:
		return healthy[rand.Intn(len(healthy))]

	default: // RoundRobin
		return m.nextRoundRobinLocked(healthy)
	}
}

// nextRoundRobinLocked cycles deterministically through healthy endpoints
// in list order, starting after the current endpoint
func (m *FailoverManager) nextRoundRobinLocked(healthy []string) string {
	currentEp := m.endpoints[m.current]
	pos := -1
	for i, ep := range healthy {
		if ep == currentEp {
			pos = i
			break
		}
	}
	return healthy[(pos+1)%len(healthy)]
}

// nextWeightedLocked implements smooth weighted round robin: each pick the
// highest accumulated weight wins and pays back the total weight
func (m *FailoverManager) nextWeightedLocked(healthy []string) string {
	total := 0
	best := ""
	for _, ep := range healthy {
		w := m.config.EndpointWeights[ep]
		if w <= 0 {
			w = 1
		}
		total += w
		m.wrrCurrent[ep] += w
		if best == "" || m.wrrCurrent[ep] > m.wrrCurrent[best] {
			best = ep
		}
	}
	m.wrrCurrent[best] -= total
	return best
}

// StartHealthChecks launches a background loop probing unhealthy endpoints
// so their circuits can close again without waiting for live traffic.
// probe should establish and validate a connection to the endpoint.
func (m *FailoverManager) StartHealthChecks(probe func(ctx context.Context, endpoint string) error) {
	if !m.config.HealthCheckEnabled || probe == nil {
		return
	}
	interval := m.config.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.probeUnhealthy(probe)
			}
		}
	}()
}

func (m *FailoverManager) probeUnhealthy(probe func(ctx context.Context, endpoint string) error) {
	m.mu.RLock()
	endpoints := append([]string(nil), m.endpoints...)
	m.mu.RUnlock()

	for _, ep := range endpoints {
		m.mu.RLock()
		cb := m.breakers[ep]
		m.mu.RUnlock()
		if cb == nil || cb.State() == CircuitClosed {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := probe(ctx, ep)
		cancel()

		if err != nil {
			cb.RecordFailure()
			continue
		}
		cb.Reset()
		m.logger.Info("endpoint recovered", "endpoint", ep)
	}
}

// Stop terminates the health check loop
func (m *FailoverManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}
