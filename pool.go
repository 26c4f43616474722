package couchkit

import (
	"context"
	"sync"
	"time"
)

// Default pool configuration
const (
	DefaultMaxConnections   = 8
	DefaultMinConnections   = 1
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultAcquireTimeout   = 10 * time.Second
	DefaultEvictionInterval = 30 * time.Second
)

// ConnectionFactory creates and validates the opaque connection handles
// the pool manages. Implementations own the byte-level protocol details.
type ConnectionFactory interface {
	Create(ctx context.Context, endpoint string) (ConnectionHandle, error)
	Validate(handle ConnectionHandle) bool
	Destroy(handle ConnectionHandle) error
}

// PoolConfig holds configuration for the connection pool
type PoolConfig struct {
	MaxConnections   int           `yaml:"max_connections"`
	MinConnections   int           `yaml:"min_connections"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	AcquireTimeout   time.Duration `yaml:"acquire_timeout"`
	ValidateOnBorrow bool          `yaml:"validate_on_borrow"`
	EvictionEnabled  bool          `yaml:"eviction_enabled"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// DefaultPoolConfig returns the default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:   DefaultMaxConnections,
		MinConnections:   DefaultMinConnections,
		IdleTimeout:      DefaultIdleTimeout,
		AcquireTimeout:   DefaultAcquireTimeout,
		ValidateOnBorrow: true,
		EvictionEnabled:  true,
		EvictionInterval: DefaultEvictionInterval,
	}
}

// Validate checks if the PoolConfig is valid
func (c PoolConfig) Validate() error {
	if c.MaxConnections <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxConnections",
			"value":  c.MaxConnections,
			"reason": "must be positive",
		})
	}
	if c.MinConnections < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MinConnections",
			"value":  c.MinConnections,
			"reason": "must be non-negative",
		})
	}
	if c.MinConnections > c.MaxConnections {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MinConnections",
			"value":  c.MinConnections,
			"reason": "must be <= MaxConnections",
		})
	}
	if c.EvictionEnabled && c.IdleTimeout <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "IdleTimeout",
			"value":  c.IdleTimeout,
			"reason": "must be positive when eviction is enabled",
		})
	}
	return nil
}

// PooledConnection is a connection handle plus pool bookkeeping. The pool
// exclusively owns every connection; callers borrow via Acquire and must
// return the same object via Release.
type PooledConnection struct {
	Handle ConnectionHandle

	endpoint           string
	createdAt          time.Time
	lastUsedAt         time.Time
	inUse              bool
	validationFailures int
}

// Endpoint returns the endpoint this connection was created against
func (pc *PooledConnection) Endpoint() string {
	return pc.endpoint
}

// CreatedAt returns when the connection was established
func (pc *PooledConnection) CreatedAt() time.Time {
	return pc.createdAt
}

// ConnectionPool manages a bounded set of backend connections. Connections
// are created lazily up to MaxConnections; once the ceiling is reached,
// Acquire blocks up to AcquireTimeout for a connection to be released.
// Idle connections beyond MinConnections are evicted in the background.
//
// Safe for concurrent use; one mutex guards all pool state.
type ConnectionPool struct {
	mu       sync.Mutex
	config   PoolConfig
	factory  ConnectionFactory
	endpoint func() string

	conns    []*PooledConnection
	idle     []*PooledConnection
	creating int
	waiters  []chan *PooledConnection
	closed   bool
	stopCh   chan struct{}

	logger  Logger
	metrics Metrics
}

// NewConnectionPool creates a pool that dials the endpoint returned by
// endpointFn at creation time. Pass a closure over a static address, or
// FailoverManager.CurrentEndpoint so new connections follow failovers.
func NewConnectionPool(config PoolConfig, factory ConnectionFactory, endpointFn func() string) (*ConnectionPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if factory == nil || endpointFn == nil {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"reason": "factory and endpoint function are required",
		})
	}

	p := &ConnectionPool{
		config:   config,
		factory:  factory,
		endpoint: endpointFn,
		stopCh:   make(chan struct{}),
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
	}

	if config.EvictionEnabled {
		interval := config.EvictionInterval
		if interval <= 0 {
			interval = DefaultEvictionInterval
		}
		go p.evictionLoop(interval)
	}

	return p, nil
}

// SetLogger updates the logger for this pool
func (p *ConnectionPool) SetLogger(logger Logger) {
	p.logger = logger
}

// SetMetrics updates the metrics collector for this pool
func (p *ConnectionPool) SetMetrics(metrics Metrics) {
	p.metrics = metrics
}

// Acquire borrows a connection, creating one lazily while the pool is below
// MaxConnections. At the ceiling it blocks until a connection is released,
// failing with ErrAcquireTimeout once AcquireTimeout elapses (or
// ErrPoolExhausted immediately when AcquireTimeout is zero).
func (p *ConnectionPool) Acquire(ctx context.Context) (*PooledConnection, error) {
	deadline := time.Now().Add(p.config.AcquireTimeout)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		// Reuse an idle connection, discarding any that fail validation
		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if p.config.ValidateOnBorrow && !p.factory.Validate(pc.Handle) {
				pc.validationFailures++
				p.metrics.Increment(MetricPoolValidationFail)
				p.logger.Warn("discarding connection that failed validation",
					"endpoint", pc.endpoint,
					"failures", pc.validationFailures,
				)
				p.destroyLocked(pc)
				continue
			}

			pc.inUse = true
			pc.lastUsedAt = time.Now()
			p.publishGaugesLocked()
			p.mu.Unlock()
			return pc, nil
		}

		// Below the ceiling: create a new connection. The creating counter
		// reserves the slot so concurrent acquires cannot overshoot
		// MaxConnections while the factory call runs unlocked.
		if len(p.conns)+p.creating < p.config.MaxConnections {
			p.creating++
			ep := p.endpoint()
			p.mu.Unlock()

			handle, err := p.factory.Create(ctx, ep)

			p.mu.Lock()
			p.creating--
			if err != nil {
				p.mu.Unlock()
				return nil, WithContext(ErrNetwork, map[string]interface{}{
					"endpoint": ep,
					"cause":    err.Error(),
				})
			}
			if p.closed {
				p.mu.Unlock()
				p.factory.Destroy(handle)
				return nil, ErrPoolClosed
			}

			now := time.Now()
			pc := &PooledConnection{
				Handle:     handle,
				endpoint:   ep,
				createdAt:  now,
				lastUsedAt: now,
				inUse:      true,
			}
			p.conns = append(p.conns, pc)
			p.publishGaugesLocked()
			p.mu.Unlock()
			return pc, nil
		}

		// Pool exhausted: wait for a release
		if p.config.AcquireTimeout <= 0 {
			p.mu.Unlock()
			return nil, WithContext(ErrPoolExhausted, map[string]interface{}{
				"max_connections": p.config.MaxConnections,
			})
		}

		waiter := make(chan *PooledConnection, 1)
		p.waiters = append(p.waiters, waiter)
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.abandonWaiter(waiter)
			p.metrics.Increment(MetricPoolAcquireTimeout)
			return nil, WithContext(ErrAcquireTimeout, map[string]interface{}{
				"timeout": p.config.AcquireTimeout,
			})
		}

		timer := time.NewTimer(remaining)
		select {
		case pc := <-waiter:
			timer.Stop()
			if pc == nil {
				return nil, ErrPoolClosed
			}
			if !p.validateBorrowed(pc) {
				// The hand-off gets the same borrow validation as the
				// idle path; go back around for a fresh connection
				continue
			}
			return pc, nil
		case <-timer.C:
			if pc := p.abandonWaiter(waiter); pc != nil {
				// A release raced the timeout; keep the connection
				if p.validateBorrowed(pc) {
					return pc, nil
				}
			}
			p.metrics.Increment(MetricPoolAcquireTimeout)
			return nil, WithContext(ErrAcquireTimeout, map[string]interface{}{
				"timeout": p.config.AcquireTimeout,
			})
		case <-ctx.Done():
			timer.Stop()
			if pc := p.abandonWaiter(waiter); pc != nil {
				p.Release(pc)
			}
			return nil, ctx.Err()
		}
	}
}

// validateBorrowed applies ValidateOnBorrow to a connection handed over by
// Release, destroying it on failure. Runs unlocked since validation may
// block on the network.
func (p *ConnectionPool) validateBorrowed(pc *PooledConnection) bool {
	if !p.config.ValidateOnBorrow {
		return true
	}
	if p.factory.Validate(pc.Handle) {
		return true
	}
	pc.validationFailures++
	p.metrics.Increment(MetricPoolValidationFail)
	p.logger.Warn("discarding handed-off connection that failed validation",
		"endpoint", pc.endpoint,
		"failures", pc.validationFailures,
	)
	p.Discard(pc)
	return false
}

// abandonWaiter removes a waiter from the queue, returning any connection
// that was handed to it concurrently
func (p *ConnectionPool) abandonWaiter(waiter chan *PooledConnection) *PooledConnection {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case pc := <-waiter:
		return pc
	default:
		return nil
	}
}

// Release returns a borrowed connection to the pool, handing it directly
// to the oldest waiter when one is blocked in Acquire
func (p *ConnectionPool) Release(pc *PooledConnection) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pc.lastUsedAt = time.Now()

	if p.closed {
		p.destroyLocked(pc)
		return
	}

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		// Ownership transfers directly; inUse stays set
		waiter <- pc
		return
	}

	pc.inUse = false
	p.idle = append(p.idle, pc)
	p.publishGaugesLocked()
}

// Discard removes a borrowed connection from the pool instead of returning
// it, for callers that detect a broken connection mid-use
func (p *ConnectionPool) Discard(pc *PooledConnection) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyLocked(pc)
	p.publishGaugesLocked()
}

// WithConnection borrows a connection for the duration of fn, guaranteeing
// the connection is returned on every exit path
func (p *ConnectionPool) WithConnection(ctx context.Context, fn func(handle ConnectionHandle) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(pc)
	return fn(pc.Handle)
}

// Size returns the number of connections currently held by the pool
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// ActiveLeases returns the number of borrowed connections for an endpoint.
// An empty endpoint counts leases across all endpoints. This feeds the
// FailoverManager's least-connections strategy.
func (p *ConnectionPool) ActiveLeases(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, pc := range p.conns {
		if pc.inUse && (endpoint == "" || pc.endpoint == endpoint) {
			count++
		}
	}
	return count
}

// Close destroys all connections and fails any blocked Acquire calls
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)

	for _, waiter := range p.waiters {
		waiter <- nil
	}
	p.waiters = nil

	conns := p.conns
	p.conns = nil
	p.idle = nil
	p.mu.Unlock()

	for _, pc := range conns {
		p.factory.Destroy(pc.Handle)
	}
	return nil
}

// destroyLocked removes a connection from the pool and destroys its handle.
// Caller must hold p.mu.
func (p *ConnectionPool) destroyLocked(pc *PooledConnection) {
	for i, c := range p.conns {
		if c == pc {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.factory.Destroy(pc.Handle)
}

// evictionLoop periodically destroys idle connections that exceeded
// IdleTimeout, keeping at least MinConnections alive
func (p *ConnectionPool) evictionLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *ConnectionPool) evictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	now := time.Now()
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if len(p.conns) > p.config.MinConnections && now.Sub(pc.lastUsedAt) > p.config.IdleTimeout {
			p.destroyLocked(pc)
			p.metrics.Increment(MetricPoolEvictions)
			p.logger.Debug("evicted idle connection",
				"endpoint", pc.endpoint,
				"idle", now.Sub(pc.lastUsedAt),
			)
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	p.publishGaugesLocked()
}

// publishGaugesLocked publishes pool gauges. Caller must hold p.mu.
func (p *ConnectionPool) publishGaugesLocked() {
	p.metrics.Gauge(MetricPoolSize, float64(len(p.conns)))
	active := 0
	for _, pc := range p.conns {
		if pc.inUse {
			active++
		}
	}
	p.metrics.Gauge(MetricPoolActive, float64(active))
}
