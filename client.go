package couchkit

import (
	"context"
	"errors"
	"time"
)

// Cluster is the high-level entry point: it composes the connection pool,
// failover manager, retry manager and durability coordinator around an
// operation executor, and is the object applications hold on to.
//
// Safe for concurrent use by multiple goroutines.
type Cluster struct {
	config     ClusterConfig
	executor   OperationExecutor
	factory    ConnectionFactory
	pool       *ConnectionPool
	failover   *FailoverManager
	retry      *RetryManager
	durability *DurabilityCoordinator
	logger     Logger
	metrics    Metrics
}

// NewCluster creates a cluster client with no-op logger and metrics
func NewCluster(config ClusterConfig, factory ConnectionFactory, executor OperationExecutor) (*Cluster, error) {
	return NewClusterWithObservability(config, factory, executor, &NoOpLogger{}, &NoOpMetrics{})
}

// NewClusterWithObservability creates a cluster client with logging and metrics
func NewClusterWithObservability(config ClusterConfig, factory ConnectionFactory, executor OperationExecutor, logger Logger, metrics Metrics) (*Cluster, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if factory == nil || executor == nil {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"reason": "connection factory and operation executor are required",
		})
	}

	failover, err := NewFailoverManager(config.Failover, config.Endpoints)
	if err != nil {
		return nil, err
	}
	failover.SetLogger(logger)
	failover.SetMetrics(metrics)

	pool, err := NewConnectionPool(config.Pool, factory, failover.CurrentEndpoint)
	if err != nil {
		failover.Stop()
		return nil, err
	}
	pool.SetLogger(logger)
	pool.SetMetrics(metrics)
	failover.SetLeaseCounter(pool)

	c := &Cluster{
		config:   config,
		executor: executor,
		factory:  factory,
		pool:     pool,
		failover: failover,
		retry:    NewRetryManagerWithObservability(config.Retry, logger, metrics),
		logger:   logger,
		metrics:  metrics,
	}

	// Durability is available when the executor also speaks observe
	if observer, ok := executor.(ObserveClient); ok {
		c.durability = NewDurabilityCoordinator(observer, c.Do)
		c.durability.SetLogger(logger)
		c.durability.SetMetrics(metrics)
	}

	failover.StartHealthChecks(c.probeEndpoint)

	return c, nil
}

// probeEndpoint establishes and validates a throwaway connection to an
// endpoint, feeding the failover manager's recovery checks
func (c *Cluster) probeEndpoint(ctx context.Context, endpoint string) error {
	handle, err := c.factory.Create(ctx, endpoint)
	if err != nil {
		return err
	}
	defer c.factory.Destroy(handle)

	if !c.factory.Validate(handle) {
		return WithContext(ErrNetwork, map[string]interface{}{
			"endpoint": endpoint,
			"reason":   "connection failed validation",
		})
	}
	return nil
}

// Do executes one operation with the full resilience stack: a pooled
// connection against the current endpoint, retry per the retry policy, and
// failover once an endpoint's circuit opens. This is the execution path
// batches, transactions and durability composition all route through.
func (c *Cluster) Do(ctx context.Context, op Operation) (*OperationResult, error) {
	var result *OperationResult
	start := time.Now()
	kind := string(op.Kind())

	err := c.retry.Do(ctx, kind, func() error {
		endpoint := c.failover.CurrentEndpoint()

		pc, err := c.pool.Acquire(ctx)
		if err != nil {
			// Connection establishment failures count against the endpoint
			if errors.Is(err, ErrNetwork) {
				c.reportAndMaybeFailover(ctx, endpoint)
			}
			return err
		}

		res, err := c.executor.Execute(ctx, pc.Handle, op)
		if err != nil {
			if isEndpointFailure(err) {
				c.pool.Discard(pc)
				c.reportAndMaybeFailover(ctx, endpoint)
			} else {
				c.pool.Release(pc)
			}
			return err
		}

		c.pool.Release(pc)
		c.failover.ReportSuccess(endpoint)
		result = res
		return nil
	})

	c.metrics.Timing(MetricOpDuration, time.Since(start), "kind", kind)
	if err != nil {
		c.metrics.Increment(MetricOpError, "kind", kind)
		return nil, err
	}
	c.metrics.Increment(MetricOpSuccess, "kind", kind)
	return result, nil
}

// isEndpointFailure reports whether an error indicts the endpoint rather
// than the request: these count toward the endpoint's circuit breaker.
// Document-level errors (not found, CAS mismatch) say nothing about
// endpoint health.
func isEndpointFailure(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServiceUnavailable)
}

// reportAndMaybeFailover records an endpoint failure and switches endpoints
// once the circuit opens, so the next retry dials a healthy node
func (c *Cluster) reportAndMaybeFailover(ctx context.Context, endpoint string) {
	c.failover.ReportFailure(endpoint)
	if !c.failover.EndpointHealthy(endpoint) {
		if _, err := c.failover.Failover(ctx); err != nil {
			c.logger.Warn("failover unavailable", "from", endpoint, "error", err)
		}
	}
}

// Convenience wrappers over Do

// Get fetches a document
func (c *Cluster) Get(ctx context.Context, key string) (*OperationResult, error) {
	return c.Do(ctx, GetOp{Key: key})
}

// Upsert stores a document, creating or overwriting it
func (c *Cluster) Upsert(ctx context.Context, key string, value []byte) (*OperationResult, error) {
	return c.Do(ctx, UpsertOp{Key: key, Value: value})
}

// Insert stores a document only if it does not already exist
func (c *Cluster) Insert(ctx context.Context, key string, value []byte) (*OperationResult, error) {
	return c.Do(ctx, InsertOp{Key: key, Value: value})
}

// Replace overwrites an existing document; a non-zero cas makes the
// replace conditional on that version
func (c *Cluster) Replace(ctx context.Context, key string, value []byte, cas uint64) (*OperationResult, error) {
	return c.Do(ctx, ReplaceOp{Key: key, Value: value, CAS: cas})
}

// Remove deletes a document; a non-zero cas makes the remove conditional
func (c *Cluster) Remove(ctx context.Context, key string, cas uint64) (*OperationResult, error) {
	return c.Do(ctx, RemoveOp{Key: key, CAS: cas})
}

// Touch updates a document's expiry
func (c *Cluster) Touch(ctx context.Context, key string, expiry time.Duration) (*OperationResult, error) {
	return c.Do(ctx, TouchOp{Key: key, Expiry: expiry})
}

// Counter adjusts a numeric document by delta, seeding it with initial
// when it does not exist
func (c *Cluster) Counter(ctx context.Context, key string, delta, initial int64) (*OperationResult, error) {
	return c.Do(ctx, CounterOp{Key: key, Delta: delta, Initial: initial})
}

// Exists checks whether a document exists
func (c *Cluster) Exists(ctx context.Context, key string) (bool, error) {
	res, err := c.Do(ctx, ExistsOp{Key: key})
	if err != nil {
		return false, err
	}
	return res.Exists, nil
}

// LookupIn reads subdocument paths from a document
func (c *Cluster) LookupIn(ctx context.Context, key string, specs []LookupSpec) (*OperationResult, error) {
	return c.Do(ctx, LookupInOp{Key: key, Specs: specs})
}

// MutateIn applies subdocument mutations to a document
func (c *Cluster) MutateIn(ctx context.Context, key string, specs []MutateSpec, cas uint64) (*OperationResult, error) {
	return c.Do(ctx, MutateInOp{Key: key, Specs: specs, CAS: cas})
}

// Durability returns the durability coordinator, or nil when the executor
// does not implement ObserveClient
func (c *Cluster) Durability() *DurabilityCoordinator {
	return c.durability
}

// UpsertWithDurability stores a document and waits until it satisfies the
// given durability level for the cluster's configured replica count
func (c *Cluster) UpsertWithDurability(ctx context.Context, key string, value []byte, level DurabilityLevel) (*OperationResult, error) {
	if c.durability == nil {
		return nil, WithContext(ErrDurabilityImpossible, map[string]interface{}{
			"reason": "executor does not support observe",
		})
	}
	opts := level.Requirements(c.config.NumReplicas)
	return c.durability.StoreWithDurability(ctx, UpsertOp{Key: key, Value: value, Durability: level}, opts)
}

// ExecuteBatch dispatches a heterogeneous operation list through the
// cluster's resilient execution path, collecting per-operation outcomes
func (c *Cluster) ExecuteBatch(ctx context.Context, ops []Operation) (*BatchResult, error) {
	be := NewBatchExecutor(c.Do)
	be.SetLogger(c.logger)
	be.SetMetrics(c.metrics)
	return be.ExecuteBatch(ctx, ops)
}

// ExecuteBatchConcurrent is ExecuteBatch with bounded parallel dispatch.
// The bound is clamped to the pool's connection ceiling.
func (c *Cluster) ExecuteBatchConcurrent(ctx context.Context, ops []Operation, concurrency int) (*BatchResult, error) {
	if concurrency > c.config.Pool.MaxConnections {
		concurrency = c.config.Pool.MaxConnections
	}
	be := NewBatchExecutor(c.Do).WithConcurrency(concurrency)
	be.SetLogger(c.logger)
	be.SetMetrics(c.metrics)
	return be.ExecuteBatch(ctx, ops)
}

// BeginTransaction starts a new transaction whose commit replays staged
// operations through the cluster's execution path
func (c *Cluster) BeginTransaction() *TransactionContext {
	tx := NewTransactionContext(c.Do)
	tx.SetLogger(c.logger)
	tx.SetMetrics(c.metrics)
	return tx
}

// CommitTransaction commits a transaction with the cluster's configured
// transaction settings
func (c *Cluster) CommitTransaction(ctx context.Context, tx *TransactionContext) (*TransactionResult, error) {
	return tx.Commit(ctx, c.config.Transaction)
}

// Ping verifies that a connection to the current endpoint can be
// established and validated
func (c *Cluster) Ping(ctx context.Context) error {
	return c.pool.WithConnection(ctx, func(handle ConnectionHandle) error {
		if !c.factory.Validate(handle) {
			return WithContext(ErrNetwork, map[string]interface{}{
				"endpoint": c.failover.CurrentEndpoint(),
				"reason":   "connection failed validation",
			})
		}
		return nil
	})
}

// Pool returns the connection pool (for advanced use and tests)
func (c *Cluster) Pool() *ConnectionPool {
	return c.pool
}

// Failover returns the failover manager (for advanced use and tests)
func (c *Cluster) Failover() *FailoverManager {
	return c.failover
}

// Close releases every resource held by the cluster
func (c *Cluster) Close() error {
	c.failover.Stop()
	return c.pool.Close()
}
