package couchkit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default transaction configuration
const (
	DefaultTransactionTimeout    = 30 * time.Second
	DefaultTransactionRetries    = 2
	DefaultTransactionRetryDelay = 50 * time.Millisecond
)

// TransactionState is the lifecycle state of a TransactionContext
type TransactionState int

const (
	TxActive TransactionState = iota
	TxCommitted
	TxRolledBack
	TxFailed
)

func (s TransactionState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransactionConfig holds configuration for committing a transaction
type TransactionConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	AutoRollback  bool          `yaml:"auto_rollback"`
}

// DefaultTransactionConfig returns the default transaction configuration
func DefaultTransactionConfig() TransactionConfig {
	return TransactionConfig{
		Timeout:       DefaultTransactionTimeout,
		RetryAttempts: DefaultTransactionRetries,
		RetryDelay:    DefaultTransactionRetryDelay,
		AutoRollback:  true,
	}
}

// Validate checks if the TransactionConfig is valid
func (c TransactionConfig) Validate() error {
	if c.Timeout < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Timeout",
			"value":  c.Timeout,
			"reason": "must be non-negative",
		})
	}
	if c.RetryAttempts < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "RetryAttempts",
			"value":  c.RetryAttempts,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// TransactionResult summarizes a commit attempt
type TransactionResult struct {
	Success            bool
	OperationsExecuted int
	Err                error
}

// TransactionContext stages an ordered list of operations and replays them
// sequentially on commit.
//
// ⚠️ IMPORTANT LIMITATIONS:
//   - This is NOT a distributed ACID transaction
//   - Operations are executed one at a time; there is no two-phase commit
//   - Rollback only discards operations that have not executed yet.
//     Operations already applied on the server are NOT undone.
//
// When to use:
//   - Grouping related mutations so they replay in a fixed order
//   - Workflows that tolerate partial application on failure
//
// When NOT to use:
//   - Anything requiring atomicity across documents or nodes
type TransactionContext struct {
	mu      sync.Mutex
	id      string
	state   TransactionState
	staged  []Operation
	exec    ExecuteFunc
	logger  Logger
	metrics Metrics
}

// NewTransactionContext begins a transaction in the active state.
// Most callers go through Cluster.BeginTransaction instead.
func NewTransactionContext(exec ExecuteFunc) *TransactionContext {
	return &TransactionContext{
		id:      newTransactionID(),
		state:   TxActive,
		exec:    exec,
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
}

// newTransactionID generates a UUIDv7 (time-ordered) transaction identifier
func newTransactionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fall back to UUIDv4 if NewV7 fails (extremely rare)
		id = uuid.New()
	}
	return id.String()
}

// SetLogger updates the logger for this transaction
func (tx *TransactionContext) SetLogger(logger Logger) {
	tx.logger = logger
}

// SetMetrics updates the metrics collector for this transaction
func (tx *TransactionContext) SetMetrics(metrics Metrics) {
	tx.metrics = metrics
}

// ID returns the transaction identifier
func (tx *TransactionContext) ID() string {
	return tx.id
}

// State returns the current lifecycle state
func (tx *TransactionContext) State() TransactionState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// StagedCount returns the number of staged operations
func (tx *TransactionContext) StagedCount() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.staged)
}

// Stage appends an operation to the transaction. Fails with
// ErrTransactionNotActive once the transaction has committed,
// rolled back or failed.
func (tx *TransactionContext) Stage(op Operation) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxActive {
		return WithContext(ErrTransactionNotActive, map[string]interface{}{
			"transaction": tx.id,
			"state":       tx.state.String(),
		})
	}
	tx.staged = append(tx.staged, op)
	return nil
}

// Typed staging helpers

func (tx *TransactionContext) StageGet(key string) error {
	return tx.Stage(GetOp{Key: key})
}

func (tx *TransactionContext) StageUpsert(key string, value []byte) error {
	return tx.Stage(UpsertOp{Key: key, Value: value})
}

func (tx *TransactionContext) StageInsert(key string, value []byte) error {
	return tx.Stage(InsertOp{Key: key, Value: value})
}

func (tx *TransactionContext) StageReplace(key string, value []byte, cas uint64) error {
	return tx.Stage(ReplaceOp{Key: key, Value: value, CAS: cas})
}

func (tx *TransactionContext) StageRemove(key string, cas uint64) error {
	return tx.Stage(RemoveOp{Key: key, CAS: cas})
}

func (tx *TransactionContext) StageTouch(key string, expiry time.Duration) error {
	return tx.Stage(TouchOp{Key: key, Expiry: expiry})
}

func (tx *TransactionContext) StageCounter(key string, delta int64) error {
	return tx.Stage(CounterOp{Key: key, Delta: delta})
}

func (tx *TransactionContext) StageMutateIn(key string, specs []MutateSpec, cas uint64) error {
	return tx.Stage(MutateInOp{Key: key, Specs: specs, CAS: cas})
}

// Commit replays the staged operations sequentially, in staged order.
//
// On full success the transaction transitions to committed and the result
// reports every operation executed. On the first operation failure the
// behavior depends on config.AutoRollback:
//
//   - AutoRollback set: the transaction transitions to failed and a result
//     with Success=false is returned without an error. OperationsExecuted
//     holds the count completed before the failure; those operations remain
//     applied on the server. A later Commit on the failed transaction is
//     rejected with ErrTransactionFailed.
//   - AutoRollback unset: the operation's error is returned and the
//     transaction REMAINS active. The caller decides whether to retry
//     Commit, stage more operations, or Rollback. Note the asymmetry:
//     operations executed before the failure are not replayed again on a
//     subsequent Commit only if the caller removes them; a re-commit
//     replays the full staged list.
func (tx *TransactionContext) Commit(ctx context.Context, config TransactionConfig) (*TransactionResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state == TxFailed {
		return nil, WithContext(ErrTransactionFailed, map[string]interface{}{
			"transaction": tx.id,
		})
	}
	if tx.state != TxActive {
		return nil, WithContext(ErrTransactionNotActive, map[string]interface{}{
			"transaction": tx.id,
			"state":       tx.state.String(),
		})
	}

	var deadline time.Time
	if config.Timeout > 0 {
		deadline = time.Now().Add(config.Timeout)
	}

	executed := 0
	for _, op := range tx.staged {
		err := ctx.Err()
		if err == nil && !deadline.IsZero() && time.Now().After(deadline) {
			err = WithContext(ErrTimeout, map[string]interface{}{
				"transaction": tx.id,
				"timeout":     config.Timeout,
			})
		}
		if err == nil {
			err = tx.executeStagedLocked(ctx, op, config)
		}

		if err != nil {
			if config.AutoRollback {
				tx.state = TxFailed
				tx.metrics.Increment(MetricTransactionFailed)
				tx.logger.Warn("transaction failed, auto-rollback engaged",
					"transaction", tx.id,
					"executed", executed,
					"staged", len(tx.staged),
					"error", err,
				)
				return &TransactionResult{
					Success:            false,
					OperationsExecuted: executed,
					Err:                err,
				}, nil
			}
			// Without auto-rollback the context stays active so the
			// caller can decide how to proceed
			return nil, err
		}
		executed++
	}

	tx.state = TxCommitted
	tx.metrics.Increment(MetricTransactionCommit)
	tx.metrics.Gauge(MetricTransactionSize, float64(len(tx.staged)))
	tx.logger.Debug("transaction committed", "transaction", tx.id, "operations", executed)
	return &TransactionResult{
		Success:            true,
		OperationsExecuted: executed,
	}, nil
}

// executeStagedLocked runs one staged operation with the per-operation
// retry budget from the config. Caller must hold tx.mu.
func (tx *TransactionContext) executeStagedLocked(ctx context.Context, op Operation, config TransactionConfig) error {
	var lastErr error
	for attempt := 0; attempt <= config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(config.RetryDelay):
			}
		}

		_, err := tx.exec(ctx, op)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}
	return lastErr
}

// Rollback transitions an active transaction to rolled_back, discarding the
// staged operations that have not executed.
//
// This is a client-side, best-effort rollback: operations a failed Commit
// already applied on the server are NOT undone.
func (tx *TransactionContext) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxActive {
		return WithContext(ErrTransactionNotActive, map[string]interface{}{
			"transaction": tx.id,
			"state":       tx.state.String(),
		})
	}

	tx.state = TxRolledBack
	tx.staged = nil
	tx.metrics.Increment(MetricTransactionRollback)
	tx.logger.Debug("transaction rolled back", "transaction", tx.id)
	return nil
}
