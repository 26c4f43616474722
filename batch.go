package couchkit

import (
	"context"
	"sync"
	"time"
)

// BatchOperationResult is the per-entry outcome of a batch. Exactly one of
// Result and Err is set; Kind always mirrors the input operation's kind.
type BatchOperationResult struct {
	Kind    OperationKind
	Success bool
	Result  *OperationResult
	Err     error
}

// BatchResult aggregates per-operation outcomes. Results has the same
// length and order as the operation list it was built from.
type BatchResult struct {
	Results []BatchOperationResult
}

// SuccessCount returns the number of operations that succeeded
func (b *BatchResult) SuccessCount() int {
	count := 0
	for _, r := range b.Results {
		if r.Success {
			count++
		}
	}
	return count
}

// FailureCount returns the number of operations that failed.
// SuccessCount() + FailureCount() always equals len(Results).
func (b *BatchResult) FailureCount() int {
	return len(b.Results) - b.SuccessCount()
}

// SuccessfulResults returns the successful entries in original order
func (b *BatchResult) SuccessfulResults() []BatchOperationResult {
	out := make([]BatchOperationResult, 0, len(b.Results))
	for _, r := range b.Results {
		if r.Success {
			out = append(out, r)
		}
	}
	return out
}

// FailedResults returns the failed entries in original order
func (b *BatchResult) FailedResults() []BatchOperationResult {
	out := make([]BatchOperationResult, 0)
	for _, r := range b.Results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// ResultsByKind returns the entries for one operation kind in original order
func (b *BatchResult) ResultsByKind(kind OperationKind) []BatchOperationResult {
	out := make([]BatchOperationResult, 0)
	for _, r := range b.Results {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// BatchExecutor dispatches a heterogeneous list of operations and collects
// per-operation outcomes. A failing operation never aborts the batch: its
// error is captured in the corresponding result entry and execution moves
// on to the next operation.
//
// Execution is sequential by default. WithConcurrency enables bounded
// parallel dispatch; callers routing through a ConnectionPool should keep
// the bound at or below the pool's MaxConnections.
type BatchExecutor struct {
	exec        ExecuteFunc
	concurrency int
	logger      Logger
	metrics     Metrics
}

// NewBatchExecutor creates a sequential batch executor over an execute
// function (typically Cluster.Do)
func NewBatchExecutor(exec ExecuteFunc) *BatchExecutor {
	return &BatchExecutor{
		exec:    exec,
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
}

// WithConcurrency bounds parallel dispatch to n in-flight operations.
// n <= 1 keeps execution sequential.
func (e *BatchExecutor) WithConcurrency(n int) *BatchExecutor {
	e.concurrency = n
	return e
}

// SetLogger updates the logger for this executor
func (e *BatchExecutor) SetLogger(logger Logger) {
	e.logger = logger
}

// SetMetrics updates the metrics collector for this executor
func (e *BatchExecutor) SetMetrics(metrics Metrics) {
	e.metrics = metrics
}

// ExecuteBatch runs every operation and returns a result of the same length
// and order. Cancellation is checked between entries: once ctx is done,
// remaining entries are marked failed with the context error and the
// context error is also returned alongside the (complete) result.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, ops []Operation) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{Results: make([]BatchOperationResult, len(ops))}

	var err error
	if e.concurrency > 1 {
		err = e.executeConcurrent(ctx, ops, result)
	} else {
		err = e.executeSequential(ctx, ops, result)
	}

	e.metrics.Histogram(MetricBatchSize, float64(len(ops)))
	e.metrics.Timing(MetricBatchDuration, time.Since(start))
	if failed := result.FailureCount(); failed > 0 {
		e.metrics.Increment(MetricBatchFailures)
		e.logger.Debug("batch completed with failures",
			"total", len(ops),
			"failed", failed,
		)
	}
	return result, err
}

func (e *BatchExecutor) executeSequential(ctx context.Context, ops []Operation, result *BatchResult) error {
	for i, op := range ops {
		if ctxErr := ctx.Err(); ctxErr != nil {
			for j := i; j < len(ops); j++ {
				result.Results[j] = BatchOperationResult{Kind: ops[j].Kind(), Err: ctxErr}
			}
			return ctxErr
		}
		result.Results[i] = e.dispatch(ctx, op)
	}
	return nil
}

func (e *BatchExecutor) executeConcurrent(ctx context.Context, ops []Operation, result *BatchResult) error {
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup

	for i, op := range ops {
		if ctxErr := ctx.Err(); ctxErr != nil {
			for j := i; j < len(ops); j++ {
				result.Results[j] = BatchOperationResult{Kind: ops[j].Kind(), Err: ctxErr}
			}
			wg.Wait()
			return ctxErr
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, op Operation) {
			defer wg.Done()
			defer func() { <-sem }()
			result.Results[idx] = e.dispatch(ctx, op)
		}(i, op)
	}

	wg.Wait()
	return ctx.Err()
}

// dispatch runs one operation, capturing its outcome without propagating
func (e *BatchExecutor) dispatch(ctx context.Context, op Operation) BatchOperationResult {
	res, err := e.exec(ctx, op)
	if err != nil {
		return BatchOperationResult{Kind: op.Kind(), Err: err}
	}
	return BatchOperationResult{Kind: op.Kind(), Success: true, Result: res}
}
