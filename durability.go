package couchkit

import (
	"context"
	"errors"
	"time"
)

// Default durability configuration
const (
	DefaultObserveTimeout      = 10 * time.Second
	DefaultObservePollInterval = 100 * time.Millisecond
)

// DurabilityLevel specifies how widely a mutation must be held before it is
// considered durable
type DurabilityLevel uint8

const (
	// DurabilityNone requires no confirmation beyond the mutation response
	DurabilityNone DurabilityLevel = iota

	// DurabilityMajority requires the mutation to be replicated to
	// (held in memory by) a majority of replicas
	DurabilityMajority

	// DurabilityMajorityAndPersistOnMaster additionally requires the
	// mutation to be persisted to disk on the active node
	DurabilityMajorityAndPersistOnMaster

	// DurabilityPersistToMajority requires the mutation to be persisted
	// to disk on a majority of the nodes holding the document
	DurabilityPersistToMajority
)

func (l DurabilityLevel) String() string {
	switch l {
	case DurabilityMajority:
		return "majority"
	case DurabilityMajorityAndPersistOnMaster:
		return "majority_and_persist_on_master"
	case DurabilityPersistToMajority:
		return "persist_to_majority"
	default:
		return "none"
	}
}

// Requirements translates a durability level into observe requirements
// for a topology with numReplicas configured replicas
func (l DurabilityLevel) Requirements(numReplicas int) ObserveOptions {
	majority := numReplicas/2 + 1
	if numReplicas == 0 {
		majority = 0
	}
	switch l {
	case DurabilityMajority:
		return ObserveOptions{ReplicateTo: majority}
	case DurabilityMajorityAndPersistOnMaster:
		return ObserveOptions{ReplicateTo: majority, PersistToMaster: true}
	case DurabilityPersistToMajority:
		// Majority over all copies, the active one included
		nodes := numReplicas + 1
		return ObserveOptions{ReplicateTo: majority, PersistToMaster: true, PersistTo: nodes/2 + 1}
	default:
		return ObserveOptions{}
	}
}

// ObserveOptions states the durability requirement a caller is waiting for.
// PersistTo counts nodes, the active one included, that must have persisted
// the mutation to disk.
type ObserveOptions struct {
	PersistToMaster bool
	PersistTo       int
	ReplicateTo     int
	Timeout         time.Duration
	PollInterval    time.Duration
}

// ObserveResult reports how far a particular mutation has progressed
type ObserveResult struct {
	CAS            uint64
	Persisted      bool
	Replicated     bool
	ReplicateCount int
}

// MutationToken identifies the exact log position a mutation landed at,
// usable to bound subsequent consistency-aware reads and queries
type MutationToken struct {
	PartitionID   uint16
	PartitionUUID uint64
	SeqNo         uint64
	BucketName    string
}

// ObserveState is a point-in-time snapshot of a key's replication and
// persistence progress, as reported by the cluster
type ObserveState struct {
	CAS               uint64
	PersistedToMaster bool
	ReplicateCount    int
	PersistCount      int
	MaxReplicas       int
}

// ObserveClient polls the cluster for a key's replication state.
// It is a collaborator boundary: implementations speak the observe
// protocol, the coordinator only interprets the snapshots.
type ObserveClient interface {
	Observe(ctx context.Context, key string) (*ObserveState, error)
}

// DurabilityCoordinator confirms that mutations have reached a requested
// durability level by polling observe snapshots against the supplied CAS.
// A snapshot whose CAS differs from the supplied one means the mutation was
// superseded by a newer write; the wait fails rather than reporting the
// newer mutation's durability as its own.
type DurabilityCoordinator struct {
	observer ObserveClient
	exec     ExecuteFunc
	logger   Logger
	metrics  Metrics
}

// NewDurabilityCoordinator creates a coordinator. exec is used by
// StoreWithDurability to issue the mutation itself and may be nil when only
// the observe/wait methods are needed.
func NewDurabilityCoordinator(observer ObserveClient, exec ExecuteFunc) *DurabilityCoordinator {
	return &DurabilityCoordinator{
		observer: observer,
		exec:     exec,
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
	}
}

// SetLogger updates the logger for this coordinator
func (d *DurabilityCoordinator) SetLogger(logger Logger) {
	d.logger = logger
}

// SetMetrics updates the metrics collector for this coordinator
func (d *DurabilityCoordinator) SetMetrics(metrics Metrics) {
	d.metrics = metrics
}

// Observe performs a single observe poll for a key and interprets it
// against the supplied CAS. Fails with ErrCASMismatch when the key has
// been superseded by a newer mutation (cas 0 skips the check).
func (d *DurabilityCoordinator) Observe(ctx context.Context, key string, cas uint64, opts ObserveOptions) (*ObserveResult, error) {
	if d.observer == nil {
		return nil, WithContext(ErrDurabilityImpossible, map[string]interface{}{
			"reason": "no observe client configured",
		})
	}

	state, err := d.observer.Observe(ctx, key)
	if err != nil {
		return nil, err
	}
	d.metrics.Increment(MetricObservePolls)

	if cas != 0 && state.CAS != cas {
		d.metrics.Increment(MetricDurabilitySuperseded)
		return nil, WithContext(ErrCASMismatch, map[string]interface{}{
			"key":          key,
			"expected_cas": cas,
			"observed_cas": state.CAS,
		})
	}

	return &ObserveResult{
		CAS:            state.CAS,
		Persisted:      state.PersistedToMaster,
		Replicated:     state.ReplicateCount >= opts.ReplicateTo,
		ReplicateCount: state.ReplicateCount,
	}, nil
}

// ObserveMulti polls every key once. The result slice has the same length
// and order as keys; casList must be the same length as keys.
func (d *DurabilityCoordinator) ObserveMulti(ctx context.Context, keys []string, casList []uint64, opts ObserveOptions) ([]*ObserveResult, error) {
	if len(keys) != len(casList) {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"reason":   "keys and cas list lengths differ",
			"keys":     len(keys),
			"cas_list": len(casList),
		})
	}

	results := make([]*ObserveResult, len(keys))
	for i, key := range keys {
		res, err := d.Observe(ctx, key, casList[i], opts)
		if err != nil {
			return nil, WithContext(err, map[string]interface{}{
				"key":   key,
				"index": i,
			})
		}
		results[i] = res
	}
	return results, nil
}

// WaitForDurability polls observe until the requested persistence and
// replication targets are met, the key's CAS is superseded, or the timeout
// elapses. A superseded CAS always fails the wait, even if the replication
// counters would otherwise satisfy the requirement.
func (d *DurabilityCoordinator) WaitForDurability(ctx context.Context, key string, cas uint64, opts ObserveOptions) error {
	if d.observer == nil {
		return WithContext(ErrDurabilityImpossible, map[string]interface{}{
			"reason": "no observe client configured",
		})
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultObserveTimeout
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultObservePollInterval
	}

	start := time.Now()
	deadline := start.Add(timeout)

	for {
		state, err := d.observer.Observe(ctx, key)
		if err != nil {
			return err
		}
		d.metrics.Increment(MetricObservePolls)

		if cas != 0 && state.CAS != cas {
			d.metrics.Increment(MetricDurabilitySuperseded)
			return WithContext(ErrCASMismatch, map[string]interface{}{
				"key":          key,
				"expected_cas": cas,
				"observed_cas": state.CAS,
			})
		}

		if opts.ReplicateTo > state.MaxReplicas || opts.PersistTo > state.MaxReplicas+1 {
			return WithContext(ErrDurabilityImpossible, map[string]interface{}{
				"key":          key,
				"replicate_to": opts.ReplicateTo,
				"persist_to":   opts.PersistTo,
				"max_replicas": state.MaxReplicas,
			})
		}

		persistOK := (!opts.PersistToMaster || state.PersistedToMaster) &&
			state.PersistCount >= opts.PersistTo
		replicateOK := state.ReplicateCount >= opts.ReplicateTo
		if persistOK && replicateOK {
			d.metrics.Increment(MetricDurabilityMet)
			d.metrics.Timing(MetricDurabilityDuration, time.Since(start))
			return nil
		}

		if time.Now().After(deadline) {
			d.metrics.Increment(MetricDurabilityTimeout)
			d.logger.Warn("durability wait timed out",
				"key", key,
				"persisted", state.PersistedToMaster,
				"replicated", state.ReplicateCount,
				"required", opts.ReplicateTo,
			)
			return WithContext(ErrTimeout, map[string]interface{}{
				"key":     key,
				"timeout": timeout,
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// StoreWithDurability executes a mutation and then waits for it to reach
// the requested durability level, returning the mutation's result (CAS and
// mutation token) once confirmed.
//
// When the wait times out the mutation HAS been applied but its durability
// is unconfirmed; that outcome is reported as ErrDurabilityAmbiguous
// carrying the mutation's CAS, so callers can re-observe or re-read rather
// than blindly retry the write.
func (d *DurabilityCoordinator) StoreWithDurability(ctx context.Context, op Operation, opts ObserveOptions) (*OperationResult, error) {
	if d.exec == nil {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"reason": "coordinator has no executor",
		})
	}
	if !IsMutation(op) {
		return nil, WithContext(ErrInvalidArgument, map[string]interface{}{
			"reason": "operation is not a mutation",
			"kind":   op.Kind(),
		})
	}

	res, err := d.exec(ctx, op)
	if err != nil {
		return nil, err
	}

	if err := d.WaitForDurability(ctx, op.DocumentKey(), res.CAS, opts); err != nil {
		if errors.Is(err, ErrTimeout) {
			return nil, WithContext(ErrDurabilityAmbiguous, map[string]interface{}{
				"key": op.DocumentKey(),
				"cas": res.CAS,
			})
		}
		return nil, err
	}
	return res, nil
}
