package couchkit

import (
	"context"
	"time"
)

// OperationKind tags the variant of an Operation
type OperationKind string

const (
	OpGet        OperationKind = "get"
	OpUpsert     OperationKind = "upsert"
	OpInsert     OperationKind = "insert"
	OpReplace    OperationKind = "replace"
	OpRemove     OperationKind = "remove"
	OpTouch      OperationKind = "touch"
	OpCounter    OperationKind = "counter"
	OpExists     OperationKind = "exists"
	OpGetAndLock OperationKind = "get_and_lock"
	OpUnlock     OperationKind = "unlock"
	OpGetReplica OperationKind = "get_replica"
	OpLookupIn   OperationKind = "lookup_in"
	OpMutateIn   OperationKind = "mutate_in"
)

// CollectionRef names the bucket/scope/collection a document lives in.
// A nil CollectionRef addresses the default collection.
type CollectionRef struct {
	Bucket     string
	Scope      string
	Collection string
}

// Operation is a closed set of key/value operation descriptors. Each variant
// carries its key, payload and options; executors type-switch over the
// variants so the compiler keeps dispatch exhaustive.
type Operation interface {
	Kind() OperationKind
	DocumentKey() string

	isOperation()
}

// GetOp fetches a document
type GetOp struct {
	Key        string
	Collection *CollectionRef
}

// UpsertOp stores a document, creating or overwriting it
type UpsertOp struct {
	Key        string
	Value      []byte
	Expiry     time.Duration
	Durability DurabilityLevel
	Collection *CollectionRef
}

// InsertOp stores a document only if it does not exist
type InsertOp struct {
	Key        string
	Value      []byte
	Expiry     time.Duration
	Durability DurabilityLevel
	Collection *CollectionRef
}

// ReplaceOp overwrites an existing document, optionally conditioned on CAS
type ReplaceOp struct {
	Key        string
	Value      []byte
	CAS        uint64
	Expiry     time.Duration
	Durability DurabilityLevel
	Collection *CollectionRef
}

// RemoveOp deletes a document, optionally conditioned on CAS
type RemoveOp struct {
	Key        string
	CAS        uint64
	Durability DurabilityLevel
	Collection *CollectionRef
}

// TouchOp updates a document's expiry without changing its value
type TouchOp struct {
	Key        string
	Expiry     time.Duration
	Collection *CollectionRef
}

// CounterOp atomically adjusts a numeric document by Delta,
// seeding it with Initial when it does not exist
type CounterOp struct {
	Key        string
	Delta      int64
	Initial    int64
	Expiry     time.Duration
	Collection *CollectionRef
}

// ExistsOp checks whether a document exists
type ExistsOp struct {
	Key        string
	Collection *CollectionRef
}

// GetAndLockOp fetches a document and write-locks it for LockTime
type GetAndLockOp struct {
	Key        string
	LockTime   time.Duration
	Collection *CollectionRef
}

// UnlockOp releases a lock taken by GetAndLockOp; CAS must match the
// value returned by the locking get
type UnlockOp struct {
	Key        string
	CAS        uint64
	Collection *CollectionRef
}

// GetReplicaOp fetches a document from a replica
type GetReplicaOp struct {
	Key          string
	ReplicaIndex int
	Collection   *CollectionRef
}

// LookupSpec names one subdocument path to read
type LookupSpec struct {
	Path string
}

// LookupInOp reads one or more subdocument paths from a document
type LookupInOp struct {
	Key        string
	Specs      []LookupSpec
	Collection *CollectionRef
}

// MutateSpec describes one subdocument mutation: set Value at Path,
// or remove the Path entirely when Remove is true
type MutateSpec struct {
	Path   string
	Value  []byte
	Remove bool
}

// MutateInOp applies one or more subdocument mutations atomically,
// optionally conditioned on CAS
type MutateInOp struct {
	Key        string
	Specs      []MutateSpec
	CAS        uint64
	Durability DurabilityLevel
	Collection *CollectionRef
}

func (o GetOp) Kind() OperationKind        { return OpGet }
func (o UpsertOp) Kind() OperationKind     { return OpUpsert }
func (o InsertOp) Kind() OperationKind     { return OpInsert }
func (o ReplaceOp) Kind() OperationKind    { return OpReplace }
func (o RemoveOp) Kind() OperationKind     { return OpRemove }
func (o TouchOp) Kind() OperationKind      { return OpTouch }
func (o CounterOp) Kind() OperationKind    { return OpCounter }
func (o ExistsOp) Kind() OperationKind     { return OpExists }
func (o GetAndLockOp) Kind() OperationKind { return OpGetAndLock }
func (o UnlockOp) Kind() OperationKind     { return OpUnlock }
func (o GetReplicaOp) Kind() OperationKind { return OpGetReplica }
func (o LookupInOp) Kind() OperationKind   { return OpLookupIn }
func (o MutateInOp) Kind() OperationKind   { return OpMutateIn }

func (o GetOp) DocumentKey() string        { return o.Key }
func (o UpsertOp) DocumentKey() string     { return o.Key }
func (o InsertOp) DocumentKey() string     { return o.Key }
func (o ReplaceOp) DocumentKey() string    { return o.Key }
func (o RemoveOp) DocumentKey() string     { return o.Key }
func (o TouchOp) DocumentKey() string      { return o.Key }
func (o CounterOp) DocumentKey() string    { return o.Key }
func (o ExistsOp) DocumentKey() string     { return o.Key }
func (o GetAndLockOp) DocumentKey() string { return o.Key }
func (o UnlockOp) DocumentKey() string     { return o.Key }
func (o GetReplicaOp) DocumentKey() string { return o.Key }
func (o LookupInOp) DocumentKey() string   { return o.Key }
func (o MutateInOp) DocumentKey() string   { return o.Key }

func (o GetOp) isOperation()        {}
func (o UpsertOp) isOperation()     {}
func (o InsertOp) isOperation()     {}
func (o ReplaceOp) isOperation()    {}
func (o RemoveOp) isOperation()     {}
func (o TouchOp) isOperation()      {}
func (o CounterOp) isOperation()    {}
func (o ExistsOp) isOperation()     {}
func (o GetAndLockOp) isOperation() {}
func (o UnlockOp) isOperation()     {}
func (o GetReplicaOp) isOperation() {}
func (o LookupInOp) isOperation()   {}
func (o MutateInOp) isOperation()   {}

// IsMutation reports whether an operation changes server-side state
func IsMutation(op Operation) bool {
	switch op.(type) {
	case UpsertOp, InsertOp, ReplaceOp, RemoveOp, TouchOp, CounterOp, MutateInOp:
		return true
	default:
		return false
	}
}

// OperationResult is the typed outcome of a single operation. Fields are
// populated according to the operation kind: Value for reads, Counter for
// counter ops, Exists for existence checks, Fields for subdocument lookups.
// Token is set for mutations when the executor can report where they landed.
type OperationResult struct {
	CAS     uint64
	Value   []byte
	Exists  bool
	Counter int64
	Fields  [][]byte
	Token   *MutationToken
}

// ConnectionHandle is an opaque backend connection owned by the pool.
// Its concrete type is whatever the ConnectionFactory produces.
type ConnectionHandle interface{}

// OperationExecutor performs a single typed operation against the cluster.
// It is the boundary to the byte-level protocol: one synchronous call per
// operation, returning a typed result or a sentinel error from this package.
type OperationExecutor interface {
	Execute(ctx context.Context, conn ConnectionHandle, op Operation) (*OperationResult, error)
}

// ExecuteFunc adapts a plain function (typically Cluster.Do) to the places
// that replay operations: batches, transactions and durability composition.
type ExecuteFunc func(ctx context.Context, op Operation) (*OperationResult, error)
