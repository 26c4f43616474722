// Package couchkit is the client-side runtime core for a document-oriented
// database cluster: connection pooling, retry with backoff, endpoint
// failover with circuit breaking, observe-based durability, heterogeneous
// batches, and staged optimistic transactions.
//
// # Overview
//
// The backend protocol is deliberately pluggable. Applications supply a
// ConnectionFactory (how to dial a node) and an OperationExecutor (how to
// run one operation on a connection); couchkit supplies everything around
// them:
//
//   - Connection pooling with validate-on-borrow and idle eviction
//   - Configurable retry policies (exponential/linear backoff, jitter)
//   - Endpoint failover driven by per-endpoint circuit breakers
//   - Load balancing (round-robin, least-connections, weighted, random)
//   - Durability verification via observe polling and mutation tokens
//   - Order-preserving heterogeneous batch execution
//   - Staged transactions with commit replay and auto-rollback
//   - Full observability (Prometheus metrics + structured logging)
//
// # Quick Start
//
// A RedisExecutor ships as the reference backend for development and tests:
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	exec := couchkit.NewRedisExecutor(redisClient, "app")
//
//	cfg := couchkit.DefaultClusterConfig("localhost:6379")
//	cluster, err := couchkit.NewCluster(cfg, exec, exec)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cluster.Close()
//
//	ctx := context.Background()
//	cluster.Upsert(ctx, "users/alice", []byte(`{"name":"Alice"}`))
//	res, _ := cluster.Get(ctx, "users/alice")
//
// Production setup with observability:
//
//	logger, _ := couchkit.NewProductionZapLogger()
//	metrics := couchkit.NewPrometheusMetrics(prometheus.NewRegistry())
//	cluster, err := couchkit.NewClusterWithObservability(cfg, factory, exec, logger, metrics)
//
// # Core Concepts
//
// Cluster: the high-level client. Do(ctx, op) is the single resilient
// execution path; every convenience method, batch and transaction commit
// routes through it.
//
// Operation: a closed set of typed operation values (GetOp, UpsertOp,
// ReplaceOp, CounterOp, LookupInOp, ...). Executors dispatch on the
// concrete type.
//
// CAS: every document carries a compare-and-swap token. Conditional
// mutations pass the token they read; a concurrent change surfaces as
// ErrCASMismatch instead of a lost update.
//
// Durability: mutations can wait until observed replication and
// persistence requirements are met. A requirement that exceeds the
// cluster's replica count fails fast with ErrDurabilityImpossible.
//
// # Transactions
//
// Transactions stage operations locally and replay them on commit:
//
//	tx := cluster.BeginTransaction()
//	tx.StageUpsert("orders/1", orderJSON)
//	tx.StageRemove("carts/1", 0)
//	result, err := cluster.CommitTransaction(ctx, tx)
//
// Note: commit is sequential replay with per-operation retry, NOT an
// isolated multi-document ACID commit. See TransactionContext for the
// exact guarantees.
//
// # Observability
//
//	metrics := couchkit.NewPrometheusMetrics(prometheus.NewRegistry())
//	logger, _ := couchkit.NewProductionZapLogger()
//	cluster, _ := couchkit.NewClusterWithObservability(cfg, factory, exec, logger, metrics)
package couchkit
