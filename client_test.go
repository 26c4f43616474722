package couchkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testClusterConfig(endpoints ...string) ClusterConfig {
	cfg := DefaultClusterConfig(endpoints...)
	cfg.Pool.EvictionEnabled = false
	cfg.Pool.AcquireTimeout = time.Second
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.JitterFactor = 0
	cfg.Failover.HealthCheckEnabled = false
	cfg.Failover.InitialDelay = 0
	cfg.Failover.FailureThreshold = 2
	return cfg
}

func newTestCluster(t *testing.T, exec *scriptedExecutor, endpoints ...string) (*Cluster, *fakeFactory) {
	t.Helper()
	if len(endpoints) == 0 {
		endpoints = []string{"node1:11210"}
	}
	factory := &fakeFactory{}
	cluster, err := NewCluster(testClusterConfig(endpoints...), factory, exec)
	if err != nil {
		t.Fatalf("NewCluster failed: %v", err)
	}
	t.Cleanup(func() { cluster.Close() })
	return cluster, factory
}

func TestNewCluster_ValidatesInputs(t *testing.T) {
	if _, err := NewCluster(testClusterConfig(), &fakeFactory{}, &scriptedExecutor{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig without endpoints, got %v", err)
	}
	if _, err := NewCluster(testClusterConfig("a:1"), nil, &scriptedExecutor{}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument without factory, got %v", err)
	}
	if _, err := NewCluster(testClusterConfig("a:1"), &fakeFactory{}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument without executor, got %v", err)
	}
}

func TestCluster_DoRoutesThroughExecutor(t *testing.T) {
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		return &OperationResult{CAS: 11, Value: []byte("doc"), Exists: true}, nil
	}}
	cluster, _ := newTestCluster(t, exec)

	res, err := cluster.Get(context.Background(), "users/1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.CAS != 11 || string(res.Value) != "doc" {
		t.Errorf("Unexpected result %+v", res)
	}

	calls := exec.calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 executor call, got %d", len(calls))
	}
	if calls[0].Kind() != OpGet || calls[0].DocumentKey() != "users/1" {
		t.Errorf("Unexpected operation %+v", calls[0])
	}
}

func TestCluster_DoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		attempts++
		if attempts == 1 {
			return nil, ErrTemporaryFailure
		}
		return &OperationResult{CAS: 1}, nil
	}}
	cluster, _ := newTestCluster(t, exec)

	if _, err := cluster.Upsert(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestCluster_DocumentErrorsDoNotOpenCircuit(t *testing.T) {
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		return nil, WithContext(ErrDocumentNotFound, map[string]interface{}{"key": op.DocumentKey()})
	}}
	cluster, _ := newTestCluster(t, exec)

	for i := 0; i < 5; i++ {
		cluster.Get(context.Background(), "missing")
	}

	if !cluster.Failover().EndpointHealthy("node1:11210") {
		t.Error("Expected endpoint to stay healthy after document-level errors")
	}
}

func TestCluster_NetworkErrorsTriggerFailover(t *testing.T) {
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		return nil, ErrNetwork
	}}
	factory := &fakeFactory{}

	cfg := testClusterConfig("a:11210", "b:11210")
	cfg.Retry.MaxAttempts = 4
	cluster, err := NewCluster(cfg, factory, exec)
	if err != nil {
		t.Fatalf("NewCluster failed: %v", err)
	}
	defer cluster.Close()

	_, err = cluster.Get(context.Background(), "k")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Expected ErrNetwork, got %v", err)
	}

	// Two network failures trip a's circuit and switch to b
	if cluster.Failover().EndpointHealthy("a:11210") {
		t.Error("Expected a's circuit to be open")
	}
	if cluster.Failover().CurrentEndpoint() != "b:11210" {
		t.Errorf("Expected failover to b, got %s", cluster.Failover().CurrentEndpoint())
	}
}

func TestCluster_ExistsWrapper(t *testing.T) {
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		return &OperationResult{Exists: op.DocumentKey() == "present"}, nil
	}}
	cluster, _ := newTestCluster(t, exec)

	ok, err := cluster.Exists(context.Background(), "present")
	if err != nil || !ok {
		t.Errorf("Expected present=true, got %v/%v", ok, err)
	}
	ok, err = cluster.Exists(context.Background(), "absent")
	if err != nil || ok {
		t.Errorf("Expected absent=false, got %v/%v", ok, err)
	}
}

func TestCluster_ExecuteBatch(t *testing.T) {
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		if op.DocumentKey() == "missing" {
			return nil, ErrDocumentNotFound
		}
		return &OperationResult{CAS: 1}, nil
	}}
	cluster, _ := newTestCluster(t, exec)

	result, err := cluster.ExecuteBatch(context.Background(), []Operation{
		UpsertOp{Key: "a", Value: []byte("1")},
		GetOp{Key: "missing"},
	})
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}
	if result.SuccessCount() != 1 || result.FailureCount() != 1 {
		t.Errorf("Expected 1/1 split, got %d/%d", result.SuccessCount(), result.FailureCount())
	}
}

func TestCluster_TransactionLifecycle(t *testing.T) {
	exec := &scriptedExecutor{}
	cluster, _ := newTestCluster(t, exec)

	tx := cluster.BeginTransaction()
	tx.StageUpsert("a", []byte("1"))
	tx.StageRemove("b", 0)

	result, err := cluster.CommitTransaction(context.Background(), tx)
	if err != nil {
		t.Fatalf("CommitTransaction failed: %v", err)
	}
	if !result.Success || result.OperationsExecuted != 2 {
		t.Errorf("Unexpected result %+v", result)
	}
	if len(exec.calls()) != 2 {
		t.Errorf("Expected 2 executor calls, got %d", len(exec.calls()))
	}
}

func TestCluster_DurabilityRequiresObserveSupport(t *testing.T) {
	// scriptedExecutor does not implement ObserveClient
	cluster, _ := newTestCluster(t, &scriptedExecutor{})

	if cluster.Durability() != nil {
		t.Error("Expected no durability coordinator for a non-observing executor")
	}
	_, err := cluster.UpsertWithDurability(context.Background(), "k", []byte("v"), DurabilityMajority)
	if !errors.Is(err, ErrDurabilityImpossible) {
		t.Errorf("Expected ErrDurabilityImpossible, got %v", err)
	}
}

func TestCluster_Ping(t *testing.T) {
	cluster, factory := newTestCluster(t, &scriptedExecutor{})

	if err := cluster.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	factory.validate = func(*fakeConn) bool { return false }
	if err := cluster.Ping(context.Background()); !errors.Is(err, ErrNetwork) {
		t.Errorf("Expected ErrNetwork for failing validation, got %v", err)
	}
}

func TestCluster_CloseReleasesResources(t *testing.T) {
	cluster, _ := newTestCluster(t, &scriptedExecutor{})

	if err := cluster.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := cluster.Get(context.Background(), "k"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed after close, got %v", err)
	}
}
