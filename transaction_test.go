package couchkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testTxConfig() TransactionConfig {
	cfg := DefaultTransactionConfig()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestTransaction_CommitReplaysInOrder(t *testing.T) {
	exec := &scriptedExecutor{}
	tx := NewTransactionContext(exec.execFn())

	if tx.ID() == "" {
		t.Error("Expected transaction to have an id")
	}
	if tx.State() != TxActive {
		t.Errorf("Expected new transaction to be active, got %s", tx.State())
	}

	tx.StageUpsert("a", []byte("1"))
	tx.StageReplace("b", []byte("2"), 7)
	tx.StageRemove("c", 0)

	if tx.StagedCount() != 3 {
		t.Fatalf("Expected 3 staged operations, got %d", tx.StagedCount())
	}

	result, err := tx.Commit(context.Background(), testTxConfig())
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !result.Success || result.OperationsExecuted != 3 {
		t.Errorf("Unexpected result %+v", result)
	}
	if tx.State() != TxCommitted {
		t.Errorf("Expected committed state, got %s", tx.State())
	}

	calls := exec.calls()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 executions, got %d", len(calls))
	}
	// Staged order is replay order
	wantKinds := []OperationKind{OpUpsert, OpReplace, OpRemove}
	for i, op := range calls {
		if op.Kind() != wantKinds[i] {
			t.Errorf("Execution %d: expected %s, got %s", i, wantKinds[i], op.Kind())
		}
	}
}

func TestTransaction_StageAfterCommitFails(t *testing.T) {
	exec := &scriptedExecutor{}
	tx := NewTransactionContext(exec.execFn())
	tx.StageUpsert("a", []byte("1"))
	tx.Commit(context.Background(), testTxConfig())

	if err := tx.StageUpsert("b", []byte("2")); !errors.Is(err, ErrTransactionNotActive) {
		t.Errorf("Expected ErrTransactionNotActive, got %v", err)
	}
	if _, err := tx.Commit(context.Background(), testTxConfig()); !errors.Is(err, ErrTransactionNotActive) {
		t.Errorf("Expected re-commit to fail, got %v", err)
	}
}

func TestTransaction_AutoRollbackOnFailure(t *testing.T) {
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		if op.DocumentKey() == "bad" {
			return nil, WithContext(ErrCASMismatch, map[string]interface{}{"key": "bad"})
		}
		return &OperationResult{CAS: 1}, nil
	}}
	tx := NewTransactionContext(exec.execFn())
	tx.StageUpsert("ok1", []byte("1"))
	tx.StageReplace("bad", []byte("2"), 3)
	tx.StageUpsert("ok2", []byte("3"))

	cfg := testTxConfig()
	cfg.AutoRollback = true

	result, err := tx.Commit(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Expected auto-rollback to absorb the error, got %v", err)
	}
	if result.Success {
		t.Error("Expected failed result")
	}
	if result.OperationsExecuted != 1 {
		t.Errorf("Expected 1 operation executed before failure, got %d", result.OperationsExecuted)
	}
	if !errors.Is(result.Err, ErrCASMismatch) {
		t.Errorf("Expected result to carry the CAS error, got %v", result.Err)
	}
	if tx.State() != TxFailed {
		t.Errorf("Expected failed state, got %s", tx.State())
	}

	// ok2 was never executed
	for _, op := range exec.calls() {
		if op.DocumentKey() == "ok2" {
			t.Error("Expected replay to stop at the failing operation")
		}
	}
}

func TestTransaction_CommitOnFailedTransactionRejected(t *testing.T) {
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		return nil, WithContext(ErrCASMismatch, map[string]interface{}{"key": op.DocumentKey()})
	}}
	tx := NewTransactionContext(exec.execFn())
	tx.StageUpsert("a", []byte("1"))

	cfg := testTxConfig()
	cfg.AutoRollback = true
	if _, err := tx.Commit(context.Background(), cfg); err != nil {
		t.Fatalf("Auto-rollback commit should not error, got %v", err)
	}
	if tx.State() != TxFailed {
		t.Fatalf("Expected failed state, got %s", tx.State())
	}

	_, err := tx.Commit(context.Background(), cfg)
	if !errors.Is(err, ErrTransactionFailed) {
		t.Errorf("Expected ErrTransactionFailed on re-commit, got %v", err)
	}
}

func TestTransaction_FailureWithoutAutoRollbackStaysActive(t *testing.T) {
	failing := true
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		if failing && op.DocumentKey() == "bad" {
			return nil, ErrCASMismatch
		}
		return &OperationResult{CAS: 1}, nil
	}}
	tx := NewTransactionContext(exec.execFn())
	tx.StageUpsert("a", []byte("1"))
	tx.StageReplace("bad", []byte("2"), 3)

	cfg := testTxConfig()
	cfg.AutoRollback = false

	_, err := tx.Commit(context.Background(), cfg)
	if !errors.Is(err, ErrCASMismatch) {
		t.Fatalf("Expected the operation error, got %v", err)
	}

	// The caller keeps control: the transaction is still active and a
	// second commit replays the full staged list
	if tx.State() != TxActive {
		t.Fatalf("Expected transaction to remain active, got %s", tx.State())
	}

	failing = false
	result, err := tx.Commit(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Re-commit failed: %v", err)
	}
	if !result.Success || result.OperationsExecuted != 2 {
		t.Errorf("Unexpected re-commit result %+v", result)
	}
}

func TestTransaction_RetriesTransientErrors(t *testing.T) {
	attempts := 0
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		attempts++
		if attempts < 3 {
			return nil, ErrTemporaryFailure
		}
		return &OperationResult{CAS: 1}, nil
	}}
	tx := NewTransactionContext(exec.execFn())
	tx.StageUpsert("a", []byte("1"))

	cfg := testTxConfig()
	cfg.RetryAttempts = 3

	result, err := tx.Commit(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if !result.Success {
		t.Error("Expected success after retries")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestTransaction_PermanentErrorNotRetried(t *testing.T) {
	attempts := 0
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		attempts++
		return nil, ErrDocumentExists
	}}
	tx := NewTransactionContext(exec.execFn())
	tx.StageInsert("a", []byte("1"))

	cfg := testTxConfig()
	cfg.RetryAttempts = 5

	_, err := tx.Commit(context.Background(), cfg)
	if !errors.Is(err, ErrDocumentExists) {
		t.Fatalf("Expected ErrDocumentExists, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt for a permanent error, got %d", attempts)
	}
}

func TestTransaction_Rollback(t *testing.T) {
	tx := NewTransactionContext((&scriptedExecutor{}).execFn())
	tx.StageUpsert("a", []byte("1"))

	if err := tx.Rollback(context.Background()); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if tx.State() != TxRolledBack {
		t.Errorf("Expected rolled_back state, got %s", tx.State())
	}
	if tx.StagedCount() != 0 {
		t.Errorf("Expected staged operations discarded, got %d", tx.StagedCount())
	}

	// Rollback is terminal
	if err := tx.Rollback(context.Background()); !errors.Is(err, ErrTransactionNotActive) {
		t.Errorf("Expected ErrTransactionNotActive on second rollback, got %v", err)
	}
	if err := tx.StageGet("a"); !errors.Is(err, ErrTransactionNotActive) {
		t.Errorf("Expected staging to fail after rollback, got %v", err)
	}
}

func TestTransaction_Timeout(t *testing.T) {
	exec := &scriptedExecutor{script: func(op Operation) (*OperationResult, error) {
		time.Sleep(30 * time.Millisecond)
		return &OperationResult{}, nil
	}}
	tx := NewTransactionContext(exec.execFn())
	for i := 0; i < 5; i++ {
		tx.StageUpsert("k", []byte("v"))
	}

	cfg := testTxConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.AutoRollback = true

	result, err := tx.Commit(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Commit returned error: %v", err)
	}
	if result.Success {
		t.Error("Expected timeout to fail the transaction")
	}
	if !errors.Is(result.Err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", result.Err)
	}
	if result.OperationsExecuted >= 5 {
		t.Error("Expected the deadline to stop the replay early")
	}
}

func TestTransaction_UniqueIDs(t *testing.T) {
	exec := (&scriptedExecutor{}).execFn()
	a := NewTransactionContext(exec)
	b := NewTransactionContext(exec)
	if a.ID() == b.ID() {
		t.Error("Expected distinct transaction ids")
	}
}

func TestTransactionConfig_Validate(t *testing.T) {
	if err := DefaultTransactionConfig().Validate(); err != nil {
		t.Fatalf("Expected default config to validate, got %v", err)
	}

	bad := DefaultTransactionConfig()
	bad.RetryAttempts = -1
	if err := bad.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}
