package couchkit

import (
	"context"
	"sync"
)

// fakeConn is an opaque connection handle for pool and cluster tests
type fakeConn struct {
	endpoint string
	id       int
	broken   bool
}

// fakeFactory counts lifecycle calls and can be scripted to fail creation
// or validation
type fakeFactory struct {
	mu        sync.Mutex
	nextID    int
	created   int
	destroyed int
	createErr error
	validate  func(*fakeConn) bool
}

func (f *fakeFactory) Create(ctx context.Context, endpoint string) (ConnectionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	f.created++
	return &fakeConn{endpoint: endpoint, id: f.nextID}, nil
}

func (f *fakeFactory) Validate(handle ConnectionHandle) bool {
	conn, ok := handle.(*fakeConn)
	if !ok {
		return false
	}
	f.mu.Lock()
	validate := f.validate
	f.mu.Unlock()
	if validate != nil {
		return validate(conn)
	}
	return !conn.broken
}

func (f *fakeFactory) Destroy(handle ConnectionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeFactory) counts() (created, destroyed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed
}

// scriptedExecutor runs operations through a script function and records
// every operation it saw, in order
type scriptedExecutor struct {
	mu     sync.Mutex
	script func(op Operation) (*OperationResult, error)
	seen   []Operation
}

func (e *scriptedExecutor) Execute(ctx context.Context, conn ConnectionHandle, op Operation) (*OperationResult, error) {
	e.mu.Lock()
	e.seen = append(e.seen, op)
	script := e.script
	e.mu.Unlock()
	if script == nil {
		return &OperationResult{CAS: 1, Exists: true}, nil
	}
	return script(op)
}

// execFn adapts the executor to an ExecuteFunc for components that take one
func (e *scriptedExecutor) execFn() ExecuteFunc {
	return func(ctx context.Context, op Operation) (*OperationResult, error) {
		return e.Execute(ctx, nil, op)
	}
}

func (e *scriptedExecutor) calls() []Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Operation(nil), e.seen...)
}

// fakeObserver replays a fixed sequence of observe states, repeating the
// last one once the sequence is exhausted
type fakeObserver struct {
	mu     sync.Mutex
	states []*ObserveState
	errs   []error
	polls  int
}

func (o *fakeObserver) Observe(ctx context.Context, key string) (*ObserveState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx := o.polls
	o.polls++
	if idx < len(o.errs) && o.errs[idx] != nil {
		return nil, o.errs[idx]
	}
	if len(o.states) == 0 {
		return nil, ErrDocumentNotFound
	}
	if idx >= len(o.states) {
		idx = len(o.states) - 1
	}
	return o.states[idx], nil
}

func (o *fakeObserver) pollCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.polls
}

// staticLeases is a LeaseCounter with fixed per-endpoint counts
type staticLeases map[string]int

func (s staticLeases) ActiveLeases(endpoint string) int {
	if endpoint == "" {
		total := 0
		for _, n := range s {
			total += n
		}
		return total
	}
	return s[endpoint]
}
