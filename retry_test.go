package couchkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_Defaults(t *testing.T) {
	p := DefaultRetryPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("Expected default policy to validate, got %v", err)
	}
	if p.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("Expected %d max attempts, got %d", DefaultMaxAttempts, p.MaxAttempts)
	}
	if p.LinearBackoff {
		t.Error("Expected exponential backoff by default")
	}
}

func TestRetryPolicy_ValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RetryPolicy)
	}{
		{"both backoff modes", func(p *RetryPolicy) { p.LinearBackoff = true; p.ExponentialBackoff = true }},
		{"negative max attempts", func(p *RetryPolicy) { p.MaxAttempts = -1 }},
		{"negative initial delay", func(p *RetryPolicy) { p.InitialDelay = -time.Second }},
		{"max delay below initial", func(p *RetryPolicy) { p.MaxDelay = 10 * time.Millisecond }},
		{"jitter factor out of range", func(p *RetryPolicy) { p.JitterFactor = 1.5 }},
		{"jitter percent out of range", func(p *RetryPolicy) { p.MaxJitterPercent = -0.1 }},
	}

	for _, tc := range cases {
		p := DefaultRetryPolicy()
		tc.mutate(&p)
		if err := p.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()

	if !p.ShouldRetry(ErrTimeout, 1) {
		t.Error("Expected retry for timeout on first attempt")
	}
	if p.ShouldRetry(ErrTimeout, p.MaxAttempts) {
		t.Error("Expected no retry once attempts are exhausted")
	}
	if p.ShouldRetry(nil, 1) {
		t.Error("Expected no retry for nil error")
	}
	// ErrAuthentication is in the default no-retry list
	if p.ShouldRetry(ErrAuthentication, 1) {
		t.Error("Expected no retry for authentication errors")
	}
	if p.ShouldRetry(ErrCASMismatch, 1) {
		t.Error("Expected no retry for CAS mismatch")
	}
}

func TestRetryPolicy_ShouldRetryExplicitList(t *testing.T) {
	p := DefaultRetryPolicy()
	p.RetryOnErrors = []error{ErrTimeout}

	if !p.ShouldRetry(ErrTimeout, 1) {
		t.Error("Expected retry for listed error")
	}
	// ErrNetwork is retryable by default but not in the explicit list
	if p.ShouldRetry(ErrNetwork, 1) {
		t.Error("Expected no retry for unlisted error")
	}
}

func TestRetryPolicy_NoRetryWinsOverRetryList(t *testing.T) {
	p := DefaultRetryPolicy()
	p.RetryOnErrors = []error{ErrTimeout}
	p.NoRetryErrors = []error{ErrTimeout}

	if p.ShouldRetry(ErrTimeout, 1) {
		t.Error("Expected no-retry list to take precedence")
	}
}

func TestRetryPolicy_ExponentialDelaySchedule(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:       10,
		InitialDelay:      1000 * time.Millisecond,
		MaxDelay:          30000 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFactor:      0, // deterministic
	}

	expected := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond, // 32s capped at max
		30000 * time.Millisecond,
	}
	for attempt, want := range expected {
		if got := p.CalculateDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
}

func TestRetryPolicy_LinearDelaySchedule(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:   5,
		LinearBackoff: true,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      250 * time.Millisecond,
		JitterFactor:  0,
	}

	if got := p.CalculateDelay(0); got != 100*time.Millisecond {
		t.Errorf("attempt 0: expected 100ms, got %v", got)
	}
	if got := p.CalculateDelay(1); got != 200*time.Millisecond {
		t.Errorf("attempt 1: expected 200ms, got %v", got)
	}
	if got := p.CalculateDelay(2); got != 250*time.Millisecond {
		t.Errorf("attempt 2: expected cap at 250ms, got %v", got)
	}
}

func TestRetryPolicy_JitterNeverExceedsMaxDelay(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:       10,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          150 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.5,
		MaxJitterPercent:  0.25,
	}

	for attempt := 0; attempt < 8; attempt++ {
		for i := 0; i < 50; i++ {
			if got := p.CalculateDelay(attempt); got > p.MaxDelay {
				t.Fatalf("attempt %d: delay %v exceeded max %v", attempt, got, p.MaxDelay)
			}
		}
	}
}

func TestRetryManager_SucceedsAfterTransientFailures(t *testing.T) {
	p := DefaultRetryPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxAttempts = 5
	m := NewRetryManager(p)

	calls := 0
	err := m.Do(context.Background(), "get", func() error {
		calls++
		if calls < 3 {
			return ErrTemporaryFailure
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 invocations, got %d", calls)
	}
}

func TestRetryManager_PermanentErrorFailsFast(t *testing.T) {
	p := DefaultRetryPolicy()
	p.InitialDelay = time.Millisecond
	m := NewRetryManager(p)

	calls := 0
	err := m.Do(context.Background(), "replace", func() error {
		calls++
		return ErrCASMismatch
	})

	if !errors.Is(err, ErrCASMismatch) {
		t.Fatalf("Expected ErrCASMismatch, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected exactly 1 invocation, got %d", calls)
	}
}

func TestRetryManager_ReturnsLastErrorWhenExhausted(t *testing.T) {
	p := DefaultRetryPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxAttempts = 3
	m := NewRetryManager(p)

	calls := 0
	err := m.Do(context.Background(), "get", func() error {
		calls++
		return WithContext(ErrNetwork, map[string]interface{}{"call": calls})
	})

	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("Expected ErrNetwork, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected MaxAttempts=3 total invocations, got %d", calls)
	}
}

func TestRetryManager_ContextCancellation(t *testing.T) {
	p := DefaultRetryPolicy()
	p.InitialDelay = 200 * time.Millisecond
	p.MaxAttempts = 10
	m := NewRetryManager(p)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := m.Do(ctx, "get", func() error {
		calls++
		return ErrTimeout
	})

	if err == nil {
		t.Fatal("Expected an error after cancellation")
	}
	if calls >= 10 {
		t.Errorf("Expected cancellation to stop retries early, got %d calls", calls)
	}
}

func TestRetryManager_CumulativeBudget(t *testing.T) {
	p := DefaultRetryPolicy()
	p.InitialDelay = 50 * time.Millisecond
	p.MaxAttempts = 100
	p.RetryTimeout = 120 * time.Millisecond
	m := NewRetryManager(p)

	start := time.Now()
	err := m.Do(context.Background(), "get", func() error {
		return ErrTemporaryFailure
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTemporaryFailure) {
		t.Fatalf("Expected ErrTemporaryFailure, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("Expected retry budget to bound total time, took %v", elapsed)
	}
}
