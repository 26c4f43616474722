package couchkit

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// Default retry configuration
const (
	DefaultMaxAttempts       = 3
	DefaultInitialDelay      = 100 * time.Millisecond
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultJitterFactor      = 0.5 // up to 50% jitter to avoid thundering herd
	DefaultMaxJitterPercent  = 0.25
)

// RetryPolicy decides whether and when a failed operation is retried.
//
// Exactly one backoff mode applies: exponential (the default) grows the
// delay by BackoffMultiplier per attempt, linear grows it by InitialDelay
// per attempt. NoRetryErrors always wins over RetryOnErrors. RetryTimeout
// bounds the cumulative time spent retrying regardless of MaxAttempts.
type RetryPolicy struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialDelay       time.Duration `yaml:"initial_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier"`
	JitterFactor       float64       `yaml:"jitter_factor"`
	MaxJitterPercent   float64       `yaml:"max_jitter_percent"`
	ExponentialBackoff bool          `yaml:"exponential_backoff"`
	LinearBackoff      bool          `yaml:"linear_backoff"`
	RetryOnErrors      []error       `yaml:"-"`
	NoRetryErrors      []error       `yaml:"-"`
	AdaptiveDelays     bool          `yaml:"adaptive_delays"`
	RetryTimeout       time.Duration `yaml:"retry_timeout"`
}

// DefaultRetryPolicy returns the default retry policy: exponential backoff
// with jitter, authentication and argument errors never retried
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        DefaultMaxAttempts,
		InitialDelay:       DefaultInitialDelay,
		MaxDelay:           DefaultMaxDelay,
		BackoffMultiplier:  DefaultBackoffMultiplier,
		JitterFactor:       DefaultJitterFactor,
		MaxJitterPercent:   DefaultMaxJitterPercent,
		ExponentialBackoff: true,
		NoRetryErrors:      []error{ErrAuthentication, ErrInvalidArgument},
	}
}

// Validate checks if the RetryPolicy is valid
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxAttempts",
			"value":  p.MaxAttempts,
			"reason": "must be non-negative",
		})
	}
	if p.InitialDelay < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialDelay",
			"value":  p.InitialDelay,
			"reason": "must be non-negative",
		})
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxDelay",
			"value":  p.MaxDelay,
			"reason": "must be >= InitialDelay",
		})
	}
	if p.ExponentialBackoff && p.LinearBackoff {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "ExponentialBackoff/LinearBackoff",
			"reason": "backoff modes are mutually exclusive",
		})
	}
	if p.ExponentialBackoff && p.BackoffMultiplier < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffMultiplier",
			"value":  p.BackoffMultiplier,
			"reason": "must be >= 1",
		})
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterFactor",
			"value":  p.JitterFactor,
			"reason": "must be between 0 and 1",
		})
	}
	if p.MaxJitterPercent < 0 || p.MaxJitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxJitterPercent",
			"value":  p.MaxJitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}

// ShouldRetry reports whether an operation that has already failed
// `attempt` times may be tried again. NoRetryErrors take precedence;
// an empty RetryOnErrors list means "retry anything retryable by default".
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	for _, e := range p.NoRetryErrors {
		if errors.Is(err, e) {
			return false
		}
	}
	if len(p.RetryOnErrors) == 0 {
		return IsRetryable(err)
	}
	for _, e := range p.RetryOnErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// CalculateDelay returns the delay before retry number `attempt` (0-based).
// The pre-jitter delay is monotonically non-decreasing in attempt and the
// jittered delay never exceeds MaxDelay.
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var base time.Duration
	if p.LinearBackoff {
		base = p.InitialDelay * time.Duration(attempt+1)
	} else {
		mult := p.BackoffMultiplier
		if mult < 1 {
			mult = DefaultBackoffMultiplier
		}
		base = time.Duration(float64(p.InitialDelay) * math.Pow(mult, float64(attempt)))
	}
	if base < 0 {
		// float overflow on large attempt counts
		base = p.MaxDelay
	}
	if p.MaxDelay > 0 && base > p.MaxDelay {
		base = p.MaxDelay
	}

	jitterCap := float64(base) * p.JitterFactor
	if p.MaxJitterPercent > 0 && jitterCap > float64(base)*p.MaxJitterPercent {
		jitterCap = float64(base) * p.MaxJitterPercent
	}
	delay := base + time.Duration(rand.Float64()*jitterCap)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// RetryManager drives retry loops for a RetryPolicy, with optional
// adaptive delays: under a sustained failure streak the delays stretch,
// shedding load from an already struggling cluster.
type RetryManager struct {
	policy        RetryPolicy
	logger        Logger
	metrics       Metrics
	failureStreak int64
}

// NewRetryManager creates a retry manager with no-op observability
func NewRetryManager(policy RetryPolicy) *RetryManager {
	return &RetryManager{
		policy:  policy,
		logger:  &NoOpLogger{},
		metrics: &NoOpMetrics{},
	}
}

// NewRetryManagerWithObservability creates a retry manager with logging and metrics
func NewRetryManagerWithObservability(policy RetryPolicy, logger Logger, metrics Metrics) *RetryManager {
	return &RetryManager{
		policy:  policy,
		logger:  logger,
		metrics: metrics,
	}
}

// Policy returns the policy the manager was built with
func (m *RetryManager) Policy() RetryPolicy {
	return m.policy
}

// Do invokes fn until it succeeds, the policy gives up, the cumulative
// RetryTimeout budget is spent, or ctx is cancelled. The last-seen error
// is returned when retries are exhausted.
func (m *RetryManager) Do(ctx context.Context, opName string, fn func() error) error {
	start := time.Now()
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn()
		if err == nil {
			atomic.StoreInt64(&m.failureStreak, 0)
			return nil
		}
		lastErr = err
		streak := atomic.AddInt64(&m.failureStreak, 1)

		if !m.policy.ShouldRetry(err, attempt+1) {
			m.metrics.Increment(MetricRetryExhausted)
			break
		}
		if m.policy.RetryTimeout > 0 && time.Since(start) >= m.policy.RetryTimeout {
			m.logger.Warn("retry budget exhausted", "op", opName, "attempts", attempt+1, "error", err)
			break
		}

		delay := m.policy.CalculateDelay(attempt)
		if m.policy.AdaptiveDelays && streak > int64(m.policy.MaxAttempts) {
			stretch := streak - int64(m.policy.MaxAttempts)
			if stretch > 4 {
				stretch = 4
			}
			delay = delay * time.Duration(1+stretch)
			if m.policy.MaxDelay > 0 && delay > m.policy.MaxDelay {
				delay = m.policy.MaxDelay
			}
		}
		// Never sleep past the cumulative budget
		if m.policy.RetryTimeout > 0 && time.Since(start)+delay > m.policy.RetryTimeout {
			break
		}

		m.metrics.Increment(MetricRetryAttempts, "op", opName)
		m.logger.Debug("retrying operation", "op", opName, "attempt", attempt+1, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}

	return lastErr
}
