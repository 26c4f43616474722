package couchkit

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Document errors
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrCASMismatch      = errors.New("cas mismatch, document modified concurrently")
	ErrDocumentLocked   = errors.New("document is locked")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrPathNotFound     = errors.New("subdocument path not found")

	// Cluster errors
	ErrTimeout              = errors.New("operation timed out")
	ErrTemporaryFailure     = errors.New("temporary failure")
	ErrNetwork              = errors.New("network error")
	ErrAuthentication       = errors.New("authentication failed")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrNoEndpointsAvailable = errors.New("no healthy endpoints available")

	// Durability errors
	ErrDurabilityImpossible = errors.New("requested durability cannot be satisfied by current topology")
	ErrDurabilityAmbiguous  = errors.New("durability requirement not confirmed before timeout")

	// Pool errors
	ErrPoolExhausted  = errors.New("connection pool exhausted")
	ErrAcquireTimeout = errors.New("failed to acquire connection within timeout")
	ErrPoolClosed     = errors.New("connection pool is closed")

	// Transaction errors
	ErrTransactionNotActive = errors.New("transaction is not active")
	ErrTransactionFailed    = errors.New("transaction failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// Common error checking helpers

// IsNotFound checks if an error is a "document not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDocumentNotFound)
}

// IsCASMismatch checks if an error indicates a superseded CAS value,
// either a conditional mutation that lost the race or a duplicate insert
func IsCASMismatch(err error) bool {
	return errors.Is(err, ErrCASMismatch) || errors.Is(err, ErrDocumentExists)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTemporaryFailure) ||
		errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrDocumentLocked)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrDocumentExists) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidConfig)
}
