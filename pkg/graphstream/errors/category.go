// Package errors provides error classification and retry strategies for the
// telemetry pipeline.
//
// The package implements a layered error handling approach:
//   - Typed errors: one struct per failure class in the pipeline taxonomy
//   - Categorization: classify errors for appropriate handling
//   - Retry: handle transient failures with exponential backoff
//
// Correctness-affecting conditions (ordering violations, integrity
// mismatches, resync signals) are never retried; they must transition the
// observer's trust state machine instead.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: broker timeouts, store connection resets.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	// Examples: malformed payloads, invalid configuration.
	CategoryPermanent

	// CategoryCorrectness indicates the observer's view of a thread can no
	// longer be trusted. These errors must flow into the trust state
	// machine, never be retried or absorbed.
	// Examples: ordering violations, hash mismatches, replay gaps.
	CategoryCorrectness
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryCorrectness:
		return "correctness"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	// Check for already-categorized errors
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		if transportErr.Terminal {
			return CategoryPermanent
		}
		return CategoryTransient
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return CategoryPermanent // malformed bytes never improve on retry
	}

	var orderErr *OrderingViolation
	if errors.As(err, &orderErr) {
		return CategoryCorrectness
	}

	var integrityErr *IntegrityMismatch
	if errors.As(err, &integrityErr) {
		return CategoryCorrectness
	}

	var resyncErr *ResyncRequired
	if errors.As(err, &resyncErr) {
		return CategoryCorrectness
	}

	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return CategoryPermanent
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryPermanent
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// AffectsCorrectness reports whether the error must transition the trust
// state machine rather than being retried or logged away.
func AffectsCorrectness(err error) bool {
	return Categorize(err) == CategoryCorrectness
}
