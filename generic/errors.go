/*
errors.go - Centralized error types for the delinquency engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Packages wrap these with fmt.Errorf("...: %w", err) to add context.

ERROR CATEGORIES:
  1. ConfigurationMissing - No rule table for a product. Skip + log.
  2. InvalidState         - Data the engine cannot reason about (missing
                            due date, broken balance invariant). Skip.
  3. ConcurrencyConflict  - Lock contention. The batch driver retries
                            with backoff; the engine itself never retries.
  4. PolicyRejected       - Max-fee cap reached. A normal stop reason,
                            never returned as an error from accrual.

USAGE:
    if generic.IsRetryable(err) {
        // back off and try the installment again
    }

SEE ALSO:
  - latefee/accrual.go: Produces ConfigurationMissing / InvalidState
  - generic/store/memory.go: Produces ConcurrencyConflict
  - batch/runner.go: Classifies errors per installment
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrConfigurationMissing is returned when a product has no late-fee
	// rule table in the active snapshot.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrInvalidState is returned when an installment cannot be processed
	// as stored.
	ErrInvalidState = errors.New("invalid state")

	// ErrConcurrencyConflict is returned when the installment or its loan is
	// locked by someone else.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrPolicyRejected marks a fee that an external policy refused.
	ErrPolicyRejected = errors.New("policy rejected")

	// ErrDuplicateIdempotencyKey is returned when a fee event with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRuleTable is returned when a rule table violates its
	// ordering constraints.
	ErrInvalidRuleTable = errors.New("invalid rule table")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationMissingError names the product without a rule table.
type ConfigurationMissingError struct {
	Product ProductCode
}

func (e *ConfigurationMissingError) Error() string {
	return fmt.Sprintf("no late-fee rule table for product %q", e.Product)
}

func (e *ConfigurationMissingError) Unwrap() error {
	return ErrConfigurationMissing
}

// InvalidStateError describes why an installment was refused.
type InvalidStateError struct {
	InstallmentID InstallmentID
	Reason        string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("installment %s: %s", e.InstallmentID, e.Reason)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsSkippable returns true if the installment should be skipped (and
// logged) without failing the run.
func IsSkippable(err error) bool {
	return errors.Is(err, ErrConfigurationMissing) ||
		errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
