/*
errors.go - Error taxonomy of the servicing core

PURPOSE:
  All error types in one place. Callers branch on the category with
  errors.Is / errors.As, never on message text.

ERROR CATEGORIES:
  1. Validation  - bad terms or requests, rejected before any mutation
  2. Consistency - an invariant broke (negative outstanding, over-allocation);
                   fatal for the operation, never clamped
  3. Concurrency - lock contention or stale loan version; retry the operation
  4. Not found   - referenced loan, event or schedule missing

REPOSTS:
  A failed repost is reported as ErrRepostFailed wrapping the cause. The loan
  stays dirty and Repost can be re-run.

SEE ALSO:
  - service.go: Maps store errors into these categories
  - api/handlers.go: Maps categories to HTTP status codes
*/
package lending

import (
	"errors"
	"fmt"

	"github.com/sanity-io/litter"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation marks input that can never succeed as submitted.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTerms is a validation failure of loan terms.
	ErrInvalidTerms = errors.New("invalid loan terms")

	// ErrConsistency marks a broken ledger invariant.
	ErrConsistency = errors.New("consistency violation")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRepostFailed wraps the cause of a failed repost run.
	ErrRepostFailed = errors.New("repost failed")

	// ErrLoanClosed is returned for mutations on a closed loan that cannot reopen it.
	ErrLoanClosed = errors.New("loan is closed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidTermsError rejects loan terms before any schedule is built.
type InvalidTermsError struct {
	Field   string
	Message string
}

func (e *InvalidTermsError) Error() string {
	return fmt.Sprintf("invalid loan terms: %s: %s", e.Field, e.Message)
}

// Is lets InvalidTermsError match both ErrInvalidTerms and ErrValidation.
func (e *InvalidTermsError) Is(target error) bool {
	return target == ErrInvalidTerms || target == ErrValidation
}

// ConsistencyError carries a dump of the offending record.
type ConsistencyError struct {
	LoanID  LoanID
	Message string
	Detail  string
}

func newConsistencyError(loanID LoanID, message string, subject any) *ConsistencyError {
	return &ConsistencyError{LoanID: loanID, Message: message, Detail: litter.Sdump(subject)}
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on loan %s: %s", e.LoanID, e.Message)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// ConsistencyDetail returns the record dump of a consistency error anywhere
// in err's chain, or "" when there is none.
func ConsistencyDetail(err error) string {
	var ce *ConsistencyError
	if errors.As(err, &ce) {
		return ce.Detail
	}
	return ""
}

// ConcurrencyError reports a stale loan version or a lock that could not be taken.
type ConcurrencyError struct {
	LoanID   LoanID
	Expected int64
	Actual   int64
	Reason   string
}

func (e *ConcurrencyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("loan %s busy: %s", e.LoanID, e.Reason)
	}
	return fmt.Sprintf("loan %s modified concurrently: expected version %d, found %d",
		e.LoanID, e.Expected, e.Actual)
}

func (e *ConcurrencyError) Unwrap() error { return ErrConcurrentModification }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrLoanClosed)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConsistency returns true for broken invariants.
func IsConsistency(err error) bool {
	return errors.Is(err, ErrConsistency)
}
