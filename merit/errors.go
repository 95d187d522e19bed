/*
errors.go - Error taxonomy for the redemption engine

ERROR CATEGORIES:
  1. Validation:         ErrInvalidAmount, ErrInvalidIdentifier, ErrInvalidSupplyPolicy,
                         ErrInvalidFilter
                         Rejected before any store access.
  2. Not found:          ErrPupilNotFound, ErrPrizeNotFound, ErrPurchaseNotFound
  3. Business rejection: ErrInsufficientBalance, ErrOutOfStock, ErrAlreadyRefunded,
                         ErrNotApplicableForCyclicPrize
                         Expected and user-facing. Never logged as system errors.
  4. Concurrency:        ErrConcurrentModification
                         Transient; the gate retries before surfacing anything.

Anything else coming out of a store is an infrastructure failure.

USAGE:
  if errors.Is(err, merit.ErrInsufficientBalance) {
      var ib *merit.InsufficientBalanceError
      errors.As(err, &ib) // ib.Have, ib.Need
  }
*/
package merit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidAmount       = errors.New("invalid amount: must be a non-negative integer")
	ErrInvalidIdentifier   = errors.New("invalid identifier")
	ErrInvalidSupplyPolicy = errors.New("invalid supply policy")
	ErrInvalidFilter       = errors.New("invalid filter")

	ErrPupilNotFound    = errors.New("pupil not found")
	ErrPrizeNotFound    = errors.New("prize not found")
	ErrPurchaseNotFound = errors.New("purchase not found")

	ErrInsufficientBalance         = errors.New("insufficient balance")
	ErrOutOfStock                  = errors.New("out of stock")
	ErrAlreadyRefunded             = errors.New("purchase already refunded")
	ErrNotApplicableForCyclicPrize = errors.New("not applicable for a cyclic prize")

	// ErrConcurrentModification is returned by stores when the database
	// aborted a transaction because of a conflicting writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError explains a rejected redemption in merits.
type InsufficientBalanceError struct {
	PupilID PupilID
	Have    int
	Need    int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("not enough merits: pupil has %d left, needs %d", e.Have, e.Need)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// OutOfStockError explains a rejected redemption in units.
type OutOfStockError struct {
	PrizeID   PrizeID
	Kind      SupplyKind
	Available int
}

func (e *OutOfStockError) Error() string {
	if e.Kind == SupplyCyclic {
		return "no spaces left this cycle"
	}
	return "out of stock"
}

func (e *OutOfStockError) Unwrap() error { return ErrOutOfStock }

// PolicyError reports which supply policy field is unacceptable.
type PolicyError struct {
	Field  string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("invalid supply policy: %s %s", e.Field, e.Reason)
}

func (e *PolicyError) Unwrap() error { return ErrInvalidSupplyPolicy }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the caller can fix the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidIdentifier) ||
		errors.Is(err, ErrInvalidSupplyPolicy) ||
		errors.Is(err, ErrInvalidFilter)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPupilNotFound) ||
		errors.Is(err, ErrPrizeNotFound) ||
		errors.Is(err, ErrPurchaseNotFound)
}

// IsBusinessRejection returns true for expected, user-facing refusals.
func IsBusinessRejection(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrAlreadyRefunded) ||
		errors.Is(err, ErrNotApplicableForCyclicPrize)
}
