package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Error kinds. Every typed ledger error matches exactly one of these via errors.Is.
var (
	ErrValidation           = errors.New("validation failed")
	ErrNotFound             = errors.New("resource not found")
	ErrOverpayment          = errors.New("payment exceeds outstanding balance")
	ErrAlreadyPaid          = errors.New("loan is already paid")
	ErrConcurrencyExhausted = errors.New("concurrent update retries exhausted")
	ErrRepository           = errors.New("repository failure")
)

// Validation constants
const (
	MaxIdempotencyKeyLength = 128
	MaxInstallmentCount     = 1000
	CurrencyPlaces          = 2
	RatePlaces              = 4
)

// Bounds of the stored loan terms, NUMERIC(14,2) for money and NUMERIC(7,4) for rates
var (
	MaxMoneyAmount  = decimal.RequireFromString("999999999999.99")
	MaxInterestRate = decimal.RequireFromString("999.9999")
)

// ValidationError reports malformed input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError creates a ValidationError for a single field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// InvalidFrequencyError is returned for a frequency outside the supported set.
// It is a ValidationError kind.
type InvalidFrequencyError struct {
	Value string
}

func (e *InvalidFrequencyError) Error() string {
	return fmt.Sprintf("validation failed: frequency: unknown frequency %q", e.Value)
}

func (e *InvalidFrequencyError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing loan, payment or client.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// OverpaymentError is returned when a payment is larger than the outstanding balance.
// Nothing is applied.
type OverpaymentError struct {
	LoanID  string
	Amount  decimal.Decimal
	Balance decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("payment of %s exceeds outstanding balance %s on loan %s",
		e.Amount.StringFixed(CurrencyPlaces), e.Balance.StringFixed(CurrencyPlaces), e.LoanID)
}

func (e *OverpaymentError) Is(target error) bool { return target == ErrOverpayment }

// AlreadyPaidError is returned for any ledger mutation against a paid loan.
type AlreadyPaidError struct {
	LoanID string
}

func (e *AlreadyPaidError) Error() string {
	return fmt.Sprintf("loan %s is already paid", e.LoanID)
}

func (e *AlreadyPaidError) Is(target error) bool { return target == ErrAlreadyPaid }

// ConcurrencyExhaustedError means every optimistic attempt lost its version race.
// Callers should retry the whole operation with the same idempotency key.
type ConcurrencyExhaustedError struct {
	LoanID   string
	Attempts int
}

func (e *ConcurrencyExhaustedError) Error() string {
	return fmt.Sprintf("loan %s: version conflict persisted after %d attempts", e.LoanID, e.Attempts)
}

func (e *ConcurrencyExhaustedError) Is(target error) bool { return target == ErrConcurrencyExhausted }

// RepositoryError wraps a persistence failure. Services propagate it unchanged.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

func (e *RepositoryError) Is(target error) bool { return target == ErrRepository }

// WrapRepositoryError wraps err as a RepositoryError unless it is nil or already typed
func WrapRepositoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr *RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &RepositoryError{Op: op, Err: err}
}

// IsTransient reports whether the caller may retry the same request unchanged
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrencyExhausted)
}
