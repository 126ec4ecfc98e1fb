package domain

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentKind distinguishes regular payments from compensating reversals
type PaymentKind string

const (
	PaymentKindPayment  PaymentKind = "payment"
	PaymentKindReversal PaymentKind = "reversal"
)

// Payment is an append-only ledger entry. It is never updated or deleted.
type Payment struct {
	ID                string          `json:"id"`
	LoanID            string          `json:"loanId"`
	Kind              PaymentKind     `json:"kind"`
	Amount            decimal.Decimal `json:"amount"`
	BalanceAfter      decimal.Decimal `json:"balanceAfter"`
	IdempotencyKey    string          `json:"idempotencyKey"`
	ReversesPaymentID *string         `json:"reversesPaymentId,omitempty"`
	RecordedBy        string          `json:"recordedBy,omitempty"`
	AppliedAt         time.Time       `json:"appliedAt"`
}

// ValidateAmount checks that a submitted payment amount is positive and representable
func ValidateAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return NewValidationError("amount", "must be positive")
	}
	if !amount.Equal(amount.Round(CurrencyPlaces)) {
		return NewValidationError("amount", "must have at most 2 decimal places")
	}
	return nil
}

// ValidateIdempotencyKey checks a caller supplied idempotency key
func ValidateIdempotencyKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return NewValidationError("idempotencyKey", "is required")
	}
	if len(key) > MaxIdempotencyKeyLength {
		return NewValidationError("idempotencyKey", "must be 128 characters or less")
	}
	return nil
}

// SumPayments returns the signed sum of ledger entries
func SumPayments(payments []*Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

// PaymentReceipt links photo evidence stored in object storage to a payment
type PaymentReceipt struct {
	ID           string    `json:"id"`
	LoanID       string    `json:"loanId"`
	PaymentID    string    `json:"paymentId"`
	ObjectPrefix string    `json:"objectPrefix"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ReceiptRepository persists receipt metadata
type ReceiptRepository interface {
	CreateReceipt(ctx context.Context, receipt *PaymentReceipt) error
	ListReceipts(ctx context.Context, loanID, paymentID string) ([]*PaymentReceipt, error)
}
