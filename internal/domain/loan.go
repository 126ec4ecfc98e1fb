package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Frequency determines the spacing between installment due dates
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

var frequencyIntervalDays = map[Frequency]int{
	FrequencyDaily:    1,
	FrequencyWeekly:   7,
	FrequencyBiweekly: 14,
	FrequencyMonthly:  30,
}

// ParseFrequency validates a raw frequency value. Unknown values never default.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(s)
	if _, ok := frequencyIntervalDays[f]; !ok {
		return "", &InvalidFrequencyError{Value: s}
	}
	return f, nil
}

// IntervalDays returns the number of days between consecutive due dates
func (f Frequency) IntervalDays() (int, error) {
	days, ok := frequencyIntervalDays[f]
	if !ok {
		return 0, &InvalidFrequencyError{Value: string(f)}
	}
	return days, nil
}

// LoanStatus is the lifecycle state of a loan
type LoanStatus string

const (
	LoanStatusActive     LoanStatus = "active"
	LoanStatusPaid       LoanStatus = "paid"
	LoanStatusDelinquent LoanStatus = "delinquent"
)

// ParseLoanStatus validates a persisted status value
func ParseLoanStatus(s string) (LoanStatus, error) {
	switch LoanStatus(s) {
	case LoanStatusActive, LoanStatusPaid, LoanStatusDelinquent:
		return LoanStatus(s), nil
	}
	return "", NewValidationError("status", "unknown loan status "+s)
}

// Loan is the ledger's view of a loan. Terms are fixed at creation; the
// (OutstandingBalance, Status, Version) triple is written only by the ledger.
type Loan struct {
	ID                 string          `json:"id"`
	ClientID           string          `json:"clientId"`
	Principal          decimal.Decimal `json:"principal"`
	InterestRate       decimal.Decimal `json:"interestRate"`
	InstallmentCount   int             `json:"installmentCount"`
	Frequency          Frequency       `json:"frequency"`
	TotalPayable       decimal.Decimal `json:"totalPayable"`
	InstallmentAmount  decimal.Decimal `json:"installmentAmount"`
	OutstandingBalance decimal.Decimal `json:"outstandingBalance"`
	Status             LoanStatus      `json:"status"`
	StartDate          time.Time       `json:"startDate"`
	DueDates           []time.Time     `json:"dueDates"`
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// Installments rebuilds the installment list from the persisted terms
func (l *Loan) Installments() []Installment {
	return splitInstallments(l.TotalPayable, l.InstallmentAmount, l.DueDates)
}

// DueDate returns the due date of the final installment
func (l *Loan) DueDate() time.Time {
	if len(l.DueDates) == 0 {
		return l.StartDate
	}
	return l.DueDates[len(l.DueDates)-1]
}

// TotalPaid derives the net amount paid from the balance
func (l *Loan) TotalPaid() decimal.Decimal {
	return l.TotalPayable.Sub(l.OutstandingBalance)
}

// IsPaid returns true once the loan reached its terminal state
func (l *Loan) IsPaid() bool {
	return l.Status == LoanStatusPaid
}

// LoanMutation carries the mutable fields of a version-conditioned write
type LoanMutation struct {
	OutstandingBalance decimal.Decimal
	Status             LoanStatus
	UpdatedAt          time.Time
}

// LedgerRepository is the persistence boundary of the ledger.
// Implementations wrap driver failures in RepositoryError and report missing
// rows with NotFoundError.
type LedgerRepository interface {
	CreateLoan(ctx context.Context, loan *Loan) error
	ReadLoan(ctx context.Context, id string) (*Loan, error)
	// WriteLoanIfVersion applies the mutation and increments the version only if the
	// stored version still equals expectedVersion. Returns false on a lost race.
	WriteLoanIfVersion(ctx context.Context, id string, mutation LoanMutation, expectedVersion int64) (bool, error)
	// InsertPaymentIfAbsent inserts the payment unless one with the same loan and
	// idempotency key exists, in which case the stored payment is returned.
	InsertPaymentIfAbsent(ctx context.Context, payment *Payment) (inserted bool, existing *Payment, err error)
	FindPaymentByKey(ctx context.Context, loanID, idempotencyKey string) (*Payment, error)
	GetPayment(ctx context.Context, loanID, paymentID string) (*Payment, error)
	FindReversal(ctx context.Context, loanID, paymentID string) (*Payment, error)
	ListPayments(ctx context.Context, loanID string) ([]*Payment, error)
	ListOpenLoanIDs(ctx context.Context) ([]string, error)
	// WithinTx runs fn against a repository bound to a single transaction.
	// fn returning an error rolls everything back.
	WithinTx(ctx context.Context, fn func(tx LedgerRepository) error) error
}

// ClientRepository is the read-only client lookup used to validate loan creation
type ClientRepository interface {
	ClientExists(ctx context.Context, clientID string) (bool, error)
}

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now implements Clock
func (SystemClock) Now() time.Time { return time.Now().UTC() }
