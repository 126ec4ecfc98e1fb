package domain

import (
	"time"

	"github.com/creditline/creditline-backend/internal/util"
	"github.com/shopspring/decimal"
)

// StatusInput is everything the state machine looks at
type StatusInput struct {
	OutstandingBalance decimal.Decimal
	Installments       []Installment
	PaidInstallments   int
	Now                time.Time
}

// EvaluateStatus decides the status a loan should have.
//
//   - zero balance is paid, and paid is terminal
//   - a delinquent loan stays delinquent until paid; leaving it early requires
//     an explicit reclassification
//   - a positive balance past the next unpaid due date is delinquent
//   - anything else is active
func EvaluateStatus(current LoanStatus, in StatusInput) LoanStatus {
	if in.OutstandingBalance.LessThanOrEqual(decimal.Zero) {
		return LoanStatusPaid
	}
	if current == LoanStatusPaid {
		return LoanStatusPaid
	}
	if current == LoanStatusDelinquent {
		return LoanStatusDelinquent
	}
	if IsBehindSchedule(in) {
		return LoanStatusDelinquent
	}
	return LoanStatusActive
}

// IsBehindSchedule reports whether the next unpaid installment is overdue at in.Now
func IsBehindSchedule(in StatusInput) bool {
	due, ok := NextUnpaidDueDate(in.Installments, in.PaidInstallments)
	if !ok {
		return false
	}
	return util.IsPastDate(due, in.Now)
}

// NextUnpaidDueDate returns the due date of the first installment not fully paid
func NextUnpaidDueDate(installments []Installment, paidInstallments int) (time.Time, bool) {
	if paidInstallments < 0 || paidInstallments >= len(installments) {
		return time.Time{}, false
	}
	return installments[paidInstallments].DueDate, true
}

// PaidInstallmentCount counts installments fully covered by the cumulative total paid
func PaidInstallmentCount(installments []Installment, totalPaid decimal.Decimal) int {
	covered := decimal.Zero
	count := 0
	for _, inst := range installments {
		covered = covered.Add(inst.Amount)
		if covered.GreaterThan(totalPaid) {
			break
		}
		count++
	}
	return count
}

// StatusInputFor builds the state machine input for a loan at a given balance
func StatusInputFor(loan *Loan, balance decimal.Decimal, now time.Time) StatusInput {
	installments := loan.Installments()
	return StatusInput{
		OutstandingBalance: balance,
		Installments:       installments,
		PaidInstallments:   PaidInstallmentCount(installments, loan.TotalPayable.Sub(balance)),
		Now:                now,
	}
}

// CanReclassify reports whether a delinquent loan may be moved back to active.
// Only a loan that has caught up with every installment due by now qualifies.
func CanReclassify(loan *Loan, now time.Time) error {
	if loan.Status == LoanStatusPaid {
		return &AlreadyPaidError{LoanID: loan.ID}
	}
	if loan.Status != LoanStatusDelinquent {
		return NewValidationError("status", "only delinquent loans can be reclassified")
	}
	if IsBehindSchedule(StatusInputFor(loan, loan.OutstandingBalance, now)) {
		return NewValidationError("status", "loan is still behind schedule")
	}
	return nil
}
