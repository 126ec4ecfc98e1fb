package domain

import (
	"time"

	"github.com/creditline/creditline-backend/internal/util"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Installment is one scheduled partial repayment
type Installment struct {
	Number  int             `json:"number"`
	DueDate time.Time       `json:"dueDate"`
	Amount  decimal.Decimal `json:"amount"`
}

// Schedule is the output of ComputeSchedule
type Schedule struct {
	TotalPayable      decimal.Decimal
	InstallmentAmount decimal.Decimal
	Installments      []Installment
}

// DueDates returns the due dates of the schedule in order
func (s *Schedule) DueDates() []time.Time {
	dates := make([]time.Time, len(s.Installments))
	for i, inst := range s.Installments {
		dates[i] = inst.DueDate
	}
	return dates
}

// ScheduleInput holds the immutable loan terms a schedule is computed from
type ScheduleInput struct {
	Principal        decimal.Decimal
	InterestRate     decimal.Decimal
	InstallmentCount int
	Frequency        Frequency
	StartDate        time.Time
}

// ComputeSchedule derives the payable total, the per-installment amount and the
// due dates of a loan. It is pure and deterministic.
//
// totalPayable = principal * (1 + rate/100), rounded half-up to cents.
// The last installment absorbs the rounding remainder so the installments sum
// exactly to totalPayable.
func ComputeSchedule(in ScheduleInput) (*Schedule, error) {
	if in.Principal.LessThanOrEqual(decimal.Zero) {
		return nil, NewValidationError("principal", "must be positive")
	}
	if !in.Principal.Equal(roundCurrency(in.Principal)) {
		return nil, NewValidationError("principal", "must have at most 2 decimal places")
	}
	if in.Principal.GreaterThan(MaxMoneyAmount) {
		return nil, NewValidationError("principal", "must be at most "+MaxMoneyAmount.StringFixed(CurrencyPlaces))
	}
	if in.InterestRate.LessThan(decimal.Zero) {
		return nil, NewValidationError("interestRate", "must be non-negative")
	}
	if !in.InterestRate.Equal(in.InterestRate.Round(RatePlaces)) {
		return nil, NewValidationError("interestRate", "must have at most 4 decimal places")
	}
	if in.InterestRate.GreaterThan(MaxInterestRate) {
		return nil, NewValidationError("interestRate", "must be at most "+MaxInterestRate.StringFixed(RatePlaces))
	}
	if in.InstallmentCount < 1 {
		return nil, NewValidationError("installmentCount", "must be at least 1")
	}
	if in.InstallmentCount > MaxInstallmentCount {
		return nil, NewValidationError("installmentCount", "must be 1000 or less")
	}
	interval, err := in.Frequency.IntervalDays()
	if err != nil {
		return nil, err
	}
	if in.StartDate.IsZero() {
		return nil, NewValidationError("startDate", "is required")
	}

	multiplier := decimal.NewFromInt(1).Add(in.InterestRate.Div(hundred))
	total := roundCurrency(in.Principal.Mul(multiplier))
	if total.GreaterThan(MaxMoneyAmount) {
		return nil, NewValidationError("principal", "total payable exceeds "+MaxMoneyAmount.StringFixed(CurrencyPlaces))
	}
	amount := roundCurrency(total.Div(decimal.NewFromInt(int64(in.InstallmentCount))))

	dueDates := make([]time.Time, in.InstallmentCount)
	for i := range dueDates {
		dueDates[i] = util.AddDays(in.StartDate, (i+1)*interval)
	}

	installments := splitInstallments(total, amount, dueDates)
	if last := installments[len(installments)-1]; last.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, NewValidationError("installmentCount", "too many installments for the payable amount")
	}

	return &Schedule{
		TotalPayable:      total,
		InstallmentAmount: amount,
		Installments:      installments,
	}, nil
}

// splitInstallments lays out count-1 regular installments and a final one
// carrying the remainder
func splitInstallments(total, amount decimal.Decimal, dueDates []time.Time) []Installment {
	n := len(dueDates)
	installments := make([]Installment, n)
	allocated := decimal.Zero
	for i, due := range dueDates {
		inst := Installment{Number: i + 1, DueDate: due, Amount: amount}
		if i == n-1 {
			inst.Amount = total.Sub(allocated)
		}
		allocated = allocated.Add(inst.Amount)
		installments[i] = inst
	}
	return installments
}

// roundCurrency rounds half away from zero, which is half-up for the
// non-negative amounts the ledger handles
func roundCurrency(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}
