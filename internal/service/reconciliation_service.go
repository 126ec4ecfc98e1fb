package service

import (
	"context"
	"fmt"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/shopspring/decimal"
)

// Violation codes reported by reconciliation
const (
	ViolationBalanceDrift      = "balance_drift"
	ViolationBalanceOutOfRange = "balance_out_of_range"
	ViolationStatusMismatch    = "status_balance_mismatch"
	ViolationScheduleMismatch  = "schedule_mismatch"
	ViolationDuplicateKey      = "duplicate_idempotency_key"
	ViolationInvalidReversal   = "invalid_reversal"
	ViolationRunningBalance    = "running_balance_mismatch"
)

// Violation is one broken ledger invariant
type Violation struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	PaymentID string `json:"paymentId,omitempty"`
}

// ReconciliationReport compares a loan row with its ledger history
type ReconciliationReport struct {
	LoanID             string          `json:"loanId"`
	TotalPayable       decimal.Decimal `json:"totalPayable"`
	TotalPaid          decimal.Decimal `json:"totalPaid"`
	OutstandingBalance decimal.Decimal `json:"outstandingBalance"`
	ExpectedBalance    decimal.Decimal `json:"expectedBalance"`
	Drift              decimal.Decimal `json:"drift"`
	Entries            int             `json:"entries"`
	Violations         []Violation     `json:"violations"`
}

// Consistent reports whether no violation was found
func (r *ReconciliationReport) Consistent() bool {
	return len(r.Violations) == 0
}

func (r *ReconciliationReport) add(code, paymentID, format string, args ...interface{}) {
	r.Violations = append(r.Violations, Violation{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		PaymentID: paymentID,
	})
}

// ReconciliationService audits loans against their append-only ledger
type ReconciliationService struct {
	ledgerRepo domain.LedgerRepository
}

// NewReconciliationService creates a new ReconciliationService
func NewReconciliationService(ledgerRepo domain.LedgerRepository) *ReconciliationService {
	return &ReconciliationService{ledgerRepo: ledgerRepo}
}

// ReconcileLoan checks one loan. Findings are reported, never repaired.
func (s *ReconciliationService) ReconcileLoan(ctx context.Context, loanID string) (*ReconciliationReport, error) {
	loan, err := s.ledgerRepo.ReadLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	payments, err := s.ledgerRepo.ListPayments(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return reconcile(loan, payments), nil
}

// ReconcileOpenLoans checks every loan that is not paid and returns the
// reports that contain violations
func (s *ReconciliationService) ReconcileOpenLoans(ctx context.Context) ([]*ReconciliationReport, error) {
	ids, err := s.ledgerRepo.ListOpenLoanIDs(ctx)
	if err != nil {
		return nil, err
	}

	var inconsistent []*ReconciliationReport
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return inconsistent, err
		}
		report, err := s.ReconcileLoan(ctx, id)
		if err != nil {
			return inconsistent, err
		}
		if !report.Consistent() {
			inconsistent = append(inconsistent, report)
		}
	}
	return inconsistent, nil
}

func reconcile(loan *domain.Loan, payments []*domain.Payment) *ReconciliationReport {
	totalPaid := domain.SumPayments(payments)
	expected := loan.TotalPayable.Sub(totalPaid)

	report := &ReconciliationReport{
		LoanID:             loan.ID,
		TotalPayable:       loan.TotalPayable,
		TotalPaid:          totalPaid,
		OutstandingBalance: loan.OutstandingBalance,
		ExpectedBalance:    expected,
		Drift:              loan.OutstandingBalance.Sub(expected),
		Entries:            len(payments),
		Violations:         []Violation{},
	}

	if !report.Drift.IsZero() {
		report.add(ViolationBalanceDrift, "", "balance differs from ledger by %s", report.Drift.StringFixed(domain.CurrencyPlaces))
	}
	if loan.OutstandingBalance.IsNegative() || loan.OutstandingBalance.GreaterThan(loan.TotalPayable) {
		report.add(ViolationBalanceOutOfRange, "", "balance outside [0, totalPayable]")
	}
	if loan.IsPaid() != loan.OutstandingBalance.IsZero() {
		report.add(ViolationStatusMismatch, "", "status %s with balance %s", loan.Status, loan.OutstandingBalance.StringFixed(domain.CurrencyPlaces))
	}
	checkSchedule(loan, report)
	checkEntries(loan, payments, report)

	return report
}

func checkSchedule(loan *domain.Loan, report *ReconciliationReport) {
	if len(loan.DueDates) != loan.InstallmentCount {
		report.add(ViolationScheduleMismatch, "", "%d due dates for %d installments", len(loan.DueDates), loan.InstallmentCount)
		return
	}
	sum := decimal.Zero
	for _, inst := range loan.Installments() {
		sum = sum.Add(inst.Amount)
	}
	if !sum.Equal(loan.TotalPayable) {
		report.add(ViolationScheduleMismatch, "", "installments sum to %s", sum.StringFixed(domain.CurrencyPlaces))
	}
}

// checkEntries walks the ledger in commit order
func checkEntries(loan *domain.Loan, payments []*domain.Payment, report *ReconciliationReport) {
	keys := make(map[string]string, len(payments))
	byID := make(map[string]*domain.Payment, len(payments))
	reversed := make(map[string]bool)
	running := loan.TotalPayable

	for _, p := range payments {
		if first, dup := keys[p.IdempotencyKey]; dup {
			report.add(ViolationDuplicateKey, p.ID, "idempotency key also used by %s", first)
		} else {
			keys[p.IdempotencyKey] = p.ID
		}
		byID[p.ID] = p

		if p.Kind == domain.PaymentKindReversal {
			checkReversal(p, byID, reversed, report)
		}

		running = running.Sub(p.Amount)
		if !running.Equal(p.BalanceAfter) {
			report.add(ViolationRunningBalance, p.ID, "entry recorded balance %s, ledger implies %s",
				p.BalanceAfter.StringFixed(domain.CurrencyPlaces), running.StringFixed(domain.CurrencyPlaces))
		}
	}
}

func checkReversal(p *domain.Payment, byID map[string]*domain.Payment, reversed map[string]bool, report *ReconciliationReport) {
	if p.ReversesPaymentID == nil {
		report.add(ViolationInvalidReversal, p.ID, "reversal without a target payment")
		return
	}
	target, ok := byID[*p.ReversesPaymentID]
	switch {
	case !ok:
		report.add(ViolationInvalidReversal, p.ID, "reverses unknown payment %s", *p.ReversesPaymentID)
	case reversed[target.ID]:
		report.add(ViolationInvalidReversal, p.ID, "payment %s reversed more than once", target.ID)
	case !target.Amount.Neg().Equal(p.Amount):
		report.add(ViolationInvalidReversal, p.ID, "reversal amount does not match payment %s", target.ID)
	}
	reversed[*p.ReversesPaymentID] = true
}
