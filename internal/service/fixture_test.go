package service

import (
	"context"
	"testing"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/creditline/creditline-backend/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testClientID = "client-1"

var testStartDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type ledgerFixture struct {
	repo      *testutil.MockLedgerRepository
	clients   *testutil.MockClientRepository
	clock     *testutil.FixedClock
	publisher *testutil.RecordingPublisher
	ledger    *BalanceLedger
	processor *PaymentProcessor
	loans     *LoanService
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	return newLedgerFixtureWithPolicy(t, RetryPolicy{MaxAttempts: 5})
}

func newLedgerFixtureWithPolicy(t *testing.T, policy RetryPolicy) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{
		repo:      testutil.NewMockLedgerRepository(),
		clients:   testutil.NewMockClientRepository(testClientID),
		clock:     testutil.NewFixedClock(testStartDate.Add(10 * time.Hour)),
		publisher: testutil.NewRecordingPublisher(),
	}
	logger := zerolog.Nop()
	f.ledger = NewBalanceLedger(f.repo, f.clock, policy)
	f.processor = NewPaymentProcessor(f.ledger, f.publisher, f.clock, nil, logger)
	f.loans = NewLoanService(f.repo, f.clients, f.ledger, f.publisher, f.clock, nil, logger)
	return f
}

// createLoan creates a weekly loan starting on testStartDate
func (f *ledgerFixture) createLoan(t *testing.T, principal, rate string, installments int) *domain.Loan {
	t.Helper()
	loan, err := f.loans.CreateLoan(context.Background(), CreateLoanInput{
		ClientID:         testClientID,
		Principal:        decimal.RequireFromString(principal),
		InterestRate:     decimal.RequireFromString(rate),
		InstallmentCount: installments,
		Frequency:        "weekly",
		StartDate:        testStartDate,
	})
	require.NoError(t, err)
	return loan
}

func (f *ledgerFixture) pay(t *testing.T, loanID, amount, key string) *PaymentResult {
	t.Helper()
	result, err := f.processor.RecordPayment(context.Background(), RecordPaymentInput{
		LoanID:         loanID,
		Amount:         decimal.RequireFromString(amount),
		IdempotencyKey: key,
		RecordedBy:     "collector-1",
	})
	require.NoError(t, err)
	return result
}

func (f *ledgerFixture) readLoan(t *testing.T, loanID string) *domain.Loan {
	t.Helper()
	loan, err := f.repo.ReadLoan(context.Background(), loanID)
	require.NoError(t, err)
	return loan
}

func (f *ledgerFixture) entries(t *testing.T, loanID string) []*domain.Payment {
	t.Helper()
	payments, err := f.repo.ListPayments(context.Background(), loanID)
	require.NoError(t, err)
	return payments
}

// requireConserved checks balance + sum(entries) = totalPayable
func (f *ledgerFixture) requireConserved(t *testing.T, loanID string) {
	t.Helper()
	loan := f.readLoan(t, loanID)
	sum := domain.SumPayments(f.entries(t, loanID))
	require.True(t, loan.OutstandingBalance.Add(sum).Equal(loan.TotalPayable),
		"balance %s + paid %s != total %s", loan.OutstandingBalance, sum, loan.TotalPayable)
	require.False(t, loan.OutstandingBalance.IsNegative())
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
