package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPayment_EndToEnd(t *testing.T) {
	f := newLedgerFixture(t)

	loan, err := f.loans.CreateLoan(context.Background(), CreateLoanInput{
		ClientID:         testClientID,
		Principal:        dec("5000"),
		InterestRate:     dec("20"),
		InstallmentCount: 10,
		Frequency:        "weekly",
		StartDate:        testStartDate,
	})
	require.NoError(t, err)
	assert.Equal(t, "6000.00", loan.TotalPayable.StringFixed(2))
	assert.Equal(t, "600.00", loan.InstallmentAmount.StringFixed(2))

	first := f.pay(t, loan.ID, "600", "p1")
	assert.Equal(t, "5400.00", first.Balance.StringFixed(2))
	assert.Equal(t, domain.LoanStatusActive, first.Status)

	var last *PaymentResult
	for i := 2; i <= 10; i++ {
		last = f.pay(t, loan.ID, "600", fmt.Sprintf("p%d", i))
	}
	assert.True(t, last.Balance.IsZero())
	assert.Equal(t, domain.LoanStatusPaid, last.Status)

	assert.Len(t, f.entries(t, loan.ID), 10)
	f.requireConserved(t, loan.ID)
	assert.Len(t, f.publisher.EventsOfType(domain.EventPaymentRecorded), 10)

	changes := f.publisher.EventsOfType(domain.EventLoanStatusChanged)
	require.Len(t, changes, 1)
	change := changes[0].Payload.(domain.StatusChange)
	assert.Equal(t, domain.LoanStatusActive, change.From)
	assert.Equal(t, domain.LoanStatusPaid, change.To)
}

func TestRecordPayment_ReplayPublishesNothing(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	first := f.pay(t, loan.ID, "100", "k1")
	second := f.pay(t, loan.ID, "100", "k1")

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.True(t, first.Balance.Equal(second.Balance))
	assert.Len(t, f.publisher.EventsOfType(domain.EventPaymentRecorded), 1)
}

func TestRecordPayment_PublishFailureKeepsCommit(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)
	f.publisher.Err = errors.New("broker down")

	result := f.pay(t, loan.ID, "100", "k1")

	assert.Equal(t, "1100.00", result.Balance.StringFixed(2))
	assert.True(t, f.readLoan(t, loan.ID).OutstandingBalance.Equal(dec("1100")))
}

func TestRecordPayment_Errors(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	tests := []struct {
		name  string
		input RecordPaymentInput
		kind  error
	}{
		{"missing loan id", RecordPaymentInput{Amount: dec("1"), IdempotencyKey: "k"}, domain.ErrValidation},
		{"unknown loan", RecordPaymentInput{LoanID: "nope", Amount: dec("1"), IdempotencyKey: "k"}, domain.ErrNotFound},
		{"overpayment", RecordPaymentInput{LoanID: loan.ID, Amount: dec("1200.01"), IdempotencyKey: "k"}, domain.ErrOverpayment},
		{"missing key", RecordPaymentInput{LoanID: loan.ID, Amount: dec("1")}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.processor.RecordPayment(context.Background(), tt.input)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
	assert.Empty(t, f.publisher.Events()[1:])
}

func TestReversePayment_PublishesReversal(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)
	paid := f.pay(t, loan.ID, "400", "p1")

	result, err := f.processor.ReversePayment(context.Background(), ReversePaymentInput{
		LoanID:         loan.ID,
		PaymentID:      paid.PaymentID,
		IdempotencyKey: "r1",
		RecordedBy:     "supervisor",
	})
	require.NoError(t, err)
	assert.Equal(t, "1200.00", result.Balance.StringFixed(2))

	events := f.publisher.EventsOfType(domain.EventPaymentReversed)
	require.Len(t, events, 1)
	payload := events[0].Payload.(PaymentRecordedPayload)
	assert.Equal(t, domain.PaymentKindReversal, payload.Kind)
	require.NotNil(t, payload.ReversesPaymentID)
	assert.Equal(t, paid.PaymentID, *payload.ReversesPaymentID)

	_, err = f.processor.ReversePayment(context.Background(), ReversePaymentInput{LoanID: loan.ID, IdempotencyKey: "r2"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
