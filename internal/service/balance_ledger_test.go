package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPayment_Success(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	result, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("400"), "k1", "collector-1")
	require.NoError(t, err)

	assert.True(t, result.Accepted)
	assert.False(t, result.Replayed)
	assert.Equal(t, "800.00", result.NewBalance.StringFixed(2))
	assert.Equal(t, domain.LoanStatusActive, result.Status)
	assert.Equal(t, int64(2), result.Version)
	assert.Equal(t, 1, result.Attempts)

	stored := f.readLoan(t, loan.ID)
	assert.Equal(t, int64(2), stored.Version)
	assert.True(t, stored.OutstandingBalance.Equal(dec("800")))

	entries := f.entries(t, loan.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, "collector-1", entries[0].RecordedBy)
	assert.True(t, entries[0].BalanceAfter.Equal(dec("800")))
	f.requireConserved(t, loan.ID)
}

func TestApplyPayment_Validation(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	tests := []struct {
		name   string
		amount string
		key    string
	}{
		{"zero amount", "0", "k"},
		{"negative amount", "-10", "k"},
		{"sub-cent amount", "10.001", "k"},
		{"empty key", "10", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec(tt.amount), tt.key, "")
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Empty(t, f.entries(t, loan.ID))
	assert.Equal(t, 0, f.repo.WriteAttempts())
}

func TestApplyPayment_LoanNotFound(t *testing.T) {
	f := newLedgerFixture(t)

	_, err := f.ledger.ApplyPayment(context.Background(), "missing", dec("10"), "k1", "")

	var notFound *domain.NotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "loan", notFound.Resource)
}

func TestApplyPayment_Overpayment(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	_, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("1200.01"), "k1", "")

	var over *domain.OverpaymentError
	require.True(t, errors.As(err, &over))
	assert.True(t, over.Balance.Equal(dec("1200")))

	stored := f.readLoan(t, loan.ID)
	assert.Equal(t, int64(1), stored.Version)
	assert.True(t, stored.OutstandingBalance.Equal(dec("1200")))
	assert.Empty(t, f.entries(t, loan.ID))
}

func TestApplyPayment_Idempotent(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	first, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("100"), "same-key", "")
	require.NoError(t, err)
	second, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("100"), "same-key", "")
	require.NoError(t, err)

	assert.True(t, first.Accepted)
	assert.False(t, second.Accepted)
	assert.True(t, second.Replayed)
	assert.True(t, first.NewBalance.Equal(second.NewBalance))
	assert.Equal(t, first.Payment.ID, second.Payment.ID)

	assert.Len(t, f.entries(t, loan.ID), 1)
	assert.Equal(t, int64(2), f.readLoan(t, loan.ID).Version)
}

func TestApplyPayment_ReplayReportsOriginalBalance(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	_, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("100"), "k1", "")
	require.NoError(t, err)
	_, err = f.ledger.ApplyPayment(context.Background(), loan.ID, dec("200"), "k2", "")
	require.NoError(t, err)

	replay, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("100"), "k1", "")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, "1100.00", replay.NewBalance.StringFixed(2))
}

func TestApplyPayment_KeyReusedWithDifferentAmount(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	_, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("100"), "k1", "")
	require.NoError(t, err)

	_, err = f.ledger.ApplyPayment(context.Background(), loan.ID, dec("150"), "k1", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Len(t, f.entries(t, loan.ID), 1)
}

func TestApplyPayment_FinalPaymentMarksPaid(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	result, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("1200"), "final", "")
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusPaid, result.Status)
	assert.True(t, result.StatusChanged())
	assert.True(t, result.NewBalance.IsZero())

	_, err = f.ledger.ApplyPayment(context.Background(), loan.ID, dec("1"), "after", "")
	var paid *domain.AlreadyPaidError
	assert.True(t, errors.As(err, &paid))

	replay, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("1200"), "final", "")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, domain.LoanStatusPaid, replay.Status)
	assert.Len(t, f.entries(t, loan.ID), 1)
}

func TestApplyPayment_RetriesVersionConflicts(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)
	f.repo.InjectConflicts(2)

	result, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("100"), "k1", "")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, f.repo.WriteAttempts())
	// rolled back attempts leave no entry behind
	assert.Len(t, f.entries(t, loan.ID), 1)
	f.requireConserved(t, loan.ID)
}

func TestApplyPayment_ConcurrencyExhausted(t *testing.T) {
	f := newLedgerFixtureWithPolicy(t, RetryPolicy{MaxAttempts: 3})
	loan := f.createLoan(t, "1000", "20", 3)
	f.repo.InjectConflicts(10)

	_, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("100"), "k1", "")

	var exhausted *domain.ConcurrencyExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, domain.IsTransient(err))
	assert.Empty(t, f.entries(t, loan.ID))
	assert.True(t, f.readLoan(t, loan.ID).OutstandingBalance.Equal(dec("1200")))
}

func TestApplyPayment_RepositoryFailureIsPropagated(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)
	f.repo.WriteErr = errors.New("connection reset")

	_, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("100"), "k1", "")
	assert.ErrorIs(t, err, domain.ErrRepository)
	assert.Equal(t, 0, f.repo.WriteAttempts())

	f.repo.WriteErr = nil
	assert.Empty(t, f.entries(t, loan.ID))
}

func TestApplyPayment_CancelledContext(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.ledger.ApplyPayment(ctx, loan.ID, dec("100"), "k1", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.entries(t, loan.ID))
}

func TestApplyPayment_CancelledDuringBackoff(t *testing.T) {
	f := newLedgerFixtureWithPolicy(t, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second})
	loan := f.createLoan(t, "1000", "20", 3)
	f.repo.InjectConflicts(10)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.ledger.ApplyPayment(ctx, loan.ID, dec("100"), "k1", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.repo.WriteAttempts())
}

func TestApplyPayment_ConcurrentWritersLoseNothing(t *testing.T) {
	f := newLedgerFixtureWithPolicy(t, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond})
	loan := f.createLoan(t, "1000", "20", 3)

	const writers = 24
	// 24 x 50.00 = 1200.00
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("writer-%d", i)
			for attempt := 0; attempt < 100; attempt++ {
				_, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("50"), key, "")
				if domain.IsTransient(err) {
					continue
				}
				errs <- err
				return
			}
			errs <- fmt.Errorf("writer %d never committed", i)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	stored := f.readLoan(t, loan.ID)
	assert.True(t, stored.OutstandingBalance.IsZero())
	assert.Equal(t, domain.LoanStatusPaid, stored.Status)
	assert.Equal(t, int64(writers+1), stored.Version)
	assert.Len(t, f.entries(t, loan.ID), writers)
	f.requireConserved(t, loan.ID)
}

func TestApplyPayment_ConcurrentDuplicateKeyAppliesOnce(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan *ApplyResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("100"), "shared", "")
				if domain.IsTransient(err) {
					continue
				}
				if err == nil {
					results <- r
				}
				return
			}
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	count := 0
	for r := range results {
		count++
		if r.Accepted {
			accepted++
		}
		assert.True(t, r.NewBalance.Equal(dec("1100")))
	}
	assert.Equal(t, callers, count)
	assert.Equal(t, 1, accepted)
	assert.Len(t, f.entries(t, loan.ID), 1)
}

func TestApplyPayment_BecomesDelinquentWhenBehind(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	// first installment of 400 was due on 2024-01-08
	f.clock.Set(time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))

	result, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("100"), "k1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusDelinquent, result.Status)

	// catching up does not move the loan back to active
	result, err = f.ledger.ApplyPayment(context.Background(), loan.ID, dec("300"), "k2", "")
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusDelinquent, result.Status)

	result, err = f.ledger.ApplyPayment(context.Background(), loan.ID, dec("800"), "k3", "")
	require.NoError(t, err)
	assert.Equal(t, domain.LoanStatusPaid, result.Status)
	assert.Equal(t, domain.LoanStatusDelinquent, result.PreviousStatus)
}

func TestApplyReversal(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	paid, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("400"), "p1", "")
	require.NoError(t, err)

	result, err := f.ledger.ApplyReversal(context.Background(), loan.ID, paid.Payment.ID, "r1", "supervisor")
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.True(t, result.NewBalance.Equal(dec("1200")))
	assert.Equal(t, domain.PaymentKindReversal, result.Payment.Kind)
	assert.True(t, result.Payment.Amount.Equal(dec("-400")))
	require.NotNil(t, result.Payment.ReversesPaymentID)
	assert.Equal(t, paid.Payment.ID, *result.Payment.ReversesPaymentID)
	f.requireConserved(t, loan.ID)

	t.Run("replay", func(t *testing.T) {
		replay, err := f.ledger.ApplyReversal(context.Background(), loan.ID, paid.Payment.ID, "r1", "")
		require.NoError(t, err)
		assert.True(t, replay.Replayed)
	})

	t.Run("second reversal", func(t *testing.T) {
		_, err := f.ledger.ApplyReversal(context.Background(), loan.ID, paid.Payment.ID, "r2", "")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("reversal of a reversal", func(t *testing.T) {
		_, err := f.ledger.ApplyReversal(context.Background(), loan.ID, result.Payment.ID, "r3", "")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("unknown payment", func(t *testing.T) {
		_, err := f.ledger.ApplyReversal(context.Background(), loan.ID, "nope", "r4", "")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("payment key reused for reversal", func(t *testing.T) {
		_, err := f.ledger.ApplyReversal(context.Background(), loan.ID, paid.Payment.ID, "p1", "")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	assert.Len(t, f.entries(t, loan.ID), 2)
}

func TestApplyReversal_PaidLoan(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	paid, err := f.ledger.ApplyPayment(context.Background(), loan.ID, dec("1200"), "p1", "")
	require.NoError(t, err)

	_, err = f.ledger.ApplyReversal(context.Background(), loan.ID, paid.Payment.ID, "r1", "")
	assert.ErrorIs(t, err, domain.ErrAlreadyPaid)
}

func TestTransitionStatus(t *testing.T) {
	f := newLedgerFixture(t)
	loan := f.createLoan(t, "1000", "20", 3)

	unchanged, err := f.ledger.TransitionStatus(context.Background(), loan.ID, func(l *domain.Loan, _ time.Time) (domain.LoanStatus, error) {
		return l.Status, nil
	})
	require.NoError(t, err)
	assert.False(t, unchanged.Accepted)
	assert.Equal(t, 0, f.repo.WriteAttempts())

	changed, err := f.ledger.TransitionStatus(context.Background(), loan.ID, func(*domain.Loan, time.Time) (domain.LoanStatus, error) {
		return domain.LoanStatusDelinquent, nil
	})
	require.NoError(t, err)
	assert.True(t, changed.StatusChanged())
	assert.Equal(t, int64(2), changed.Version)

	_, err = f.ledger.TransitionStatus(context.Background(), loan.ID, func(*domain.Loan, time.Time) (domain.LoanStatus, error) {
		return domain.LoanStatusPaid, nil
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	stored := f.readLoan(t, loan.ID)
	assert.Equal(t, domain.LoanStatusDelinquent, stored.Status)
	assert.True(t, stored.OutstandingBalance.Equal(dec("1200")))
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond}

	for attempt := 1; attempt <= 6; attempt++ {
		d := p.Backoff(attempt)
		base := 10 * time.Millisecond << uint(attempt-1)
		if base > 40*time.Millisecond {
			base = 40 * time.Millisecond
		}
		assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
		assert.Less(t, d, base+base/2+time.Nanosecond, "attempt %d", attempt)
	}

	assert.Equal(t, time.Duration(0), RetryPolicy{}.Backoff(3))
}
