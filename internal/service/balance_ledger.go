package service

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// errVersionConflict and errDuplicateKey abort a transaction attempt. Neither
// leaves the ledger.
var (
	errVersionConflict = errors.New("loan version changed")
	errDuplicateKey    = errors.New("idempotency key already recorded")
)

// RetryPolicy bounds the optimistic retry loop
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
	}
}

// Backoff returns the delay before retry number attempt (1-based): exponential
// growth capped at MaxDelay, plus up to 50% jitter
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	backoff := p.BaseDelay * time.Duration(1<<uint(attempt-1))
	if p.MaxDelay > 0 && (backoff > p.MaxDelay || backoff <= 0) {
		backoff = p.MaxDelay
	}
	if half := int64(backoff) / 2; half > 0 {
		backoff += time.Duration(rand.Int63n(half))
	}
	return backoff
}

// ApplyResult is the outcome of one ledger mutation
type ApplyResult struct {
	LoanID         string
	NewBalance     decimal.Decimal
	Status         domain.LoanStatus
	PreviousStatus domain.LoanStatus
	Version        int64
	Accepted       bool
	Replayed       bool
	Payment        *domain.Payment
	Attempts       int
}

// StatusChanged reports whether the mutation moved the loan to another status
func (r *ApplyResult) StatusChanged() bool {
	return r.Accepted && r.Status != r.PreviousStatus
}

// StatusDecision picks the target status for a loan at now
type StatusDecision func(loan *domain.Loan, now time.Time) (domain.LoanStatus, error)

// BalanceLedger is the only writer of a loan's balance, status and version.
// Every mutation is read, compute, then one transaction holding the ledger
// entry and a version-conditioned loan write. A lost race restarts the cycle.
type BalanceLedger struct {
	repo  domain.LedgerRepository
	clock domain.Clock
	retry RetryPolicy
}

// NewBalanceLedger creates a new BalanceLedger
func NewBalanceLedger(repo domain.LedgerRepository, clock domain.Clock, retry RetryPolicy) *BalanceLedger {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &BalanceLedger{repo: repo, clock: clock, retry: retry}
}

// ApplyPayment subtracts amount from the loan balance and appends a payment entry.
// A key that was already recorded replays the stored outcome without mutating.
func (l *BalanceLedger) ApplyPayment(ctx context.Context, loanID string, amount decimal.Decimal, idempotencyKey, recordedBy string) (*ApplyResult, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := domain.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return nil, err
	}

	return l.retryOnConflict(ctx, loanID, func(ctx context.Context) (*ApplyResult, error) {
		loan, err := l.repo.ReadLoan(ctx, loanID)
		if err != nil {
			return nil, err
		}

		existing, err := l.repo.FindPaymentByKey(ctx, loanID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return replayPayment(loan, existing, amount)
		}

		if loan.IsPaid() {
			return nil, &domain.AlreadyPaidError{LoanID: loanID}
		}
		if amount.GreaterThan(loan.OutstandingBalance) {
			return nil, &domain.OverpaymentError{LoanID: loanID, Amount: amount, Balance: loan.OutstandingBalance}
		}

		now := l.clock.Now()
		newBalance := loan.OutstandingBalance.Sub(amount)
		payment := &domain.Payment{
			ID:             uuid.New().String(),
			LoanID:         loanID,
			Kind:           domain.PaymentKindPayment,
			Amount:         amount,
			BalanceAfter:   newBalance,
			IdempotencyKey: idempotencyKey,
			RecordedBy:     recordedBy,
			AppliedAt:      now,
		}
		return l.commit(ctx, loan, payment, now, func(stored *domain.Payment) (*ApplyResult, error) {
			return replayPayment(loan, stored, amount)
		})
	})
}

// ApplyReversal appends a compensating entry that restores the amount of an
// earlier payment. Each payment can be reversed once, and never on a paid loan.
func (l *BalanceLedger) ApplyReversal(ctx context.Context, loanID, paymentID, idempotencyKey, recordedBy string) (*ApplyResult, error) {
	if err := domain.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return nil, err
	}

	return l.retryOnConflict(ctx, loanID, func(ctx context.Context) (*ApplyResult, error) {
		loan, err := l.repo.ReadLoan(ctx, loanID)
		if err != nil {
			return nil, err
		}

		existing, err := l.repo.FindPaymentByKey(ctx, loanID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return replayReversal(loan, existing, paymentID)
		}

		if loan.IsPaid() {
			return nil, &domain.AlreadyPaidError{LoanID: loanID}
		}

		original, err := l.repo.GetPayment(ctx, loanID, paymentID)
		if err != nil {
			return nil, err
		}
		if original.Kind != domain.PaymentKindPayment {
			return nil, domain.NewValidationError("paymentId", "reversal entries cannot be reversed")
		}
		reversal, err := l.repo.FindReversal(ctx, loanID, paymentID)
		if err != nil {
			return nil, err
		}
		if reversal != nil {
			return nil, domain.NewValidationError("paymentId", "payment is already reversed")
		}

		now := l.clock.Now()
		newBalance := loan.OutstandingBalance.Add(original.Amount)
		if newBalance.GreaterThan(loan.TotalPayable) {
			return nil, domain.NewValidationError("paymentId", "reversal would exceed the payable total")
		}
		reversesID := original.ID
		entry := &domain.Payment{
			ID:                uuid.New().String(),
			LoanID:            loanID,
			Kind:              domain.PaymentKindReversal,
			Amount:            original.Amount.Neg(),
			BalanceAfter:      newBalance,
			IdempotencyKey:    idempotencyKey,
			ReversesPaymentID: &reversesID,
			RecordedBy:        recordedBy,
			AppliedAt:         now,
		}
		return l.commit(ctx, loan, entry, now, func(stored *domain.Payment) (*ApplyResult, error) {
			return replayReversal(loan, stored, paymentID)
		})
	})
}

// TransitionStatus writes a status chosen by decide without touching the balance.
// An unchanged status is reported with Accepted=false and writes nothing.
func (l *BalanceLedger) TransitionStatus(ctx context.Context, loanID string, decide StatusDecision) (*ApplyResult, error) {
	return l.retryOnConflict(ctx, loanID, func(ctx context.Context) (*ApplyResult, error) {
		loan, err := l.repo.ReadLoan(ctx, loanID)
		if err != nil {
			return nil, err
		}

		now := l.clock.Now()
		target, err := decide(loan, now)
		if err != nil {
			return nil, err
		}

		result := &ApplyResult{
			LoanID:         loanID,
			NewBalance:     loan.OutstandingBalance,
			Status:         loan.Status,
			PreviousStatus: loan.Status,
			Version:        loan.Version,
		}
		if target == loan.Status {
			return result, nil
		}
		if (target == domain.LoanStatusPaid) != loan.OutstandingBalance.IsZero() {
			return nil, domain.NewValidationError("status", "paid status requires a zero balance")
		}

		ok, err := l.repo.WriteLoanIfVersion(ctx, loanID, domain.LoanMutation{
			OutstandingBalance: loan.OutstandingBalance,
			Status:             target,
			UpdatedAt:          now,
		}, loan.Version)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errVersionConflict
		}

		result.Status = target
		result.Version = loan.Version + 1
		result.Accepted = true
		return result, nil
	})
}

// commit inserts entry and writes the loan in one transaction. A concurrent
// writer that recorded the same key first turns the attempt into a replay.
func (l *BalanceLedger) commit(ctx context.Context, loan *domain.Loan, entry *domain.Payment, now time.Time, replay func(*domain.Payment) (*ApplyResult, error)) (*ApplyResult, error) {
	status := domain.EvaluateStatus(loan.Status, domain.StatusInputFor(loan, entry.BalanceAfter, now))

	var stored *domain.Payment
	err := l.repo.WithinTx(ctx, func(tx domain.LedgerRepository) error {
		inserted, existing, err := tx.InsertPaymentIfAbsent(ctx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			stored = existing
			return errDuplicateKey
		}

		ok, err := tx.WriteLoanIfVersion(ctx, loan.ID, domain.LoanMutation{
			OutstandingBalance: entry.BalanceAfter,
			Status:             status,
			UpdatedAt:          now,
		}, loan.Version)
		if err != nil {
			return err
		}
		if !ok {
			return errVersionConflict
		}
		return nil
	})
	if errors.Is(err, errDuplicateKey) {
		return replay(stored)
	}
	if err != nil {
		return nil, err
	}

	return &ApplyResult{
		LoanID:         loan.ID,
		NewBalance:     entry.BalanceAfter,
		Status:         status,
		PreviousStatus: loan.Status,
		Version:        loan.Version + 1,
		Accepted:       true,
		Payment:        entry,
	}, nil
}

// retryOnConflict runs attempt until it stops reporting a version conflict or
// the policy is exhausted
func (l *BalanceLedger) retryOnConflict(ctx context.Context, loanID string, attempt func(context.Context) (*ApplyResult, error)) (*ApplyResult, error) {
	for n := 1; n <= l.retry.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := attempt(ctx)
		if !errors.Is(err, errVersionConflict) {
			if result != nil {
				result.Attempts = n
			}
			return result, err
		}

		if n < l.retry.MaxAttempts {
			if err := sleepContext(ctx, l.retry.Backoff(n)); err != nil {
				return nil, err
			}
		}
	}
	return nil, &domain.ConcurrencyExhaustedError{LoanID: loanID, Attempts: l.retry.MaxAttempts}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func replayPayment(loan *domain.Loan, stored *domain.Payment, amount decimal.Decimal) (*ApplyResult, error) {
	if stored.Kind != domain.PaymentKindPayment || !stored.Amount.Equal(amount) {
		return nil, domain.NewValidationError("idempotencyKey", "idempotency key reused with a different request")
	}
	return replayed(loan, stored), nil
}

func replayReversal(loan *domain.Loan, stored *domain.Payment, paymentID string) (*ApplyResult, error) {
	if stored.Kind != domain.PaymentKindReversal || stored.ReversesPaymentID == nil || *stored.ReversesPaymentID != paymentID {
		return nil, domain.NewValidationError("idempotencyKey", "idempotency key reused with a different request")
	}
	return replayed(loan, stored), nil
}

func replayed(loan *domain.Loan, stored *domain.Payment) *ApplyResult {
	return &ApplyResult{
		LoanID:         loan.ID,
		NewBalance:     stored.BalanceAfter,
		Status:         loan.Status,
		PreviousStatus: loan.Status,
		Version:        loan.Version,
		Replayed:       true,
		Payment:        stored,
	}
}
