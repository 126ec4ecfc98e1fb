package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const loanColumns = `id, client_id, principal, interest_rate, installment_count, frequency,
	total_payable, installment_amount, outstanding_balance, status,
	start_date, due_dates, version, created_at, updated_at`

const paymentColumns = `id, loan_id, kind, amount, balance_after, idempotency_key,
	reverses_payment_id, recorded_by, applied_at`

// select lists read uuid columns as text
const selectLoanColumns = `id::text, client_id, principal, interest_rate, installment_count, frequency,
	total_payable, installment_amount, outstanding_balance, status,
	start_date, due_dates, version, created_at, updated_at`

const selectPaymentColumns = `id::text, loan_id::text, kind, amount, balance_after, idempotency_key,
	reverses_payment_id::text, recorded_by, applied_at`

// LedgerRepository implements domain.LedgerRepository using PostgreSQL
type LedgerRepository struct {
	pool *pgxpool.Pool
	q    Querier
	inTx bool
}

// NewLedgerRepository creates a new LedgerRepository
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool, q: pool}
}

// WithinTx runs fn inside one transaction. An error from fn rolls back and is
// returned unchanged.
func (r *LedgerRepository) WithinTx(ctx context.Context, fn func(tx domain.LedgerRepository) error) error {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.WrapRepositoryError("begin tx", err)
	}

	if err := fn(&LedgerRepository{pool: r.pool, q: tx, inTx: true}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return domain.WrapRepositoryError("rollback tx", fmt.Errorf("%w (original error: %w)", rbErr, err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.WrapRepositoryError("commit tx", err)
	}
	return nil
}

// CreateLoan inserts a new loan row
func (r *LedgerRepository) CreateLoan(ctx context.Context, loan *domain.Loan) error {
	principal, err := decimalToPgNumeric(loan.Principal)
	if err != nil {
		return domain.WrapRepositoryError("create loan", err)
	}
	rate, err := decimalToPgNumeric(loan.InterestRate)
	if err != nil {
		return domain.WrapRepositoryError("create loan", err)
	}
	total, err := decimalToPgNumeric(loan.TotalPayable)
	if err != nil {
		return domain.WrapRepositoryError("create loan", err)
	}
	installment, err := decimalToPgNumeric(loan.InstallmentAmount)
	if err != nil {
		return domain.WrapRepositoryError("create loan", err)
	}
	balance, err := decimalToPgNumeric(loan.OutstandingBalance)
	if err != nil {
		return domain.WrapRepositoryError("create loan", err)
	}

	dueDates := make([]pgtype.Date, len(loan.DueDates))
	for i, d := range loan.DueDates {
		dueDates[i] = pgtype.Date{Time: d, Valid: true}
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		loan.ID, loan.ClientID, principal, rate, loan.InstallmentCount, string(loan.Frequency),
		total, installment, balance, string(loan.Status),
		pgtype.Date{Time: loan.StartDate, Valid: true}, dueDates, loan.Version, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return domain.WrapRepositoryError("create loan", err)
	}
	return nil
}

// ReadLoan retrieves a loan by ID
func (r *LedgerRepository) ReadLoan(ctx context.Context, id string) (*domain.Loan, error) {
	if !isUUID(id) {
		return nil, &domain.NotFoundError{Resource: "loan", ID: id}
	}
	row := r.q.QueryRow(ctx, `SELECT `+selectLoanColumns+` FROM loans WHERE id = $1`, id)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Resource: "loan", ID: id}
		}
		return nil, domain.WrapRepositoryError("read loan", err)
	}
	return loan, nil
}

// WriteLoanIfVersion updates balance and status only if the row still carries
// expectedVersion
func (r *LedgerRepository) WriteLoanIfVersion(ctx context.Context, id string, mutation domain.LoanMutation, expectedVersion int64) (bool, error) {
	if !isUUID(id) {
		return false, &domain.NotFoundError{Resource: "loan", ID: id}
	}
	balance, err := decimalToPgNumeric(mutation.OutstandingBalance)
	if err != nil {
		return false, domain.WrapRepositoryError("write loan", err)
	}

	tag, err := r.q.Exec(ctx, `
		UPDATE loans SET
			outstanding_balance = $2,
			status              = $3,
			updated_at          = $4,
			version             = loans.version + 1
		WHERE id = $1 AND loans.version = $5`,
		id, balance, string(mutation.Status), mutation.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return false, domain.WrapRepositoryError("write loan", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM loans WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, domain.WrapRepositoryError("write loan", err)
	}
	if !exists {
		return false, &domain.NotFoundError{Resource: "loan", ID: id}
	}
	return false, nil
}

// InsertPaymentIfAbsent appends a ledger entry unless the (loan, idempotency key)
// pair is already recorded
func (r *LedgerRepository) InsertPaymentIfAbsent(ctx context.Context, payment *domain.Payment) (bool, *domain.Payment, error) {
	amount, err := decimalToPgNumeric(payment.Amount)
	if err != nil {
		return false, nil, domain.WrapRepositoryError("insert payment", err)
	}
	balanceAfter, err := decimalToPgNumeric(payment.BalanceAfter)
	if err != nil {
		return false, nil, domain.WrapRepositoryError("insert payment", err)
	}

	var seq int64
	err = r.q.QueryRow(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT payments_idempotency_key DO NOTHING
		RETURNING seq`,
		payment.ID, payment.LoanID, string(payment.Kind), amount, balanceAfter,
		payment.IdempotencyKey, payment.ReversesPaymentID, payment.RecordedBy, payment.AppliedAt,
	).Scan(&seq)

	switch {
	case err == nil:
		return true, nil, nil
	case errors.Is(err, pgx.ErrNoRows):
		existing, err := r.FindPaymentByKey(ctx, payment.LoanID, payment.IdempotencyKey)
		if err != nil {
			return false, nil, err
		}
		if existing == nil {
			return false, nil, domain.WrapRepositoryError("insert payment", fmt.Errorf("conflicting key %q vanished", payment.IdempotencyKey))
		}
		return false, existing, nil
	case isUniqueViolation(err, "payments_single_reversal"):
		return false, nil, domain.NewValidationError("paymentId", "payment is already reversed")
	default:
		return false, nil, domain.WrapRepositoryError("insert payment", err)
	}
}

// FindPaymentByKey returns the entry recorded under key, or nil
func (r *LedgerRepository) FindPaymentByKey(ctx context.Context, loanID, key string) (*domain.Payment, error) {
	return r.findPayment(ctx, "find payment by key",
		`SELECT `+selectPaymentColumns+` FROM payments WHERE loan_id = $1 AND idempotency_key = $2`, loanID, key)
}

// GetPayment retrieves one entry of a loan
func (r *LedgerRepository) GetPayment(ctx context.Context, loanID, paymentID string) (*domain.Payment, error) {
	if !isUUID(loanID) || !isUUID(paymentID) {
		return nil, &domain.NotFoundError{Resource: "payment", ID: paymentID}
	}
	payment, err := r.findPayment(ctx, "get payment",
		`SELECT `+selectPaymentColumns+` FROM payments WHERE loan_id = $1 AND id = $2`, loanID, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, &domain.NotFoundError{Resource: "payment", ID: paymentID}
	}
	return payment, nil
}

// FindReversal returns the reversal of paymentID, or nil
func (r *LedgerRepository) FindReversal(ctx context.Context, loanID, paymentID string) (*domain.Payment, error) {
	return r.findPayment(ctx, "find reversal",
		`SELECT `+selectPaymentColumns+` FROM payments WHERE loan_id = $1 AND reverses_payment_id = $2`, loanID, paymentID)
}

func (r *LedgerRepository) findPayment(ctx context.Context, op, query string, args ...any) (*domain.Payment, error) {
	payment, err := scanPayment(r.q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.WrapRepositoryError(op, err)
	}
	return payment, nil
}

// ListPayments returns the ledger of a loan in commit order
func (r *LedgerRepository) ListPayments(ctx context.Context, loanID string) ([]*domain.Payment, error) {
	rows, err := r.q.Query(ctx, `SELECT `+selectPaymentColumns+` FROM payments WHERE loan_id = $1 ORDER BY seq`, loanID)
	if err != nil {
		return nil, domain.WrapRepositoryError("list payments", err)
	}
	defer rows.Close()

	payments := []*domain.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, domain.WrapRepositoryError("list payments", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapRepositoryError("list payments", err)
	}
	return payments, nil
}

// ListOpenLoanIDs returns the IDs of loans that are not paid
func (r *LedgerRepository) ListOpenLoanIDs(ctx context.Context) ([]string, error) {
	rows, err := r.q.Query(ctx, `SELECT id::text FROM loans WHERE status <> 'paid' ORDER BY id`)
	if err != nil {
		return nil, domain.WrapRepositoryError("list open loans", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, domain.WrapRepositoryError("list open loans", err)
	}
	return ids, nil
}

func scanLoan(row pgx.Row) (*domain.Loan, error) {
	var (
		loan                                         domain.Loan
		principal, rate, total, installment, balance pgtype.Numeric
		frequency, status                            string
		startDate                                    pgtype.Date
		dueDates                                     []pgtype.Date
		createdAt, updatedAt                         pgtype.Timestamptz
	)
	err := row.Scan(
		&loan.ID, &loan.ClientID, &principal, &rate, &loan.InstallmentCount, &frequency,
		&total, &installment, &balance, &status,
		&startDate, &dueDates, &loan.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedFrequency, err := domain.ParseFrequency(frequency)
	if err != nil {
		return nil, err
	}
	parsedStatus, err := domain.ParseLoanStatus(status)
	if err != nil {
		return nil, err
	}

	loan.Principal = pgNumericToDecimal(principal)
	loan.InterestRate = pgNumericToDecimal(rate)
	loan.Frequency = parsedFrequency
	loan.TotalPayable = pgNumericToDecimal(total)
	loan.InstallmentAmount = pgNumericToDecimal(installment)
	loan.OutstandingBalance = pgNumericToDecimal(balance)
	loan.Status = parsedStatus
	loan.StartDate = startDate.Time
	loan.DueDates = make([]time.Time, len(dueDates))
	for i, d := range dueDates {
		loan.DueDates[i] = d.Time
	}
	loan.CreatedAt = createdAt.Time
	loan.UpdatedAt = updatedAt.Time
	return &loan, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p                    domain.Payment
		kind                 string
		amount, balanceAfter pgtype.Numeric
		reverses             pgtype.Text
		appliedAt            pgtype.Timestamptz
	)
	err := row.Scan(
		&p.ID, &p.LoanID, &kind, &amount, &balanceAfter, &p.IdempotencyKey,
		&reverses, &p.RecordedBy, &appliedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Kind = domain.PaymentKind(kind)
	p.Amount = pgNumericToDecimal(amount)
	p.BalanceAfter = pgNumericToDecimal(balanceAfter)
	if reverses.Valid {
		id := reverses.String
		p.ReversesPaymentID = &id
	}
	p.AppliedAt = appliedAt.Time
	return &p, nil
}
