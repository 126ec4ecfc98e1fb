package postgres

import (
	"context"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReceiptRepository implements domain.ReceiptRepository using PostgreSQL
type ReceiptRepository struct {
	pool *pgxpool.Pool
}

// NewReceiptRepository creates a new ReceiptRepository
func NewReceiptRepository(pool *pgxpool.Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

// CreateReceipt stores receipt metadata
func (r *ReceiptRepository) CreateReceipt(ctx context.Context, receipt *domain.PaymentReceipt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO payment_receipts (id, loan_id, payment_id, object_prefix, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		receipt.ID, receipt.LoanID, receipt.PaymentID, receipt.ObjectPrefix, receipt.CreatedAt,
	)
	if err != nil {
		return domain.WrapRepositoryError("create receipt", err)
	}
	return nil
}

// ListReceipts returns the receipts attached to a payment, oldest first
func (r *ReceiptRepository) ListReceipts(ctx context.Context, loanID, paymentID string) ([]*domain.PaymentReceipt, error) {
	if !isUUID(loanID) || !isUUID(paymentID) {
		return []*domain.PaymentReceipt{}, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id::text, loan_id::text, payment_id::text, object_prefix, created_at
		FROM payment_receipts
		WHERE loan_id = $1 AND payment_id = $2
		ORDER BY created_at, id`,
		loanID, paymentID,
	)
	if err != nil {
		return nil, domain.WrapRepositoryError("list receipts", err)
	}

	receipts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.PaymentReceipt, error) {
		var rc domain.PaymentReceipt
		var createdAt pgtype.Timestamptz
		if err := row.Scan(&rc.ID, &rc.LoanID, &rc.PaymentID, &rc.ObjectPrefix, &createdAt); err != nil {
			return nil, err
		}
		rc.CreatedAt = createdAt.Time
		return &rc, nil
	})
	if err != nil {
		return nil, domain.WrapRepositoryError("list receipts", err)
	}
	return receipts, nil
}
