package postgres

import (
	"context"

	"github.com/creditline/creditline-backend/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ClientRepository implements domain.ClientRepository using PostgreSQL.
// Clients are owned by another system; this repository only reads them.
type ClientRepository struct {
	pool *pgxpool.Pool
}

// NewClientRepository creates a new ClientRepository
func NewClientRepository(pool *pgxpool.Pool) *ClientRepository {
	return &ClientRepository{pool: pool}
}

// ClientExists reports whether a client with the given ID exists
func (r *ClientRepository) ClientExists(ctx context.Context, clientID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM clients WHERE id = $1)`, clientID).Scan(&exists)
	if err != nil {
		return false, domain.WrapRepositoryError("client exists", err)
	}
	return exists, nil
}
