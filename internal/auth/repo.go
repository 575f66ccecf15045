package auth

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/buildingops/buildingops/internal/platform/db"
	"github.com/buildingops/buildingops/internal/rbac"
	"github.com/buildingops/buildingops/internal/users"
)

// Store opens units of work that span the user and role tables.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, users users.TxRepository, roles rbac.TxRepository) error) error
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore constructs a PostgreSQL store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// WithTx runs fn with user and role repositories bound to one repeatable-read transaction.
func (s *PGStore) WithTx(ctx context.Context, fn func(context.Context, users.TxRepository, rbac.TxRepository) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, users.NewTxRepository(tx), rbac.NewTxRepository(tx))
	})
}

var _ Store = (*PGStore)(nil)
