package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// TxRunner runs a function inside a transaction boundary. The context passed
// to fn carries the transaction querier, so repositories and the audit
// recorder enlist in it automatically.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolRunner implements TxRunner on a pgx pool.
type PoolRunner struct {
	Pool *pgxpool.Pool
}

// RunInTx opens a RepeatableRead transaction, stores it in the context and
// invokes fn. Commit happens only when fn returns nil.
func (r PoolRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return WithTx(ctx, r.Pool, func(tx pgx.Tx) error {
		return fn(WithQuerier(ctx, tx))
	})
}

// PassRunner implements TxRunner without transaction semantics. Used by
// in-memory repositories in tests.
type PassRunner struct{}

// RunInTx invokes fn directly.
func (PassRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
