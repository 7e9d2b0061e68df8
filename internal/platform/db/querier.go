package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx operations shared by *pgxpool.Pool and pgx.Tx.
// Repositories run against a Querier so the same code serves pooled calls and
// calls enlisted in a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type querierContextKey struct{}

// WithQuerier stores a transaction-bound querier in context. Writes that must
// commit or roll back with the surrounding operation resolve it via
// QuerierFrom.
func WithQuerier(ctx context.Context, q Querier) context.Context {
	return context.WithValue(ctx, querierContextKey{}, q)
}

// QuerierFrom returns the context querier, falling back to the given pool.
func QuerierFrom(ctx context.Context, fallback *pgxpool.Pool) Querier {
	if q, ok := ctx.Value(querierContextKey{}).(Querier); ok && q != nil {
		return q
	}
	return fallback
}

// HasQuerier reports whether the context carries a transaction-bound querier.
func HasQuerier(ctx context.Context) bool {
	q, ok := ctx.Value(querierContextKey{}).(Querier)
	return ok && q != nil
}

// DetachQuerier strips any transaction-bound querier so subsequent writes go
// straight to the pool.
func DetachQuerier(ctx context.Context) context.Context {
	return context.WithValue(ctx, querierContextKey{}, nil)
}
