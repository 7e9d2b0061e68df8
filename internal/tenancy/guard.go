package tenancy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/observability"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/shared"
)

// Query names the institution a caller wants to address. A zero
// InstitutionID means the caller named none. Resource labels what is being
// read so a rejected query leaves a usable audit record.
type Query struct {
	InstitutionID uuid.UUID
	Resource      string
}

// ScopedQuery is the guard's output: the tenant scope repositories must
// apply. Repositories take the bound institution from here and never from
// request input.
type ScopedQuery struct {
	institutionID uuid.UUID
	all           bool
}

// All reports whether the query addresses every institution. Only an
// unscoped super-admin query does.
func (q ScopedQuery) All() bool { return q.all }

// InstitutionID returns the bound institution; ok is false for
// platform-wide queries.
func (q ScopedQuery) InstitutionID() (uuid.UUID, bool) {
	if q.all {
		return uuid.Nil, false
	}
	return q.institutionID, true
}

// Clause renders the WHERE fragment for the scope with the bound argument
// at placeholder position n. Platform-wide scopes constrain nothing.
func (q ScopedQuery) Clause(column string, n int) (string, []any) {
	if q.all {
		return "TRUE", nil
	}
	return fmt.Sprintf("%s = $%d", column, n), []any{q.institutionID}
}

// Guard binds queries to the caller's institution. It is the enforcement
// boundary: call sites ask once, repositories receive the result.
type Guard struct {
	recorder *audit.Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewGuard constructs a Guard.
func NewGuard(recorder *audit.Recorder, metrics *observability.Metrics, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{recorder: recorder, metrics: metrics, logger: logger}
}

// Scope binds q to an institution the principal may address.
//
// An unscoped query binds to the principal's own institution, except for
// super-admin where it stays platform-wide. A query naming a foreign
// institution fails with shared.ErrCrossTenant unless the principal is
// super-admin; the violation is audited before the error returns.
func (g *Guard) Scope(ctx context.Context, p principal.Principal, q Query) (ScopedQuery, error) {
	if q.InstitutionID == uuid.Nil {
		if p.IsSuperAdmin() {
			return ScopedQuery{all: true}, nil
		}
		return ScopedQuery{institutionID: p.InstitutionID}, nil
	}
	if q.InstitutionID == p.InstitutionID || p.IsSuperAdmin() {
		return ScopedQuery{institutionID: q.InstitutionID}, nil
	}
	if err := g.reject(ctx, p, q); err != nil {
		return ScopedQuery{}, err
	}
	return ScopedQuery{}, shared.ErrCrossTenant
}

// Rescope narrows an existing scope to target. A matching scope is a
// no-op and a platform-wide scope narrows like a fresh Scope call; a bound
// scope never silently rebinds to a different institution.
func (g *Guard) Rescope(ctx context.Context, p principal.Principal, sq ScopedQuery, target uuid.UUID) (ScopedQuery, error) {
	if sq.all {
		return g.Scope(ctx, p, Query{InstitutionID: target})
	}
	if sq.institutionID == target {
		return sq, nil
	}
	if !p.IsSuperAdmin() {
		if err := g.reject(ctx, p, Query{InstitutionID: target}); err != nil {
			return ScopedQuery{}, err
		}
	}
	return ScopedQuery{}, fmt.Errorf("%w: scope already bound to %s", shared.ErrCrossTenant, sq.institutionID)
}

func (g *Guard) reject(ctx context.Context, p principal.Principal, q Query) error {
	g.logger.Error("cross-tenant query blocked",
		slog.String("principal", p.ID.String()),
		slog.String("principal_institution", p.InstitutionID.String()),
		slog.String("target_institution", q.InstitutionID.String()),
		slog.String("resource", q.Resource),
	)
	g.metrics.ObserveCrossTenant()
	resource := q.Resource
	if resource == "" {
		resource = "query"
	}
	_, err := g.recorder.Record(ctx, audit.Entry{
		ActorID:       p.ID,
		InstitutionID: q.InstitutionID,
		Action:        "tenant:scope",
		ResourceType:  resource,
		Decision:      audit.DecisionDeny,
		Reason:        shared.ReasonCrossTenant,
	})
	return err
}
