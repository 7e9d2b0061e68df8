package policy

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/principal"
)

// Store is the persistence port for permission grants.
type Store interface {
	GrantSource
	Upsert(ctx context.Context, g Grant) error
	ListScoped(ctx context.Context, institutionID uuid.UUID) ([]Grant, error)
	ListGlobal(ctx context.Context) ([]Grant, error)
}

const grantColumns = `id, institution_id, role, resource_type, action, effect, created_at`

// PGStore provides PostgreSQL backed grant persistence.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) LoadGrants(ctx context.Context) ([]Grant, error) {
	q := db.QuerierFrom(ctx, s.pool)
	rows, err := q.Query(ctx, `SELECT `+grantColumns+` FROM permission_grants`)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

// Upsert inserts the grant or replaces the effect of the existing grant for
// the same (institution, role, resource type, action) key.
func (s *PGStore) Upsert(ctx context.Context, g Grant) error {
	q := db.QuerierFrom(ctx, s.pool)
	_, err := q.Exec(ctx, `INSERT INTO permission_grants (`+grantColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (institution_id, role, resource_type, action) DO UPDATE SET effect = EXCLUDED.effect`,
		g.ID, optionalUUID(g.InstitutionID), string(g.Role), g.ResourceType, string(g.Action), string(g.Effect), g.CreatedAt,
	)
	return err
}

func (s *PGStore) ListScoped(ctx context.Context, institutionID uuid.UUID) ([]Grant, error) {
	q := db.QuerierFrom(ctx, s.pool)
	rows, err := q.Query(ctx, `SELECT `+grantColumns+` FROM permission_grants WHERE institution_id = $1 ORDER BY role, resource_type, action`, institutionID)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

func (s *PGStore) ListGlobal(ctx context.Context) ([]Grant, error) {
	q := db.QuerierFrom(ctx, s.pool)
	rows, err := q.Query(ctx, `SELECT `+grantColumns+` FROM permission_grants WHERE institution_id IS NULL ORDER BY role, resource_type, action`)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

func collectGrants(rows pgx.Rows) ([]Grant, error) {
	defer rows.Close()
	var grants []Grant
	for rows.Next() {
		var (
			g      Grant
			inst   pgtype.UUID
			role   string
			action string
			effect string
		)
		if err := rows.Scan(&g.ID, &inst, &role, &g.ResourceType, &action, &effect, &g.CreatedAt); err != nil {
			return nil, err
		}
		if inst.Valid {
			g.InstitutionID = uuid.UUID(inst.Bytes)
		}
		g.Role = principal.Role(role)
		g.Action = Action(action)
		g.Effect = Effect(effect)
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return grants, nil
}

func optionalUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}

var _ Store = (*PGStore)(nil)
