package tenancy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/shared"
)

// Repository is the persistence port for institutions.
type Repository interface {
	Create(ctx context.Context, inst Institution) error
	Get(ctx context.Context, id uuid.UUID) (Institution, error)
	GetBySlug(ctx context.Context, slug string) (Institution, error)
	List(ctx context.Context) ([]Institution, error)
	ListActive(ctx context.Context) ([]Institution, error)
	Update(ctx context.Context, inst Institution) error
	Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error
	Reactivate(ctx context.Context, id uuid.UUID) error
}

const institutionColumns = `id, slug, name, tier, max_users, max_storage_gb, active, created_at, deactivated_at`

// PGRepository provides PostgreSQL backed institution persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, inst Institution) error {
	q := db.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `INSERT INTO institutions (`+institutionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inst.ID, inst.Slug, inst.Name, string(inst.Tier), inst.MaxUsers, inst.MaxStorageGB, inst.Active, inst.CreatedAt, toPgTimePtr(inst.DeactivatedAt),
	)
	if isUniqueViolation(err) {
		return shared.ErrConflict
	}
	return err
}

func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Institution, error) {
	q := db.QuerierFrom(ctx, r.pool)
	row := q.QueryRow(ctx, `SELECT `+institutionColumns+` FROM institutions WHERE id = $1`, id)
	return scanInstitution(row)
}

func (r *PGRepository) GetBySlug(ctx context.Context, slug string) (Institution, error) {
	q := db.QuerierFrom(ctx, r.pool)
	row := q.QueryRow(ctx, `SELECT `+institutionColumns+` FROM institutions WHERE slug = $1`, slug)
	return scanInstitution(row)
}

func (r *PGRepository) List(ctx context.Context) ([]Institution, error) {
	return r.list(ctx, `SELECT `+institutionColumns+` FROM institutions ORDER BY slug`)
}

func (r *PGRepository) ListActive(ctx context.Context) ([]Institution, error) {
	return r.list(ctx, `SELECT `+institutionColumns+` FROM institutions WHERE active ORDER BY slug`)
}

func (r *PGRepository) list(ctx context.Context, query string) ([]Institution, error) {
	q := db.QuerierFrom(ctx, r.pool)
	rows, err := q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var institutions []Institution
	for rows.Next() {
		inst, err := scanInstitution(rows)
		if err != nil {
			return nil, err
		}
		institutions = append(institutions, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return institutions, nil
}

func (r *PGRepository) Update(ctx context.Context, inst Institution) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE institutions SET name = $2, tier = $3, max_users = $4, max_storage_gb = $5 WHERE id = $1`,
		inst.ID, inst.Name, string(inst.Tier), inst.MaxUsers, inst.MaxStorageGB,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *PGRepository) Deactivate(ctx context.Context, id uuid.UUID, at time.Time) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE institutions SET active = false, deactivated_at = $2 WHERE id = $1 AND active`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.stateError(ctx, id)
	}
	return nil
}

func (r *PGRepository) Reactivate(ctx context.Context, id uuid.UUID) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE institutions SET active = true, deactivated_at = NULL WHERE id = $1 AND NOT active`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.stateError(ctx, id)
	}
	return nil
}

// stateError distinguishes a missing row from an idempotent repeat of a
// deactivate or reactivate.
func (r *PGRepository) stateError(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

func scanInstitution(row pgx.Row) (Institution, error) {
	var (
		inst        Institution
		tier        string
		deactivated pgtype.Timestamptz
	)
	err := row.Scan(&inst.ID, &inst.Slug, &inst.Name, &tier, &inst.MaxUsers, &inst.MaxStorageGB, &inst.Active, &inst.CreatedAt, &deactivated)
	if errors.Is(err, pgx.ErrNoRows) {
		return Institution{}, shared.ErrNotFound
	}
	if err != nil {
		return Institution{}, err
	}
	inst.Tier = Tier(tier)
	if deactivated.Valid {
		t := deactivated.Time
		inst.DeactivatedAt = &t
	}
	return inst, nil
}

func toPgTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Repository = (*PGRepository)(nil)
