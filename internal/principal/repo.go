package principal

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/shared"
)

// Repository is the persistence port for principal accounts.
type Repository interface {
	Create(ctx context.Context, a Account) error
	Get(ctx context.Context, id uuid.UUID) (Account, error)
	// GetForResolve returns the account together with its institution's
	// active flag, read fresh so role changes and deactivations take effect
	// on the next request.
	GetForResolve(ctx context.Context, id uuid.UUID) (Account, bool, error)
	FindByEmail(ctx context.Context, email string) (Account, error)
	List(ctx context.Context, institutionID uuid.UUID) ([]Account, error)
	// ListAll crosses institution boundaries; only platform-wide scopes
	// may reach it.
	ListAll(ctx context.Context) ([]Account, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role Role) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	CountActive(ctx context.Context, institutionID uuid.UUID) (int, error)
}

const accountColumns = `id, institution_id, email, name, role, password_hash, active, created_at`

// PGRepository provides PostgreSQL backed principal persistence.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, a Account) error {
	q := db.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `INSERT INTO principals (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.InstitutionID, a.Email, a.Name, string(a.Role), a.PasswordHash, a.Active, a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return shared.ErrConflict
	}
	return err
}

func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (Account, error) {
	q := db.QuerierFrom(ctx, r.pool)
	row := q.QueryRow(ctx, `SELECT `+accountColumns+` FROM principals WHERE id = $1`, id)
	return scanAccount(row)
}

func (r *PGRepository) GetForResolve(ctx context.Context, id uuid.UUID) (Account, bool, error) {
	q := db.QuerierFrom(ctx, r.pool)
	row := q.QueryRow(ctx, `SELECT p.id, p.institution_id, p.email, p.name, p.role, p.password_hash, p.active, p.created_at, i.active
		FROM principals p
		JOIN institutions i ON i.id = p.institution_id
		WHERE p.id = $1`, id)
	var (
		a          Account
		role       string
		instActive bool
	)
	err := row.Scan(&a.ID, &a.InstitutionID, &a.Email, &a.Name, &role, &a.PasswordHash, &a.Active, &a.CreatedAt, &instActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, false, shared.ErrNotFound
	}
	if err != nil {
		return Account{}, false, err
	}
	a.Role = Role(role)
	return a, instActive, nil
}

func (r *PGRepository) FindByEmail(ctx context.Context, email string) (Account, error) {
	q := db.QuerierFrom(ctx, r.pool)
	row := q.QueryRow(ctx, `SELECT `+accountColumns+` FROM principals WHERE email = $1`, email)
	return scanAccount(row)
}

func (r *PGRepository) List(ctx context.Context, institutionID uuid.UUID) ([]Account, error) {
	q := db.QuerierFrom(ctx, r.pool)
	rows, err := q.Query(ctx, `SELECT `+accountColumns+` FROM principals WHERE institution_id = $1 ORDER BY created_at, email`, institutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *PGRepository) ListAll(ctx context.Context) ([]Account, error) {
	q := db.QuerierFrom(ctx, r.pool)
	rows, err := q.Query(ctx, `SELECT `+accountColumns+` FROM principals ORDER BY institution_id, created_at, email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *PGRepository) UpdateRole(ctx context.Context, id uuid.UUID, role Role) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE principals SET role = $2 WHERE id = $1`, id, string(role))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *PGRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE principals SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (r *PGRepository) CountActive(ctx context.Context, institutionID uuid.UUID) (int, error) {
	q := db.QuerierFrom(ctx, r.pool)
	var count int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM principals WHERE institution_id = $1 AND active`, institutionID).Scan(&count)
	return count, err
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a    Account
		role string
	)
	err := row.Scan(&a.ID, &a.InstitutionID, &a.Email, &a.Name, &role, &a.PasswordHash, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, shared.ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	a.Role = Role(role)
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ Repository = (*PGRepository)(nil)
