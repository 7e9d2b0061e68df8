package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/shared"
)

// Repository is the persistence port for sessions.
type Repository interface {
	Insert(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	ActiveByPrincipal(ctx context.Context, principalID uuid.UUID, now time.Time) ([]Session, error)
	LockActiveByPrincipal(ctx context.Context, principalID uuid.UUID, now time.Time) ([]Session, error)
	Revoke(ctx context.Context, id, reason string, at time.Time) error
	Touch(ctx context.Context, id string, at time.Time) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const sessionColumns = `id, principal_id, institution_id, issued_at, expires_at, last_seen, revoked_at, revoke_reason, fingerprint, ip, user_agent`

// PGRepository provides PostgreSQL backed session persistence. All methods
// resolve the querier from context, so calls made inside a transaction
// boundary enlist in it.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, s Session) error {
	q := db.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.PrincipalID, s.InstitutionID, s.IssuedAt, s.ExpiresAt, s.LastSeen,
		toPgTimePtr(s.RevokedAt), optText(s.RevokeReason), optText(s.Fingerprint), optText(s.IP), optText(s.UserAgent),
	)
	return err
}

func (r *PGRepository) Get(ctx context.Context, id string) (Session, error) {
	q := db.QuerierFrom(ctx, r.pool)
	row := q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, shared.ErrNotFound
	}
	return s, err
}

func (r *PGRepository) ActiveByPrincipal(ctx context.Context, principalID uuid.UUID, now time.Time) ([]Session, error) {
	return r.activeByPrincipal(ctx, principalID, now, false)
}

// LockActiveByPrincipal reads the principal's active sessions under a row
// lock, ordered least recently seen first. Callers enforcing the session cap
// use it inside the issuing transaction.
func (r *PGRepository) LockActiveByPrincipal(ctx context.Context, principalID uuid.UUID, now time.Time) ([]Session, error) {
	return r.activeByPrincipal(ctx, principalID, now, true)
}

func (r *PGRepository) activeByPrincipal(ctx context.Context, principalID uuid.UUID, now time.Time, lock bool) ([]Session, error) {
	q := db.QuerierFrom(ctx, r.pool)
	sql := `SELECT ` + sessionColumns + ` FROM sessions WHERE principal_id = $1 AND revoked_at IS NULL AND expires_at > $2 ORDER BY last_seen ASC`
	if lock {
		sql += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, sql, principalID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Revoke marks a session revoked, keeping the first revocation's reason when
// called twice.
func (r *PGRepository) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `UPDATE sessions SET revoked_at = $2, revoke_reason = $3 WHERE id = $1 AND revoked_at IS NULL`, id, at, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Touch advances last_seen without ever moving it backwards.
func (r *PGRepository) Touch(ctx context.Context, id string, at time.Time) error {
	q := db.QuerierFrom(ctx, r.pool)
	_, err := q.Exec(ctx, `UPDATE sessions SET last_seen = GREATEST(last_seen, $2) WHERE id = $1 AND revoked_at IS NULL`, id, at)
	return err
}

// PurgeBefore deletes sessions that expired or were revoked before the
// cutoff and returns the number removed.
func (r *PGRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	q := db.QuerierFrom(ctx, r.pool)
	tag, err := q.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		s         Session
		revokedAt pgtype.Timestamptz
		reason    pgtype.Text
		fp        pgtype.Text
		ip        pgtype.Text
		ua        pgtype.Text
	)
	err := row.Scan(&s.ID, &s.PrincipalID, &s.InstitutionID, &s.IssuedAt, &s.ExpiresAt, &s.LastSeen, &revokedAt, &reason, &fp, &ip, &ua)
	if err != nil {
		return Session{}, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		s.RevokedAt = &t
	}
	s.RevokeReason = reason.String
	s.Fingerprint = fp.String
	s.IP = ip.String
	s.UserAgent = ua.String
	return s, nil
}

func optText(v string) pgtype.Text {
	return pgtype.Text{String: v, Valid: v != ""}
}

func toPgTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

var _ Repository = (*PGRepository)(nil)
