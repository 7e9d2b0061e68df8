package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyveda/polyveda/internal/platform/db"
)

// PGStore implements Store on PostgreSQL. The audit_records table revokes
// UPDATE and DELETE at the schema level; this type only ever inserts.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL-backed store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const appendSeqSQL = `
INSERT INTO audit_sequences AS s (institution_id, last_seq, last_hash)
VALUES ($1, 1, $2)
ON CONFLICT (institution_id)
DO UPDATE SET last_seq = s.last_seq + 1
RETURNING last_seq, last_hash`

const insertRecordSQL = `
INSERT INTO audit_records (
	id, institution_id, seq, actor_id, action, resource_type, resource_id,
	decision, reason, severity, ip, user_agent, request_id, prev_hash, entry_hash, at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

// Append assigns the next sequence number and hash chain link, then inserts
// the record. When the context carries a transaction the statements enlist
// in it; otherwise they run in their own transaction. The sequence row
// update locks per institution, so concurrent appends for different tenants
// never serialize against each other.
func (s *PGStore) Append(ctx context.Context, rec *Record) error {
	if db.HasQuerier(ctx) {
		return s.append(ctx, db.QuerierFrom(ctx, s.pool), rec)
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return s.append(ctx, tx, rec)
	})
}

func (s *PGStore) append(ctx context.Context, q db.Querier, rec *Record) error {
	var prev []byte
	if err := q.QueryRow(ctx, appendSeqSQL, rec.InstitutionID, ZeroHash()).Scan(&rec.Seq, &prev); err != nil {
		return err
	}
	rec.PrevHash = prev
	rec.EntryHash = ChainHash(prev, *rec)

	actor := pgtype.UUID{Bytes: rec.ActorID, Valid: rec.ActorID != uuid.Nil}
	if _, err := q.Exec(ctx, insertRecordSQL,
		rec.ID, rec.InstitutionID, rec.Seq, actor, rec.Action, rec.ResourceType, rec.ResourceID,
		rec.Decision, rec.Reason, rec.Severity,
		optionalText(rec.IP), optionalText(rec.UserAgent), optionalText(rec.RequestID),
		rec.PrevHash, rec.EntryHash, rec.At,
	); err != nil {
		return err
	}

	_, err := q.Exec(ctx, `UPDATE audit_sequences SET last_hash = $2 WHERE institution_id = $1`, rec.InstitutionID, rec.EntryHash)
	return err
}

const listPageSQL = `
SELECT id, institution_id, seq, actor_id, action, resource_type, resource_id,
	decision, reason, severity, ip, user_agent, request_id, prev_hash, entry_hash, at
FROM audit_records
WHERE institution_id = $1
	AND seq > $2
	AND ($3::uuid IS NULL OR actor_id = $3)
	AND ($4::text IS NULL OR action = $4)
	AND ($5::text IS NULL OR decision = $5)
	AND ($6::text IS NULL OR severity = $6)
	AND ($7::timestamptz IS NULL OR at >= $7)
	AND ($8::timestamptz IS NULL OR at <= $8)
ORDER BY seq
LIMIT $9`

// ListPage returns records after the given sequence number in ascending
// order.
func (s *PGStore) ListPage(ctx context.Context, institutionID uuid.UUID, f Filter, afterSeq int64, limit int) ([]Record, error) {
	q := db.QuerierFrom(ctx, s.pool)
	actor := pgtype.UUID{Bytes: f.ActorID, Valid: f.ActorID != uuid.Nil}
	rows, err := q.Query(ctx, listPageSQL,
		institutionID, afterSeq, actor,
		optionalText(f.Action), optionalText(f.Decision), optionalText(f.Severity),
		toPgTime(f.From), toPgTime(f.To), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// LastSeq returns the highest assigned sequence number for an institution,
// zero when no records exist.
func (s *PGStore) LastSeq(ctx context.Context, institutionID uuid.UUID) (int64, error) {
	q := db.QuerierFrom(ctx, s.pool)
	var seq int64
	err := q.QueryRow(ctx, `SELECT last_seq FROM audit_sequences WHERE institution_id = $1`, institutionID).Scan(&seq)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func scanRecord(rows pgx.Rows) (Record, error) {
	var rec Record
	var actor pgtype.UUID
	var ip, ua, reqID pgtype.Text
	if err := rows.Scan(
		&rec.ID, &rec.InstitutionID, &rec.Seq, &actor, &rec.Action, &rec.ResourceType, &rec.ResourceID,
		&rec.Decision, &rec.Reason, &rec.Severity, &ip, &ua, &reqID,
		&rec.PrevHash, &rec.EntryHash, &rec.At,
	); err != nil {
		return Record{}, err
	}
	if actor.Valid {
		rec.ActorID = uuid.UUID(actor.Bytes)
	}
	rec.IP = ip.String
	rec.UserAgent = ua.String
	rec.RequestID = reqID.String
	return rec, nil
}

func optionalText(value string) pgtype.Text {
	if value == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: value, Valid: true}
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

var _ Store = (*PGStore)(nil)
