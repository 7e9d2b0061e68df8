package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/observability"
	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/shared"
)

// Store persists and reads audit records. Append assigns the institution
// sequence number and hash chain atomically; implementations must never
// expose update or delete.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	ListPage(ctx context.Context, institutionID uuid.UUID, f Filter, afterSeq int64, limit int) ([]Record, error)
	LastSeq(ctx context.Context, institutionID uuid.UUID) (int64, error)
}

// RecorderConfig bounds the retry behaviour for audit writes.
type RecorderConfig struct {
	Attempts int
	Backoff  time.Duration
}

// Recorder is the single write path into the audit trail. It is fail-closed:
// when a record cannot be persisted the triggering operation must not
// proceed, and callers receive shared.ErrAuditUnavailable.
type Recorder struct {
	store    Store
	logger   *slog.Logger
	metrics  *observability.Metrics
	attempts int
	backoff  time.Duration
	clock    func() time.Time
}

// NewRecorder constructs a Recorder.
func NewRecorder(store Store, logger *slog.Logger, metrics *observability.Metrics, cfg RecorderConfig) *Recorder {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		attempts: cfg.Attempts,
		backoff:  cfg.Backoff,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Record persists one audit entry and returns its sequence number.
//
// Allow entries written inside a transaction boundary (db.WithQuerier)
// enlist in it, so an operation that rolls back takes its allow record and
// sequence increment with it. Deny entries always write through the pool on
// a detached, cancel-immune context: the trace of a rejected attempt must
// survive client disconnects and caller rollbacks.
func (r *Recorder) Record(ctx context.Context, e Entry) (int64, error) {
	if r == nil || r.store == nil {
		return 0, errors.New("audit: recorder not configured")
	}
	if e.InstitutionID == uuid.Nil {
		return 0, errors.New("audit: entry requires institution id")
	}
	if e.Action == "" || e.ResourceType == "" {
		return 0, errors.New("audit: entry requires action and resource type")
	}
	if e.Decision != DecisionAllow && e.Decision != DecisionDeny {
		return 0, fmt.Errorf("audit: invalid decision %q", e.Decision)
	}

	client := shared.ClientFromContext(ctx)
	rec := Record{
		ID:            uuid.New(),
		InstitutionID: e.InstitutionID,
		ActorID:       e.ActorID,
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		Decision:      e.Decision,
		Reason:        e.Reason,
		Severity:      e.Severity,
		IP:            client.IP,
		UserAgent:     client.UserAgent,
		RequestID:     client.RequestID,
		At:            e.At,
	}
	if rec.Severity == "" {
		rec.Severity = severityFor(rec.Decision, rec.Reason)
	}
	if rec.At.IsZero() {
		rec.At = r.clock()
	}
	// timestamptz keeps microseconds; hash the value that reads back.
	rec.At = rec.At.Truncate(time.Microsecond)

	joined := db.HasQuerier(ctx)
	if e.Decision == DecisionDeny {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(db.DetachQuerier(context.WithoutCancel(ctx)), 5*time.Second)
		defer cancel()
		joined = false
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = r.store.Append(ctx, &rec)
		if err == nil {
			return rec.Seq, nil
		}
		// A failed write inside the caller's transaction poisons it;
		// retrying there cannot succeed.
		if joined || attempt >= r.attempts || !retryable(err) {
			break
		}
		r.metrics.ObserveAuditRetry()
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(r.backoff << (attempt - 1)):
			continue
		}
		break
	}

	r.metrics.ObserveAuditFailure()
	r.logger.Error("audit append failed",
		slog.String("institution", e.InstitutionID.String()),
		slog.String("action", e.Action),
		slog.String("decision", e.Decision),
		slog.Any("error", err),
	)
	return 0, fmt.Errorf("%w: %v", shared.ErrAuditUnavailable, err)
}

// Stream returns a lazy ascending iterator over an institution's records.
func (r *Recorder) Stream(ctx context.Context, institutionID uuid.UUID, f Filter) *Iterator {
	return newIterator(r.store, institutionID, f)
}

// Query returns one page of records ordered by sequence number, starting
// after the given cursor.
func (r *Recorder) Query(ctx context.Context, institutionID uuid.UUID, f Filter, afterSeq int64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return r.store.ListPage(ctx, institutionID, f, afterSeq, limit)
}
