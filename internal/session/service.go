package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/observability"
	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/shared"
)

// Config tunes session issuance.
type Config struct {
	TTL             time.Duration
	MaxPerPrincipal int
}

// Service owns the session lifecycle: issuance under the per-principal cap,
// revocation, the last-seen clock and the Redis fast path.
type Service struct {
	repo            Repository
	cache           *Cache
	recorder        *audit.Recorder
	tx              db.TxRunner
	metrics         *observability.Metrics
	logger          *slog.Logger
	ttl             time.Duration
	maxPerPrincipal int
	clock           func() time.Time
}

// NewService constructs a session service.
func NewService(repo Repository, cache *Cache, recorder *audit.Recorder, tx db.TxRunner, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 12 * time.Hour
	}
	if cfg.MaxPerPrincipal <= 0 {
		cfg.MaxPerPrincipal = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:            repo,
		cache:           cache,
		recorder:        recorder,
		tx:              tx,
		metrics:         metrics,
		logger:          logger,
		ttl:             cfg.TTL,
		maxPerPrincipal: cfg.MaxPerPrincipal,
		clock:           func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a session for the principal. When the principal is at the
// session cap, the least recently seen active session is revoked first and
// that eviction is audited; eviction, audit entry and insert commit or roll
// back together. The cap is never surfaced to the caller as an error.
func (s *Service) Issue(ctx context.Context, principalID, institutionID uuid.UUID, client shared.Client) (Session, error) {
	now := s.clock()
	sess := Session{
		ID:            NewToken(),
		PrincipalID:   principalID,
		InstitutionID: institutionID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.ttl),
		LastSeen:      now,
		Fingerprint:   client.Fingerprint,
		IP:            client.IP,
		UserAgent:     client.UserAgent,
	}

	var evicted []string
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		evicted = evicted[:0]
		active, err := s.repo.LockActiveByPrincipal(ctx, principalID, now)
		if err != nil {
			return err
		}
		for len(active) >= s.maxPerPrincipal {
			victim := active[0]
			active = active[1:]
			if err := s.repo.Revoke(ctx, victim.ID, shared.ReasonSessionEvicted, now); err != nil {
				return err
			}
			if _, err := s.recorder.Record(ctx, audit.Entry{
				ActorID:       principalID,
				InstitutionID: institutionID,
				Action:        "session:evict",
				ResourceType:  "session",
				ResourceID:    victim.ID,
				Decision:      audit.DecisionAllow,
				Reason:        shared.ReasonSessionEvicted,
			}); err != nil {
				return err
			}
			evicted = append(evicted, victim.ID)
		}
		return s.repo.Insert(ctx, sess)
	})
	if err != nil {
		return Session{}, err
	}

	for _, id := range evicted {
		s.metrics.ObserveSessionEviction()
		if err := s.cache.Delete(ctx, id); err != nil {
			s.logger.Warn("session cache delete failed", slog.String("session", id), slog.Any("error", err))
		}
	}
	if err := s.cache.Put(ctx, sess, now); err != nil {
		s.logger.Warn("session cache put failed", slog.Any("error", err))
	}
	return sess, nil
}

// Lookup resolves a token to its session. A Redis hit answers without
// touching PostgreSQL; anything else falls back to the repository and
// rewarms the cache. Inactive sessions read as not found.
func (s *Service) Lookup(ctx context.Context, id string) (Session, error) {
	now := s.clock()
	cached, err := s.cache.Get(ctx, id)
	if err == nil && now.Before(cached.ExpiresAt) {
		return cached, nil
	}
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		s.logger.Warn("session cache get failed", slog.Any("error", err))
	}

	sess, err := s.repo.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !sess.Active(now) {
		return Session{}, shared.ErrNotFound
	}
	if err := s.cache.Put(ctx, sess, now); err != nil {
		s.logger.Warn("session cache put failed", slog.Any("error", err))
	}
	return sess, nil
}

// IsActive reports whether the token maps to a live session.
func (s *Service) IsActive(ctx context.Context, sessionID string) bool {
	_, err := s.Lookup(ctx, sessionID)
	return err == nil
}

// Revoke ends a session and drops its fast-path entry.
func (s *Service) Revoke(ctx context.Context, sessionID, reason string) error {
	if err := s.repo.Revoke(ctx, sessionID, reason, s.clock()); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, sessionID); err != nil {
		s.logger.Warn("session cache delete failed", slog.String("session", sessionID), slog.Any("error", err))
	}
	return nil
}

// RevokeOwned revokes one of the principal's own sessions. A session owned
// by another principal reads as not found.
func (s *Service) RevokeOwned(ctx context.Context, principalID uuid.UUID, sessionID, reason string) error {
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.PrincipalID != principalID {
		return shared.ErrNotFound
	}
	return s.Revoke(ctx, sessionID, reason)
}

// Get returns a session regardless of liveness. Administrative callers use
// it to inspect ownership before revoking.
func (s *Service) Get(ctx context.Context, sessionID string) (Session, error) {
	return s.repo.Get(ctx, sessionID)
}

// Touch advances the session's last-seen clock. Last-seen never moves
// backwards, so out-of-order touches are safe.
func (s *Service) Touch(ctx context.Context, sessionID string, at time.Time) error {
	return s.repo.Touch(ctx, sessionID, at)
}

// ListActive returns the principal's live sessions, least recently seen
// first.
func (s *Service) ListActive(ctx context.Context, principalID uuid.UUID) ([]Session, error) {
	return s.repo.ActiveByPrincipal(ctx, principalID, s.clock())
}

// CleanupExpired deletes rows that expired or were revoked more than the
// retention window ago. Returns the number of rows removed.
func (s *Service) CleanupExpired(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.PurgeBefore(ctx, s.clock().Add(-retention))
}
