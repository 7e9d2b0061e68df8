package principal

import (
	"context"
	"log/slog"
	"time"

	"github.com/polyveda/polyveda/internal/session"
	"github.com/polyveda/polyveda/internal/shared"
)

// SessionStore is the slice of the session service the resolver needs.
type SessionStore interface {
	Lookup(ctx context.Context, token string) (session.Session, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
}

// Resolver turns opaque session tokens into principals. Every failure mode
// collapses to shared.ErrUnauthenticated; callers learn nothing about why a
// token did not resolve.
type Resolver struct {
	sessions SessionStore
	repo     Repository
	logger   *slog.Logger
	clock    func() time.Time
}

// NewResolver constructs a Resolver.
func NewResolver(sessions SessionStore, repo Repository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		sessions: sessions,
		repo:     repo,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Resolve authenticates a token. The session may come from the Redis fast
// path, but the principal row is always read fresh together with its
// institution's active flag, so role changes and deactivations bite on the
// next request. On success the session's last-seen clock is advanced;
// that write is advisory and never fails the resolution. Resolving the
// same valid token twice yields the same principal.
func (r *Resolver) Resolve(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, shared.ErrUnauthenticated
	}
	sess, err := r.sessions.Lookup(ctx, token)
	if err != nil {
		return Principal{}, shared.ErrUnauthenticated
	}

	acct, institutionActive, err := r.repo.GetForResolve(ctx, sess.PrincipalID)
	if err != nil {
		return Principal{}, shared.ErrUnauthenticated
	}
	if !acct.Active || !institutionActive {
		return Principal{}, shared.ErrUnauthenticated
	}
	if !acct.Role.Valid() {
		r.logger.Error("stored role is invalid", slog.String("principal", acct.ID.String()), slog.String("role", string(acct.Role)))
		return Principal{}, shared.ErrUnauthenticated
	}

	if err := r.sessions.Touch(ctx, sess.ID, r.clock()); err != nil {
		r.logger.Debug("session touch failed", slog.Any("error", err))
	}

	return Principal{
		ID:            acct.ID,
		InstitutionID: acct.InstitutionID,
		Role:          acct.Role,
		SessionID:     sess.ID,
	}, nil
}
