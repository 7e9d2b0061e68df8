package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/policy"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/session"
	"github.com/polyveda/polyveda/internal/shared"
)

// Accounts is the slice of the principal repository the login flow needs.
type Accounts interface {
	FindByEmail(ctx context.Context, email string) (principal.Account, error)
	GetForResolve(ctx context.Context, id uuid.UUID) (principal.Account, bool, error)
}

// Sessions is the slice of the session service the auth flows need.
type Sessions interface {
	Issue(ctx context.Context, principalID, institutionID uuid.UUID, client shared.Client) (session.Session, error)
	Get(ctx context.Context, sessionID string) (session.Session, error)
	Revoke(ctx context.Context, sessionID, reason string) error
	RevokeOwned(ctx context.Context, principalID uuid.UUID, sessionID, reason string) error
	ListActive(ctx context.Context, principalID uuid.UUID) ([]session.Session, error)
}

// Authorizer is the policy engine port used when an administrator revokes
// a session that is not their own.
type Authorizer interface {
	Authorize(ctx context.Context, p principal.Principal, action policy.Action, ref policy.ResourceRef) (policy.Decision, error)
}

// Service wraps authentication business rules: credential checks, the
// failed-login throttle and session lifecycle calls. Logins and
// revocations are audited; a successful login that cannot be audited is
// rolled back.
type Service struct {
	accounts Accounts
	sessions Sessions
	recorder *audit.Recorder
	throttle *Throttle
	authz    Authorizer
	logger   *slog.Logger
}

// NewService constructs a new Service.
func NewService(accounts Accounts, sessions Sessions, recorder *audit.Recorder, throttle *Throttle, authz Authorizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		accounts: accounts,
		sessions: sessions,
		recorder: recorder,
		throttle: throttle,
		authz:    authz,
		logger:   logger,
	}
}

// Login verifies credentials and issues a session. Failures count toward
// the per-email throttle; at the threshold the email is locked out for the
// lockout window and the lockout is audited at high severity. Both
// outcomes leave an audit record whenever the email maps to an account.
func (s *Service) Login(ctx context.Context, email, password string, client shared.Client) (session.Session, principal.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	acct, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		// Unknown emails still count toward the throttle so probing for
		// accounts costs the same as guessing passwords. There is no
		// institution to scope an audit record to yet.
		if _, terr := s.throttle.RecordFailure(ctx, email); terr != nil {
			s.logger.Warn("login throttle unavailable", slog.Any("error", terr))
		}
		return session.Session{}, principal.Account{}, shared.ErrInvalidCredentials
	}

	if s.throttle.Locked(ctx, email) {
		s.recordLogin(ctx, acct, audit.DecisionDeny, shared.ReasonLoginLocked)
		return session.Session{}, principal.Account{}, shared.ErrLoginLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		locked, terr := s.throttle.RecordFailure(ctx, email)
		if terr != nil {
			s.logger.Warn("login throttle unavailable", slog.Any("error", terr))
		}
		if locked {
			s.recordLogin(ctx, acct, audit.DecisionDeny, shared.ReasonLoginLocked)
			return session.Session{}, principal.Account{}, shared.ErrLoginLocked
		}
		s.recordLogin(ctx, acct, audit.DecisionDeny, shared.ReasonInvalidCredentials)
		return session.Session{}, principal.Account{}, shared.ErrInvalidCredentials
	}

	// The account and institution flags are read fresh so a deactivation
	// between credential setup and now cannot mint a session.
	fresh, institutionActive, err := s.accounts.GetForResolve(ctx, acct.ID)
	if err != nil || !fresh.Active || !institutionActive {
		s.recordLogin(ctx, acct, audit.DecisionDeny, shared.ReasonInvalidCredentials)
		return session.Session{}, principal.Account{}, shared.ErrInvalidCredentials
	}

	if err := s.throttle.Reset(ctx, email); err != nil {
		s.logger.Warn("login throttle reset failed", slog.Any("error", err))
	}

	sess, err := s.sessions.Issue(ctx, fresh.ID, fresh.InstitutionID, client)
	if err != nil {
		return session.Session{}, principal.Account{}, err
	}
	if _, err := s.recorder.Record(ctx, audit.Entry{
		ActorID:       fresh.ID,
		InstitutionID: fresh.InstitutionID,
		Action:        "principal:login",
		ResourceType:  "principal",
		ResourceID:    fresh.ID.String(),
		Decision:      audit.DecisionAllow,
		Reason:        shared.ReasonLogin,
	}); err != nil {
		// No trace, no session.
		if rerr := s.sessions.Revoke(ctx, sess.ID, shared.ReasonLogout); rerr != nil {
			s.logger.Error("rollback of unaudited login failed", slog.String("session", sess.ID), slog.Any("error", rerr))
		}
		return session.Session{}, principal.Account{}, err
	}
	return sess, fresh, nil
}

// Logout revokes the principal's current session.
func (s *Service) Logout(ctx context.Context, p principal.Principal) error {
	if err := s.sessions.Revoke(ctx, p.SessionID, shared.ReasonLogout); err != nil {
		return err
	}
	_, err := s.recorder.Record(ctx, audit.Entry{
		ActorID:       p.ID,
		InstitutionID: p.InstitutionID,
		Action:        "session:revoke",
		ResourceType:  "session",
		ResourceID:    p.SessionID,
		Decision:      audit.DecisionAllow,
		Reason:        shared.ReasonLogout,
	})
	return err
}

// ListSessions returns the principal's active sessions, least recently
// seen first.
func (s *Service) ListSessions(ctx context.Context, p principal.Principal) ([]session.Session, error) {
	return s.sessions.ListActive(ctx, p.ID)
}

// RevokeSession revokes one session by id. Principals revoke their own
// sessions freely; anyone else's goes through the policy engine, which
// also enforces the institution boundary and audits the decision.
func (s *Service) RevokeSession(ctx context.Context, actor principal.Principal, sessionID string) error {
	err := s.sessions.RevokeOwned(ctx, actor.ID, sessionID, shared.ReasonRevokedByUser)
	if err == nil {
		_, aerr := s.recorder.Record(ctx, audit.Entry{
			ActorID:       actor.ID,
			InstitutionID: actor.InstitutionID,
			Action:        "session:revoke",
			ResourceType:  "session",
			ResourceID:    sessionID,
			Decision:      audit.DecisionAllow,
			Reason:        shared.ReasonRevokedByUser,
		})
		return aerr
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return err
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	ref := policy.ResourceRef{Type: "session", ID: sessionID, InstitutionID: sess.InstitutionID}
	if _, err := s.authz.Authorize(ctx, actor, "session:revoke", ref); err != nil {
		return err
	}
	return s.sessions.Revoke(ctx, sessionID, shared.ReasonRevokedByUser)
}

// recordLogin writes the audit trace for a login attempt. Deny traces are
// written by the recorder on a detached context, so they survive even when
// the client hangs up mid-attempt.
func (s *Service) recordLogin(ctx context.Context, acct principal.Account, decision, reason string) {
	if _, err := s.recorder.Record(ctx, audit.Entry{
		ActorID:       acct.ID,
		InstitutionID: acct.InstitutionID,
		Action:        "principal:login",
		ResourceType:  "principal",
		ResourceID:    acct.ID.String(),
		Decision:      decision,
		Reason:        reason,
	}); err != nil {
		s.logger.Error("login audit failed", slog.String("email", acct.Email), slog.Any("error", err))
	}
}
