package principal

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/shared"
)

// QuotaChecker answers whether an institution can accept another principal.
// Implemented by the tenancy service; returns shared.ErrQuotaExceeded at
// the cap.
type QuotaChecker interface {
	CheckUserQuota(ctx context.Context, institutionID uuid.UUID) error
}

// Service owns principal account administration. Every mutation writes an
// audit record inside the same transaction; the mutation does not commit
// without its trace.
type Service struct {
	repo     Repository
	recorder *audit.Recorder
	quota    QuotaChecker
	tx       db.TxRunner
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService constructs a principal service.
func NewService(repo Repository, recorder *audit.Recorder, quota QuotaChecker, tx db.TxRunner, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		recorder: recorder,
		quota:    quota,
		tx:       tx,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput carries a new account request.
type CreateInput struct {
	InstitutionID uuid.UUID
	Email         string
	Name          string
	Role          string
	Password      string
}

// Create provisions an account inside the actor's authorization scope. The
// institution's max_users quota is checked inside the creating transaction;
// a quota rejection is audited as a deny and surfaces
// shared.ErrQuotaExceeded.
func (s *Service) Create(ctx context.Context, actor Principal, in CreateInput) (Account, error) {
	role, err := ParseRole(in.Role)
	if err != nil {
		return Account{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, fmt.Errorf("principal: hash password: %w", err)
	}

	account := Account{
		ID:            uuid.New(),
		InstitutionID: in.InstitutionID,
		Email:         strings.ToLower(strings.TrimSpace(in.Email)),
		Name:          strings.TrimSpace(in.Name),
		Role:          role,
		PasswordHash:  string(hash),
		Active:        true,
		CreatedAt:     s.clock(),
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.quota.CheckUserQuota(ctx, in.InstitutionID); err != nil {
			s.recordDeny(ctx, actor, in.InstitutionID, "principal:create", account.ID.String(), shared.ReasonQuotaUsers)
			return err
		}
		if err := s.repo.Create(ctx, account); err != nil {
			return err
		}
		_, err := s.recorder.Record(ctx, audit.Entry{
			ActorID:       actor.ID,
			InstitutionID: in.InstitutionID,
			Action:        "principal:create",
			ResourceType:  "principal",
			ResourceID:    account.ID.String(),
			Decision:      audit.DecisionAllow,
			Reason:        shared.ReasonGranted,
		})
		return err
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// ChangeRole moves an account to a new role. The transition is written to
// the log; the audit record carries the role-changed reason at high
// severity.
func (s *Service) ChangeRole(ctx context.Context, actor Principal, id uuid.UUID, newRole string) (Account, error) {
	role, err := ParseRole(newRole)
	if err != nil {
		return Account{}, err
	}

	var updated Account
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateRole(ctx, id, role); err != nil {
			return err
		}
		if _, err := s.recorder.Record(ctx, audit.Entry{
			ActorID:       actor.ID,
			InstitutionID: current.InstitutionID,
			Action:        "principal:role-change",
			ResourceType:  "principal",
			ResourceID:    id.String(),
			Decision:      audit.DecisionAllow,
			Reason:        shared.ReasonRoleChanged,
		}); err != nil {
			return err
		}
		s.logger.Info("principal role changed",
			slog.String("principal", id.String()),
			slog.String("from", string(current.Role)),
			slog.String("to", string(role)),
			slog.String("actor", actor.ID.String()),
		)
		updated = current
		updated.Role = role
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return updated, nil
}

// Deactivate soft-disables an account. Existing sessions are not revoked:
// the resolver reads the principal row fresh on every request, so the
// account stops resolving immediately.
func (s *Service) Deactivate(ctx context.Context, actor Principal, id uuid.UUID) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.repo.SetActive(ctx, id, false); err != nil {
			return err
		}
		_, err = s.recorder.Record(ctx, audit.Entry{
			ActorID:       actor.ID,
			InstitutionID: current.InstitutionID,
			Action:        "principal:deactivate",
			ResourceType:  "principal",
			ResourceID:    id.String(),
			Decision:      audit.DecisionAllow,
			Reason:        shared.ReasonDeactivated,
		})
		return err
	})
}

// Get returns one account.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Account, error) {
	return s.repo.Get(ctx, id)
}

// List returns the institution's accounts.
func (s *Service) List(ctx context.Context, institutionID uuid.UUID) ([]Account, error) {
	return s.repo.List(ctx, institutionID)
}

// ListAll returns every account on the platform. Handlers gate this behind
// an all-institutions scope, which only super-admin can hold.
func (s *Service) ListAll(ctx context.Context) ([]Account, error) {
	return s.repo.ListAll(ctx)
}

// recordDeny writes a deny trace. The recorder detaches deny writes from
// the surrounding transaction, so the trace survives the rollback.
func (s *Service) recordDeny(ctx context.Context, actor Principal, institutionID uuid.UUID, action, resourceID, reason string) {
	if _, err := s.recorder.Record(ctx, audit.Entry{
		ActorID:       actor.ID,
		InstitutionID: institutionID,
		Action:        action,
		ResourceType:  "principal",
		ResourceID:    resourceID,
		Decision:      audit.DecisionDeny,
		Reason:        reason,
	}); err != nil {
		s.logger.Error("deny audit failed", slog.String("action", action), slog.Any("error", err))
	}
}
