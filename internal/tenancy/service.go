package tenancy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/observability"
	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/shared"
)

// PrincipalCounter reports active principal counts per institution.
// Implemented by the principal repository.
type PrincipalCounter interface {
	CountActive(ctx context.Context, institutionID uuid.UUID) (int, error)
}

// Service owns institution lifecycle. Every mutation writes an audit record
// in the same transaction as the change.
type Service struct {
	repo     Repository
	counter  PrincipalCounter
	recorder *audit.Recorder
	tx       db.TxRunner
	metrics  *observability.Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

// NewService constructs an institution service.
func NewService(repo Repository, counter PrincipalCounter, recorder *audit.Recorder, tx db.TxRunner, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		counter:  counter,
		recorder: recorder,
		tx:       tx,
		metrics:  metrics,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateInput carries a new institution request. MaxUsers and MaxStorageGB
// of zero mean unmetered.
type CreateInput struct {
	Slug         string
	Name         string
	Tier         string
	MaxUsers     int
	MaxStorageGB int
}

// Create provisions an institution. The slug is canonicalized before the
// uniqueness check; the creating record opens the new institution's audit
// trail.
func (s *Service) Create(ctx context.Context, actor principal.Principal, in CreateInput) (Institution, error) {
	slug, err := NormalizeSlug(in.Slug)
	if err != nil {
		return Institution{}, err
	}
	tier, err := ParseTier(in.Tier)
	if err != nil {
		return Institution{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Institution{}, fmt.Errorf("%w: institution name is required", shared.ErrInvalid)
	}
	if in.MaxUsers < 0 || in.MaxStorageGB < 0 {
		return Institution{}, fmt.Errorf("%w: quotas must not be negative", shared.ErrInvalid)
	}

	inst := Institution{
		ID:           uuid.New(),
		Slug:         slug,
		Name:         name,
		Tier:         tier,
		MaxUsers:     in.MaxUsers,
		MaxStorageGB: in.MaxStorageGB,
		Active:       true,
		CreatedAt:    s.clock(),
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, inst); err != nil {
			return err
		}
		return s.record(ctx, actor, inst.ID, "institution:create", shared.ReasonGranted)
	})
	if err != nil {
		return Institution{}, err
	}
	return inst, nil
}

// UpdateInput carries a partial update; nil fields keep their value.
type UpdateInput struct {
	Name         *string
	Tier         *string
	MaxUsers     *int
	MaxStorageGB *int
}

// Update applies name, tier and quota changes.
func (s *Service) Update(ctx context.Context, actor principal.Principal, id uuid.UUID, in UpdateInput) (Institution, error) {
	var updated Institution
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		inst, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return fmt.Errorf("%w: institution name is required", shared.ErrInvalid)
			}
			inst.Name = name
		}
		if in.Tier != nil {
			tier, err := ParseTier(*in.Tier)
			if err != nil {
				return err
			}
			inst.Tier = tier
		}
		if in.MaxUsers != nil {
			if *in.MaxUsers < 0 {
				return fmt.Errorf("%w: quotas must not be negative", shared.ErrInvalid)
			}
			inst.MaxUsers = *in.MaxUsers
		}
		if in.MaxStorageGB != nil {
			if *in.MaxStorageGB < 0 {
				return fmt.Errorf("%w: quotas must not be negative", shared.ErrInvalid)
			}
			inst.MaxStorageGB = *in.MaxStorageGB
		}
		if err := s.repo.Update(ctx, inst); err != nil {
			return err
		}
		updated = inst
		return s.record(ctx, actor, id, "institution:update", shared.ReasonGranted)
	})
	if err != nil {
		return Institution{}, err
	}
	return updated, nil
}

// Deactivate soft-disables an institution. Its principals stop resolving
// on their next request; nothing is deleted. Repeated calls are no-ops.
func (s *Service) Deactivate(ctx context.Context, actor principal.Principal, id uuid.UUID) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		inst, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !inst.Active {
			return nil
		}
		if err := s.repo.Deactivate(ctx, id, s.clock()); err != nil {
			return err
		}
		return s.record(ctx, actor, id, "institution:deactivate", shared.ReasonDeactivated)
	})
}

// Reactivate re-enables a deactivated institution.
func (s *Service) Reactivate(ctx context.Context, actor principal.Principal, id uuid.UUID) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		inst, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if inst.Active {
			return nil
		}
		if err := s.repo.Reactivate(ctx, id); err != nil {
			return err
		}
		return s.record(ctx, actor, id, "institution:reactivate", shared.ReasonReactivated)
	})
}

// Get returns one institution.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Institution, error) {
	return s.repo.Get(ctx, id)
}

// GetBySlug returns one institution by its slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (Institution, error) {
	normalized, err := NormalizeSlug(slug)
	if err != nil {
		return Institution{}, err
	}
	return s.repo.GetBySlug(ctx, normalized)
}

// List returns all institutions.
func (s *Service) List(ctx context.Context) ([]Institution, error) {
	return s.repo.List(ctx)
}

// ListActive returns institutions accepting traffic.
func (s *Service) ListActive(ctx context.Context) ([]Institution, error) {
	return s.repo.ListActive(ctx)
}

// CheckUserQuota reports whether the institution can accept another active
// principal. A MaxUsers of zero is unmetered. Runs inside the caller's
// transaction so the count and the insert see the same snapshot.
func (s *Service) CheckUserQuota(ctx context.Context, institutionID uuid.UUID) error {
	inst, err := s.repo.Get(ctx, institutionID)
	if err != nil {
		return err
	}
	if !inst.Active {
		return fmt.Errorf("institution %s is deactivated", inst.Slug)
	}
	if inst.MaxUsers <= 0 {
		return nil
	}
	count, err := s.counter.CountActive(ctx, institutionID)
	if err != nil {
		return err
	}
	s.metrics.SetQuotaUsage(inst.ID.String(), float64(count)/float64(inst.MaxUsers))
	if count >= inst.MaxUsers {
		return fmt.Errorf("%w: institution %s at %d/%d users", shared.ErrQuotaExceeded, inst.Slug, count, inst.MaxUsers)
	}
	return nil
}

// Usage returns the active principal count next to the configured cap, for
// the quota monitor.
func (s *Service) Usage(ctx context.Context, institutionID uuid.UUID) (used, max int, err error) {
	inst, err := s.repo.Get(ctx, institutionID)
	if err != nil {
		return 0, 0, err
	}
	count, err := s.counter.CountActive(ctx, institutionID)
	if err != nil {
		return 0, 0, err
	}
	return count, inst.MaxUsers, nil
}

func (s *Service) record(ctx context.Context, actor principal.Principal, institutionID uuid.UUID, action, reason string) error {
	_, err := s.recorder.Record(ctx, audit.Entry{
		ActorID:       actor.ID,
		InstitutionID: institutionID,
		Action:        action,
		ResourceType:  "institution",
		ResourceID:    institutionID.String(),
		Decision:      audit.DecisionAllow,
		Reason:        reason,
	})
	return err
}

var _ principal.QuotaChecker = (*Service)(nil)
