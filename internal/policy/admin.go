package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/shared"
)

// Admin mutates the grant table. Every mutation commits with its audit
// record, then reloads the local snapshot and bumps the cross-process
// watcher.
type Admin struct {
	store    Store
	engine   *Engine
	watcher  *Watcher
	recorder *audit.Recorder
	tx       db.TxRunner
	logger   *slog.Logger
	clock    func() time.Time
}

// NewAdmin constructs the grant administration service.
func NewAdmin(store Store, engine *Engine, watcher *Watcher, recorder *audit.Recorder, tx db.TxRunner, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{
		store:    store,
		engine:   engine,
		watcher:  watcher,
		recorder: recorder,
		tx:       tx,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// GrantSet is the effective grant view for one institution.
type GrantSet struct {
	Scoped []Grant
	Global []Grant
}

// PutGrant creates the grant or replaces the effect of the existing one
// with the same key.
func (a *Admin) PutGrant(ctx context.Context, actor principal.Principal, g Grant) (Grant, error) {
	if !g.Role.Valid() {
		return Grant{}, fmt.Errorf("%w: unknown role %q", shared.ErrInvalid, g.Role)
	}
	if g.Effect != EffectAllow && g.Effect != EffectDeny {
		return Grant{}, fmt.Errorf("%w: invalid effect %q", shared.ErrInvalid, g.Effect)
	}
	if g.ResourceType == "" || g.Action == "" {
		return Grant{}, fmt.Errorf("%w: resource type and action are required", shared.ErrInvalid)
	}
	g.ID = uuid.New()
	g.CreatedAt = a.clock()

	recordInstitution := g.InstitutionID
	if recordInstitution == uuid.Nil {
		recordInstitution = actor.InstitutionID
	}
	err := a.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := a.store.Upsert(ctx, g); err != nil {
			return err
		}
		_, err := a.recorder.Record(ctx, audit.Entry{
			ActorID:       actor.ID,
			InstitutionID: recordInstitution,
			Action:        "grant:write",
			ResourceType:  "grant",
			ResourceID:    grantResourceID(g),
			Decision:      audit.DecisionAllow,
			Reason:        shared.ReasonGranted,
		})
		return err
	})
	if err != nil {
		return Grant{}, err
	}

	if err := a.engine.Reload(ctx); err != nil {
		a.logger.Error("policy reload after mutation failed", slog.Any("error", err))
	}
	if err := a.watcher.Bump(ctx); err != nil {
		a.logger.Warn("policy bump failed", slog.Any("error", err))
	}
	return g, nil
}

// ListGrants returns the institution's scoped grants plus the global
// defaults that back them.
func (a *Admin) ListGrants(ctx context.Context, institutionID uuid.UUID) (GrantSet, error) {
	scoped, err := a.store.ListScoped(ctx, institutionID)
	if err != nil {
		return GrantSet{}, err
	}
	global, err := a.store.ListGlobal(ctx)
	if err != nil {
		return GrantSet{}, err
	}
	return GrantSet{Scoped: scoped, Global: global}, nil
}

func grantResourceID(g Grant) string {
	scope := "global"
	if g.InstitutionID != uuid.Nil {
		scope = g.InstitutionID.String()
	}
	return scope + "/" + string(g.Role) + "/" + g.ResourceType + "/" + string(g.Action)
}
