package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/observability"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/shared"
)

// GrantSource loads the full grant set for snapshot builds.
type GrantSource interface {
	LoadGrants(ctx context.Context) ([]Grant, error)
}

// Engine evaluates authorization decisions against the in-memory grant
// snapshot. The hot path is a single atomic load plus map lookups; no
// database read happens per request. Every Authorize call writes exactly
// one audit record before returning.
type Engine struct {
	source   GrantSource
	recorder *audit.Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
	snap     atomic.Pointer[snapshot]
	reload   singleflight.Group
	clock    func() time.Time
}

// NewEngine constructs an Engine. Call Load before serving.
func NewEngine(source GrantSource, recorder *audit.Recorder, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source:   source,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Load reads all grants and swaps in a fresh snapshot.
func (e *Engine) Load(ctx context.Context) error {
	grants, err := e.source.LoadGrants(ctx)
	if err != nil {
		return fmt.Errorf("policy: load grants: %w", err)
	}
	snap := buildSnapshot(grants, e.clock())
	e.snap.Store(snap)
	e.logger.Info("policy snapshot loaded", slog.Int("grants", snap.count))
	return nil
}

// Reload rebuilds the snapshot. Concurrent reload requests collapse into a
// single load.
func (e *Engine) Reload(ctx context.Context) error {
	_, err, _ := e.reload.Do("reload", func() (any, error) {
		return nil, e.Load(ctx)
	})
	return err
}

// Authorize decides whether the principal may perform action on the
// referenced resource.
//
// Order of evaluation: the tenant boundary first (super-admin excepted),
// then explicit denies with the institution scope beating the global one,
// then allows, then default deny. Super-admin bypasses only the tenant
// boundary; explicit denies and the default deny apply to it unchanged.
//
// The decision is audited before control returns; if the audit write fails
// the call fails with shared.ErrAuditUnavailable no matter what was
// decided.
func (e *Engine) Authorize(ctx context.Context, p principal.Principal, action Action, ref ResourceRef) (Decision, error) {
	if ref.InstitutionID != uuid.Nil && ref.InstitutionID != p.InstitutionID && !p.IsSuperAdmin() {
		e.logger.Error("cross-tenant access blocked",
			slog.String("principal", p.ID.String()),
			slog.String("principal_institution", p.InstitutionID.String()),
			slog.String("target_institution", ref.InstitutionID.String()),
			slog.String("action", string(action)),
		)
		e.metrics.ObserveCrossTenant()
		if err := e.record(ctx, p, action, ref, audit.DecisionDeny, shared.ReasonCrossTenant); err != nil {
			return Decision{}, err
		}
		e.metrics.ObserveDecision(audit.DecisionDeny, shared.ReasonCrossTenant)
		return Decision{Allowed: false, Reason: shared.ReasonCrossTenant}, shared.ErrCrossTenant
	}

	decision := e.evaluate(p, action, ref)
	if err := e.record(ctx, p, action, ref, decisionString(decision), decision.Reason); err != nil {
		return Decision{}, err
	}
	e.metrics.ObserveDecision(decisionString(decision), decision.Reason)
	if !decision.Allowed {
		return decision, fmt.Errorf("%w: %s", shared.ErrUnauthorized, decision.Reason)
	}
	return decision, nil
}

// evaluate runs the grant lookups against the current snapshot.
func (e *Engine) evaluate(p principal.Principal, action Action, ref ResourceRef) Decision {
	snap := e.snap.Load()
	if snap == nil {
		return Decision{Allowed: false, Reason: shared.ReasonNoMatchingGrant}
	}

	var scoped Effect
	var scopedOK bool
	if ref.InstitutionID != uuid.Nil {
		scoped, scopedOK = snap.effect(ref.InstitutionID, p.Role, ref.Type, action)
	}
	global, globalOK := snap.effect(uuid.Nil, p.Role, ref.Type, action)

	switch {
	case scopedOK && scoped == EffectDeny:
		return Decision{Allowed: false, Reason: shared.ReasonExplicitDeny}
	case globalOK && global == EffectDeny:
		return Decision{Allowed: false, Reason: shared.ReasonExplicitDeny}
	case scopedOK && scoped == EffectAllow, globalOK && global == EffectAllow:
		return Decision{Allowed: true, Reason: shared.ReasonGranted}
	}
	return Decision{Allowed: false, Reason: shared.ReasonNoMatchingGrant}
}

func (e *Engine) record(ctx context.Context, p principal.Principal, action Action, ref ResourceRef, decision, reason string) error {
	institutionID := ref.InstitutionID
	if institutionID == uuid.Nil {
		institutionID = p.InstitutionID
	}
	_, err := e.recorder.Record(ctx, audit.Entry{
		ActorID:       p.ID,
		InstitutionID: institutionID,
		Action:        string(action),
		ResourceType:  ref.Type,
		ResourceID:    ref.ID,
		Decision:      decision,
		Reason:        reason,
	})
	return err
}

func decisionString(d Decision) string {
	if d.Allowed {
		return audit.DecisionAllow
	}
	return audit.DecisionDeny
}
