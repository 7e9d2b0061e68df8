package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/principal"
)

type grantKey struct {
	institutionID uuid.UUID
	role          principal.Role
	resourceType  string
	action        Action
}

// snapshot is an immutable grant table. The engine swaps whole snapshots
// atomically; readers never see a partial reload.
type snapshot struct {
	effects  map[grantKey]Effect
	count    int
	loadedAt time.Time
}

// buildSnapshot normalizes grants into a lookup table. When the source
// holds conflicting effects for the same key, deny wins.
func buildSnapshot(grants []Grant, at time.Time) *snapshot {
	effects := make(map[grantKey]Effect, len(grants))
	for _, g := range grants {
		key := grantKey{
			institutionID: g.InstitutionID,
			role:          g.Role,
			resourceType:  g.ResourceType,
			action:        g.Action,
		}
		if existing, ok := effects[key]; ok && existing == EffectDeny {
			continue
		}
		effects[key] = g.Effect
	}
	return &snapshot{
		effects:  effects,
		count:    len(effects),
		loadedAt: at,
	}
}

// effect looks up the grant effect for one scope. institutionID uuid.Nil
// addresses the global defaults.
func (s *snapshot) effect(institutionID uuid.UUID, role principal.Role, resourceType string, action Action) (Effect, bool) {
	e, ok := s.effects[grantKey{
		institutionID: institutionID,
		role:          role,
		resourceType:  resourceType,
		action:        action,
	}]
	return e, ok
}
