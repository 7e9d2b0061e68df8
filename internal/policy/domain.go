// Package policy evaluates permission grants into allow or deny decisions.
package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/principal"
)

// Action names an operation in "resource:verb" form, e.g. "grade:submit".
type Action string

// ResourceRef identifies the target of an action. ID is optional; Type and
// InstitutionID drive matching and tenant checks.
type ResourceRef struct {
	Type          string
	ID            string
	InstitutionID uuid.UUID
}

// Effect is the outcome a grant encodes.
type Effect string

// Grant effects.
const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Grant binds a role to an action on a resource type. Institution-scoped
// grants carry the institution they apply to; global grants apply
// everywhere and have a nil InstitutionID.
type Grant struct {
	ID            uuid.UUID
	InstitutionID uuid.UUID
	Role          principal.Role
	Action        Action
	ResourceType  string
	Effect        Effect
	CreatedAt     time.Time
}

// Scoped reports whether the grant is bound to one institution.
func (g Grant) Scoped() bool {
	return g.InstitutionID != uuid.Nil
}

// Decision is the evaluated outcome of one authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}
