// Package principal resolves session tokens into authenticated principals
// and manages principal accounts within an institution.
package principal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/shared"
)

// Role is the single role a principal holds.
type Role string

// Roles in ascending order of privilege.
const (
	RoleStudent          Role = "student"
	RoleFaculty          Role = "faculty"
	RoleDepartmentAdmin  Role = "department-admin"
	RoleInstitutionAdmin Role = "institution-admin"
	RoleSuperAdmin       Role = "super-admin"
)

// ParseRole validates a stored or submitted role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleStudent, RoleFaculty, RoleDepartmentAdmin, RoleInstitutionAdmin, RoleSuperAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: unknown role %q", shared.ErrInvalid, s)
}

// Valid reports whether the role is one of the defined roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Principal is an authenticated identity attached to a request. SessionID
// is the opaque token of the session that authenticated it.
type Principal struct {
	ID            uuid.UUID
	InstitutionID uuid.UUID
	Role          Role
	SessionID     string
}

// IsSuperAdmin reports whether the principal holds the platform operator
// role. Super admins cross institution boundaries; nothing else does.
func (p Principal) IsSuperAdmin() bool {
	return p.Role == RoleSuperAdmin
}

// Account is the stored form of a principal.
type Account struct {
	ID            uuid.UUID
	InstitutionID uuid.UUID
	Email         string
	Name          string
	Role          Role
	PasswordHash  string
	Active        bool
	CreatedAt     time.Time
}

type principalContextKey struct{}

// ContextWithPrincipal attaches a resolved principal to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// FromContext returns the principal attached to the context, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
