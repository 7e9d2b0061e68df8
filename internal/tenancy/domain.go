// Package tenancy owns institutions and the tenant boundary. The Guard is
// the single enforcement point that binds every data access to an
// institution; repositories receive the bound scope and never decide
// tenancy on their own.
package tenancy

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/polyveda/polyveda/internal/shared"
)

// Tier is the subscription level of an institution.
type Tier string

const (
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
	TierCustom       Tier = "custom"
)

// ParseTier validates a tier string.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	switch t {
	case TierBasic, TierProfessional, TierEnterprise, TierCustom:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown tier %q", shared.ErrInvalid, s)
}

// Valid reports whether the tier is one of the enumerated values.
func (t Tier) Valid() bool {
	_, err := ParseTier(string(t))
	return err == nil
}

// Institution is a tenant. Deactivation is soft; rows are never deleted so
// the audit trail keeps its owner.
type Institution struct {
	ID            uuid.UUID
	Slug          string
	Name          string
	Tier          Tier
	MaxUsers      int
	MaxStorageGB  int
	Active        bool
	CreatedAt     time.Time
	DeactivatedAt *time.Time
}

// NormalizeSlug canonicalizes a slug: NFC normalization, lowercase,
// surrounding whitespace stripped. NFC makes composed and decomposed
// spellings of the same name collide on the unique index instead of
// coexisting. The result must be 3 to 63 runes of letters, digits and
// interior hyphens.
func NormalizeSlug(s string) (string, error) {
	slug := strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
	if n := utf8.RuneCountInString(slug); n < 3 || n > 63 {
		return "", fmt.Errorf("%w: slug %q must be 3-63 characters", shared.ErrInvalid, slug)
	}
	if strings.HasPrefix(slug, "-") || strings.HasSuffix(slug, "-") {
		return "", fmt.Errorf("%w: slug %q may not begin or end with a hyphen", shared.ErrInvalid, slug)
	}
	for _, r := range slug {
		if r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		return "", fmt.Errorf("%w: slug %q may contain only letters, digits and hyphens", shared.ErrInvalid, slug)
	}
	return slug, nil
}
