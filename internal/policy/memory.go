package policy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store in process, for tests and local
// development.
type MemoryStore struct {
	mu     sync.Mutex
	grants []Grant
}

// NewMemoryStore constructs a MemoryStore seeded with the given grants.
func NewMemoryStore(grants ...Grant) *MemoryStore {
	s := &MemoryStore{}
	s.grants = append(s.grants, grants...)
	return s
}

func (s *MemoryStore) LoadGrants(ctx context.Context) ([]Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Grant, len(s.grants))
	copy(out, s.grants)
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	for i, existing := range s.grants {
		if existing.InstitutionID == g.InstitutionID && existing.Role == g.Role &&
			existing.ResourceType == g.ResourceType && existing.Action == g.Action {
			s.grants[i].Effect = g.Effect
			return nil
		}
	}
	s.grants = append(s.grants, g)
	return nil
}

func (s *MemoryStore) ListScoped(ctx context.Context, institutionID uuid.UUID) ([]Grant, error) {
	return s.filter(func(g Grant) bool { return g.InstitutionID == institutionID && institutionID != uuid.Nil }), nil
}

func (s *MemoryStore) ListGlobal(ctx context.Context) ([]Grant, error) {
	return s.filter(func(g Grant) bool { return g.InstitutionID == uuid.Nil }), nil
}

func (s *MemoryStore) filter(keep func(Grant) bool) []Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Grant
	for _, g := range s.grants {
		if keep(g) {
			out = append(out, g)
		}
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
