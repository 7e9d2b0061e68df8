package tenancy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/shared"
)

// MemoryRepository is an in-memory Repository for tests.
type MemoryRepository struct {
	mu           sync.Mutex
	institutions map[uuid.UUID]Institution
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{institutions: make(map[uuid.UUID]Institution)}
}

func (r *MemoryRepository) Create(_ context.Context, inst Institution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.institutions[inst.ID]; ok {
		return shared.ErrConflict
	}
	for _, existing := range r.institutions {
		if strings.EqualFold(existing.Slug, inst.Slug) {
			return shared.ErrConflict
		}
	}
	r.institutions[inst.ID] = inst
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (Institution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.institutions[id]
	if !ok {
		return Institution{}, shared.ErrNotFound
	}
	return inst, nil
}

func (r *MemoryRepository) GetBySlug(_ context.Context, slug string) (Institution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.institutions {
		if inst.Slug == slug {
			return inst, nil
		}
	}
	return Institution{}, shared.ErrNotFound
}

func (r *MemoryRepository) List(_ context.Context) ([]Institution, error) {
	return r.snapshot(func(Institution) bool { return true }), nil
}

func (r *MemoryRepository) ListActive(_ context.Context) ([]Institution, error) {
	return r.snapshot(func(inst Institution) bool { return inst.Active }), nil
}

func (r *MemoryRepository) snapshot(keep func(Institution) bool) []Institution {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Institution
	for _, inst := range r.institutions {
		if keep(inst) {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (r *MemoryRepository) Update(_ context.Context, inst Institution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.institutions[inst.ID]
	if !ok {
		return shared.ErrNotFound
	}
	current.Name = inst.Name
	current.Tier = inst.Tier
	current.MaxUsers = inst.MaxUsers
	current.MaxStorageGB = inst.MaxStorageGB
	r.institutions[inst.ID] = current
	return nil
}

func (r *MemoryRepository) Deactivate(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.institutions[id]
	if !ok {
		return shared.ErrNotFound
	}
	if !inst.Active {
		return nil
	}
	inst.Active = false
	inst.DeactivatedAt = &at
	r.institutions[id] = inst
	return nil
}

func (r *MemoryRepository) Reactivate(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.institutions[id]
	if !ok {
		return shared.ErrNotFound
	}
	if inst.Active {
		return nil
	}
	inst.Active = true
	inst.DeactivatedAt = nil
	r.institutions[id] = inst
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
