package principal

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/shared"
)

// MemoryRepository implements Repository in process, for tests and local
// development. Institution activity is tracked alongside so GetForResolve
// behaves like the joined read.
type MemoryRepository struct {
	mu           sync.Mutex
	accounts     map[uuid.UUID]Account
	institutions map[uuid.UUID]bool
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[uuid.UUID]Account),
		institutions: make(map[uuid.UUID]bool),
	}
}

// SetInstitutionActive registers an institution and its active flag.
func (r *MemoryRepository) SetInstitutionActive(id uuid.UUID, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.institutions[id] = active
}

func (r *MemoryRepository) Create(ctx context.Context, a Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[a.ID]; exists {
		return shared.ErrConflict
	}
	for _, other := range r.accounts {
		if strings.EqualFold(other.Email, a.Email) {
			return shared.ErrConflict
		}
	}
	r.accounts[a.ID] = a
	if _, known := r.institutions[a.InstitutionID]; !known {
		r.institutions[a.InstitutionID] = true
	}
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id uuid.UUID) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, shared.ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepository) GetForResolve(ctx context.Context, id uuid.UUID) (Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, false, shared.ErrNotFound
	}
	return a, r.institutions[a.InstitutionID], nil
}

func (r *MemoryRepository) FindByEmail(ctx context.Context, email string) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if strings.EqualFold(a.Email, email) {
			return a, nil
		}
	}
	return Account{}, shared.ErrNotFound
}

func (r *MemoryRepository) List(ctx context.Context, institutionID uuid.UUID) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Account
	for _, a := range r.accounts {
		if a.InstitutionID == institutionID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (r *MemoryRepository) ListAll(ctx context.Context) ([]Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (r *MemoryRepository) UpdateRole(ctx context.Context, id uuid.UUID, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return shared.ErrNotFound
	}
	a.Role = role
	r.accounts[id] = a
	return nil
}

func (r *MemoryRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return shared.ErrNotFound
	}
	a.Active = active
	r.accounts[id] = a
	return nil
}

func (r *MemoryRepository) CountActive(ctx context.Context, institutionID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, a := range r.accounts {
		if a.InstitutionID == institutionID && a.Active {
			count++
		}
	}
	return count, nil
}

var _ Repository = (*MemoryRepository)(nil)
