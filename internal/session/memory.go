package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/shared"
)

// MemoryRepository implements Repository in process, for tests and local
// development.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]Session)}
}

func (r *MemoryRepository) Insert(ctx context.Context, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return shared.ErrConflict
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, shared.ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) ActiveByPrincipal(ctx context.Context, principalID uuid.UUID, now time.Time) ([]Session, error) {
	return r.active(principalID, now, false), nil
}

func (r *MemoryRepository) LockActiveByPrincipal(ctx context.Context, principalID uuid.UUID, now time.Time) ([]Session, error) {
	return r.active(principalID, now, true), nil
}

func (r *MemoryRepository) active(principalID uuid.UUID, now time.Time, _ bool) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.PrincipalID == principalID && s.Active(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	return out
}

func (r *MemoryRepository) Revoke(ctx context.Context, id, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return shared.ErrNotFound
	}
	if s.RevokedAt != nil {
		return nil
	}
	t := at
	s.RevokedAt = &t
	s.RevokeReason = reason
	r.sessions[id] = s
	return nil
}

func (r *MemoryRepository) Touch(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.RevokedAt != nil {
		return nil
	}
	if at.After(s.LastSeen) {
		s.LastSeen = at
		r.sessions[id] = s
	}
	return nil
}

func (r *MemoryRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for id, s := range r.sessions {
		if s.ExpiresAt.Before(cutoff) || (s.RevokedAt != nil && s.RevokedAt.Before(cutoff)) {
			delete(r.sessions, id)
			purged++
		}
	}
	return purged, nil
}

var _ Repository = (*MemoryRepository)(nil)
