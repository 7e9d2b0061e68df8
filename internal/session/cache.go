package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "session:"

// ErrCacheMiss reports that the fast path has no entry; callers fall back
// to the repository.
var ErrCacheMiss = errors.New("session: cache miss")

// Cache is the Redis fast path for token lookups. Entries expire with the
// session and are deleted on revocation, so a hit proves the session is
// active. A nil Cache disables the fast path.
type Cache struct {
	client *redis.Client
}

// NewCache instantiates the session cache.
func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

type cachePayload struct {
	ID            string    `json:"id"`
	PrincipalID   uuid.UUID `json:"principal_id"`
	InstitutionID uuid.UUID `json:"institution_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func cacheKey(id string) string {
	return cacheKeyPrefix + id
}

// Put stores the session keyed by its token, with the TTL capped at the
// session's remaining lifetime.
func (c *Cache) Put(ctx context.Context, s Session, now time.Time) error {
	if c == nil || c.client == nil {
		return nil
	}
	ttl := s.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(cachePayload{
		ID:            s.ID,
		PrincipalID:   s.PrincipalID,
		InstitutionID: s.InstitutionID,
		ExpiresAt:     s.ExpiresAt,
	})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(s.ID), payload, ttl).Err()
}

// Get returns the cached session identity, or ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, id string) (Session, error) {
	if c == nil || c.client == nil {
		return Session{}, ErrCacheMiss
	}
	raw, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err == redis.Nil {
		return Session{}, ErrCacheMiss
	}
	if err != nil {
		return Session{}, err
	}
	var p cachePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		_ = c.client.Del(ctx, cacheKey(id)).Err()
		return Session{}, ErrCacheMiss
	}
	return Session{
		ID:            p.ID,
		PrincipalID:   p.PrincipalID,
		InstitutionID: p.InstitutionID,
		ExpiresAt:     p.ExpiresAt,
	}, nil
}

// Delete removes the fast-path entry. Called on revocation.
func (c *Cache) Delete(ctx context.Context, id string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(id)).Err()
}
