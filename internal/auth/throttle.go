package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Throttle counts failed logins per email in Redis. Crossing the failure
// threshold locks the email out for the lockout window. The counter TTL
// doubles as the lock duration, so expired counters need no cleanup job.
type Throttle struct {
	rdb         *redis.Client
	maxFailures int
	lockout     time.Duration
}

// NewThrottle constructs a throttle. Zero values fall back to 5 attempts
// and a 15 minute lockout.
func NewThrottle(rdb *redis.Client, maxFailures int, lockout time.Duration) *Throttle {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if lockout <= 0 {
		lockout = 15 * time.Minute
	}
	return &Throttle{rdb: rdb, maxFailures: maxFailures, lockout: lockout}
}

func (t *Throttle) key(email string) string {
	return "login:fail:" + strings.ToLower(strings.TrimSpace(email))
}

// Locked reports whether the email is currently locked out. A Redis outage
// reads as unlocked: the throttle is a brake on guessing, not an
// authorization input, and credentials are still verified either way.
func (t *Throttle) Locked(ctx context.Context, email string) bool {
	n, err := t.rdb.Get(ctx, t.key(email)).Int()
	if err != nil {
		return false
	}
	return n >= t.maxFailures
}

// RecordFailure counts one failed attempt and reports whether the email is
// now at or past the lockout threshold. Every failure restarts the lockout
// window.
func (t *Throttle) RecordFailure(ctx context.Context, email string) (bool, error) {
	key := t.key(email)
	pipe := t.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, t.lockout)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("auth: record login failure: %w", err)
	}
	return incr.Val() >= int64(t.maxFailures), nil
}

// Reset clears the failure counter after a successful login.
func (t *Throttle) Reset(ctx context.Context, email string) error {
	return t.rdb.Del(ctx, t.key(email)).Err()
}
