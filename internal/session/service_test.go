package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/shared"
)

type fixture struct {
	svc   *Service
	repo  *MemoryRepository
	store *audit.MemoryStore
	now   time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		repo:  NewMemoryRepository(),
		store: audit.NewMemoryStore(),
		now:   time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC),
	}
	recorder := audit.NewRecorder(f.store, nil, nil, audit.RecorderConfig{Attempts: 1, Backoff: time.Millisecond})
	f.svc = NewService(f.repo, nil, recorder, db.PassRunner{}, nil, nil, cfg)
	f.svc.clock = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func TestIssueEnforcesSessionCap(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxPerPrincipal: 2})
	p, inst := uuid.New(), uuid.New()
	client := shared.Client{IP: "10.0.0.1", UserAgent: "go-test"}

	first, err := f.svc.Issue(context.Background(), p, inst, client)
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}
	f.advance(time.Minute)
	second, err := f.svc.Issue(context.Background(), p, inst, client)
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}
	f.advance(time.Minute)
	third, err := f.svc.Issue(context.Background(), p, inst, client)
	if err != nil {
		t.Fatalf("issue third: %v", err)
	}

	active, err := f.svc.ListActive(context.Background(), p)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active sessions %d, want 2", len(active))
	}
	for _, s := range active {
		if s.ID == first.ID {
			t.Fatal("least recently seen session survived the cap")
		}
	}
	if f.svc.IsActive(context.Background(), first.ID) {
		t.Fatal("evicted session still active")
	}
	if !f.svc.IsActive(context.Background(), second.ID) || !f.svc.IsActive(context.Background(), third.ID) {
		t.Fatal("newer sessions should remain active")
	}

	var evictions []audit.Record
	for _, rec := range f.store.Records(inst) {
		if rec.Action == "session:evict" {
			evictions = append(evictions, rec)
		}
	}
	if len(evictions) != 1 {
		t.Fatalf("eviction audit records %d, want exactly 1", len(evictions))
	}
	ev := evictions[0]
	if ev.ResourceID != first.ID || ev.Reason != shared.ReasonSessionEvicted || ev.Decision != audit.DecisionAllow {
		t.Fatalf("unexpected eviction record: %+v", ev)
	}
}

func TestIssueEvictsLeastRecentlySeen(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxPerPrincipal: 2})
	p, inst := uuid.New(), uuid.New()

	first, _ := f.svc.Issue(context.Background(), p, inst, shared.Client{})
	f.advance(time.Minute)
	second, _ := f.svc.Issue(context.Background(), p, inst, shared.Client{})

	// Touch the older session so the newer one becomes the eviction victim.
	f.advance(time.Minute)
	if err := f.svc.Touch(context.Background(), first.ID, f.now); err != nil {
		t.Fatalf("touch: %v", err)
	}

	f.advance(time.Minute)
	if _, err := f.svc.Issue(context.Background(), p, inst, shared.Client{}); err != nil {
		t.Fatalf("issue third: %v", err)
	}

	if !f.svc.IsActive(context.Background(), first.ID) {
		t.Fatal("touched session was evicted")
	}
	if f.svc.IsActive(context.Background(), second.ID) {
		t.Fatal("stale session survived")
	}
}

func TestIssueFailsClosedWhenEvictionAuditFails(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxPerPrincipal: 1})
	p, inst := uuid.New(), uuid.New()

	if _, err := f.svc.Issue(context.Background(), p, inst, shared.Client{}); err != nil {
		t.Fatalf("issue first: %v", err)
	}
	f.advance(time.Minute)

	f.store.FailNext(1, errors.New("storage down"))
	sess, err := f.svc.Issue(context.Background(), p, inst, shared.Client{})
	if !errors.Is(err, shared.ErrAuditUnavailable) {
		t.Fatalf("expected ErrAuditUnavailable, got %v", err)
	}
	if sess.ID != "" {
		t.Fatal("session returned despite audit failure")
	}
	for _, rec := range f.store.Records(inst) {
		if rec.Action == "session:evict" {
			t.Fatal("eviction audited despite failure")
		}
	}
}

func TestRevokeOwnedRejectsForeignSession(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxPerPrincipal: 5})
	owner, intruder, inst := uuid.New(), uuid.New(), uuid.New()

	sess, err := f.svc.Issue(context.Background(), owner, inst, shared.Client{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := f.svc.RevokeOwned(context.Background(), intruder, sess.ID, shared.ReasonRevokedByUser); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign session, got %v", err)
	}
	if !f.svc.IsActive(context.Background(), sess.ID) {
		t.Fatal("session revoked by non-owner")
	}

	if err := f.svc.RevokeOwned(context.Background(), owner, sess.ID, shared.ReasonRevokedByUser); err != nil {
		t.Fatalf("owner revoke: %v", err)
	}
	if f.svc.IsActive(context.Background(), sess.ID) {
		t.Fatal("session still active after owner revoke")
	}
}

func TestRevokeKeepsFirstReason(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxPerPrincipal: 5})
	p, inst := uuid.New(), uuid.New()

	sess, _ := f.svc.Issue(context.Background(), p, inst, shared.Client{})
	if err := f.svc.Revoke(context.Background(), sess.ID, shared.ReasonLogout); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := f.svc.Revoke(context.Background(), sess.ID, shared.ReasonRevokedByUser); err != nil {
		t.Fatalf("second revoke: %v", err)
	}

	stored, err := f.repo.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.RevokeReason != shared.ReasonLogout {
		t.Fatalf("reason %q, want first reason %q", stored.RevokeReason, shared.ReasonLogout)
	}
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxPerPrincipal: 5})
	p, inst := uuid.New(), uuid.New()

	sess, _ := f.svc.Issue(context.Background(), p, inst, shared.Client{})
	f.advance(10 * time.Minute)
	if err := f.svc.Touch(context.Background(), sess.ID, f.now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	forward := f.now

	if err := f.svc.Touch(context.Background(), sess.ID, forward.Add(-30*time.Minute)); err != nil {
		t.Fatalf("stale touch: %v", err)
	}
	stored, _ := f.repo.Get(context.Background(), sess.ID)
	if !stored.LastSeen.Equal(forward) {
		t.Fatalf("last seen %v regressed, want %v", stored.LastSeen, forward)
	}
}

func TestLookupExpiredSessionIsNotFound(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxPerPrincipal: 5})
	p, inst := uuid.New(), uuid.New()

	sess, _ := f.svc.Issue(context.Background(), p, inst, shared.Client{})
	f.advance(2 * time.Hour)

	if _, err := f.svc.Lookup(context.Background(), sess.ID); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired session, got %v", err)
	}
	if f.svc.IsActive(context.Background(), sess.ID) {
		t.Fatal("expired session reported active")
	}
}

func TestCleanupExpiredPurgesOldRows(t *testing.T) {
	f := newFixture(t, Config{TTL: time.Hour, MaxPerPrincipal: 5})
	p, inst := uuid.New(), uuid.New()

	old, _ := f.svc.Issue(context.Background(), p, inst, shared.Client{})
	f.advance(48 * time.Hour)
	fresh, _ := f.svc.Issue(context.Background(), p, inst, shared.Client{})

	purged, err := f.svc.CleanupExpired(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d, want 1", purged)
	}
	if _, err := f.repo.Get(context.Background(), old.ID); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("old session still present: %v", err)
	}
	if _, err := f.repo.Get(context.Background(), fresh.ID); err != nil {
		t.Fatalf("fresh session purged: %v", err)
	}
}
