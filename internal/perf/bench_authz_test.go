package perf

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/policy"
	"github.com/polyveda/polyveda/internal/principal"
	_ "github.com/polyveda/polyveda/internal/testing/guard"
)

// The engine sits on every request, so its budget is a fraction of the
// handler budgets. Thresholds carry wide headroom over the expected
// microseconds to stay stable on slow runners while still tripping on a
// snapshot lookup turning into a database read.
func TestAuthorizeLatencyTargets(t *testing.T) {
	inst := uuid.New()
	roles := []principal.Role{principal.RoleStudent, principal.RoleFaculty, principal.RoleDepartmentAdmin, principal.RoleInstitutionAdmin}
	grants := make([]policy.Grant, 0, 64*len(roles))
	for i := 0; i < 64; i++ {
		for _, role := range roles {
			grants = append(grants, policy.Grant{
				ID:            uuid.New(),
				InstitutionID: inst,
				Role:          role,
				ResourceType:  "course",
				Action:        policy.Action(fmt.Sprintf("course:op-%d", i)),
				Effect:        policy.EffectAllow,
			})
		}
	}

	trail := audit.NewMemoryStore()
	recorder := audit.NewRecorder(trail, nil, nil, audit.RecorderConfig{Attempts: 1, Backoff: time.Millisecond})
	engine := policy.NewEngine(policy.NewMemoryStore(grants...), recorder, nil, nil)
	if err := engine.Load(context.Background()); err != nil {
		t.Fatalf("load grants: %v", err)
	}

	ctx := context.Background()
	faculty := principal.Principal{ID: uuid.New(), InstitutionID: inst, Role: principal.RoleFaculty, SessionID: "tok"}
	ref := policy.ResourceRef{Type: "course", ID: "c-101", InstitutionID: inst}

	scenarios := []struct {
		name      string
		action    policy.Action
		threshold time.Duration
	}{
		{name: "allow", action: "course:op-31", threshold: 5 * time.Millisecond},
		{name: "default-deny", action: "course:unknown", threshold: 5 * time.Millisecond},
	}

	for _, scenario := range scenarios {
		for i := 0; i < 50; i++ {
			_, _ = engine.Authorize(ctx, faculty, scenario.action, ref)
		}
		samples := make([]time.Duration, 0, 2000)
		for i := 0; i < 2000; i++ {
			start := time.Now()
			_, _ = engine.Authorize(ctx, faculty, scenario.action, ref)
			samples = append(samples, time.Since(start))
		}
		p95 := percentile95(samples)
		if p95 > scenario.threshold {
			t.Fatalf("%s latency regression: p95=%s threshold=%s", scenario.name, p95, scenario.threshold)
		}
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
