package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polyveda/polyveda/internal/audit"
	jobmetrics "github.com/polyveda/polyveda/internal/jobs"
	"github.com/polyveda/polyveda/internal/tenancy"
)

func testMetrics() (*jobmetrics.Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return jobmetrics.NewMetrics(reg), reg
}

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Body.String()
}

type purgerStub struct {
	retention time.Duration
	purged    int64
	err       error
	calls     int
}

func (p *purgerStub) CleanupExpired(_ context.Context, retention time.Duration) (int64, error) {
	p.calls++
	p.retention = retention
	return p.purged, p.err
}

func TestSessionsCleanupUsesConfiguredRetention(t *testing.T) {
	metrics, reg := testMetrics()
	purger := &purgerStub{purged: 7}
	job := NewSessionsCleanupJob(purger, 48*time.Hour, nil, metrics)

	task, err := NewSessionsCleanupTask(SessionsCleanupPayload{})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if purger.retention != 48*time.Hour {
		t.Fatalf("retention = %v, want 48h", purger.retention)
	}
	body := scrape(t, reg)
	if !strings.Contains(body, "polyveda_sessions_purged_total 7") {
		t.Fatalf("expected purge counter in metrics, got: %s", body)
	}
}

func TestSessionsCleanupPayloadOverridesRetention(t *testing.T) {
	metrics, _ := testMetrics()
	purger := &purgerStub{}
	job := NewSessionsCleanupJob(purger, 48*time.Hour, nil, metrics)

	task, err := NewSessionsCleanupTask(SessionsCleanupPayload{Retention: "2h"})
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if purger.retention != 2*time.Hour {
		t.Fatalf("retention = %v, want 2h", purger.retention)
	}
}

func TestSessionsCleanupRejectsBadPayload(t *testing.T) {
	metrics, _ := testMetrics()
	purger := &purgerStub{}
	job := NewSessionsCleanupJob(purger, time.Hour, nil, metrics)

	cases := map[string][]byte{
		"malformed json":     []byte("{"),
		"unparsable window":  []byte(`{"retention":"soon"}`),
		"negative retention": []byte(`{"retention":"-1h"}`),
	}
	for name, body := range cases {
		err := job.Handle(context.Background(), asynq.NewTask(TaskSessionsCleanup, body))
		if !errors.Is(err, asynq.SkipRetry) {
			t.Fatalf("%s: err = %v, want SkipRetry", name, err)
		}
	}
	if purger.calls != 0 {
		t.Fatalf("purger ran %d times on bad payloads", purger.calls)
	}
}

func TestSessionsCleanupPropagatesStoreError(t *testing.T) {
	metrics, reg := testMetrics()
	boom := errors.New("pg down")
	job := NewSessionsCleanupJob(&purgerStub{err: boom}, time.Hour, nil, metrics)

	task, _ := NewSessionsCleanupTask(SessionsCleanupPayload{})
	if err := job.Handle(context.Background(), task); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
	body := scrape(t, reg)
	if !strings.Contains(body, `polyveda_jobs_failures_total{job="sessions:cleanup"} 1`) {
		t.Fatalf("expected failure counter in metrics, got: %s", body)
	}
}

type verifierStub struct {
	mu      sync.Mutex
	reports map[uuid.UUID]audit.Report
	err     error
	calls   []uuid.UUID
}

func (v *verifierStub) Verify(_ context.Context, id uuid.UUID) (audit.Report, error) {
	v.mu.Lock()
	v.calls = append(v.calls, id)
	v.mu.Unlock()
	if v.err != nil {
		return audit.Report{}, v.err
	}
	if r, ok := v.reports[id]; ok {
		return r, nil
	}
	return audit.Report{InstitutionID: id}, nil
}

type institutionsStub struct {
	list     []tenancy.Institution
	listErr  error
	usage    map[uuid.UUID][2]int
	usageErr error
}

func (s *institutionsStub) ListActive(context.Context) ([]tenancy.Institution, error) {
	return s.list, s.listErr
}

func (s *institutionsStub) Usage(_ context.Context, id uuid.UUID) (int, int, error) {
	if s.usageErr != nil {
		return 0, 0, s.usageErr
	}
	u := s.usage[id]
	return u[0], u[1], nil
}

func TestAuditVerifyChecksEveryActiveInstitution(t *testing.T) {
	metrics, reg := testMetrics()
	instA := tenancy.Institution{ID: uuid.New(), Slug: "alpha", Active: true}
	instB := tenancy.Institution{ID: uuid.New(), Slug: "beta", Active: true}
	verifier := &verifierStub{
		reports: map[uuid.UUID]audit.Report{
			instB.ID: {
				InstitutionID: instB.ID,
				Findings:      []audit.Finding{{Seq: 4, Kind: audit.FindingGap, Detail: "expected seq 4, found 5"}},
			},
		},
	}
	job := NewAuditVerifyJob(verifier, &institutionsStub{list: []tenancy.Institution{instA, instB}}, nil, metrics)

	task, _ := NewAuditVerifyTask(AuditVerifyPayload{})
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(verifier.calls) != 2 {
		t.Fatalf("verified %d institutions, want 2", len(verifier.calls))
	}
	seen := map[uuid.UUID]bool{}
	for _, id := range verifier.calls {
		seen[id] = true
	}
	if !seen[instA.ID] || !seen[instB.ID] {
		t.Fatalf("verifier skipped an institution: %v", verifier.calls)
	}
	body := scrape(t, reg)
	want := `polyveda_audit_chain_defects_total{institution="` + instB.ID.String() + `",kind="sequence-gap"} 1`
	if !strings.Contains(body, want) {
		t.Fatalf("expected defect counter %q in metrics, got: %s", want, body)
	}
}

func TestAuditVerifyScopesToOneInstitution(t *testing.T) {
	metrics, _ := testMetrics()
	target := uuid.New()
	verifier := &verifierStub{}
	// No institution source: the scoped path must not need one.
	job := NewAuditVerifyJob(verifier, nil, nil, metrics)

	task, _ := NewAuditVerifyTask(AuditVerifyPayload{InstitutionID: target.String()})
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(verifier.calls) != 1 || verifier.calls[0] != target {
		t.Fatalf("calls = %v, want exactly [%s]", verifier.calls, target)
	}
}

func TestAuditVerifyRejectsBadInstitutionID(t *testing.T) {
	metrics, _ := testMetrics()
	job := NewAuditVerifyJob(&verifierStub{}, nil, nil, metrics)

	task, _ := NewAuditVerifyTask(AuditVerifyPayload{InstitutionID: "not-a-uuid"})
	err := job.Handle(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
}

func TestAuditVerifyStoreErrorFailsRun(t *testing.T) {
	metrics, _ := testMetrics()
	boom := errors.New("trail unreadable")
	inst := tenancy.Institution{ID: uuid.New(), Slug: "alpha", Active: true}
	job := NewAuditVerifyJob(&verifierStub{err: boom}, &institutionsStub{list: []tenancy.Institution{inst}}, nil, metrics)

	task, _ := NewAuditVerifyTask(AuditVerifyPayload{})
	if err := job.Handle(context.Background(), task); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}
}

func TestInstitutionsMonitorSetsSeatUsage(t *testing.T) {
	metrics, reg := testMetrics()
	full := tenancy.Institution{ID: uuid.New(), Slug: "crowded", Active: true}
	roomy := tenancy.Institution{ID: uuid.New(), Slug: "roomy", Active: true}
	unmetered := tenancy.Institution{ID: uuid.New(), Slug: "open", Active: true}
	source := &institutionsStub{
		list: []tenancy.Institution{full, roomy, unmetered},
		usage: map[uuid.UUID][2]int{
			full.ID:      {9, 10},
			roomy.ID:     {2, 10},
			unmetered.ID: {500, 0},
		},
	}
	job := NewInstitutionsMonitorJob(source, nil, metrics)

	task, _ := NewInstitutionsMonitorTask(InstitutionsMonitorPayload{})
	if err := job.Handle(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	body := scrape(t, reg)
	for id, want := range map[uuid.UUID]string{full.ID: "0.9", roomy.ID: "0.2", unmetered.ID: "0"} {
		line := `polyveda_institution_seat_usage_ratio{institution="` + id.String() + `"} ` + want
		if !strings.Contains(body, line) {
			t.Fatalf("expected gauge %q in metrics, got: %s", line, body)
		}
	}
}

func TestInstitutionsMonitorPropagatesUsageError(t *testing.T) {
	metrics, _ := testMetrics()
	boom := errors.New("count failed")
	inst := tenancy.Institution{ID: uuid.New(), Slug: "alpha", Active: true}
	source := &institutionsStub{list: []tenancy.Institution{inst}, usageErr: boom}
	job := NewInstitutionsMonitorJob(source, nil, metrics)

	task, _ := NewInstitutionsMonitorTask(InstitutionsMonitorPayload{})
	if err := job.Handle(context.Background(), task); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want usage error", err)
	}
}
