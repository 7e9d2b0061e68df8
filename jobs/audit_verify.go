package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/polyveda/polyveda/internal/audit"
	jobmetrics "github.com/polyveda/polyveda/internal/jobs"
	"github.com/polyveda/polyveda/internal/tenancy"
)

// TrailVerifier recomputes one institution's audit hash chain.
type TrailVerifier interface {
	Verify(ctx context.Context, institutionID uuid.UUID) (audit.Report, error)
}

// InstitutionSource lists institutions eligible for platform maintenance.
type InstitutionSource interface {
	ListActive(ctx context.Context) ([]tenancy.Institution, error)
}

// AuditVerifyJob walks every active institution's audit trail and recomputes
// the hash chain. Defects do not fail the run; they are the finding, logged
// at error level and counted so alerting fires. Store errors fail the run.
type AuditVerifyJob struct {
	Verifier     TrailVerifier
	Institutions InstitutionSource
	Parallelism  int
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
	clock        func() time.Time
}

// NewAuditVerifyJob constructs the verification handler.
func NewAuditVerifyJob(verifier TrailVerifier, institutions InstitutionSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditVerifyJob {
	return &AuditVerifyJob{
		Verifier:     verifier,
		Institutions: institutions,
		Parallelism:  4,
		Logger:       logger,
		Metrics:      metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one verification pass.
func (j *AuditVerifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Verifier == nil {
		return errors.New("audit verify: handler not configured")
	}
	var payload AuditVerifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	start := j.now()
	tracker := j.metrics().Track(TaskAuditVerify)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	targets, err := j.targets(ctx, payload)
	if err != nil {
		resultErr = err
		j.logger().Error("resolving targets failed", slog.Any("error", err))
		return resultErr
	}

	var checked, defects atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.parallelism())
	for _, target := range targets {
		g.Go(func() error {
			report, err := j.Verifier.Verify(gctx, target.id)
			if err != nil {
				return fmt.Errorf("verify %s: %w", target.label, err)
			}
			checked.Add(1)
			defects.Add(int64(len(report.Findings)))
			j.report(target, report)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		resultErr = err
		j.logger().Error("verification pass failed", slog.Any("error", err))
		return resultErr
	}

	j.logger().Info("completed audit verification",
		slog.Int64("institutions", checked.Load()),
		slog.Int64("defects", defects.Load()),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

type verifyTarget struct {
	id    uuid.UUID
	label string
}

func (j *AuditVerifyJob) targets(ctx context.Context, payload AuditVerifyPayload) ([]verifyTarget, error) {
	if payload.InstitutionID != "" {
		id, err := uuid.Parse(payload.InstitutionID)
		if err != nil {
			return nil, asynq.SkipRetry
		}
		return []verifyTarget{{id: id, label: id.String()}}, nil
	}
	if j.Institutions == nil {
		return nil, errors.New("audit verify: institution source not configured")
	}
	institutions, err := j.Institutions.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	targets := make([]verifyTarget, 0, len(institutions))
	for _, inst := range institutions {
		targets = append(targets, verifyTarget{id: inst.ID, label: inst.Slug})
	}
	return targets, nil
}

func (j *AuditVerifyJob) report(target verifyTarget, report audit.Report) {
	if report.OK() {
		return
	}
	byKind := make(map[string]int)
	for _, finding := range report.Findings {
		byKind[finding.Kind]++
		j.logger().Error("audit chain defect",
			slog.String("institution", target.label),
			slog.Int64("seq", finding.Seq),
			slog.String("kind", finding.Kind),
			slog.String("detail", finding.Detail),
		)
	}
	for kind, count := range byKind {
		j.metrics().AddChainDefects(target.id.String(), kind, count)
	}
}

func (j *AuditVerifyJob) parallelism() int {
	if j.Parallelism > 0 {
		return j.Parallelism
	}
	return 4
}

func (j *AuditVerifyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditVerify))
	}
	return slog.Default().With(slog.String("job", TaskAuditVerify))
}

func (j *AuditVerifyJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *AuditVerifyJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
