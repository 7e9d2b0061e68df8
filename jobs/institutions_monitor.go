package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/polyveda/polyveda/internal/jobs"
	"github.com/polyveda/polyveda/internal/tenancy"
)

const defaultWarnThreshold = 0.9

// SeatUsageSource reports principal counts against institution quotas.
type SeatUsageSource interface {
	ListActive(ctx context.Context) ([]tenancy.Institution, error)
	Usage(ctx context.Context, institutionID uuid.UUID) (used, max int, err error)
}

// InstitutionsMonitorJob compares each institution's active principal count
// to its seat quota. Crossing the warn threshold logs a warning and moves
// the gauge; delivering the alert is the metrics pipeline's problem.
type InstitutionsMonitorJob struct {
	Source  SeatUsageSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewInstitutionsMonitorJob constructs the monitoring handler.
func NewInstitutionsMonitorJob(source SeatUsageSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *InstitutionsMonitorJob {
	return &InstitutionsMonitorJob{
		Source:  source,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one monitoring pass.
func (j *InstitutionsMonitorJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("institutions monitor: handler not configured")
	}
	var payload InstitutionsMonitorPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	threshold := payload.WarnThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultWarnThreshold
	}

	start := j.now()
	tracker := j.metrics().Track(TaskInstitutionsMonitor)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	institutions, err := j.Source.ListActive(ctx)
	if err != nil {
		resultErr = err
		j.logger().Error("listing institutions failed", slog.Any("error", err))
		return resultErr
	}

	warned := 0
	for _, inst := range institutions {
		used, max, err := j.Source.Usage(ctx, inst.ID)
		if err != nil {
			resultErr = err
			j.logger().Error("usage lookup failed",
				slog.String("institution", inst.Slug),
				slog.Any("error", err),
			)
			return resultErr
		}
		if max <= 0 {
			// Unmetered institutions report zero so stale ratios from a
			// later-lifted quota do not linger on the gauge.
			j.metrics().SetSeatUsage(inst.ID.String(), 0)
			continue
		}
		ratio := float64(used) / float64(max)
		j.metrics().SetSeatUsage(inst.ID.String(), ratio)
		if ratio >= threshold {
			warned++
			j.logger().Warn("institution near seat quota",
				slog.String("institution", inst.Slug),
				slog.Int("used", used),
				slog.Int("max", max),
				slog.Float64("ratio", ratio),
			)
		}
	}

	j.logger().Info("completed seat usage monitor",
		slog.Int("institutions", len(institutions)),
		slog.Int("warned", warned),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *InstitutionsMonitorJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskInstitutionsMonitor))
	}
	return slog.Default().With(slog.String("job", TaskInstitutionsMonitor))
}

func (j *InstitutionsMonitorJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *InstitutionsMonitorJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
