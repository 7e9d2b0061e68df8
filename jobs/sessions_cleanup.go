package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/polyveda/polyveda/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SessionPurger removes session rows past a retention window.
type SessionPurger interface {
	CleanupExpired(ctx context.Context, retention time.Duration) (int64, error)
}

// SessionsCleanupJob deletes sessions that expired or were revoked longer
// than the retention window ago. Live sessions are never touched; expiry
// and revocation already end them, cleanup only reclaims the rows.
type SessionsCleanupJob struct {
	Sessions  SessionPurger
	Retention time.Duration
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewSessionsCleanupJob constructs the cleanup handler.
func NewSessionsCleanupJob(sessions SessionPurger, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionsCleanupJob {
	return &SessionsCleanupJob{
		Sessions:  sessions,
		Retention: retention,
		Logger:    logger,
		Metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one cleanup pass.
func (j *SessionsCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sessions == nil {
		return errors.New("sessions cleanup: handler not configured")
	}
	var payload SessionsCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := j.Retention
	if payload.Retention != "" {
		parsed, err := time.ParseDuration(payload.Retention)
		if err != nil || parsed <= 0 {
			return asynq.SkipRetry
		}
		retention = parsed
	}
	if retention <= 0 {
		retention = 720 * time.Hour
	}

	start := j.now()
	tracker := j.metrics().Track(TaskSessionsCleanup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	purged, err := j.Sessions.CleanupExpired(ctx, retention)
	if err != nil {
		resultErr = err
		j.logger().Error("cleanup failed", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddSessionsPurged(purged)
	j.logger().Info("completed session cleanup",
		slog.Int64("purged", purged),
		slog.Duration("retention", retention),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *SessionsCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSessionsCleanup))
	}
	return slog.Default().With(slog.String("job", TaskSessionsCleanup))
}

func (j *SessionsCleanupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SessionsCleanupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
