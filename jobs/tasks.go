package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskSessionsCleanup purges sessions past the retention window.
	TaskSessionsCleanup = "sessions:cleanup"
	// TaskAuditVerify recomputes the audit hash chain per institution.
	TaskAuditVerify = "audit:verify"
	// TaskInstitutionsMonitor watches principal counts against seat quotas.
	TaskInstitutionsMonitor = "institutions:monitor"
)

// SessionsCleanupPayload tunes one cleanup run. Retention overrides the
// worker default when set; it uses time.ParseDuration syntax.
type SessionsCleanupPayload struct {
	Retention string `json:"retention,omitempty"`
}

// NewSessionsCleanupTask constructs the cleanup task.
func NewSessionsCleanupTask(payload SessionsCleanupPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionsCleanup, body, asynq.Queue(QueueDefault)), nil
}

// AuditVerifyPayload narrows verification to one institution. Empty means
// every active institution.
type AuditVerifyPayload struct {
	InstitutionID string `json:"institution_id,omitempty"`
}

// NewAuditVerifyTask constructs the verification task.
func NewAuditVerifyTask(payload AuditVerifyPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditVerify, body, asynq.Queue(QueueDefault)), nil
}

// InstitutionsMonitorPayload adjusts the warning threshold, a fraction of
// the seat quota. Zero falls back to the default of 0.9.
type InstitutionsMonitorPayload struct {
	WarnThreshold float64 `json:"warn_threshold,omitempty"`
}

// NewInstitutionsMonitorTask constructs the monitoring task.
func NewInstitutionsMonitorTask(payload InstitutionsMonitorPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInstitutionsMonitor, body, asynq.Queue(QueueDefault)), nil
}
