package audithttp

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/observability"
	"github.com/polyveda/polyveda/internal/platform/httpx"
	"github.com/polyveda/polyveda/internal/policy"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/shared"
	"github.com/polyveda/polyveda/jobs"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// TrailService reads pages of an institution's audit trail.
type TrailService interface {
	Query(ctx context.Context, institutionID uuid.UUID, f audit.Filter, afterSeq int64, limit int) ([]audit.Record, error)
}

// IntegrityService verifies an institution's sequence and hash chain.
type IntegrityService interface {
	Verify(ctx context.Context, institutionID uuid.UUID) (audit.Report, error)
}

// Authorizer decides whether a principal may perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, p principal.Principal, action policy.Action, res policy.ResourceRef) (policy.Decision, error)
}

// SweepEnqueuer schedules asynchronous chain verification on the worker
// queue. Satisfied by jobs.Client.
type SweepEnqueuer interface {
	EnqueueAuditVerify(ctx context.Context, payload jobs.AuditVerifyPayload) (*asynq.TaskInfo, error)
}

// Handler serves the audit trail read surface.
type Handler struct {
	logger    *slog.Logger
	trail     TrailService
	integrity IntegrityService
	authz     Authorizer
	metrics   *observability.Metrics
	sweeper   SweepEnqueuer
}

// NewHandler builds an audit handler.
func NewHandler(logger *slog.Logger, trail TrailService, integrity IntegrityService, authz Authorizer, metrics *observability.Metrics, sweeper SweepEnqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		trail:     trail,
		integrity: integrity,
		authz:     authz,
		metrics:   metrics,
		sweeper:   sweeper,
	}
}

type recordView struct {
	ID           uuid.UUID `json:"id"`
	Seq          int64     `json:"seq"`
	ActorID      string    `json:"actor_id,omitempty"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason"`
	Severity     string    `json:"severity"`
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	PrevHash     string    `json:"prev_hash"`
	EntryHash    string    `json:"entry_hash"`
	At           time.Time `json:"at"`
}

type queryResponse struct {
	InstitutionID uuid.UUID    `json:"institution_id"`
	Records       []recordView `json:"records"`
	NextAfterSeq  int64        `json:"next_after_seq"`
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}

	target, err := targetInstitution(r, p)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if _, err := h.authz.Authorize(r.Context(), p, "audit:read", policy.ResourceRef{Type: "audit", InstitutionID: target}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	filter, afterSeq, limit, err := parseQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	records, err := h.trail.Query(r.Context(), target, filter, afterSeq, limit)
	if err != nil {
		h.logger.Error("audit query failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	resp := queryResponse{
		InstitutionID: target,
		Records:       make([]recordView, 0, len(records)),
		NextAfterSeq:  afterSeq,
	}
	for _, rec := range records {
		resp.Records = append(resp.Records, viewOf(rec))
		resp.NextAfterSeq = rec.Seq
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}

	target, err := targetInstitution(r, p)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if _, err := h.authz.Authorize(r.Context(), p, "audit:verify", policy.ResourceRef{Type: "audit", InstitutionID: target}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	report, err := h.integrity.Verify(r.Context(), target)
	if err != nil {
		h.logger.Error("audit verify failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	for _, finding := range report.Findings {
		h.metrics.ObserveChainBreak()
		h.logger.Error("audit chain defect",
			slog.String("institution", target.String()),
			slog.Int64("seq", finding.Seq),
			slog.String("kind", finding.Kind),
		)
	}
	httpx.JSON(w, http.StatusOK, report)
}

type sweepResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
}

// handleSweep queues a platform-wide verification pass on the worker. The
// sweep touches every institution, so it takes its own action instead of
// riding on the per-institution audit:verify grant.
func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	if _, err := h.authz.Authorize(r.Context(), p, "audit:sweep", policy.ResourceRef{Type: "audit"}); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.sweeper == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Job Queue Unavailable", "the worker queue is not configured")
		return
	}

	info, err := h.sweeper.EnqueueAuditVerify(r.Context(), jobs.AuditVerifyPayload{})
	if err != nil {
		h.logger.Error("sweep enqueue failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Job Queue Unavailable", "could not schedule the verification sweep")
		return
	}
	httpx.JSON(w, http.StatusAccepted, sweepResponse{TaskID: info.ID, Queue: info.Queue})
}

// targetInstitution resolves which trail the caller is asking for. The
// institution_id override is accepted from anyone; the authorizer denies and
// audits cross-tenant use of it.
func targetInstitution(r *http.Request, p principal.Principal) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("institution_id"))
	if raw == "" {
		return p.InstitutionID, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid institution_id", httpx.ErrValidation)
	}
	return id, nil
}

func parseQuery(r *http.Request) (audit.Filter, int64, int, error) {
	q := r.URL.Query()

	var afterSeq int64
	if v := strings.TrimSpace(q.Get("after_seq")); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			return audit.Filter{}, 0, 0, fmt.Errorf("%w: invalid after_seq", httpx.ErrValidation)
		}
		afterSeq = parsed
	}

	limit := defaultPageSize
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.Filter{}, 0, 0, fmt.Errorf("%w: invalid limit", httpx.ErrValidation)
		}
		if parsed > maxPageSize {
			parsed = maxPageSize
		}
		limit = parsed
	}

	var f audit.Filter
	if v := strings.TrimSpace(q.Get("actor_id")); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return audit.Filter{}, 0, 0, fmt.Errorf("%w: invalid actor_id", httpx.ErrValidation)
		}
		f.ActorID = id
	}
	f.Action = strings.TrimSpace(q.Get("action"))
	if v := strings.TrimSpace(q.Get("decision")); v != "" {
		if v != audit.DecisionAllow && v != audit.DecisionDeny {
			return audit.Filter{}, 0, 0, fmt.Errorf("%w: invalid decision", httpx.ErrValidation)
		}
		f.Decision = v
	}
	if v := strings.TrimSpace(q.Get("severity")); v != "" {
		switch v {
		case audit.SeverityLow, audit.SeverityMedium, audit.SeverityHigh, audit.SeverityCritical:
			f.Severity = v
		default:
			return audit.Filter{}, 0, 0, fmt.Errorf("%w: invalid severity", httpx.ErrValidation)
		}
	}
	if v := strings.TrimSpace(q.Get("from")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filter{}, 0, 0, fmt.Errorf("%w: invalid from", httpx.ErrValidation)
		}
		f.From = t
	}
	if v := strings.TrimSpace(q.Get("to")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Filter{}, 0, 0, fmt.Errorf("%w: invalid to", httpx.ErrValidation)
		}
		f.To = t
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return audit.Filter{}, 0, 0, fmt.Errorf("%w: from is after to", httpx.ErrValidation)
	}
	return f, afterSeq, limit, nil
}

func viewOf(rec audit.Record) recordView {
	v := recordView{
		ID:           rec.ID,
		Seq:          rec.Seq,
		Action:       rec.Action,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		Decision:     rec.Decision,
		Reason:       rec.Reason,
		Severity:     rec.Severity,
		IP:           rec.IP,
		UserAgent:    rec.UserAgent,
		RequestID:    rec.RequestID,
		PrevHash:     hex.EncodeToString(rec.PrevHash),
		EntryHash:    hex.EncodeToString(rec.EntryHash),
		At:           rec.At,
	}
	if rec.ActorID != uuid.Nil {
		v.ActorID = rec.ActorID.String()
	}
	return v
}
