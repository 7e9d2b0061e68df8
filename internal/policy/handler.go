package policy

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/platform/httpx"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/shared"
)

// Handler serves the grant management surface.
type Handler struct {
	logger    *slog.Logger
	admin     *Admin
	engine    *Engine
	validator *validator.Validate
}

// NewHandler constructs a grants handler.
func NewHandler(logger *slog.Logger, admin *Admin, engine *Engine) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		admin:     admin,
		engine:    engine,
		validator: validator.New(),
	}
}

// MountRoutes registers the grant routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/grants", h.handleList)
	r.Put("/grants", h.handlePut)
}

type grantView struct {
	ID            uuid.UUID `json:"id"`
	InstitutionID string    `json:"institution_id,omitempty"`
	Role          string    `json:"role"`
	ResourceType  string    `json:"resource_type"`
	Action        string    `json:"action"`
	Effect        string    `json:"effect"`
	CreatedAt     time.Time `json:"created_at"`
}

type grantSetResponse struct {
	InstitutionID uuid.UUID   `json:"institution_id"`
	Scoped        []grantView `json:"scoped"`
	Global        []grantView `json:"global"`
}

type putGrantRequest struct {
	InstitutionID string `json:"institution_id"`
	Role          string `json:"role" validate:"required,oneof=student faculty department-admin institution-admin super-admin"`
	ResourceType  string `json:"resource_type" validate:"required"`
	Action        string `json:"action" validate:"required"`
	Effect        string `json:"effect" validate:"required,oneof=allow deny"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}

	target := p.InstitutionID
	if raw := strings.TrimSpace(r.URL.Query().Get("institution_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid institution_id", httpx.ErrValidation))
			return
		}
		target = id
	}
	if _, err := h.engine.Authorize(r.Context(), p, "grant:read", ResourceRef{Type: "grant", InstitutionID: target}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	set, err := h.admin.ListGrants(r.Context(), target)
	if err != nil {
		h.logger.Error("list grants failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grantSetResponse{
		InstitutionID: target,
		Scoped:        grantViews(set.Scoped),
		Global:        grantViews(set.Global),
	})
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}

	var req putGrantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}

	grant := Grant{
		Role:         principal.Role(req.Role),
		ResourceType: req.ResourceType,
		Action:       Action(req.Action),
		Effect:       Effect(req.Effect),
	}
	if raw := strings.TrimSpace(req.InstitutionID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid institution_id", httpx.ErrValidation))
			return
		}
		grant.InstitutionID = id
	}

	// A grant without an institution is a global default; only callers
	// holding the global grant:write permission pass this check.
	if _, err := h.engine.Authorize(r.Context(), p, "grant:write", ResourceRef{Type: "grant", InstitutionID: grant.InstitutionID}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	saved, err := h.admin.PutGrant(r.Context(), p, grant)
	if err != nil {
		h.logger.Error("put grant failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, grantViewOf(saved))
}

func grantViews(grants []Grant) []grantView {
	out := make([]grantView, 0, len(grants))
	for _, g := range grants {
		out = append(out, grantViewOf(g))
	}
	return out
}

func grantViewOf(g Grant) grantView {
	v := grantView{
		ID:           g.ID,
		Role:         string(g.Role),
		ResourceType: g.ResourceType,
		Action:       string(g.Action),
		Effect:       string(g.Effect),
		CreatedAt:    g.CreatedAt,
	}
	if g.InstitutionID != uuid.Nil {
		v.InstitutionID = g.InstitutionID.String()
	}
	return v
}
