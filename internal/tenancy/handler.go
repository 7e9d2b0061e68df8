package tenancy

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/platform/httpx"
	"github.com/polyveda/polyveda/internal/policy"
	"github.com/polyveda/polyveda/internal/principal"
)

// Authorizer decides and audits institution administration calls.
type Authorizer interface {
	Authorize(ctx context.Context, p principal.Principal, action policy.Action, ref policy.ResourceRef) (policy.Decision, error)
}

// Handler exposes institution administration over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	authz    Authorizer
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service, authz Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		authz:    authz,
		validate: validator.New(),
	}
}

// MountRoutes registers institution routes on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/institutions", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Patch("/{id}", h.handleUpdate)
		r.Post("/{id}/deactivate", h.handleDeactivate)
		r.Post("/{id}/reactivate", h.handleReactivate)
	})
}

type institutionView struct {
	ID            uuid.UUID  `json:"id"`
	Slug          string     `json:"slug"`
	Name          string     `json:"name"`
	Tier          string     `json:"tier"`
	MaxUsers      int        `json:"max_users"`
	MaxStorageGB  int        `json:"max_storage_gb"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

func viewOf(inst Institution) institutionView {
	return institutionView{
		ID:            inst.ID,
		Slug:          inst.Slug,
		Name:          inst.Name,
		Tier:          string(inst.Tier),
		MaxUsers:      inst.MaxUsers,
		MaxStorageGB:  inst.MaxStorageGB,
		Active:        inst.Active,
		CreatedAt:     inst.CreatedAt,
		DeactivatedAt: inst.DeactivatedAt,
	}
}

type createRequest struct {
	Slug         string `json:"slug" validate:"required"`
	Name         string `json:"name" validate:"required"`
	Tier         string `json:"tier" validate:"required,oneof=basic professional enterprise custom"`
	MaxUsers     int    `json:"max_users" validate:"gte=0"`
	MaxStorageGB int    `json:"max_storage_gb" validate:"gte=0"`
}

type updateRequest struct {
	Name         *string `json:"name" validate:"omitempty,min=1"`
	Tier         *string `json:"tier" validate:"omitempty,oneof=basic professional enterprise custom"`
	MaxUsers     *int    `json:"max_users" validate:"omitempty,gte=0"`
	MaxStorageGB *int    `json:"max_storage_gb" validate:"omitempty,gte=0"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthenticated", "authentication required")
		return
	}
	if _, err := h.authz.Authorize(r.Context(), p, "institution:read", policy.ResourceRef{Type: "institution"}); err != nil {
		httpx.RespondError(w, err)
		return
	}
	institutions, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("list institutions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]institutionView, 0, len(institutions))
	for _, inst := range institutions {
		views = append(views, viewOf(inst))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"institutions": views})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthenticated", "authentication required")
		return
	}
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if _, err := h.authz.Authorize(r.Context(), p, "institution:create", policy.ResourceRef{Type: "institution"}); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inst, err := h.service.Create(r.Context(), p, CreateInput{
		Slug:         req.Slug,
		Name:         req.Name,
		Tier:         req.Tier,
		MaxUsers:     req.MaxUsers,
		MaxStorageGB: req.MaxStorageGB,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, viewOf(inst))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, p, "institution:read", id) {
		return
	}
	inst, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(inst))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if !h.authorize(w, r, p, "institution:update", id) {
		return
	}
	inst, err := h.service.Update(r.Context(), p, id, UpdateInput{
		Name:         req.Name,
		Tier:         req.Tier,
		MaxUsers:     req.MaxUsers,
		MaxStorageGB: req.MaxStorageGB,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(inst))
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, p, "institution:deactivate", id) {
		return
	}
	if err := h.service.Deactivate(r.Context(), p, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, p, "institution:reactivate", id) {
		return
	}
	if err := h.service.Reactivate(r.Context(), p, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (h *Handler) principalAndID(w http.ResponseWriter, r *http.Request) (principal.Principal, uuid.UUID, bool) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthenticated", "authentication required")
		return principal.Principal{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "institution id must be a uuid")
		return principal.Principal{}, uuid.Nil, false
	}
	return p, id, true
}

// authorize checks a per-institution action. The institution is its own
// tenant scope, so an institution-admin holding a scoped grant may operate
// on their institution while super-admin reaches all of them.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, p principal.Principal, action policy.Action, id uuid.UUID) bool {
	ref := policy.ResourceRef{Type: "institution", ID: id.String(), InstitutionID: id}
	if _, err := h.authz.Authorize(r.Context(), p, action, ref); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}
