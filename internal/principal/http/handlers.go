// Package principalhttp serves the principal administration surface.
// Listing crosses the tenant guard; every mutation runs through the policy
// engine before it reaches the service.
package principalhttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/platform/httpx"
	"github.com/polyveda/polyveda/internal/policy"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/shared"
	"github.com/polyveda/polyveda/internal/tenancy"
)

// Authorizer decides and audits principal administration calls.
type Authorizer interface {
	Authorize(ctx context.Context, p principal.Principal, action policy.Action, ref policy.ResourceRef) (policy.Decision, error)
}

// Handler exposes principal account administration over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *principal.Service
	guard    *tenancy.Guard
	authz    Authorizer
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *principal.Service, guard *tenancy.Guard, authz Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		guard:    guard,
		authz:    authz,
		validate: validator.New(),
	}
}

// MountRoutes registers principal routes on the router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/principals", func(r chi.Router) {
		r.Get("/", h.handleList)
		r.Post("/", h.handleCreate)
		r.Get("/{id}", h.handleGet)
		r.Patch("/{id}/role", h.handleChangeRole)
		r.Post("/{id}/deactivate", h.handleDeactivate)
	})
}

type accountView struct {
	ID            uuid.UUID `json:"id"`
	InstitutionID uuid.UUID `json:"institution_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

func viewOf(a principal.Account) accountView {
	return accountView{
		ID:            a.ID,
		InstitutionID: a.InstitutionID,
		Email:         a.Email,
		Name:          a.Name,
		Role:          string(a.Role),
		Active:        a.Active,
		CreatedAt:     a.CreatedAt,
	}
}

type createRequest struct {
	InstitutionID string `json:"institution_id" validate:"omitempty,uuid"`
	Email         string `json:"email" validate:"required,email"`
	Name          string `json:"name" validate:"required"`
	Role          string `json:"role" validate:"required"`
	Password      string `json:"password" validate:"required,min=8"`
}

type roleRequest struct {
	Role string `json:"role" validate:"required"`
}

// handleList serves the institution's accounts. The guard binds the scope:
// admins see their own institution, super-admin may name any institution
// or none at all for the platform-wide view.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return
	}
	target, err := queryInstitution(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sq, err := h.guard.Scope(r.Context(), p, tenancy.Query{InstitutionID: target, Resource: "principal"})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	ref := policy.ResourceRef{Type: "principal"}
	if id, bound := sq.InstitutionID(); bound {
		ref.InstitutionID = id
	}
	if _, err := h.authz.Authorize(r.Context(), p, "principal:read", ref); err != nil {
		httpx.RespondError(w, err)
		return
	}

	var accounts []principal.Account
	if sq.All() {
		accounts, err = h.service.ListAll(r.Context())
	} else {
		id, _ := sq.InstitutionID()
		accounts, err = h.service.List(r.Context(), id)
	}
	if err != nil {
		h.logger.Error("list principals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, viewOf(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"principals": views})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
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

	target := p.InstitutionID
	if req.InstitutionID != "" {
		parsed, err := uuid.Parse(req.InstitutionID)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "institution_id must be a uuid")
			return
		}
		target = parsed
	}
	if _, err := h.authz.Authorize(r.Context(), p, "principal:create", policy.ResourceRef{Type: "principal", InstitutionID: target}); err != nil {
		httpx.RespondError(w, err)
		return
	}

	account, err := h.service.Create(r.Context(), p, principal.CreateInput{
		InstitutionID: target,
		Email:         req.Email,
		Name:          req.Name,
		Role:          req.Role,
		Password:      req.Password,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, viewOf(account))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	account, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ref := policy.ResourceRef{Type: "principal", ID: id.String(), InstitutionID: account.InstitutionID}
	if _, err := h.authz.Authorize(r.Context(), p, "principal:read", ref); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(account))
}

func (h *Handler) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	var req roleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	current, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ref := policy.ResourceRef{Type: "principal", ID: id.String(), InstitutionID: current.InstitutionID}
	if _, err := h.authz.Authorize(r.Context(), p, "principal:role-change", ref); err != nil {
		httpx.RespondError(w, err)
		return
	}

	updated, err := h.service.ChangeRole(r.Context(), p, id, req.Role)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, viewOf(updated))
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	current, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ref := policy.ResourceRef{Type: "principal", ID: id.String(), InstitutionID: current.InstitutionID}
	if _, err := h.authz.Authorize(r.Context(), p, "principal:deactivate", ref); err != nil {
		httpx.RespondError(w, err)
		return
	}

	if err := h.service.Deactivate(r.Context(), p, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *Handler) principalAndID(w http.ResponseWriter, r *http.Request) (principal.Principal, uuid.UUID, bool) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.RespondError(w, shared.ErrUnauthenticated)
		return principal.Principal{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "principal id must be a uuid")
		return principal.Principal{}, uuid.Nil, false
	}
	return p, id, true
}

func queryInstitution(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("institution_id"))
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid institution_id", httpx.ErrValidation)
	}
	return id, nil
}
