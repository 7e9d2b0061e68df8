package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/platform/httpx"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/session"
	"github.com/polyveda/polyveda/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger        *slog.Logger
	service       *Service
	csrf          *shared.CSRFManager
	validator     *validator.Validate
	secureCookies bool
}

// NewHandler constructs a Handler instance. secureCookies marks the
// session cookie Secure and should be on in production.
func NewHandler(logger *slog.Logger, service *Service, csrf *shared.CSRFManager, secureCookies bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:        logger,
		service:       service,
		csrf:          csrf,
		validator:     validator.New(),
		secureCookies: secureCookies,
	}
}

// MountPublicRoutes registers the routes that work without a session.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Post("/auth/login", h.handleLogin)
}

// MountRoutes registers the session-management routes. The caller wraps
// them in the authentication middleware.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/auth/logout", h.handleLogout)
	r.Get("/auth/sessions", h.handleListSessions)
	r.Delete("/auth/sessions/{sessionID}", h.handleRevokeSession)
}

type loginRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	Fingerprint string `json:"fingerprint" validate:"omitempty,max=256"`
}

type principalView struct {
	ID            uuid.UUID `json:"id"`
	InstitutionID uuid.UUID `json:"institution_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
}

type loginResponse struct {
	Token     string        `json:"token"`
	CSRFToken string        `json:"csrf_token"`
	ExpiresAt time.Time     `json:"expires_at"`
	Principal principalView `json:"principal"`
}

type sessionView struct {
	ID          string    `json:"id"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	LastSeen    time.Time `json:"last_seen"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	IP          string    `json:"ip,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Current     bool      `json:"current"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	client := shared.ClientFromContext(r.Context())
	client.Fingerprint = req.Fingerprint
	ctx := shared.ContextWithClient(r.Context(), client)

	sess, acct, err := h.service.Login(ctx, req.Email, req.Password, client)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	http.SetCookie(w, NewSessionCookie(sess.ID, sess.ExpiresAt, h.secureCookies))
	httpx.JSON(w, http.StatusOK, loginResponse{
		Token:     sess.ID,
		CSRFToken: h.csrf.TokenFor(sess.ID),
		ExpiresAt: sess.ExpiresAt,
		Principal: principalView{
			ID:            acct.ID,
			InstitutionID: acct.InstitutionID,
			Email:         acct.Email,
			Name:          acct.Name,
			Role:          string(acct.Role),
		},
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthenticated", "authentication required")
		return
	}
	if err := h.service.Logout(r.Context(), p); err != nil {
		h.logger.Warn("logout failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	http.SetCookie(w, ExpiredSessionCookie(h.secureCookies))
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "logged-out"})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthenticated", "authentication required")
		return
	}
	sessions, err := h.service.ListSessions(r.Context(), p)
	if err != nil {
		h.logger.Error("list sessions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionViewOf(sess, p.SessionID))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (h *Handler) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthenticated", "authentication required")
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "session id required")
		return
	}
	if err := h.service.RevokeSession(r.Context(), p, sessionID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if sessionID == p.SessionID {
		http.SetCookie(w, ExpiredSessionCookie(h.secureCookies))
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func sessionViewOf(sess session.Session, currentID string) sessionView {
	return sessionView{
		ID:          sess.ID,
		IssuedAt:    sess.IssuedAt,
		ExpiresAt:   sess.ExpiresAt,
		LastSeen:    sess.LastSeen,
		Fingerprint: sess.Fingerprint,
		IP:          sess.IP,
		UserAgent:   sess.UserAgent,
		Current:     sess.ID == currentID,
	}
}
