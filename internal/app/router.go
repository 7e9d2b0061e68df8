package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/polyveda/polyveda/internal/audit/http"
	"github.com/polyveda/polyveda/internal/auth"
	"github.com/polyveda/polyveda/internal/observability"
	"github.com/polyveda/polyveda/internal/policy"
	"github.com/polyveda/polyveda/internal/principal"
	principalhttp "github.com/polyveda/polyveda/internal/principal/http"
	"github.com/polyveda/polyveda/internal/shared"
	"github.com/polyveda/polyveda/internal/tenancy"
	"github.com/polyveda/polyveda/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	Resolver            *principal.Resolver
	CSRFManager         *shared.CSRFManager
	AuthHandler         *auth.Handler
	InstitutionsHandler *tenancy.Handler
	PrincipalsHandler   *principalhttp.Handler
	GrantsHandler       *policy.Handler
	AuditHandler        *audithttp.Handler
	JobsHandler         *jobs.Handler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with PolyVeda defaults. Everything
// under /api except login requires a resolved principal; /healthz and
// /metrics stay open for probes and scrapers.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:      params.Logger,
		Config:      params.Config,
		Resolver:    params.Resolver,
		CSRFManager: params.CSRFManager,
		Metrics:     params.Metrics,
	}) {
		r.Use(mw)
	}

	if !InTestMode() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api", func(api chi.Router) {
		params.AuthHandler.MountPublicRoutes(api)

		api.Group(func(g chi.Router) {
			g.Use(RequireAuth)
			params.AuthHandler.MountRoutes(g)
			if params.InstitutionsHandler != nil {
				params.InstitutionsHandler.MountRoutes(g)
			}
			if params.PrincipalsHandler != nil {
				params.PrincipalsHandler.MountRoutes(g)
			}
			if params.GrantsHandler != nil {
				params.GrantsHandler.MountRoutes(g)
			}
			if params.AuditHandler != nil {
				params.AuditHandler.MountRoutes(g)
			}
			if params.JobsHandler != nil {
				params.JobsHandler.MountRoutes(g)
			}
		})
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
