package policy

import (
	"net/http"

	"github.com/polyveda/polyveda/internal/platform/httpx"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/shared"
)

// Middleware guards route groups with engine decisions.
type Middleware struct {
	engine *Engine
}

// NewMiddleware constructs the middleware.
func NewMiddleware(engine *Engine) Middleware {
	return Middleware{engine: engine}
}

// Require authorizes the action against the caller's own institution before
// the handler runs. Handlers that target another institution (super-admin
// surfaces) authorize again with the explicit target.
func (m Middleware) Require(action Action, resourceType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principal.FromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			ref := ResourceRef{Type: resourceType, InstitutionID: p.InstitutionID}
			if _, err := m.engine.Authorize(r.Context(), p, action, ref); err != nil {
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireGlobal authorizes a platform-level action that is not bound to any
// institution, so only global grants can satisfy it.
func (m Middleware) RequireGlobal(action Action, resourceType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := principal.FromContext(r.Context())
			if !ok {
				httpx.RespondError(w, shared.ErrUnauthenticated)
				return
			}
			if _, err := m.engine.Authorize(r.Context(), p, action, ResourceRef{Type: resourceType}); err != nil {
				httpx.RespondError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
