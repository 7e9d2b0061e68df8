package audithttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/polyveda/polyveda/internal/platform/httpx"
	"github.com/polyveda/polyveda/internal/principal"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes registers the audit trail endpoints. Integrity verification
// walks the full chain, so it sits behind a tighter rate limit.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "integrity checks are rate limited")
		}),
	)
	r.Get("/audit", h.handleQuery)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Get("/audit/integrity", h.handleIntegrity)
		gr.Post("/audit/integrity/sweep", h.handleSweep)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if p, ok := principal.FromContext(r.Context()); ok {
		return "principal:" + p.ID.String(), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
