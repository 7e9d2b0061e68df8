package app

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/polyveda/polyveda/internal/auth"
	"github.com/polyveda/polyveda/internal/observability"
	"github.com/polyveda/polyveda/internal/platform/httpx"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/shared"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger      *slog.Logger
	Config      *Config
	Resolver    *principal.Resolver
	CSRFManager *shared.CSRFManager
	Metrics     *observability.Metrics
}

type cookieAuthContextKey struct{}

func contextWithCookieAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, cookieAuthContextKey{}, true)
}

func isCookieAuth(ctx context.Context) bool {
	v, _ := ctx.Value(cookieAuthContextKey{}).(bool)
	return v
}

// MiddlewareStack installs the PolyVeda middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		FeaturePolicy:         "none",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	// clientMiddleware captures request metadata while it is still cheap to
	// read. Audit records carry these values verbatim.
	clientMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			ctx := shared.ContextWithClient(r.Context(), shared.Client{
				IP:        ip,
				UserAgent: r.UserAgent(),
				RequestID: middleware.GetReqID(r.Context()),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	// resolveMiddleware attaches the principal when the request carries a
	// live session token. Requests with no token, or a stale one, continue
	// anonymously so public routes keep working; RequireAuth turns the
	// missing principal into a 401 on protected routes.
	resolveMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, fromCookie := auth.TokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			p, err := cfg.Resolver.Resolve(r.Context(), token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := principal.ContextWithPrincipal(r.Context(), p)
			if fromCookie {
				ctx = contextWithCookieAuth(ctx)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	// csrfMiddleware guards cookie-authenticated mutations. Bearer requests
	// are exempt because an attacker cannot make a victim's browser attach
	// an Authorization header cross-site.
	csrfMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if !isCookieAuth(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := principal.FromContext(r.Context())
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if err := cfg.CSRFManager.Verify(p.SessionID, r.Header.Get(shared.CSRFHeader)); err != nil {
				logger.Warn("csrf validation failed", slog.String("path", r.URL.Path))
				httpx.Problem(w, http.StatusForbidden, "CSRF Verification Failed", "missing or invalid CSRF token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		clientMiddleware,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
		resolveMiddleware,
		csrfMiddleware,
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}

// RequireAuth rejects requests that did not resolve to a principal.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := principal.FromContext(r.Context()); !ok {
			httpx.RespondError(w, shared.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}
