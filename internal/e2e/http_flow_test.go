package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/polyveda/polyveda/internal/app"
	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/auth"
	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/policy"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/session"
	"github.com/polyveda/polyveda/internal/shared"
	"github.com/polyveda/polyveda/internal/tenancy"
	_ "github.com/polyveda/polyveda/testing"
)

const appPassword = "correct-horse-battery"

// appFixture runs the real router with the full middleware chain. Only the
// stores differ from production: memory repositories and a miniredis behind
// the session cache and login throttle.
type appFixture struct {
	mr           *miniredis.Miniredis
	trail        *audit.MemoryStore
	accounts     *principal.MemoryRepository
	institutions *tenancy.MemoryRepository
	sessions     *session.Service
	router       http.Handler
}

func newAppFixture(t *testing.T, grants ...policy.Grant) *appFixture {
	t.Helper()
	f := &appFixture{
		mr:           miniredis.RunT(t),
		trail:        audit.NewMemoryStore(),
		accounts:     principal.NewMemoryRepository(),
		institutions: tenancy.NewMemoryRepository(),
	}
	rdb := redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	recorder := audit.NewRecorder(f.trail, nil, nil, audit.RecorderConfig{Attempts: 1, Backoff: time.Millisecond})
	f.sessions = session.NewService(session.NewMemoryRepository(), session.NewCache(rdb), recorder, db.PassRunner{}, nil, nil, session.Config{TTL: time.Hour, MaxPerPrincipal: 5})
	resolver := principal.NewResolver(f.sessions, f.accounts, nil)

	engine := policy.NewEngine(policy.NewMemoryStore(grants...), recorder, nil, nil)
	if err := engine.Load(context.Background()); err != nil {
		t.Fatalf("load grants: %v", err)
	}

	csrf := shared.NewCSRFManager("e2e-secret")
	throttle := auth.NewThrottle(rdb, 3, time.Minute)
	authService := auth.NewService(f.accounts, f.sessions, recorder, throttle, engine, nil)

	instService := tenancy.NewService(f.institutions, f.accounts, recorder, db.PassRunner{}, nil, nil)

	cfg := &app.Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second}
	f.router = app.NewRouter(app.RouterParams{
		Config:              cfg,
		Resolver:            resolver,
		CSRFManager:         csrf,
		AuthHandler:         auth.NewHandler(nil, authService, csrf, false),
		InstitutionsHandler: tenancy.NewHandler(nil, instService, engine),
	})
	return f
}

func (f *appFixture) seedInstitution(t *testing.T, slug string) tenancy.Institution {
	t.Helper()
	inst := tenancy.Institution{
		ID:        uuid.New(),
		Slug:      slug,
		Name:      strings.ToUpper(slug),
		Tier:      tenancy.TierBasic,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.institutions.Create(context.Background(), inst); err != nil {
		t.Fatalf("seed institution: %v", err)
	}
	f.accounts.SetInstitutionActive(inst.ID, true)
	return inst
}

func (f *appFixture) seedAccount(t *testing.T, institutionID uuid.UUID, email string, role principal.Role) principal.Account {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(appPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	acct := principal.Account{
		ID:            uuid.New(),
		InstitutionID: institutionID,
		Email:         email,
		Name:          "E2E Account",
		Role:          role,
		PasswordHash:  string(hash),
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := f.accounts.Create(context.Background(), acct); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	f.accounts.SetInstitutionActive(institutionID, true)
	return acct
}

func (f *appFixture) do(req *http.Request) *httptest.ResponseRecorder {
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

type loginResult struct {
	token  string
	csrf   string
	cookie *http.Cookie
}

func (f *appFixture) login(t *testing.T, email string) loginResult {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"password":%q}`, email, appPassword)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := f.do(req)
	if res.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var resp struct {
		Token     string `json:"token"`
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	out := loginResult{token: resp.Token, csrf: resp.CSRFToken}
	for _, c := range res.Result().Cookies() {
		if c.Name == auth.SessionCookie {
			out.cookie = c
		}
	}
	if out.cookie == nil {
		t.Fatal("login set no session cookie")
	}
	return out
}

func TestBrowserSessionLifecycle(t *testing.T) {
	f := newAppFixture(t)
	inst := f.seedInstitution(t, "one")
	f.seedAccount(t, inst.ID, "faculty@one.edu", principal.RoleFaculty)

	login := f.login(t, "faculty@one.edu")

	// Reads need only the cookie.
	req := httptest.NewRequest(http.MethodGet, "/api/auth/sessions", nil)
	req.AddCookie(login.cookie)
	if res := f.do(req); res.Code != http.StatusOK {
		t.Fatalf("list sessions: expected 200, got %d: %s", res.Code, res.Body.String())
	}

	// A cookie-authenticated mutation without the CSRF header must not pass.
	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(login.cookie)
	res := f.do(req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("logout without csrf: expected 403, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "CSRF") {
		t.Fatalf("expected CSRF problem, got %s", res.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(login.cookie)
	req.Header.Set(shared.CSRFHeader, login.csrf)
	if res := f.do(req); res.Code != http.StatusOK {
		t.Fatalf("logout with csrf: expected 200, got %d: %s", res.Code, res.Body.String())
	}

	// The revoked token no longer resolves; protected routes now 401.
	req = httptest.NewRequest(http.MethodGet, "/api/auth/sessions", nil)
	req.AddCookie(login.cookie)
	if res := f.do(req); res.Code != http.StatusUnauthorized {
		t.Fatalf("after logout: expected 401, got %d", res.Code)
	}
}

func TestBearerClientSkipsCSRF(t *testing.T) {
	f := newAppFixture(t)
	inst := f.seedInstitution(t, "one")
	f.seedAccount(t, inst.ID, "faculty@one.edu", principal.RoleFaculty)

	login := f.login(t, "faculty@one.edu")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+login.token)
	if res := f.do(req); res.Code != http.StatusOK {
		t.Fatalf("bearer logout: expected 200, got %d: %s", res.Code, res.Body.String())
	}
}

func TestCrossTenantInstitutionReadIsBlocked(t *testing.T) {
	grant := policy.Grant{
		ID:           uuid.New(),
		Role:         principal.RoleInstitutionAdmin,
		ResourceType: "institution",
		Action:       "institution:read",
		Effect:       policy.EffectAllow,
	}
	f := newAppFixture(t, grant)
	instA := f.seedInstitution(t, "one")
	instB := f.seedInstitution(t, "two")
	f.seedAccount(t, instA.ID, "admin@one.edu", principal.RoleInstitutionAdmin)

	login := f.login(t, "admin@one.edu")

	req := httptest.NewRequest(http.MethodGet, "/api/institutions/"+instA.ID.String(), nil)
	req.Header.Set("Authorization", "Bearer "+login.token)
	if res := f.do(req); res.Code != http.StatusOK {
		t.Fatalf("own institution: expected 200, got %d: %s", res.Code, res.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/institutions/"+instB.ID.String(), nil)
	req.Header.Set("Authorization", "Bearer "+login.token)
	res := f.do(req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("foreign institution: expected 403, got %d: %s", res.Code, res.Body.String())
	}
	if !strings.Contains(res.Body.String(), "Cross-Tenant") {
		t.Fatalf("expected cross-tenant problem, got %s", res.Body.String())
	}

	records := f.trail.Records(instB.ID)
	if len(records) == 0 {
		t.Fatal("expected an audit record at the target institution")
	}
	last := records[len(records)-1]
	if last.Decision != audit.DecisionDeny || last.Reason != shared.ReasonCrossTenant || last.Severity != audit.SeverityCritical {
		t.Fatalf("audit record %+v, want critical cross-tenant deny", last)
	}
}

func TestSuperAdminCreatesInstitution(t *testing.T) {
	grants := []policy.Grant{
		{ID: uuid.New(), Role: principal.RoleSuperAdmin, ResourceType: "institution", Action: "institution:create", Effect: policy.EffectAllow},
		{ID: uuid.New(), Role: principal.RoleSuperAdmin, ResourceType: "institution", Action: "institution:read", Effect: policy.EffectAllow},
	}
	f := newAppFixture(t, grants...)
	platform := f.seedInstitution(t, "polyveda")
	f.seedAccount(t, platform.ID, "root@polyveda.local", principal.RoleSuperAdmin)

	login := f.login(t, "root@polyveda.local")

	body := `{"slug":"newton","name":"Newton College","tier":"professional","max_users":500,"max_storage_gb":50}`
	req := httptest.NewRequest(http.MethodPost, "/api/institutions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+login.token)
	res := f.do(req)
	if res.Code != http.StatusCreated {
		t.Fatalf("create institution: expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var created struct {
		ID   uuid.UUID `json:"id"`
		Slug string    `json:"slug"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Slug != "newton" {
		t.Fatalf("created slug %q, want newton", created.Slug)
	}

	// The new tenant is reachable cross-institution for the super-admin.
	req = httptest.NewRequest(http.MethodGet, "/api/institutions/"+created.ID.String(), nil)
	req.Header.Set("Authorization", "Bearer "+login.token)
	if res := f.do(req); res.Code != http.StatusOK {
		t.Fatalf("read new institution: expected 200, got %d: %s", res.Code, res.Body.String())
	}

	records := f.trail.Records(created.ID)
	found := false
	for _, rec := range records {
		if rec.Action == "institution:create" && rec.Decision == audit.DecisionAllow {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected institution:create audit record, got %+v", records)
	}
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	f := newAppFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/institutions", nil)
	res := f.do(req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "Unauthenticated") {
		t.Fatalf("expected problem body, got %s", res.Body.String())
	}

	// A stale token resolves to nothing and falls through to the same 401.
	req = httptest.NewRequest(http.MethodGet, "/api/institutions", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookie, Value: "stale-token"})
	if res := f.do(req); res.Code != http.StatusUnauthorized {
		t.Fatalf("stale token: expected 401, got %d", res.Code)
	}
}

func TestHealthzOpenWithSecurityHeaders(t *testing.T) {
	f := newAppFixture(t)

	res := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected healthz body %s", res.Body.String())
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q, want DENY", got)
	}
	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q, want nosniff", got)
	}
}
