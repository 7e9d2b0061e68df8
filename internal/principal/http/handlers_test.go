package principalhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/polyveda/polyveda/internal/audit"
	"github.com/polyveda/polyveda/internal/platform/db"
	"github.com/polyveda/polyveda/internal/policy"
	"github.com/polyveda/polyveda/internal/principal"
	"github.com/polyveda/polyveda/internal/shared"
	"github.com/polyveda/polyveda/internal/tenancy"
)

type stubQuota struct {
	err error
}

func (s stubQuota) CheckUserQuota(ctx context.Context, institutionID uuid.UUID) error {
	return s.err
}

type stubAuthz struct {
	err        error
	lastAction policy.Action
	lastRef    policy.ResourceRef
}

func (s *stubAuthz) Authorize(ctx context.Context, p principal.Principal, action policy.Action, ref policy.ResourceRef) (policy.Decision, error) {
	s.lastAction = action
	s.lastRef = ref
	if s.err != nil {
		return policy.Decision{Allowed: false, Reason: shared.ReasonExplicitDeny}, s.err
	}
	return policy.Decision{Allowed: true, Reason: shared.ReasonGranted}, nil
}

type handlerFixture struct {
	repo   *principal.MemoryRepository
	trail  *audit.MemoryStore
	authz  *stubAuthz
	router http.Handler
}

func newHandlerFixture(t *testing.T, quota stubQuota) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		repo:  principal.NewMemoryRepository(),
		trail: audit.NewMemoryStore(),
		authz: &stubAuthz{},
	}
	recorder := audit.NewRecorder(f.trail, nil, nil, audit.RecorderConfig{Attempts: 1, Backoff: time.Millisecond})
	service := principal.NewService(f.repo, recorder, quota, db.PassRunner{}, nil)
	guard := tenancy.NewGuard(recorder, nil, nil)
	handler := NewHandler(nil, service, guard, f.authz)

	r := chi.NewRouter()
	handler.MountRoutes(r)
	f.router = r
	return f
}

func (f *handlerFixture) seed(t *testing.T, inst uuid.UUID, email string, role principal.Role) principal.Account {
	t.Helper()
	acct := principal.Account{
		ID:            uuid.New(),
		InstitutionID: inst,
		Email:         email,
		Name:          "Seeded",
		Role:          role,
		PasswordHash:  "x",
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := f.repo.Create(context.Background(), acct); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return acct
}

func (f *handlerFixture) do(method, target string, body string, p principal.Principal) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req = req.WithContext(principal.ContextWithPrincipal(req.Context(), p))
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

func adminOf(inst uuid.UUID) principal.Principal {
	return principal.Principal{ID: uuid.New(), InstitutionID: inst, Role: principal.RoleInstitutionAdmin, SessionID: "tok"}
}

func superAdmin(inst uuid.UUID) principal.Principal {
	return principal.Principal{ID: uuid.New(), InstitutionID: inst, Role: principal.RoleSuperAdmin, SessionID: "tok"}
}

func decodeList(t *testing.T, res *httptest.ResponseRecorder) []accountView {
	t.Helper()
	var resp struct {
		Principals []accountView `json:"principals"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Principals
}

func TestListScopesToOwnInstitution(t *testing.T) {
	instA, instB := uuid.New(), uuid.New()
	f := newHandlerFixture(t, stubQuota{})
	f.seed(t, instA, "a1@one.edu", principal.RoleStudent)
	f.seed(t, instA, "a2@one.edu", principal.RoleFaculty)
	f.seed(t, instB, "b1@two.edu", principal.RoleStudent)

	res := f.do(http.MethodGet, "/principals", "", adminOf(instA))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	views := decodeList(t, res)
	if len(views) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(views))
	}
	for _, v := range views {
		if v.InstitutionID != instA {
			t.Fatalf("leaked foreign account %+v", v)
		}
	}
	if f.authz.lastAction != "principal:read" || f.authz.lastRef.InstitutionID != instA {
		t.Fatalf("authorization saw %s %+v", f.authz.lastAction, f.authz.lastRef)
	}
}

func TestListForeignInstitutionRejected(t *testing.T) {
	instA, instB := uuid.New(), uuid.New()
	f := newHandlerFixture(t, stubQuota{})
	f.seed(t, instB, "b1@two.edu", principal.RoleStudent)

	res := f.do(http.MethodGet, "/principals?institution_id="+instB.String(), "", adminOf(instA))
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
	recs := f.trail.Records(instB)
	if len(recs) != 1 || recs[0].Reason != shared.ReasonCrossTenant {
		t.Fatalf("expected one cross-tenant record, got %+v", recs)
	}
}

func TestListPlatformWide(t *testing.T) {
	instA, instB := uuid.New(), uuid.New()
	f := newHandlerFixture(t, stubQuota{})
	f.seed(t, instA, "a1@one.edu", principal.RoleStudent)
	f.seed(t, instB, "b1@two.edu", principal.RoleStudent)

	res := f.do(http.MethodGet, "/principals", "", superAdmin(instA))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if views := decodeList(t, res); len(views) != 2 {
		t.Fatalf("expected platform-wide listing, got %d accounts", len(views))
	}
}

func TestCreateDefaultsToCallerInstitution(t *testing.T) {
	inst := uuid.New()
	f := newHandlerFixture(t, stubQuota{})

	body := `{"email":"new@one.edu","name":"New Account","role":"student","password":"long-enough-pass"}`
	res := f.do(http.MethodPost, "/principals", body, adminOf(inst))
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}
	var view accountView
	if err := json.Unmarshal(res.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.InstitutionID != inst || view.Role != "student" {
		t.Fatalf("unexpected account %+v", view)
	}
	if f.authz.lastAction != "principal:create" || f.authz.lastRef.InstitutionID != inst {
		t.Fatalf("authorization saw %s %+v", f.authz.lastAction, f.authz.lastRef)
	}
}

func TestCreateQuotaExceeded(t *testing.T) {
	inst := uuid.New()
	f := newHandlerFixture(t, stubQuota{err: shared.ErrQuotaExceeded})

	body := `{"email":"new@one.edu","name":"New Account","role":"student","password":"long-enough-pass"}`
	res := f.do(http.MethodPost, "/principals", body, adminOf(inst))
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.Code, res.Body.String())
	}
	recs := f.trail.Records(inst)
	if len(recs) != 1 || recs[0].Decision != audit.DecisionDeny || recs[0].Reason != shared.ReasonQuotaUsers {
		t.Fatalf("expected quota deny record, got %+v", recs)
	}
}

func TestCreateInvalidRole(t *testing.T) {
	inst := uuid.New()
	f := newHandlerFixture(t, stubQuota{})

	body := `{"email":"new@one.edu","name":"New Account","role":"emperor","password":"long-enough-pass"}`
	res := f.do(http.MethodPost, "/principals", body, adminOf(inst))
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestChangeRole(t *testing.T) {
	inst := uuid.New()
	f := newHandlerFixture(t, stubQuota{})
	acct := f.seed(t, inst, "member@one.edu", principal.RoleStudent)

	res := f.do(http.MethodPatch, fmt.Sprintf("/principals/%s/role", acct.ID), `{"role":"faculty"}`, adminOf(inst))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	updated, err := f.repo.Get(context.Background(), acct.ID)
	if err != nil || updated.Role != principal.RoleFaculty {
		t.Fatalf("role not updated: %+v err=%v", updated, err)
	}
	recs := f.trail.Records(inst)
	last := recs[len(recs)-1]
	if last.Action != "principal:role-change" || last.Severity != audit.SeverityHigh {
		t.Fatalf("unexpected audit record %+v", last)
	}
}

func TestDeactivate(t *testing.T) {
	inst := uuid.New()
	f := newHandlerFixture(t, stubQuota{})
	acct := f.seed(t, inst, "member@one.edu", principal.RoleStudent)

	res := f.do(http.MethodPost, fmt.Sprintf("/principals/%s/deactivate", acct.ID), "", adminOf(inst))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	updated, err := f.repo.Get(context.Background(), acct.ID)
	if err != nil || updated.Active {
		t.Fatalf("account still active: %+v err=%v", updated, err)
	}
}

func TestMutationsDeniedByEngine(t *testing.T) {
	inst := uuid.New()
	f := newHandlerFixture(t, stubQuota{})
	acct := f.seed(t, inst, "member@one.edu", principal.RoleStudent)
	f.authz.err = fmt.Errorf("%w: %s", shared.ErrUnauthorized, shared.ReasonExplicitDeny)

	res := f.do(http.MethodPost, fmt.Sprintf("/principals/%s/deactivate", acct.ID), "", adminOf(inst))
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
	updated, _ := f.repo.Get(context.Background(), acct.ID)
	if !updated.Active {
		t.Fatalf("deactivation went through despite deny")
	}
}
