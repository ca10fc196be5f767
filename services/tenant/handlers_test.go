package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/audit"
	"github.com/pavitra93/go-brewery-tenancy/shared/config"
	"github.com/pavitra93/go-brewery-tenancy/shared/credentials"
	"github.com/pavitra93/go-brewery-tenancy/shared/middleware"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
	"github.com/pavitra93/go-brewery-tenancy/shared/tenancy"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeStore keeps tenants, memberships and the default roles in memory.
type fakeStore struct {
	tenants     map[uuid.UUID]*models.Tenant
	memberships []models.TenantUser
	invitations []models.Invitation
}

func (f *fakeStore) AnyByID(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	if t, ok := f.tenants[id]; ok {
		return t, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "fake.AnyByID")
}

func (f *fakeStore) UpdateTenant(_ context.Context, id uuid.UUID, upd tenancy.TenantUpdate) (*models.Tenant, *models.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, nil, apperr.New(apperr.KindNotFound, "fake.UpdateTenant")
	}
	before := *t
	if upd.Name != nil {
		t.Name = *upd.Name
	}
	if upd.Subdomain != nil {
		sub := *upd.Subdomain
		t.Subdomain = &sub
	}
	if upd.PlanType != nil {
		t.PlanType = *upd.PlanType
	}
	if upd.IsActive != nil {
		t.IsActive = *upd.IsActive
	}
	after := *t
	return &before, &after, nil
}

func (f *fakeStore) Members(_ context.Context, tenantID uuid.UUID) ([]models.TenantUser, error) {
	var out []models.TenantUser
	for _, m := range f.memberships {
		if m.TenantID == tenantID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateMembership(_ context.Context, tenantID, userID uuid.UUID, upd tenancy.MembershipUpdate) (*models.TenantUser, error) {
	for i := range f.memberships {
		m := &f.memberships[i]
		if m.TenantID == tenantID && m.UserID == userID {
			if upd.Status != nil {
				m.Status = *upd.Status
			}
			if upd.Role != nil {
				m.Role = *upd.Role
			}
			return m, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "fake.UpdateMembership")
}

func (f *fakeStore) CreateInvitation(_ context.Context, req tenancy.InvitationRequest) (*models.Invitation, error) {
	inv := models.Invitation{ID: uuid.New(), TenantID: req.TenantID, Email: req.Email, Role: req.Role, Token: "tok-" + req.Email, Status: models.InvitationPending}
	f.invitations = append(f.invitations, inv)
	return &inv, nil
}

func (f *fakeStore) ListInvitations(_ context.Context, tenantID uuid.UUID) ([]models.Invitation, error) {
	var out []models.Invitation
	for _, inv := range f.invitations {
		if inv.TenantID == tenantID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeStore) RevokeInvitation(_ context.Context, tenantID, invitationID uuid.UUID) (*models.Invitation, error) {
	for i := range f.invitations {
		inv := &f.invitations[i]
		if inv.ID != invitationID || inv.TenantID != tenantID {
			continue
		}
		if inv.Status == models.InvitationAccepted {
			return nil, apperr.New(apperr.KindInvalidInput, "fake.RevokeInvitation")
		}
		inv.Status = models.InvitationRevoked
		return inv, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "fake.RevokeInvitation")
}

func (f *fakeStore) TenantRole(_ context.Context, tenantID uuid.UUID, name string) (*models.TenantRole, error) {
	for _, def := range tenancy.DefaultRoles() {
		if def.Name == name {
			return &models.TenantRole{TenantID: tenantID, Name: def.Name, Permissions: def.Permissions}, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "fake.TenantRole")
}

func (f *fakeStore) Membership(_ context.Context, userID, tenantID uuid.UUID) (*models.TenantUser, error) {
	for i, m := range f.memberships {
		if m.UserID == userID && m.TenantID == tenantID && m.IsActive() {
			return &f.memberships[i], nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "fake.Membership")
}

type fakeUsers map[uuid.UUID]*models.User

func (f fakeUsers) ByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "fake.User")
}

type fakeProvisioner struct {
	store *fakeStore
	err   error
}

func (p *fakeProvisioner) Provision(_ context.Context, req tenancy.Request) (*tenancy.Result, error) {
	if p.err != nil {
		return nil, p.err
	}
	t := &models.Tenant{ID: uuid.New(), Name: req.Name, Slug: tenancy.Slugify(req.Name), IsActive: true}
	owner := models.TenantUser{ID: uuid.New(), TenantID: t.ID, UserID: req.Owner.ID, Role: tenancy.RoleOwner, Status: models.MembershipActive}
	p.store.tenants[t.ID] = t
	p.store.memberships = append(p.store.memberships, owner)
	return &tenancy.Result{Tenant: t, OwnerMembership: &owner, Attempts: 1}, nil
}

type recordingCache struct{ invalidated []*models.Tenant }

func (r *recordingCache) Invalidate(_ context.Context, tenants ...*models.Tenant) {
	r.invalidated = append(r.invalidated, tenants...)
}

type stubResolver struct{ res *tenancy.Resolution }

func (s stubResolver) Resolve(context.Context, tenancy.RequestContext) (*tenancy.Resolution, error) {
	return s.res, nil
}

type discardRecorder struct{ actions []string }

func (d *discardRecorder) Record(_ context.Context, ev *models.AuditEvent) {
	d.actions = append(d.actions, ev.Action)
}

type testEnv struct {
	router *gin.Engine
	store  *fakeStore
	users  fakeUsers
	cache  *recordingCache
	prov   *fakeProvisioner
	issuer *credentials.Issuer
	tenant *models.Tenant
	audit  *discardRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	issuer, err := credentials.NewIssuer(&config.JWTConfig{
		Secret:     "0123456789abcdef0123456789abcdef",
		Issuer:     "fermentum-auth",
		Audience:   "fermentum-api",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}

	sub := "hopyard"
	tenant := &models.Tenant{ID: uuid.New(), Name: "Hop Yard", Slug: "hop-yard", Subdomain: &sub, PlanType: "free", IsActive: true}
	store := &fakeStore{tenants: map[uuid.UUID]*models.Tenant{tenant.ID: tenant}}
	e := &testEnv{
		store:  store,
		users:  fakeUsers{},
		cache:  &recordingCache{},
		prov:   &fakeProvisioner{store: store},
		issuer: issuer,
		tenant: tenant,
		audit:  &discardRecorder{},
	}
	srv := &server{
		provisioner: e.prov,
		tenants:     store,
		users:       e.users,
		caches:      e.cache,
		resolver:    stubResolver{&tenancy.Resolution{Tenant: tenant, Source: tenancy.SourceSubdomain}},
		issuer:      issuer,
		audit:       e.audit,
		log:         log,
	}
	e.router = gin.New()
	srv.routes(e.router, middleware.NewAuthMiddleware(issuer, store, nil, nil, log))
	return e
}

// member adds a user with role in the test tenant and returns a bearer token.
func (e *testEnv) member(t *testing.T, role string) (*models.User, string) {
	t.Helper()
	u := &models.User{ID: uuid.New(), Email: role + "@hopyard.test", Role: models.SystemRoleTenantOwner, IsActive: true}
	e.users[u.ID] = u
	if role != "" {
		e.store.memberships = append(e.store.memberships, models.TenantUser{
			ID: uuid.New(), TenantID: e.tenant.ID, UserID: u.ID, Role: role, Status: models.MembershipActive,
		})
	}
	token, err := e.issuer.IssueAccessToken(u, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	return u, token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, utils.APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var resp utils.APIResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", w.Body, err)
	}
	return w, resp
}

func (e *testEnv) path(suffix string) string {
	return "/tenants/" + e.tenant.ID.String() + suffix
}

func TestCreateTenantReturnsScopedToken(t *testing.T) {
	e := newTestEnv(t)
	u, token := e.member(t, "")

	w, resp := e.do(t, http.MethodPost, "/tenants", token, CreateTenantRequest{Name: "Stone Creek Brewing"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d body %s", w.Code, w.Body)
	}
	var out struct {
		AccessToken string         `json:"access_token"`
		Tenant      *models.Tenant `json:"tenant"`
	}
	raw, _ := json.Marshal(resp.Data)
	json.Unmarshal(raw, &out)

	claims, err := e.issuer.ValidateAccessToken(out.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if claims.UserID != u.ID.String() || claims.TenantID() != out.Tenant.ID.String() || claims.TenantRole() != tenancy.RoleOwner {
		t.Fatalf("claims = %+v tenant = %+v", claims, claims.Tenant)
	}
	if len(e.audit.actions) != 1 || e.audit.actions[0] != "tenant.created" {
		t.Fatalf("audit = %v", e.audit.actions)
	}
}

func TestCreateTenantFailureIsGeneric(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.member(t, "")
	e.prov.err = apperr.Errorf(apperr.KindSlugCollision, "tenancy.Provision", "slug stone-creek taken after 3 attempts")

	w, resp := e.do(t, http.MethodPost, "/tenants", token, CreateTenantRequest{Name: "Stone Creek"})
	if w.Code != http.StatusInternalServerError || resp.Error != utils.MsgProvisionFailed {
		t.Fatalf("status %d body %s", w.Code, w.Body)
	}
}

func TestTenantRoutesRequireMembership(t *testing.T) {
	e := newTestEnv(t)
	_, outsider := e.member(t, "")

	w, resp := e.do(t, http.MethodGet, e.path(""), outsider, nil)
	if w.Code != http.StatusForbidden || resp.Code != string(apperr.KindNoTenantAccess) {
		t.Fatalf("status %d body %s", w.Code, w.Body)
	}

	_, manager := e.member(t, tenancy.RoleManager)
	if w, _ := e.do(t, http.MethodGet, e.path(""), manager, nil); w.Code != http.StatusOK {
		t.Fatalf("manager read: status %d", w.Code)
	}
	w, resp = e.do(t, http.MethodPut, e.path(""), manager, gin.H{"name": "Renamed"})
	if w.Code != http.StatusForbidden || resp.Code != string(apperr.KindPermissionDenied) {
		t.Fatalf("manager write: status %d body %s", w.Code, w.Body)
	}
}

func TestUpdateTenantInvalidatesOldAndNewEntries(t *testing.T) {
	e := newTestEnv(t)
	_, owner := e.member(t, tenancy.RoleOwner)

	w, _ := e.do(t, http.MethodPut, e.path(""), owner, gin.H{"subdomain": "Stone-Creek"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body)
	}
	if len(e.cache.invalidated) != 2 {
		t.Fatalf("invalidated %d tenants", len(e.cache.invalidated))
	}
	if e.cache.invalidated[0].SubdomainValue() != "hopyard" || e.cache.invalidated[1].SubdomainValue() != "stone-creek" {
		t.Fatalf("invalidated %q and %q", e.cache.invalidated[0].SubdomainValue(), e.cache.invalidated[1].SubdomainValue())
	}

	if w, _ := e.do(t, http.MethodPut, e.path(""), owner, gin.H{"subdomain": "not a label!"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad subdomain: status %d", w.Code)
	}
}

func TestPlanChangeNeedsBillingPermission(t *testing.T) {
	e := newTestEnv(t)
	_, owner := e.member(t, tenancy.RoleOwner)

	if w, _ := e.do(t, http.MethodPut, e.path(""), owner, gin.H{"plan_type": "pro"}); w.Code != http.StatusOK {
		t.Fatalf("owner: status %d", w.Code)
	}
	if w, _ := e.do(t, http.MethodPut, e.path(""), owner, gin.H{"subscription_status": "bogus"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bogus status: %d", w.Code)
	}
}

func TestDeleteTenantDeactivates(t *testing.T) {
	e := newTestEnv(t)
	_, owner := e.member(t, tenancy.RoleOwner)

	if w, _ := e.do(t, http.MethodDelete, e.path(""), owner, nil); w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if e.tenant.IsActive {
		t.Fatal("tenant still active")
	}
	if _, ok := e.store.tenants[e.tenant.ID]; !ok {
		t.Fatal("tenant row removed")
	}
}

func TestMembershipUpdates(t *testing.T) {
	e := newTestEnv(t)
	owner, ownerToken := e.member(t, tenancy.RoleOwner)
	brewer, _ := e.member(t, tenancy.RoleBrewer)

	w, _ := e.do(t, http.MethodPut, e.path("/users/"+brewer.ID.String()), ownerToken, gin.H{"role": tenancy.RoleManager})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d body %s", w.Code, w.Body)
	}
	m, _ := e.store.Membership(context.Background(), brewer.ID, e.tenant.ID)
	if m == nil || m.Role != tenancy.RoleManager {
		t.Fatalf("membership = %+v", m)
	}

	if w, _ := e.do(t, http.MethodPut, e.path("/users/"+owner.ID.String()), ownerToken, gin.H{"status": "revoked"}); w.Code != http.StatusBadRequest {
		t.Fatalf("self change: status %d", w.Code)
	}

	w, _ = e.do(t, http.MethodPut, e.path("/users/"+brewer.ID.String()), ownerToken, gin.H{"status": "revoked"})
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: status %d", w.Code)
	}
	if _, err := e.store.Membership(context.Background(), brewer.ID, e.tenant.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("revoked membership still active: %v", err)
	}
}

func TestInvitationRequiresManageUsers(t *testing.T) {
	e := newTestEnv(t)
	_, brewer := e.member(t, tenancy.RoleBrewer)
	_, owner := e.member(t, tenancy.RoleOwner)

	if w, _ := e.do(t, http.MethodPost, e.path("/invitations"), brewer, InvitationRequest{Email: "new@hopyard.test"}); w.Code != http.StatusForbidden {
		t.Fatalf("brewer: status %d", w.Code)
	}
	w, resp := e.do(t, http.MethodPost, e.path("/invitations"), owner, InvitationRequest{Email: "new@hopyard.test", Role: tenancy.RoleBrewer})
	if w.Code != http.StatusCreated {
		t.Fatalf("owner: status %d body %s", w.Code, w.Body)
	}
	data, _ := resp.Data.(map[string]interface{})
	if data["token"] != "tok-new@hopyard.test" {
		t.Fatalf("data = %v", data)
	}
}

func TestListInvitationsHidesTokens(t *testing.T) {
	e := newTestEnv(t)
	_, brewer := e.member(t, tenancy.RoleBrewer)
	_, owner := e.member(t, tenancy.RoleOwner)
	e.store.invitations = append(e.store.invitations,
		models.Invitation{ID: uuid.New(), TenantID: e.tenant.ID, Email: "a@hopyard.test", Role: tenancy.RoleBrewer, Token: "secret-a", Status: models.InvitationPending},
		models.Invitation{ID: uuid.New(), TenantID: uuid.New(), Email: "b@elsewhere.test", Role: tenancy.RoleBrewer, Token: "secret-b", Status: models.InvitationPending},
	)

	if w, _ := e.do(t, http.MethodGet, e.path("/invitations"), brewer, nil); w.Code != http.StatusForbidden {
		t.Fatalf("brewer: status %d", w.Code)
	}
	w, resp := e.do(t, http.MethodGet, e.path("/invitations"), owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner: status %d body %s", w.Code, w.Body)
	}
	if strings.Contains(w.Body.String(), "secret-") {
		t.Fatalf("token leaked: %s", w.Body)
	}
	list, _ := resp.Data.([]interface{})
	if len(list) != 1 {
		t.Fatalf("data = %v", resp.Data)
	}
}

func TestRevokeInvitation(t *testing.T) {
	e := newTestEnv(t)
	_, brewer := e.member(t, tenancy.RoleBrewer)
	_, owner := e.member(t, tenancy.RoleOwner)
	invID := uuid.New()
	e.store.invitations = append(e.store.invitations,
		models.Invitation{ID: invID, TenantID: e.tenant.ID, Email: "a@hopyard.test", Role: tenancy.RoleBrewer, Token: "tok", Status: models.InvitationPending})

	if w, _ := e.do(t, http.MethodDelete, e.path("/invitations/"+invID.String()), brewer, nil); w.Code != http.StatusForbidden {
		t.Fatalf("brewer: status %d", w.Code)
	}
	if e.store.invitations[0].Status != models.InvitationPending {
		t.Fatal("forbidden caller revoked invitation")
	}

	w, _ := e.do(t, http.MethodDelete, e.path("/invitations/"+invID.String()), owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner: status %d body %s", w.Code, w.Body)
	}
	if e.store.invitations[0].Status != models.InvitationRevoked {
		t.Fatalf("status = %q", e.store.invitations[0].Status)
	}
	if last := e.audit.actions[len(e.audit.actions)-1]; last != audit.ActionInvitationRevoked {
		t.Fatalf("audit actions = %v", e.audit.actions)
	}

	if w, _ := e.do(t, http.MethodDelete, e.path("/invitations/not-a-uuid"), owner, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status %d", w.Code)
	}
	if w, _ := e.do(t, http.MethodDelete, e.path("/invitations/"+uuid.NewString()), owner, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown id: status %d", w.Code)
	}
}

func TestResolveReportsSource(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.member(t, "")

	w, resp := e.do(t, http.MethodGet, "/tenants/resolve", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	data, _ := resp.Data.(map[string]interface{})
	if data["source"] != string(tenancy.SourceSubdomain) {
		t.Fatalf("data = %v", data)
	}
}
