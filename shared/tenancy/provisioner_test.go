package tenancy

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/config"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// memStore enforces slug and subdomain uniqueness the way the unique indexes do.
type memStore struct {
	mu         sync.Mutex
	bySlug     map[string]*models.Tenant
	subdomains map[string]bool
	deleted    []uuid.UUID
	members    map[uuid.UUID]*models.TenantUser

	seedErr      error
	beforeInsert func(s *memStore, t *models.Tenant)
}

func newMemStore() *memStore {
	return &memStore{
		bySlug:     map[string]*models.Tenant{},
		subdomains: map[string]bool{},
		members:    map[uuid.UUID]*models.TenantUser{},
	}
}

func (s *memStore) SlugExists(_ context.Context, slug string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bySlug[slug]
	return ok, nil
}

func (s *memStore) InsertTenant(_ context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.beforeInsert != nil {
		s.beforeInsert(s, t)
	}
	if _, ok := s.bySlug[t.Slug]; ok {
		return &pgconn.PgError{Code: "23505", ConstraintName: "idx_tenants_slug"}
	}
	if sub := t.SubdomainValue(); sub != "" {
		if s.subdomains[sub] {
			return &pgconn.PgError{Code: "23505", ConstraintName: "idx_tenants_subdomain"}
		}
		s.subdomains[sub] = true
	}
	cp := *t
	s.bySlug[t.Slug] = &cp
	return nil
}

func (s *memStore) DeleteTenant(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for slug, t := range s.bySlug {
		if t.ID == id {
			delete(s.bySlug, slug)
			if sub := t.SubdomainValue(); sub != "" {
				delete(s.subdomains, sub)
			}
		}
	}
	delete(s.members, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *memStore) SeedRolesAndOwner(_ context.Context, t *models.Tenant, roles []RoleDefinition, owner *models.TenantUser) (*models.TenantRole, error) {
	if s.seedErr != nil {
		return nil, s.seedErr
	}
	if len(roles) == 0 || roles[0].Name != RoleOwner {
		return nil, errors.New("owner role missing from catalog")
	}
	role := &models.TenantRole{ID: uuid.New(), TenantID: t.ID, Name: RoleOwner, Permissions: roles[0].Permissions}
	owner.TenantRoleID = &role.ID

	s.mu.Lock()
	s.members[t.ID] = owner
	s.mu.Unlock()
	return role, nil
}

func (s *memStore) slugs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for slug := range s.bySlug {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

type fakeSchemas struct {
	mu        sync.Mutex
	createErr error
	created   map[string]bool
	dropped   []string
}

func (f *fakeSchemas) CreateSchema(_ context.Context, t *models.Tenant) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created == nil {
		f.created = map[string]bool{}
	}
	f.created[t.SchemaName] = true
	return nil
}

func (f *fakeSchemas) DropSchema(_ context.Context, t *models.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, t.SchemaName)
	delete(f.created, t.SchemaName)
	return nil
}

type recordingInvalidator struct {
	mu      sync.Mutex
	tenants []uuid.UUID
}

func (r *recordingInvalidator) Invalidate(_ context.Context, tenants ...*models.Tenant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tenants {
		r.tenants = append(r.tenants, t.ID)
	}
}

type billingFunc func(ctx context.Context, t *models.Tenant, plan, pm string) error

func (f billingFunc) AttachSubscription(ctx context.Context, t *models.Tenant, plan, pm string) error {
	return f(ctx, t, plan, pm)
}

func newTestProvisioner(store ProvisionStore, schemas SchemaManager, caches CacheInvalidator, billing BillingProvider, attempts int) *Provisioner {
	cfg := &config.TenancyConfig{MaxAttempts: attempts, RetryBackoff: time.Millisecond, DefaultPlan: "free"}
	p := NewProvisioner(store, schemas, caches, billing, cfg, discardLogger())
	p.sleep = func(time.Duration) {}
	return p
}

func owner() *models.User {
	return &models.User{ID: uuid.New(), Email: "owner@austinale.com"}
}

func TestProvisionDerivesSlugAndSuffixesDuplicates(t *testing.T) {
	store := newMemStore()
	schemas := &fakeSchemas{}
	caches := &recordingInvalidator{}
	p := newTestProvisioner(store, schemas, caches, nil, 3)

	first, err := p.Provision(context.Background(), Request{Name: "Austin Ale Works", Owner: owner()})
	if err != nil {
		t.Fatalf("first provision: %v", err)
	}
	if first.Tenant.Slug != "austin-ale-works" {
		t.Fatalf("slug = %q", first.Tenant.Slug)
	}

	second, err := p.Provision(context.Background(), Request{Name: "Austin Ale Works", Owner: owner()})
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if second.Tenant.Slug != "austin-ale-works-1" {
		t.Fatalf("slug = %q", second.Tenant.Slug)
	}

	tn := first.Tenant
	if tn.SchemaName != models.SchemaNameFor(tn.ID) || !schemas.created[tn.SchemaName] {
		t.Fatalf("schema %q not created", tn.SchemaName)
	}
	if tn.PlanType != "free" || tn.Timezone != "UTC" || tn.Locale != "en-US" {
		t.Fatalf("defaults not applied: %+v", tn)
	}
	if first.OwnerMembership.Status != models.MembershipActive || first.OwnerMembership.Role != RoleOwner {
		t.Fatalf("owner membership = %+v", first.OwnerMembership)
	}
	if first.OwnerMembership.TenantRoleID == nil || *first.OwnerMembership.TenantRoleID != first.OwnerRole.ID {
		t.Fatal("owner membership not linked to the seeded owner role")
	}
	if len(caches.tenants) != 2 {
		t.Fatalf("invalidated %d tenants, want 2", len(caches.tenants))
	}
}

func TestProvisionConcurrentSameNameYieldsDistinctSlugs(t *testing.T) {
	const n = 6
	store := newMemStore()
	p := newTestProvisioner(store, &fakeSchemas{}, nil, nil, n)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Provision(context.Background(), Request{Name: "Austin Ale Works", Owner: owner()}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("provision failed: %v", err)
	}

	want := []string{"austin-ale-works"}
	for i := 1; i < n; i++ {
		want = append(want, withSuffix("austin-ale-works", i))
	}
	sort.Strings(want)

	got := store.slugs()
	if len(got) != len(want) {
		t.Fatalf("slugs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("slugs = %v, want %v", got, want)
		}
	}
}

func TestProvisionConcurrentSameNameWithDefaultBound(t *testing.T) {
	t.Setenv("PROVISION_MAX_ATTEMPTS", "")
	t.Setenv("PROVISION_BACKOFF", "")
	cfg := config.GetTenancyConfig()
	if cfg.MaxAttempts != 3 {
		t.Fatalf("default max attempts = %d", cfg.MaxAttempts)
	}

	const n = 8
	store := newMemStore()
	schemas := &fakeSchemas{}
	p := NewProvisioner(store, schemas, nil, nil, cfg, discardLogger())

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		slugs  = map[string]int{}
		failed []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Provision(context.Background(), Request{Name: "Austin Ale Works", Owner: owner()})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, err)
				return
			}
			slugs[res.Tenant.Slug]++
		}()
	}
	wg.Wait()

	if len(slugs) == 0 {
		t.Fatal("no provision succeeded")
	}
	for slug, count := range slugs {
		if count != 1 {
			t.Fatalf("slug %q handed out %d times", slug, count)
		}
	}
	for _, err := range failed {
		if apperr.KindOf(err) != apperr.KindProvisioningFailure || !apperr.Is(err, apperr.KindSlugCollision) {
			t.Fatalf("unexpected failure: %v", err)
		}
	}
	if len(slugs)+len(failed) != n {
		t.Fatalf("%d succeeded, %d failed, want %d total", len(slugs), len(failed), n)
	}
	if got := store.slugs(); len(got) != len(slugs) {
		t.Fatalf("stored slugs = %v, succeeded %d", got, len(slugs))
	}
	schemas.mu.Lock()
	created := len(schemas.created)
	schemas.mu.Unlock()
	if created != len(slugs) {
		t.Fatalf("schemas created = %d, succeeded %d", created, len(slugs))
	}
}

func TestProvisionRetriesAfterLostRace(t *testing.T) {
	store := newMemStore()
	raced := false
	store.beforeInsert = func(s *memStore, tn *models.Tenant) {
		if raced {
			return
		}
		raced = true
		s.bySlug[tn.Slug] = &models.Tenant{ID: uuid.New(), Slug: tn.Slug}
	}
	p := newTestProvisioner(store, &fakeSchemas{}, nil, nil, 3)

	res, err := p.Provision(context.Background(), Request{Name: "Hop Yard", Owner: owner()})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
	if res.Tenant.Slug != "hop-yard-1" {
		t.Fatalf("slug = %q", res.Tenant.Slug)
	}
}

func TestProvisionExhaustedRetriesIsProvisioningFailure(t *testing.T) {
	store := newMemStore()
	store.beforeInsert = func(s *memStore, tn *models.Tenant) {
		s.bySlug[tn.Slug] = &models.Tenant{ID: uuid.New(), Slug: tn.Slug}
	}
	p := newTestProvisioner(store, &fakeSchemas{}, nil, nil, 3)

	_, err := p.Provision(context.Background(), Request{Name: "Hop Yard", Owner: owner()})
	if apperr.KindOf(err) != apperr.KindProvisioningFailure {
		t.Fatalf("kind = %q, err = %v", apperr.KindOf(err), err)
	}
	if !apperr.Is(err, apperr.KindSlugCollision) {
		t.Fatal("cause should record the slug collision")
	}
}

func TestProvisionSubdomainTakenIsNotRetried(t *testing.T) {
	store := newMemStore()
	store.subdomains["austin"] = true
	p := newTestProvisioner(store, &fakeSchemas{}, nil, nil, 3)

	_, err := p.Provision(context.Background(), Request{Name: "Austin Ale Works", Subdomain: "Austin", Owner: owner()})
	if apperr.KindOf(err) != apperr.KindInvalidInput {
		t.Fatalf("kind = %q, err = %v", apperr.KindOf(err), err)
	}
	if len(store.slugs()) != 0 {
		t.Fatalf("tenant left behind: %v", store.slugs())
	}
}

func TestProvisionSchemaFailureRollsBackTenant(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store, &fakeSchemas{createErr: errors.New("permission denied for database")}, nil, nil, 3)

	_, err := p.Provision(context.Background(), Request{Name: "Austin Ale Works", Owner: owner()})
	if apperr.KindOf(err) != apperr.KindProvisioningFailure {
		t.Fatalf("kind = %q", apperr.KindOf(err))
	}
	if len(store.slugs()) != 0 {
		t.Fatalf("partial tenant survived: %v", store.slugs())
	}
	if len(store.deleted) != 1 {
		t.Fatalf("deleted = %d, want 1", len(store.deleted))
	}
}

func TestProvisionSeedFailureDropsSchemaAndTenant(t *testing.T) {
	store := newMemStore()
	store.seedErr = errors.New("connection reset")
	schemas := &fakeSchemas{}
	p := newTestProvisioner(store, schemas, nil, nil, 3)

	_, err := p.Provision(context.Background(), Request{Name: "Austin Ale Works", Owner: owner()})
	if apperr.KindOf(err) != apperr.KindProvisioningFailure {
		t.Fatalf("kind = %q", apperr.KindOf(err))
	}
	if len(schemas.dropped) != 1 || len(schemas.created) != 0 {
		t.Fatalf("schema not dropped: created=%v dropped=%v", schemas.created, schemas.dropped)
	}
	if len(store.slugs()) != 0 {
		t.Fatal("tenant survived failed seeding")
	}
}

func TestProvisionBillingFailureKeepsTenant(t *testing.T) {
	store := newMemStore()
	billing := billingFunc(func(context.Context, *models.Tenant, string, string) error {
		return errors.New("card declined")
	})
	p := newTestProvisioner(store, &fakeSchemas{}, nil, billing, 3)

	res, err := p.Provision(context.Background(), Request{Name: "Austin Ale Works", PlanType: "pro", PaymentMethod: "pm_123", Owner: owner()})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if apperr.KindOf(res.BillingErr) != apperr.KindUnavailable {
		t.Fatalf("billing err = %v", res.BillingErr)
	}
	if len(store.slugs()) != 1 {
		t.Fatal("tenant should stay committed")
	}
}

func TestProvisionRunsToCompletionWhenCallerCancels(t *testing.T) {
	store := newMemStore()
	p := newTestProvisioner(store, &fakeSchemas{}, nil, nil, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Provision(ctx, Request{Name: "Austin Ale Works", Owner: owner()}); err != nil {
		t.Fatalf("provision: %v", err)
	}
}

func TestProvisionValidatesInput(t *testing.T) {
	p := newTestProvisioner(newMemStore(), &fakeSchemas{}, nil, nil, 3)

	cases := []Request{
		{Name: "  ", Owner: owner()},
		{Name: "Austin Ale Works"},
		{Name: "!!!", Owner: owner()},
	}
	for _, req := range cases {
		if _, err := p.Provision(context.Background(), req); apperr.KindOf(err) != apperr.KindInvalidInput {
			t.Errorf("Provision(%+v) kind = %q", req, apperr.KindOf(err))
		}
	}
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	p := newTestProvisioner(newMemStore(), &fakeSchemas{}, nil, nil, 3)
	p.backoff = 10 * time.Millisecond
	for attempt := 1; attempt <= 3; attempt++ {
		d := p.backoffFor(attempt)
		lo := time.Duration(attempt) * p.backoff
		if d < lo || d >= lo+p.backoff {
			t.Fatalf("attempt %d: backoff %v outside [%v, %v)", attempt, d, lo, lo+p.backoff)
		}
	}
}
