package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

type stubDirectory struct {
	tenants   []TenantOption
	breweries map[uuid.UUID][]BreweryOption
}

func (d *stubDirectory) Tenants(context.Context, uuid.UUID) ([]TenantOption, error) {
	return d.tenants, nil
}

func (d *stubDirectory) Breweries(_ context.Context, tenantID uuid.UUID) ([]BreweryOption, error) {
	return d.breweries[tenantID], nil
}

type stubMinter struct {
	calls int
	err   error
}

func (m *stubMinter) MintAccessToken(_ context.Context, _ uuid.UUID, tenantID *uuid.UUID) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.calls++
	if tenantID == nil {
		return fmt.Sprintf("token-%d-none", m.calls), nil
	}
	return fmt.Sprintf("token-%d-%s", m.calls, *tenantID), nil
}

func newTestCoordinator(t *testing.T, dir *stubDirectory) (*Coordinator, *stubMinter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	minter := &stubMinter{}
	return NewCoordinator(NewRedisStore(utils.NewCache(client), 0), dir, minter, log), minter, mr
}

func TestInitializeAutoSelectsSoleTenantAndBrewery(t *testing.T) {
	tenantID, breweryID := uuid.New(), uuid.New()
	dir := &stubDirectory{
		tenants:   []TenantOption{{ID: tenantID, Slug: "austin-ale-works"}},
		breweries: map[uuid.UUID][]BreweryOption{tenantID: {{ID: breweryID, TenantID: tenantID, Name: "Main"}}},
	}
	c, _, mr := newTestCoordinator(t, dir)
	userID := uuid.New()

	s, err := c.Initialize(context.Background(), userID)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.CurrentTenantID == nil || *s.CurrentTenantID != tenantID {
		t.Fatalf("tenant not auto-selected: %+v", s)
	}
	if s.CurrentBreweryID == nil || *s.CurrentBreweryID != breweryID {
		t.Fatalf("brewery not auto-selected: %+v", s)
	}
	if s.AccessToken != "token-1-"+tenantID.String() {
		t.Fatalf("token = %q", s.AccessToken)
	}
	if ttl := mr.TTL("session:" + userID.String()); ttl != DefaultTTL {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestInitializeDoesNotPickAmongSeveralTenants(t *testing.T) {
	dir := &stubDirectory{tenants: []TenantOption{{ID: uuid.New()}, {ID: uuid.New()}}}
	c, _, _ := newTestCoordinator(t, dir)

	s, err := c.Initialize(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.CurrentTenantID != nil {
		t.Fatal("should not auto-select with two tenants")
	}
	if s.AccessToken != "token-1-none" {
		t.Fatalf("token = %q", s.AccessToken)
	}
}

func TestInitializeDropsStaleSelection(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	dir := &stubDirectory{tenants: []TenantOption{{ID: a}, {ID: b}}}
	c, _, _ := newTestCoordinator(t, dir)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := c.Initialize(ctx, userID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetTenant(ctx, userID, b); err != nil {
		t.Fatalf("SetTenant: %v", err)
	}

	// Membership in b is revoked; a and a new tenant c remain.
	dir.tenants = []TenantOption{{ID: a}, {ID: uuid.New()}}
	s, err := c.Initialize(ctx, userID)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if s.CurrentTenantID != nil {
		t.Fatalf("stale tenant kept: %v", *s.CurrentTenantID)
	}
	if s.AccessToken == "" || s.AccessToken[len(s.AccessToken)-4:] != "none" {
		t.Fatalf("token not re-issued without tenant: %q", s.AccessToken)
	}
}

func TestSetTenantRequiresMembership(t *testing.T) {
	dir := &stubDirectory{tenants: []TenantOption{{ID: uuid.New()}, {ID: uuid.New()}}}
	c, _, _ := newTestCoordinator(t, dir)
	ctx := context.Background()
	userID := uuid.New()
	if _, err := c.Initialize(ctx, userID); err != nil {
		t.Fatal(err)
	}

	_, err := c.SetTenant(ctx, userID, uuid.New())
	if apperr.KindOf(err) != apperr.KindNoTenantAccess {
		t.Fatalf("kind = %q", apperr.KindOf(err))
	}
}

func TestFailedReissueKeepsPreviousSelection(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	dir := &stubDirectory{tenants: []TenantOption{{ID: a}, {ID: b}}}
	c, minter, _ := newTestCoordinator(t, dir)
	ctx := context.Background()
	userID := uuid.New()

	if _, err := c.Initialize(ctx, userID); err != nil {
		t.Fatal(err)
	}
	before, err := c.SetTenant(ctx, userID, a)
	if err != nil {
		t.Fatal(err)
	}

	minter.err = apperr.Wrap(apperr.KindUnavailable, "mint", errors.New("redis down"))
	if _, err := c.SetTenant(ctx, userID, b); err == nil {
		t.Fatal("switch should fail when the token cannot be issued")
	}

	after, err := c.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.CurrentTenantID == nil || *after.CurrentTenantID != a {
		t.Fatalf("selection changed to %v", after.CurrentTenantID)
	}
	if after.AccessToken != before.AccessToken {
		t.Fatal("token changed on failed switch")
	}
}

func TestSetBrewery(t *testing.T) {
	tenantID := uuid.New()
	b1, b2 := uuid.New(), uuid.New()
	dir := &stubDirectory{
		tenants: []TenantOption{{ID: tenantID}},
		breweries: map[uuid.UUID][]BreweryOption{
			tenantID: {{ID: b1, TenantID: tenantID}, {ID: b2, TenantID: tenantID}},
		},
	}
	c, minter, _ := newTestCoordinator(t, dir)
	ctx := context.Background()
	userID := uuid.New()

	s, err := c.Initialize(ctx, userID)
	if err != nil {
		t.Fatal(err)
	}
	if s.CurrentBreweryID != nil {
		t.Fatal("two breweries should not auto-select")
	}

	s, err = c.SetBrewery(ctx, userID, b2)
	if err != nil {
		t.Fatalf("SetBrewery: %v", err)
	}
	if *s.CurrentBreweryID != b2 || minter.calls != 2 {
		t.Fatalf("brewery=%v mints=%d", s.CurrentBreweryID, minter.calls)
	}

	if _, err := c.SetBrewery(ctx, userID, uuid.New()); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("unknown brewery err = %v", err)
	}
}

func TestClear(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &stubDirectory{})
	ctx := context.Background()
	userID := uuid.New()
	if _, err := c.Initialize(ctx, userID); err != nil {
		t.Fatal(err)
	}
	if err := c.Clear(ctx, userID); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := c.Get(ctx, userID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSelectWithoutStoredSession(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	brewery := uuid.New()
	dir := &stubDirectory{
		tenants:   []TenantOption{{ID: a}, {ID: b}},
		breweries: map[uuid.UUID][]BreweryOption{b: {{ID: brewery, TenantID: b}}},
	}
	c, _, _ := newTestCoordinator(t, dir)
	ctx := context.Background()
	userID := uuid.New()

	s, err := c.SetTenant(ctx, userID, b)
	if err != nil {
		t.Fatalf("SetTenant: %v", err)
	}
	if s.UserID != userID || s.CurrentTenantID == nil || *s.CurrentTenantID != b {
		t.Fatalf("session = %+v", s)
	}
	if s.CurrentBreweryID == nil || *s.CurrentBreweryID != brewery {
		t.Fatalf("sole brewery not selected: %v", s.CurrentBreweryID)
	}
	stored, err := c.Get(ctx, userID)
	if err != nil || stored.AccessToken != s.AccessToken {
		t.Fatalf("stored = %+v err = %v", stored, err)
	}

	// after a clear, selection starts a fresh session again
	if err := c.Clear(ctx, userID); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetBrewery(ctx, userID, brewery); !apperr.Is(err, apperr.KindTenantResolutionFailure) {
		t.Fatalf("brewery without tenant err = %v", err)
	}
	if _, err := c.SetTenant(ctx, userID, a); err != nil {
		t.Fatalf("SetTenant after clear: %v", err)
	}
}
