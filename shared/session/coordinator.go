// Package session keeps a user's current tenant and brewery selection
// consistent with their memberships, and re-issues the tenant-scoped access
// token whenever the selection changes.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
)

// TenantOption is a tenant the user can select.
type TenantOption struct {
	ID   uuid.UUID `json:"id"`
	Slug string    `json:"slug"`
	Name string    `json:"name"`
	Role string    `json:"role"`
}

// BreweryOption is a brewery inside the selected tenant.
type BreweryOption struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Name     string    `json:"name"`
}

// UserSession is the durable selection state of one user.
type UserSession struct {
	UserID           uuid.UUID       `json:"user_id"`
	Tenants          []TenantOption  `json:"tenants"`
	CurrentTenantID  *uuid.UUID      `json:"current_tenant_id,omitempty"`
	Breweries        []BreweryOption `json:"breweries"`
	CurrentBreweryID *uuid.UUID      `json:"current_brewery_id,omitempty"`
	AccessToken      string          `json:"access_token,omitempty"`
	LastUpdated      time.Time       `json:"last_updated"`
}

// Directory answers what a user may select.
type Directory interface {
	Tenants(ctx context.Context, userID uuid.UUID) ([]TenantOption, error)
	Breweries(ctx context.Context, tenantID uuid.UUID) ([]BreweryOption, error)
}

// TokenMinter issues an access token scoped to tenantID, or an unscoped
// token when tenantID is nil.
type TokenMinter interface {
	MintAccessToken(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) (string, error)
}

// Coordinator applies selection changes. A change is committed only after
// the new token has been issued and the session saved.
type Coordinator struct {
	store  Store
	dir    Directory
	minter TokenMinter
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewCoordinator(store Store, dir Directory, minter TokenMinter, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{store: store, dir: dir, minter: minter, log: log, now: time.Now}
}

// Get returns the stored session.
func (c *Coordinator) Get(ctx context.Context, userID uuid.UUID) (*UserSession, error) {
	return c.store.Load(ctx, userID)
}

// Initialize loads (or starts) the session and reconciles it with current
// memberships: stale selections are dropped and a sole tenant or brewery is
// selected automatically.
func (c *Coordinator) Initialize(ctx context.Context, userID uuid.UUID) (*UserSession, error) {
	const op = "session.Initialize"

	prev, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	tenants, err := c.dir.Tenants(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, op, err)
	}

	next := *prev
	next.Tenants = tenants

	if next.CurrentTenantID != nil && !hasTenant(tenants, *next.CurrentTenantID) {
		c.log.WithFields(logrus.Fields{"user_id": userID, "tenant_id": *next.CurrentTenantID}).
			Info("dropping stale tenant selection")
		next.CurrentTenantID = nil
	}
	if next.CurrentTenantID == nil && len(tenants) == 1 {
		id := tenants[0].ID
		next.CurrentTenantID = &id
	}

	if err := c.loadBreweries(ctx, &next); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, op, err)
	}

	if !sameID(prev.CurrentTenantID, next.CurrentTenantID) || next.AccessToken == "" {
		token, err := c.minter.MintAccessToken(ctx, userID, next.CurrentTenantID)
		if err != nil {
			return nil, err
		}
		next.AccessToken = token
	}

	next.LastUpdated = c.now().UTC()
	if err := c.store.Save(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

// SetTenant switches the current tenant. On any failure the stored session
// and token are left as they were.
func (c *Coordinator) SetTenant(ctx context.Context, userID, tenantID uuid.UUID) (*UserSession, error) {
	const op = "session.SetTenant"

	prev, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	tenants, err := c.dir.Tenants(ctx, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	if !hasTenant(tenants, tenantID) {
		return nil, apperr.New(apperr.KindNoTenantAccess, op)
	}

	next := *prev
	next.Tenants = tenants
	next.CurrentTenantID = &tenantID
	if !sameID(prev.CurrentTenantID, &tenantID) {
		next.CurrentBreweryID = nil
	}
	if err := c.loadBreweries(ctx, &next); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, op, err)
	}

	return c.commit(ctx, &next)
}

// SetBrewery switches the current brewery within the current tenant.
func (c *Coordinator) SetBrewery(ctx context.Context, userID, breweryID uuid.UUID) (*UserSession, error) {
	const op = "session.SetBrewery"

	prev, err := c.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if prev.CurrentTenantID == nil {
		return nil, apperr.New(apperr.KindTenantResolutionFailure, op)
	}

	breweries, err := c.dir.Breweries(ctx, *prev.CurrentTenantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	if !hasBrewery(breweries, breweryID) {
		return nil, apperr.Errorf(apperr.KindNotFound, op, "brewery %s not in current tenant", breweryID)
	}

	next := *prev
	next.Breweries = breweries
	next.CurrentBreweryID = &breweryID
	return c.commit(ctx, &next)
}

// Clear removes the session.
func (c *Coordinator) Clear(ctx context.Context, userID uuid.UUID) error {
	return c.store.Delete(ctx, userID)
}

// load returns the stored session, or an empty one when none is stored
// (expired or cleared).
func (c *Coordinator) load(ctx context.Context, userID uuid.UUID) (*UserSession, error) {
	prev, err := c.store.Load(ctx, userID)
	if apperr.Is(err, apperr.KindNotFound) {
		return &UserSession{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (c *Coordinator) commit(ctx context.Context, next *UserSession) (*UserSession, error) {
	token, err := c.minter.MintAccessToken(ctx, next.UserID, next.CurrentTenantID)
	if err != nil {
		return nil, err
	}
	next.AccessToken = token
	next.LastUpdated = c.now().UTC()
	if err := c.store.Save(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// loadBreweries refreshes the brewery list of the selected tenant, dropping a
// stale brewery selection and auto-selecting a sole brewery.
func (c *Coordinator) loadBreweries(ctx context.Context, s *UserSession) error {
	if s.CurrentTenantID == nil {
		s.Breweries = nil
		s.CurrentBreweryID = nil
		return nil
	}
	breweries, err := c.dir.Breweries(ctx, *s.CurrentTenantID)
	if err != nil {
		return err
	}
	s.Breweries = breweries
	if s.CurrentBreweryID != nil && !hasBrewery(breweries, *s.CurrentBreweryID) {
		s.CurrentBreweryID = nil
	}
	if s.CurrentBreweryID == nil && len(breweries) == 1 {
		id := breweries[0].ID
		s.CurrentBreweryID = &id
	}
	return nil
}

func hasTenant(tenants []TenantOption, id uuid.UUID) bool {
	for _, t := range tenants {
		if t.ID == id {
			return true
		}
	}
	return false
}

func hasBrewery(breweries []BreweryOption, id uuid.UUID) bool {
	for _, b := range breweries {
		if b.ID == id {
			return true
		}
	}
	return false
}

func sameID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
