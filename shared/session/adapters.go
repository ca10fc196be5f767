package session

import (
	"context"

	"github.com/google/uuid"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

// MembershipSource lists memberships and breweries.
type MembershipSource interface {
	ActiveMemberships(ctx context.Context, userID uuid.UUID) ([]models.TenantUser, error)
	BreweriesForTenants(ctx context.Context, tenantIDs []uuid.UUID) ([]models.Brewery, error)
}

// RepositoryDirectory is a Directory over the tenancy repository.
type RepositoryDirectory struct {
	src MembershipSource
}

func NewRepositoryDirectory(src MembershipSource) *RepositoryDirectory {
	return &RepositoryDirectory{src: src}
}

func (d *RepositoryDirectory) Tenants(ctx context.Context, userID uuid.UUID) ([]TenantOption, error) {
	memberships, err := d.src.ActiveMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]TenantOption, 0, len(memberships))
	for _, m := range memberships {
		opt := TenantOption{ID: m.TenantID, Role: m.Role}
		if m.Tenant != nil {
			opt.Slug = m.Tenant.Slug
			opt.Name = m.Tenant.Name
		}
		out = append(out, opt)
	}
	return out, nil
}

func (d *RepositoryDirectory) Breweries(ctx context.Context, tenantID uuid.UUID) ([]BreweryOption, error) {
	breweries, err := d.src.BreweriesForTenants(ctx, []uuid.UUID{tenantID})
	if err != nil {
		return nil, err
	}
	out := make([]BreweryOption, 0, len(breweries))
	for _, b := range breweries {
		out = append(out, BreweryOption{ID: b.ID, TenantID: b.TenantID, Name: b.Name})
	}
	return out, nil
}

// UserSource loads users.
type UserSource interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// TenantSource loads tenants and memberships for minting.
type TenantSource interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
}

// MemberSource answers membership lookups.
type MemberSource interface {
	Membership(ctx context.Context, userID, tenantID uuid.UUID) (*models.TenantUser, error)
}

// AccessIssuer signs access tokens.
type AccessIssuer interface {
	IssueAccessToken(user *models.User, tenant *models.Tenant, tenantRole string) (string, error)
}

// IssuerMinter mints access tokens after checking the user still holds an
// active membership in the requested tenant.
type IssuerMinter struct {
	users   UserSource
	tenants TenantSource
	members MemberSource
	issuer  AccessIssuer
}

func NewIssuerMinter(users UserSource, tenants TenantSource, members MemberSource, issuer AccessIssuer) *IssuerMinter {
	return &IssuerMinter{users: users, tenants: tenants, members: members, issuer: issuer}
}

// MintAccessToken implements TokenMinter.
func (m *IssuerMinter) MintAccessToken(ctx context.Context, userID uuid.UUID, tenantID *uuid.UUID) (string, error) {
	const op = "session.MintAccessToken"

	user, err := m.users.ByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if !user.IsActive {
		return "", apperr.Errorf(apperr.KindAuthenticationFailure, op, "user %s is deactivated", userID)
	}
	if tenantID == nil {
		return m.issuer.IssueAccessToken(user, nil, "")
	}

	membership, err := m.members.Membership(ctx, userID, *tenantID)
	if apperr.Is(err, apperr.KindNotFound) {
		return "", apperr.Errorf(apperr.KindNoTenantAccess, op, "user %s has no access to tenant %s", userID, tenantID)
	}
	if err != nil {
		return "", err
	}
	tenant, err := m.tenants.ByID(ctx, *tenantID)
	if err != nil {
		return "", err
	}
	return m.issuer.IssueAccessToken(user, tenant, membership.Role)
}
