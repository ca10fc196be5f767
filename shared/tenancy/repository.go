package tenancy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

// Repository is the gorm-backed system of record for tenants, roles and memberships.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func notFound(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ByID returns an active tenant by id.
func (r *Repository) ByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.db.WithContext(ctx).Where("id = ? AND is_active = ?", id, true).First(&t).Error; err != nil {
		return nil, notFound("tenancy.ByID", err)
	}
	return &t, nil
}

// BySlug returns an active tenant by slug.
func (r *Repository) BySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.db.WithContext(ctx).Where("slug = ? AND is_active = ?", slug, true).First(&t).Error; err != nil {
		return nil, notFound("tenancy.BySlug", err)
	}
	return &t, nil
}

// BySubdomain returns an active tenant by subdomain.
func (r *Repository) BySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.db.WithContext(ctx).Where("subdomain = ? AND is_active = ?", subdomain, true).First(&t).Error; err != nil {
		return nil, notFound("tenancy.BySubdomain", err)
	}
	return &t, nil
}

// AnyByID returns a tenant regardless of its active flag.
func (r *Repository) AnyByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound("tenancy.AnyByID", err)
	}
	return &t, nil
}

// SlugExists reports whether any tenant, active or not, holds slug. The
// answer is advisory; the unique index is the real guard.
func (r *Repository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Tenant{}).Where("slug = ?", slug).Count(&count).Error; err != nil {
		return false, fmt.Errorf("tenancy.SlugExists: %w", err)
	}
	return count > 0, nil
}

// InsertTenant inserts t in its own transaction.
func (r *Repository) InsertTenant(ctx context.Context, t *models.Tenant) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(t).Error
	})
}

// DeleteTenant hard-deletes a tenant and anything seeded for it. Used only to
// compensate a provisioning flow that failed after the insert.
func (r *Repository) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", id).Delete(&models.TenantUser{}).Error; err != nil {
			return err
		}
		if err := tx.Where("tenant_id = ?", id).Delete(&models.TenantRole{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&models.Tenant{}).Error
	})
}

// SeedRolesAndOwner inserts the default roles (skipping names that already
// exist) and the owner membership in one transaction.
func (r *Repository) SeedRolesAndOwner(ctx context.Context, tenant *models.Tenant, roles []RoleDefinition, owner *models.TenantUser) (*models.TenantRole, error) {
	var ownerRole models.TenantRole
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, def := range roles {
			role := models.TenantRole{
				ID:           uuid.New(),
				TenantID:     tenant.ID,
				Name:         def.Name,
				DisplayName:  def.DisplayName,
				Description:  def.Description,
				IsSystemRole: true,
				Permissions:  def.Permissions,
				CreatedBy:    tenant.CreatedBy,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "name"}},
				DoNothing: true,
			}).Create(&role).Error; err != nil {
				return fmt.Errorf("seed role %s: %w", def.Name, err)
			}
		}

		if err := tx.Where("tenant_id = ? AND name = ?", tenant.ID, RoleOwner).First(&ownerRole).Error; err != nil {
			return fmt.Errorf("load owner role: %w", err)
		}

		owner.TenantRoleID = &ownerRole.ID
		if err := tx.Create(owner).Error; err != nil {
			return fmt.Errorf("create owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ownerRole, nil
}

// Membership returns the active membership of userID in tenantID.
func (r *Repository) Membership(ctx context.Context, userID, tenantID uuid.UUID) (*models.TenantUser, error) {
	var m models.TenantUser
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND tenant_id = ? AND status = ?", userID, tenantID, models.MembershipActive).
		First(&m).Error
	if err != nil {
		return nil, notFound("tenancy.Membership", err)
	}
	return &m, nil
}

// UserHasAccessToTenant reports whether userID holds an active membership.
func (r *Repository) UserHasAccessToTenant(ctx context.Context, userID, tenantID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TenantUser{}).
		Where("user_id = ? AND tenant_id = ? AND status = ?", userID, tenantID, models.MembershipActive).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("tenancy.UserHasAccessToTenant: %w", err)
	}
	return count > 0, nil
}

// RoleInTenant returns the tenant-scoped role of an active membership.
func (r *Repository) RoleInTenant(ctx context.Context, userID, tenantID uuid.UUID) (string, bool, error) {
	m, err := r.Membership(ctx, userID, tenantID)
	if apperr.Is(err, apperr.KindNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m.Role, true, nil
}

// TenantRole loads a role definition by name.
func (r *Repository) TenantRole(ctx context.Context, tenantID uuid.UUID, name string) (*models.TenantRole, error) {
	var role models.TenantRole
	if err := r.db.WithContext(ctx).Where("tenant_id = ? AND name = ?", tenantID, name).First(&role).Error; err != nil {
		return nil, notFound("tenancy.TenantRole", err)
	}
	return &role, nil
}

// ActiveMemberships lists the active memberships of userID in active tenants.
func (r *Repository) ActiveMemberships(ctx context.Context, userID uuid.UUID) ([]models.TenantUser, error) {
	var memberships []models.TenantUser
	err := r.db.WithContext(ctx).
		Joins("Tenant").
		Where("tenant_users.user_id = ? AND tenant_users.status = ? AND \"Tenant\".is_active = ?", userID, models.MembershipActive, true).
		Order("tenant_users.joined_at").
		Find(&memberships).Error
	if err != nil {
		return nil, fmt.Errorf("tenancy.ActiveMemberships: %w", err)
	}
	return memberships, nil
}

// Members lists every membership of a tenant with its user.
func (r *Repository) Members(ctx context.Context, tenantID uuid.UUID) ([]models.TenantUser, error) {
	var members []models.TenantUser
	if err := r.db.WithContext(ctx).Preload("User").Where("tenant_id = ?", tenantID).Find(&members).Error; err != nil {
		return nil, fmt.Errorf("tenancy.Members: %w", err)
	}
	return members, nil
}

// MembershipUpdate carries the mutable membership fields.
type MembershipUpdate struct {
	Status *models.MembershipStatus
	Role   *string
}

// UpdateMembership changes status and/or role of a membership.
func (r *Repository) UpdateMembership(ctx context.Context, tenantID, userID uuid.UUID, upd MembershipUpdate) (*models.TenantUser, error) {
	const op = "tenancy.UpdateMembership"
	var m models.TenantUser
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ? AND user_id = ?", tenantID, userID).First(&m).Error; err != nil {
			return notFound(op, err)
		}

		changes := map[string]interface{}{}
		if upd.Status != nil {
			if !upd.Status.Valid() {
				return apperr.Errorf(apperr.KindInvalidInput, op, "unknown status %q", *upd.Status)
			}
			changes["status"] = *upd.Status
			if *upd.Status == models.MembershipActive && m.JoinedAt == nil {
				now := time.Now().UTC()
				changes["joined_at"] = &now
			}
		}
		if upd.Role != nil {
			var role models.TenantRole
			if err := tx.Where("tenant_id = ? AND name = ?", tenantID, *upd.Role).First(&role).Error; err != nil {
				return apperr.Wrap(apperr.KindInvalidInput, op, err)
			}
			changes["role"] = role.Name
			changes["tenant_role_id"] = role.ID
		}
		if len(changes) == 0 {
			return nil
		}
		return tx.Model(&m).Updates(changes).Error
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// TenantUpdate carries the mutable tenant fields. Slug is not among them.
type TenantUpdate struct {
	Name               *string
	Subdomain          *string
	PlanType           *string
	SubscriptionStatus *string
	BillingEmail       *string
	Timezone           *string
	Locale             *string
	Features           map[string]interface{}
	Settings           map[string]interface{}
	IsActive           *bool
}

// UpdateTenant applies upd and returns the tenant as it was before and after.
func (r *Repository) UpdateTenant(ctx context.Context, id uuid.UUID, upd TenantUpdate) (before, after *models.Tenant, err error) {
	const op = "tenancy.UpdateTenant"
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t models.Tenant
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&t).Error; err != nil {
			return notFound(op, err)
		}
		prev := t
		before = &prev

		if upd.Name != nil {
			t.Name = *upd.Name
		}
		if upd.Subdomain != nil {
			if *upd.Subdomain == "" {
				t.Subdomain = nil
			} else {
				sub := *upd.Subdomain
				t.Subdomain = &sub
			}
		}
		if upd.PlanType != nil {
			t.PlanType = *upd.PlanType
		}
		if upd.SubscriptionStatus != nil {
			t.SubscriptionStatus = *upd.SubscriptionStatus
		}
		if upd.BillingEmail != nil {
			t.BillingEmail = *upd.BillingEmail
		}
		if upd.Timezone != nil {
			t.Timezone = *upd.Timezone
		}
		if upd.Locale != nil {
			t.Locale = *upd.Locale
		}
		if upd.Features != nil {
			t.Features = upd.Features
		}
		if upd.Settings != nil {
			t.Settings = upd.Settings
		}
		if upd.IsActive != nil {
			t.IsActive = *upd.IsActive
		}

		if err := tx.Save(&t).Error; err != nil {
			if IsUniqueViolation(err) {
				return apperr.Wrap(apperr.KindInvalidInput, op, err)
			}
			return err
		}
		after = &t
		return nil
	})
	return before, after, err
}

// BreweriesForTenants lists active breweries in the given tenants.
func (r *Repository) BreweriesForTenants(ctx context.Context, tenantIDs []uuid.UUID) ([]models.Brewery, error) {
	if len(tenantIDs) == 0 {
		return nil, nil
	}
	var breweries []models.Brewery
	err := r.db.WithContext(ctx).
		Where("tenant_id IN ? AND is_active = ?", tenantIDs, true).
		Order("name").
		Find(&breweries).Error
	if err != nil {
		return nil, fmt.Errorf("tenancy.BreweriesForTenants: %w", err)
	}
	return breweries, nil
}
