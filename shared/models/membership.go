package models

import (
	"time"

	"github.com/google/uuid"
)

// MembershipStatus is the lifecycle state of a TenantUser.
type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "active"
	MembershipInvited MembershipStatus = "invited"
	MembershipRevoked MembershipStatus = "revoked"
)

// Valid reports whether s is a known status.
func (s MembershipStatus) Valid() bool {
	switch s {
	case MembershipActive, MembershipInvited, MembershipRevoked:
		return true
	}
	return false
}

// TenantUser associates a user with a tenant. Only Role, TenantRoleID and
// Status change after creation.
type TenantUser struct {
	ID           uuid.UUID        `json:"id" gorm:"type:uuid;primary_key"`
	TenantID     uuid.UUID        `json:"tenant_id" gorm:"type:uuid;not null;uniqueIndex:idx_tenant_users_tenant_user"`
	UserID       uuid.UUID        `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_tenant_users_tenant_user"`
	Role         string           `json:"role" gorm:"type:varchar(50);not null"`
	TenantRoleID *uuid.UUID       `json:"tenant_role_id,omitempty" gorm:"type:uuid"`
	Status       MembershipStatus `json:"status" gorm:"type:varchar(20);not null;default:invited"`
	InvitedBy    *uuid.UUID       `json:"invited_by,omitempty" gorm:"type:uuid"`
	InvitedAt    *time.Time       `json:"invited_at,omitempty"`
	JoinedAt     *time.Time       `json:"joined_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`

	Tenant *Tenant `json:"tenant,omitempty" gorm:"foreignKey:TenantID"`
	User   *User   `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

func (TenantUser) TableName() string {
	return "tenant_users"
}

// IsActive reports whether the membership grants access.
func (m *TenantUser) IsActive() bool {
	return m.Status == MembershipActive
}

// TenantRole is a named permission bundle scoped to one tenant.
type TenantRole struct {
	ID           uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	TenantID     uuid.UUID `json:"tenant_id" gorm:"type:uuid;not null;uniqueIndex:idx_tenant_roles_tenant_name"`
	Name         string    `json:"name" gorm:"type:varchar(50);not null;uniqueIndex:idx_tenant_roles_tenant_name"`
	DisplayName  string    `json:"display_name" gorm:"type:varchar(100)"`
	Description  string    `json:"description" gorm:"type:text"`
	IsSystemRole bool      `json:"is_system_role"`
	Permissions  []string  `json:"permissions" gorm:"type:jsonb;serializer:json"`
	CreatedBy    uuid.UUID `json:"created_by" gorm:"type:uuid"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (TenantRole) TableName() string {
	return "tenant_roles"
}

// Grants reports whether the role carries permission.
func (r *TenantRole) Grants(permission string) bool {
	for _, p := range r.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}
