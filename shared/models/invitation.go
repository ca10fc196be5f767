package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationExpired  = "expired"
	InvitationRevoked  = "revoked"
)

// Invitation lets an existing member bring a new user into a tenant.
type Invitation struct {
	ID         uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	TenantID   uuid.UUID  `json:"tenant_id" gorm:"type:uuid;not null;index"`
	Email      string     `json:"email" gorm:"type:varchar(255);not null"`
	Role       string     `json:"role" gorm:"type:varchar(50);not null"`
	Token      string     `json:"-" gorm:"type:varchar(128);not null;uniqueIndex"`
	Status     string     `json:"status" gorm:"type:varchar(20);not null;default:pending"`
	ExpiresAt  time.Time  `json:"expires_at"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
	AcceptedBy *uuid.UUID `json:"accepted_by,omitempty" gorm:"type:uuid"`
	CreatedBy  uuid.UUID  `json:"created_by" gorm:"type:uuid"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	Tenant *Tenant `json:"tenant,omitempty" gorm:"foreignKey:TenantID"`
}

func (Invitation) TableName() string {
	return "invitations"
}

// Usable reports whether the invitation can still be accepted at now.
func (i *Invitation) Usable(now time.Time) bool {
	return i.Status == InvitationPending && now.Before(i.ExpiresAt)
}

// Brewery is a physical site inside a tenant; the secondary session scope.
type Brewery struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primary_key"`
	TenantID  uuid.UUID `json:"tenant_id" gorm:"type:uuid;not null;index"`
	Name      string    `json:"name" gorm:"type:varchar(255);not null"`
	Location  string    `json:"location,omitempty" gorm:"type:varchar(255)"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Brewery) TableName() string {
	return "breweries"
}
