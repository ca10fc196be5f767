package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// System roles carried in the "role" claim.
const (
	SystemRoleTenantOwner    = "tenant"
	SystemRoleBreweryManager = "brewery-manager"
	SystemRoleEmployee       = "employee"
)

// User is a platform subject. Users are deactivated, never hard-deleted.
type User struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primary_key"`
	ExternalID    string     `json:"external_id" gorm:"type:varchar(255);uniqueIndex"`
	Email         string     `json:"email" gorm:"type:varchar(255);not null;uniqueIndex"`
	EmailVerified bool       `json:"email_verified"`
	FirstName     string     `json:"first_name,omitempty" gorm:"type:varchar(100)"`
	LastName      string     `json:"last_name,omitempty" gorm:"type:varchar(100)"`
	DisplayName   string     `json:"display_name,omitempty" gorm:"type:varchar(200)"`
	Phone         string     `json:"phone,omitempty" gorm:"type:varchar(32)"`
	Role          string     `json:"role" gorm:"type:varchar(50);not null;default:tenant"`
	AccessLevel   string     `json:"access_level,omitempty" gorm:"type:varchar(50)"`
	Department    string     `json:"department,omitempty" gorm:"type:varchar(50)"`
	IsSystemAdmin bool       `json:"is_system_admin"`
	IsActive      bool       `json:"is_active" gorm:"default:true"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// DisplayNameOrDefault returns the stored display name, "First Last", or the
// local part of the email, in that order.
func (u *User) DisplayNameOrDefault() string {
	if strings.TrimSpace(u.DisplayName) != "" {
		return u.DisplayName
	}
	full := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if full != "" {
		return full
	}
	if at := strings.Index(u.Email, "@"); at > 0 {
		return u.Email[:at]
	}
	return u.Email
}
