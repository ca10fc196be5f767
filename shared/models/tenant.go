package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subscription statuses
const (
	SubscriptionActive    = "active"
	SubscriptionTrialing  = "trialing"
	SubscriptionPastDue   = "past_due"
	SubscriptionCancelled = "cancelled"
)

// Tenant is a brewery organization with its own isolated schema.
// Slug is immutable after creation.
type Tenant struct {
	ID                 uuid.UUID              `json:"id" gorm:"type:uuid;primary_key"`
	Name               string                 `json:"name" gorm:"type:varchar(255);not null"`
	Slug               string                 `json:"slug" gorm:"type:varchar(100);not null;uniqueIndex"`
	Subdomain          *string                `json:"subdomain,omitempty" gorm:"type:varchar(100);uniqueIndex"`
	Domain             *string                `json:"domain,omitempty" gorm:"type:varchar(255)"`
	PlanType           string                 `json:"plan_type" gorm:"type:varchar(50);not null;default:free"`
	SubscriptionStatus string                 `json:"subscription_status" gorm:"type:varchar(50);not null;default:active"`
	BillingEmail       string                 `json:"billing_email,omitempty" gorm:"type:varchar(255)"`
	SchemaName         string                 `json:"schema_name" gorm:"type:varchar(100);not null"`
	Timezone           string                 `json:"timezone" gorm:"type:varchar(64);default:UTC"`
	Locale             string                 `json:"locale" gorm:"type:varchar(16);default:en-US"`
	Features           map[string]interface{} `json:"features,omitempty" gorm:"type:jsonb;serializer:json"`
	Settings           map[string]interface{} `json:"settings,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedBy          uuid.UUID              `json:"created_by" gorm:"type:uuid"`
	IsActive           bool                   `json:"is_active" gorm:"default:true"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// TableName returns the table name for the Tenant model
func (Tenant) TableName() string {
	return "tenants"
}

// SchemaNameFor derives the isolated schema identifier from a tenant id.
func SchemaNameFor(id uuid.UUID) string {
	return fmt.Sprintf("tenant_%s", strings.ReplaceAll(id.String(), "-", ""))
}

// SubdomainValue returns the subdomain or "".
func (t *Tenant) SubdomainValue() string {
	if t.Subdomain == nil {
		return ""
	}
	return *t.Subdomain
}
