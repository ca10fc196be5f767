package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditEvent is an append-only record of a security-relevant operation.
type AuditEvent struct {
	ID           string                 `json:"id" gorm:"type:varchar(26);primary_key"`
	Action       string                 `json:"action" gorm:"type:varchar(100);not null;index"`
	SubjectID    *uuid.UUID             `json:"subject_id,omitempty" gorm:"type:uuid;index"`
	TenantID     *uuid.UUID             `json:"tenant_id,omitempty" gorm:"type:uuid;index"`
	ResourceType string                 `json:"resource_type,omitempty" gorm:"type:varchar(50)"`
	ResourceID   string                 `json:"resource_id,omitempty" gorm:"type:varchar(100)"`
	IPAddress    string                 `json:"ip_address,omitempty" gorm:"type:varchar(64)"`
	UserAgent    string                 `json:"user_agent,omitempty" gorm:"type:text"`
	RequestID    string                 `json:"request_id,omitempty" gorm:"type:varchar(64)"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
	OccurredAt   time.Time              `json:"occurred_at" gorm:"not null;index"`
}

func (AuditEvent) TableName() string {
	return "audit_events"
}

// All lists every model for migrations.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Tenant{},
		&TenantRole{},
		&TenantUser{},
		&Invitation{},
		&Brewery{},
		&AuditEvent{},
	}
}
