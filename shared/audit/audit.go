// Package audit records security-relevant operations. Events are produced
// onto Kafka by the services and written to postgres by the audit service.
package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/models"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

// Actions.
const (
	ActionLogin              = "user.login"
	ActionLoginFailed        = "user.login_failed"
	ActionLogout             = "user.logout"
	ActionLogoutAll          = "user.logout_all"
	ActionTokenRefreshed     = "token.refreshed"
	ActionTenantSwitched     = "tenant.switched"
	ActionTenantCreated      = "tenant.created"
	ActionTenantUpdated      = "tenant.updated"
	ActionTenantDeactivated  = "tenant.deactivated"
	ActionMembershipUpdated  = "membership.updated"
	ActionInvitationCreated  = "invitation.created"
	ActionInvitationAccepted = "invitation.accepted"
	ActionInvitationRevoked  = "invitation.revoked"
	ActionUserRegistered     = "user.registered"
	ActionProfileUpdated     = "user.profile_updated"
	ActionTokensRevoked      = "token.revoked_all"
)

// Recorder accepts audit events. Record never blocks the request path and
// never fails it; delivery problems are logged.
type Recorder interface {
	Record(ctx context.Context, ev *models.AuditEvent)
}

// NewEvent returns an event with a fresh ULID and the current time.
func NewEvent(action string, subjectID, tenantID *uuid.UUID) *models.AuditEvent {
	return &models.AuditEvent{
		ID:         utils.NewULID(),
		Action:     action,
		SubjectID:  subjectID,
		TenantID:   tenantID,
		Metadata:   map[string]interface{}{},
		OccurredAt: time.Now().UTC(),
	}
}

// WithRequest copies client metadata from r onto ev.
func WithRequest(ev *models.AuditEvent, r *http.Request, requestID string) *models.AuditEvent {
	ev.IPAddress = clientIP(r)
	ev.UserAgent = r.UserAgent()
	ev.RequestID = requestID
	return ev
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// LogRecorder writes events to the log. Used when Kafka is not configured.
type LogRecorder struct {
	log logrus.FieldLogger
}

func NewLogRecorder(log logrus.FieldLogger) *LogRecorder {
	return &LogRecorder{log: log}
}

func (r *LogRecorder) Record(_ context.Context, ev *models.AuditEvent) {
	fields := logrus.Fields{
		"audit_id":   ev.ID,
		"action":     ev.Action,
		"request_id": ev.RequestID,
	}
	if ev.SubjectID != nil {
		fields["user_id"] = ev.SubjectID.String()
	}
	if ev.TenantID != nil {
		fields["tenant_id"] = ev.TenantID.String()
	}
	if ev.ResourceType != "" {
		fields["resource"] = ev.ResourceType + "/" + ev.ResourceID
	}
	r.log.WithFields(fields).Info("audit")
}
