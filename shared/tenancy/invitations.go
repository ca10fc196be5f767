package tenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

// DefaultInvitationTTL is how long an invitation can be accepted.
const DefaultInvitationTTL = 7 * 24 * time.Hour

// InvitationRequest describes an invitation to create.
type InvitationRequest struct {
	TenantID  uuid.UUID
	Email     string
	Role      string
	CreatedBy uuid.UUID
	TTL       time.Duration
}

func newInvitationToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateInvitation stores a pending invitation for a role that exists in the tenant.
func (r *Repository) CreateInvitation(ctx context.Context, req InvitationRequest) (*models.Invitation, error) {
	const op = "tenancy.CreateInvitation"

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.Errorf(apperr.KindInvalidInput, op, "invalid email %q", req.Email)
	}
	role := req.Role
	if role == "" {
		role = RoleEmployee
	}
	if _, err := r.TenantRole(ctx, req.TenantID, role); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Errorf(apperr.KindInvalidInput, op, "unknown role %q", role)
		}
		return nil, err
	}

	token, err := newInvitationToken()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultInvitationTTL
	}

	inv := &models.Invitation{
		ID:        uuid.New(),
		TenantID:  req.TenantID,
		Email:     email,
		Role:      role,
		Token:     token,
		Status:    models.InvitationPending,
		ExpiresAt: time.Now().UTC().Add(ttl),
		CreatedBy: req.CreatedBy,
	}
	if err := r.db.WithContext(ctx).Create(inv).Error; err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return inv, nil
}

// AcceptInvitation activates a membership for user from a pending invitation.
// The invitation's email must match the user's.
func (r *Repository) AcceptInvitation(ctx context.Context, token string, user *models.User) (*models.TenantUser, error) {
	const op = "tenancy.AcceptInvitation"

	var (
		membership models.TenantUser
		rejected   error
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inv models.Invitation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("token = ?", token).First(&inv).Error; err != nil {
			return notFound(op, err)
		}

		now := time.Now().UTC()
		if !inv.Usable(now) {
			status := inv.Status
			if status == models.InvitationPending {
				status = models.InvitationExpired
				if err := tx.Model(&inv).Update("status", status).Error; err != nil {
					return err
				}
			}
			// commit the expiry; the rejection is reported after the transaction
			rejected = apperr.Errorf(apperr.KindInvalidInput, op, "invitation is %s", status)
			return nil
		}
		if !strings.EqualFold(inv.Email, user.Email) {
			return apperr.New(apperr.KindNoTenantAccess, op)
		}

		var role models.TenantRole
		if err := tx.Where("tenant_id = ? AND name = ?", inv.TenantID, inv.Role).First(&role).Error; err != nil {
			return fmt.Errorf("load role %s: %w", inv.Role, err)
		}

		err := tx.Where("tenant_id = ? AND user_id = ?", inv.TenantID, user.ID).First(&membership).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			membership = models.TenantUser{
				ID:           uuid.New(),
				TenantID:     inv.TenantID,
				UserID:       user.ID,
				Role:         role.Name,
				TenantRoleID: &role.ID,
				Status:       models.MembershipActive,
				InvitedBy:    &inv.CreatedBy,
				InvitedAt:    &inv.CreatedAt,
				JoinedAt:     &now,
			}
			if err := tx.Create(&membership).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			updates := map[string]interface{}{
				"status":         models.MembershipActive,
				"role":           role.Name,
				"tenant_role_id": role.ID,
				"joined_at":      now,
			}
			if err := tx.Model(&membership).Updates(updates).Error; err != nil {
				return err
			}
		}

		return tx.Model(&inv).Updates(map[string]interface{}{
			"status":      models.InvitationAccepted,
			"accepted_at": now,
			"accepted_by": user.ID,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	return &membership, nil
}

// ListInvitations returns the tenant's invitations, newest first. Pending
// invitations past their expiry are reported as expired.
func (r *Repository) ListInvitations(ctx context.Context, tenantID uuid.UUID) ([]models.Invitation, error) {
	var invs []models.Invitation
	if err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("created_at DESC").Find(&invs).Error; err != nil {
		return nil, fmt.Errorf("tenancy.ListInvitations: %w", err)
	}
	now := time.Now().UTC()
	for i := range invs {
		if invs[i].Status == models.InvitationPending && !now.Before(invs[i].ExpiresAt) {
			invs[i].Status = models.InvitationExpired
		}
	}
	return invs, nil
}

// RevokeInvitation marks a pending invitation of the tenant revoked. Accepted
// invitations cannot be revoked; the membership is changed instead.
func (r *Repository) RevokeInvitation(ctx context.Context, tenantID, invitationID uuid.UUID) (*models.Invitation, error) {
	const op = "tenancy.RevokeInvitation"

	var inv models.Invitation
	if err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", invitationID, tenantID).First(&inv).Error; err != nil {
		return nil, notFound(op, err)
	}
	switch inv.Status {
	case models.InvitationRevoked:
		return &inv, nil
	case models.InvitationAccepted:
		return nil, apperr.Errorf(apperr.KindInvalidInput, op, "invitation already accepted")
	}
	if err := r.db.WithContext(ctx).Model(&inv).Update("status", models.InvitationRevoked).Error; err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	inv.Status = models.InvitationRevoked
	return &inv, nil
}
