// Package users stores platform subjects.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pavitra93/go-brewery-tenancy/shared/access"
	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/identity"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
	"github.com/pavitra93/go-brewery-tenancy/shared/tenancy"
)

// Repository is the gorm-backed user store.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepository creates a user repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func lookupErr(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ByID returns a user by id, active or not.
func (r *Repository) ByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, lookupErr("users.ByID", err)
	}
	return &u, nil
}

// ByEmail returns a user by email, case-insensitively.
func (r *Repository) ByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := r.db.WithContext(ctx).Where("lower(email) = ?", strings.ToLower(strings.TrimSpace(email))).First(&u).Error
	if err != nil {
		return nil, lookupErr("users.ByEmail", err)
	}
	return &u, nil
}

// UpsertFromIdentity returns the user for a verified identity, creating it on
// first login. An existing user found by email is linked to the external id.
// Deactivated users fail with AuthenticationFailure.
func (r *Repository) UpsertFromIdentity(ctx context.Context, id *identity.Identity) (*models.User, error) {
	const op = "users.UpsertFromIdentity"

	var user models.User
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("external_id = ?", id.ExternalID).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = tx.Where("lower(email) = ?", strings.ToLower(id.Email)).First(&user).Error
		}

		now := r.now().UTC()
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			user = models.User{
				ID:            uuid.New(),
				ExternalID:    id.ExternalID,
				Email:         id.Email,
				EmailVerified: id.EmailVerified,
				FirstName:     id.GivenName,
				LastName:      id.FamilyName,
				Role:          models.SystemRoleTenantOwner,
				IsActive:      true,
				LastLoginAt:   &now,
			}
			return tx.Create(&user).Error
		case err != nil:
			return err
		}

		if !user.IsActive {
			return apperr.Errorf(apperr.KindAuthenticationFailure, op, "user %s is deactivated", user.ID)
		}

		updates := map[string]interface{}{
			"external_id":    id.ExternalID,
			"email_verified": id.EmailVerified,
			"last_login_at":  now,
		}
		if id.GivenName != "" {
			updates["first_name"] = id.GivenName
		}
		if id.FamilyName != "" {
			updates["last_name"] = id.FamilyName
		}
		return tx.Model(&user).Updates(updates).Error
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &user, nil
}

// Create stores a newly registered user. An email or external id that is
// already taken is InvalidInput.
func (r *Repository) Create(ctx context.Context, id *identity.Identity) (*models.User, error) {
	const op = "users.Create"

	now := r.now().UTC()
	user := &models.User{
		ID:            uuid.New(),
		ExternalID:    id.ExternalID,
		Email:         strings.ToLower(strings.TrimSpace(id.Email)),
		EmailVerified: id.EmailVerified,
		FirstName:     id.GivenName,
		LastName:      id.FamilyName,
		Role:          models.SystemRoleTenantOwner,
		IsActive:      true,
		LastLoginAt:   &now,
	}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if tenancy.IsUniqueViolation(err) {
			return nil, apperr.Wrap(apperr.KindInvalidInput, op, err)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

// ProfileUpdate holds the user-editable profile fields. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	FirstName   *string
	LastName    *string
	DisplayName *string
	Phone       *string
}

// UpdateProfile applies a profile change to an active user.
func (r *Repository) UpdateProfile(ctx context.Context, id uuid.UUID, upd ProfileUpdate) (*models.User, error) {
	const op = "users.UpdateProfile"

	updates := map[string]interface{}{}
	if upd.FirstName != nil {
		updates["first_name"] = strings.TrimSpace(*upd.FirstName)
	}
	if upd.LastName != nil {
		updates["last_name"] = strings.TrimSpace(*upd.LastName)
	}
	if upd.DisplayName != nil {
		updates["display_name"] = strings.TrimSpace(*upd.DisplayName)
	}
	if upd.Phone != nil {
		updates["phone"] = strings.TrimSpace(*upd.Phone)
	}

	user, err := r.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, apperr.Errorf(apperr.KindAuthenticationFailure, op, "user %s is deactivated", id)
	}
	if len(updates) == 0 {
		return user, nil
	}
	if err := r.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	applyProfile(user, updates)
	return user, nil
}

func applyProfile(u *models.User, updates map[string]interface{}) {
	for col, v := range updates {
		val, _ := v.(string)
		switch col {
		case "first_name":
			u.FirstName = val
		case "last_name":
			u.LastName = val
		case "display_name":
			u.DisplayName = val
		case "phone":
			u.Phone = val
		}
	}
}

// Deactivate soft-deletes a user.
func (r *Repository) Deactivate(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("users.Deactivate: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "users.Deactivate")
	}
	return nil
}

// Subject returns the access axes of an active user.
func (r *Repository) Subject(ctx context.Context, id uuid.UUID) (access.Subject, error) {
	u, err := r.ByID(ctx, id)
	if err != nil {
		return access.Subject{}, err
	}
	if !u.IsActive {
		return access.Subject{}, apperr.Errorf(apperr.KindAuthenticationFailure, "users.Subject", "user %s is deactivated", id)
	}
	return access.Subject{Role: u.Role, AccessLevel: u.AccessLevel, Department: u.Department}, nil
}
