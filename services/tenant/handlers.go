package main

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/audit"
	"github.com/pavitra93/go-brewery-tenancy/shared/middleware"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
	"github.com/pavitra93/go-brewery-tenancy/shared/tenancy"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

type provisioner interface {
	Provision(ctx context.Context, req tenancy.Request) (*tenancy.Result, error)
}

type tenantStore interface {
	AnyByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	UpdateTenant(ctx context.Context, id uuid.UUID, upd tenancy.TenantUpdate) (before, after *models.Tenant, err error)
	Members(ctx context.Context, tenantID uuid.UUID) ([]models.TenantUser, error)
	UpdateMembership(ctx context.Context, tenantID, userID uuid.UUID, upd tenancy.MembershipUpdate) (*models.TenantUser, error)
	CreateInvitation(ctx context.Context, req tenancy.InvitationRequest) (*models.Invitation, error)
	ListInvitations(ctx context.Context, tenantID uuid.UUID) ([]models.Invitation, error)
	RevokeInvitation(ctx context.Context, tenantID, invitationID uuid.UUID) (*models.Invitation, error)
	TenantRole(ctx context.Context, tenantID uuid.UUID, name string) (*models.TenantRole, error)
}

type userStore interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type cacheInvalidator interface {
	Invalidate(ctx context.Context, tenants ...*models.Tenant)
}

type tokenIssuer interface {
	IssueAccessToken(user *models.User, tenant *models.Tenant, tenantRole string) (string, error)
}

type server struct {
	provisioner provisioner
	tenants     tenantStore
	users       userStore
	caches      cacheInvalidator
	resolver    middleware.TenantResolver
	issuer      tokenIssuer
	audit       audit.Recorder
	log         logrus.FieldLogger
}

// CreateTenantRequest represents the create tenant request
type CreateTenantRequest struct {
	Name          string `json:"name" binding:"required"`
	Slug          string `json:"slug"`
	Subdomain     string `json:"subdomain"`
	Domain        string `json:"domain"`
	PlanType      string `json:"plan_type"`
	Timezone      string `json:"timezone"`
	Locale        string `json:"locale"`
	BillingEmail  string `json:"billing_email"`
	PaymentMethod string `json:"payment_method"`
}

// UpdateTenantRequest represents the update tenant request. Slug cannot change.
type UpdateTenantRequest struct {
	Name               *string                `json:"name"`
	Subdomain          *string                `json:"subdomain"`
	PlanType           *string                `json:"plan_type"`
	SubscriptionStatus *string                `json:"subscription_status"`
	BillingEmail       *string                `json:"billing_email"`
	Timezone           *string                `json:"timezone"`
	Locale             *string                `json:"locale"`
	Features           map[string]interface{} `json:"features"`
	Settings           map[string]interface{} `json:"settings"`
}

// InvitationRequest represents an invitation to join the tenant.
type InvitationRequest struct {
	Email string `json:"email" binding:"required"`
	Role  string `json:"role"`
}

// MembershipRequest changes a member's status and/or role.
type MembershipRequest struct {
	Status *models.MembershipStatus `json:"status"`
	Role   *string                  `json:"role"`
}

var subscriptionStatuses = map[string]bool{
	models.SubscriptionActive:    true,
	models.SubscriptionTrialing:  true,
	models.SubscriptionPastDue:   true,
	models.SubscriptionCancelled: true,
}

func (s *server) record(c *gin.Context, action string, tenantID *uuid.UUID, resourceType, resourceID string, meta map[string]interface{}) {
	var subject *uuid.UUID
	if id, err := middleware.CurrentUserID(c); err == nil {
		subject = &id
	}
	ev := audit.WithRequest(audit.NewEvent(action, subject, tenantID), c.Request, c.GetString(utils.RequestIDKey))
	ev.ResourceType, ev.ResourceID = resourceType, resourceID
	for k, v := range meta {
		ev.Metadata[k] = v
	}
	s.audit.Record(c.Request.Context(), ev)
}

// tenantParam returns the :id tenant checked by RequireTenant.
func tenantParam(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.KindInvalidInput, "tenant.param", err)
	}
	return id, nil
}

// handleCreateTenant provisions a tenant owned by the caller and returns a
// token already scoped to it.
func (s *server) handleCreateTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateTenantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		ctx := c.Request.Context()

		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		owner, err := s.users.ByID(ctx, userID)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		res, err := s.provisioner.Provision(ctx, tenancy.Request{
			Name:          req.Name,
			Slug:          req.Slug,
			Subdomain:     req.Subdomain,
			Domain:        req.Domain,
			PlanType:      req.PlanType,
			Timezone:      req.Timezone,
			Locale:        req.Locale,
			BillingEmail:  req.BillingEmail,
			PaymentMethod: req.PaymentMethod,
			Owner:         owner,
		})
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		token, err := s.issuer.IssueAccessToken(owner, res.Tenant, res.OwnerMembership.Role)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		s.record(c, audit.ActionTenantCreated, &res.Tenant.ID, "tenant", res.Tenant.ID.String(),
			map[string]interface{}{"slug": res.Tenant.Slug, "attempts": res.Attempts})

		body := gin.H{
			"tenant":       res.Tenant,
			"membership":   res.OwnerMembership,
			"access_token": token,
			"token_type":   "Bearer",
		}
		if res.BillingErr != nil {
			body["billing_warning"] = "subscription could not be attached, retry from billing settings"
		}
		utils.CreatedResponse(c, "Brewery created successfully", body)
	}
}

func (s *server) handleGetTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := tenantParam(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		tenant, err := s.tenants.AnyByID(c.Request.Context(), id)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		utils.OKResponse(c, "Tenant retrieved successfully", tenant)
	}
}

// handleUpdateTenant applies a partial update. Plan and subscription changes
// additionally need the billing permission.
func (s *server) handleUpdateTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "tenant.update"
		id, err := tenantParam(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		var req UpdateTenantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		ctx := c.Request.Context()

		if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
			utils.ErrorFromKind(c, apperr.Errorf(apperr.KindInvalidInput, op, "name cannot be empty"))
			return
		}
		if req.Subdomain != nil {
			sub := strings.ToLower(strings.TrimSpace(*req.Subdomain))
			if sub != "" && tenancy.Slugify(sub) != sub {
				utils.ErrorFromKind(c, apperr.Errorf(apperr.KindInvalidInput, op, "invalid subdomain %q", *req.Subdomain))
				return
			}
			req.Subdomain = &sub
		}
		if req.SubscriptionStatus != nil && !subscriptionStatuses[*req.SubscriptionStatus] {
			utils.ErrorFromKind(c, apperr.Errorf(apperr.KindInvalidInput, op, "unknown subscription status %q", *req.SubscriptionStatus))
			return
		}
		if req.PlanType != nil || req.SubscriptionStatus != nil {
			if err := s.requireGrant(c, id, tenancy.PermManageBilling); err != nil {
				utils.ErrorFromKind(c, err)
				return
			}
		}

		before, after, err := s.tenants.UpdateTenant(ctx, id, tenancy.TenantUpdate{
			Name:               req.Name,
			Subdomain:          req.Subdomain,
			PlanType:           req.PlanType,
			SubscriptionStatus: req.SubscriptionStatus,
			BillingEmail:       req.BillingEmail,
			Timezone:           req.Timezone,
			Locale:             req.Locale,
			Features:           req.Features,
			Settings:           req.Settings,
		})
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		// both the old and the new subdomain may be cached
		s.caches.Invalidate(ctx, before, after)

		s.record(c, audit.ActionTenantUpdated, &id, "tenant", id.String(), nil)
		utils.OKResponse(c, "Tenant updated successfully", after)
	}
}

// handleDeleteTenant deactivates the tenant. Rows are kept.
func (s *server) handleDeleteTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := tenantParam(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		ctx := c.Request.Context()

		inactive := false
		before, after, err := s.tenants.UpdateTenant(ctx, id, tenancy.TenantUpdate{IsActive: &inactive})
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		s.caches.Invalidate(ctx, before, after)

		s.record(c, audit.ActionTenantDeactivated, &id, "tenant", id.String(), nil)
		s.log.WithField("tenant_id", id).Info("tenant deactivated")
		utils.OKResponse(c, "Tenant deactivated", nil)
	}
}

func (s *server) handleGetTenantUsers() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := tenantParam(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		members, err := s.tenants.Members(c.Request.Context(), id)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		utils.OKResponse(c, "Tenant users retrieved successfully", members)
	}
}

// handleInviteUser creates a pending invitation. The token is returned to
// the inviter, who passes it on.
func (s *server) handleInviteUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := tenantParam(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		var req InvitationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		if req.Role == tenancy.RoleOwner {
			if err := s.requireGrant(c, id, tenancy.PermManageRoles); err != nil {
				utils.ErrorFromKind(c, err)
				return
			}
		}

		inv, err := s.tenants.CreateInvitation(c.Request.Context(), tenancy.InvitationRequest{
			TenantID:  id,
			Email:     req.Email,
			Role:      req.Role,
			CreatedBy: userID,
		})
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		s.record(c, audit.ActionInvitationCreated, &id, "invitation", inv.ID.String(),
			map[string]interface{}{"email": inv.Email, "role": inv.Role})
		utils.CreatedResponse(c, "Invitation created", gin.H{
			"invitation": inv,
			"token":      inv.Token,
		})
	}
}

// handleListInvitations lists the tenant's invitations. Tokens are never
// included.
func (s *server) handleListInvitations() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := tenantParam(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		invs, err := s.tenants.ListInvitations(c.Request.Context(), id)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		utils.OKResponse(c, "Invitations retrieved", invs)
	}
}

// handleRevokeInvitation cancels a pending invitation.
func (s *server) handleRevokeInvitation() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "tenant.revokeInvitation"
		id, err := tenantParam(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		invID, err := uuid.Parse(c.Param("invitation_id"))
		if err != nil {
			utils.ErrorFromKind(c, apperr.Wrap(apperr.KindInvalidInput, op, err))
			return
		}

		inv, err := s.tenants.RevokeInvitation(c.Request.Context(), id, invID)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		s.record(c, audit.ActionInvitationRevoked, &id, "invitation", inv.ID.String(),
			map[string]interface{}{"email": inv.Email})
		utils.OKResponse(c, "Invitation revoked", inv)
	}
}

// handleUpdateTenantUser changes a member's status or role. Members cannot
// change their own membership.
func (s *server) handleUpdateTenantUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "tenant.updateMember"
		id, err := tenantParam(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		target, err := uuid.Parse(c.Param("user_id"))
		if err != nil {
			utils.ErrorFromKind(c, apperr.Wrap(apperr.KindInvalidInput, op, err))
			return
		}
		var req MembershipRequest
		if err := c.ShouldBindJSON(&req); err != nil || (req.Status == nil && req.Role == nil) {
			utils.BadRequestResponse(c, "status or role is required")
			return
		}
		caller, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		if caller == target {
			utils.ErrorFromKind(c, apperr.Errorf(apperr.KindInvalidInput, op, "cannot change own membership"))
			return
		}
		if req.Role != nil {
			if err := s.requireGrant(c, id, tenancy.PermManageRoles); err != nil {
				utils.ErrorFromKind(c, err)
				return
			}
		}

		m, err := s.tenants.UpdateMembership(c.Request.Context(), id, target, tenancy.MembershipUpdate{
			Status: req.Status,
			Role:   req.Role,
		})
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		meta := map[string]interface{}{}
		if req.Status != nil {
			meta["status"] = string(*req.Status)
		}
		if req.Role != nil {
			meta["role"] = *req.Role
		}
		s.record(c, audit.ActionMembershipUpdated, &id, "user", target.String(), meta)
		utils.OKResponse(c, "Membership updated", m)
	}
}

// handleResolve reports which tenant the request resolves to and how.
func (s *server) handleResolve() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := middleware.CurrentResolution(c)
		if res == nil || res.Tenant == nil {
			utils.OKResponse(c, "No tenant resolved", gin.H{"source": tenancy.SourceNone})
			return
		}
		utils.OKResponse(c, "Tenant resolved", gin.H{
			"source": res.Source,
			"tenant": gin.H{
				"id":        res.Tenant.ID,
				"slug":      res.Tenant.Slug,
				"name":      res.Tenant.Name,
				"subdomain": res.Tenant.SubdomainValue(),
			},
		})
	}
}

// requireGrant checks the caller's tenant role for a permission beyond the
// one guarding the route.
func (s *server) requireGrant(c *gin.Context, tenantID uuid.UUID, permission string) error {
	const op = "tenant.requireGrant"
	role := c.GetString(middleware.TenantRoleKey)
	r, err := s.tenants.TenantRole(c.Request.Context(), tenantID, role)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	if r == nil || !r.Grants(permission) {
		return apperr.Errorf(apperr.KindPermissionDenied, op, "role %q lacks %s", role, permission)
	}
	return nil
}

func (s *server) routes(router *gin.Engine, am *middleware.AuthMiddleware) {
	tenants := router.Group("/tenants", am.RequireAuth())
	{
		tenants.POST("", s.handleCreateTenant())
		tenants.GET("/resolve", middleware.ResolveTenant(s.resolver), s.handleResolve())

		scoped := tenants.Group("/:id", am.RequireTenant())
		{
			scoped.GET("", am.RequireTenantPermission(tenancy.PermViewTenantSettings), s.handleGetTenant())
			scoped.PUT("", am.RequireTenantPermission(tenancy.PermManageTenantSettings), s.handleUpdateTenant())
			scoped.DELETE("", am.RequireTenantPermission(tenancy.PermManageTenantSettings), s.handleDeleteTenant())

			scoped.GET("/users", am.RequireTenantPermission(tenancy.PermManageUsers), s.handleGetTenantUsers())
			scoped.GET("/invitations", am.RequireTenantPermission(tenancy.PermManageUsers), s.handleListInvitations())
			scoped.POST("/invitations", am.RequireTenantPermission(tenancy.PermManageUsers), s.handleInviteUser())
			scoped.DELETE("/invitations/:invitation_id", am.RequireTenantPermission(tenancy.PermManageUsers), s.handleRevokeInvitation())
			scoped.PUT("/users/:user_id", am.RequireTenantPermission(tenancy.PermManageUsers), s.handleUpdateTenantUser())
		}
	}
}
