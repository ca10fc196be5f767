package main

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/audit"
	"github.com/pavitra93/go-brewery-tenancy/shared/credentials"
	"github.com/pavitra93/go-brewery-tenancy/shared/identity"
	"github.com/pavitra93/go-brewery-tenancy/shared/middleware"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
	"github.com/pavitra93/go-brewery-tenancy/shared/session"
	"github.com/pavitra93/go-brewery-tenancy/shared/tenancy"
	"github.com/pavitra93/go-brewery-tenancy/shared/users"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

type userStore interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	ByEmail(ctx context.Context, email string) (*models.User, error)
	Create(ctx context.Context, id *identity.Identity) (*models.User, error)
	UpsertFromIdentity(ctx context.Context, id *identity.Identity) (*models.User, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, upd users.ProfileUpdate) (*models.User, error)
}

type membershipStore interface {
	Membership(ctx context.Context, userID, tenantID uuid.UUID) (*models.TenantUser, error)
	ActiveMemberships(ctx context.Context, userID uuid.UUID) ([]models.TenantUser, error)
	AcceptInvitation(ctx context.Context, token string, user *models.User) (*models.TenantUser, error)
}

type tenantResolver interface {
	Resolve(ctx context.Context, rc tenancy.RequestContext) (*tenancy.Resolution, error)
	ByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	BySlug(ctx context.Context, slug string) (*models.Tenant, error)
}

type server struct {
	verifier  identity.Verifier
	registrar identity.Registrar
	users     userStore
	members   membershipStore
	resolver  tenantResolver
	tokens    *credentials.Service
	sessions  *session.Coordinator
	audit     audit.Recorder
	log       logrus.FieldLogger
}

// RegisterRequest represents a new account request.
type RegisterRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// UpdateProfileRequest carries the profile fields a user may change.
type UpdateProfileRequest struct {
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	Phone       *string `json:"phone,omitempty"`
}

// LoginRequest represents the login request
type LoginRequest struct {
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
	TenantSlug string `json:"tenant_slug,omitempty"`
}

// RefreshRequest carries the refresh token and the subject it was issued to.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
	UserID       string `json:"user_id" binding:"required"`
	TenantID     string `json:"tenant_id,omitempty"`
}

// TenantSummary is a tenant the caller belongs to.
type TenantSummary struct {
	ID   uuid.UUID `json:"id"`
	Slug string    `json:"slug"`
	Name string    `json:"name"`
	Role string    `json:"role"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	*credentials.TokenPair
	User   *models.User   `json:"user"`
	Tenant *TenantSummary `json:"tenant,omitempty"`
}

func (s *server) record(c *gin.Context, action string, subjectID, tenantID *uuid.UUID, meta map[string]interface{}) {
	ev := audit.WithRequest(audit.NewEvent(action, subjectID, tenantID), c.Request, c.GetString(utils.RequestIDKey))
	for k, v := range meta {
		ev.Metadata[k] = v
	}
	s.audit.Record(c.Request.Context(), ev)
}

// loginTenant picks the tenant a login is scoped to: the requested slug, then
// the request's host, header or query, then the user's only tenant.
func (s *server) loginTenant(c *gin.Context, user *models.User, slug string) (*models.Tenant, error) {
	ctx := c.Request.Context()
	if slug = strings.ToLower(strings.TrimSpace(slug)); slug != "" {
		t, err := s.resolver.BySlug(ctx, slug)
		if apperr.Is(err, apperr.KindNotFound) {
			// same answer as for a tenant the user cannot access
			return nil, apperr.New(apperr.KindNoTenantAccess, "auth.loginTenant")
		}
		return t, err
	}

	res, err := s.resolver.Resolve(ctx, middleware.RequestContextFrom(c))
	if err != nil {
		return nil, err
	}
	if res.Tenant != nil {
		return res.Tenant, nil
	}

	memberships, err := s.members.ActiveMemberships(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(memberships) == 1 && memberships[0].Tenant != nil {
		return memberships[0].Tenant, nil
	}
	return nil, nil
}

// tenantRole returns the caller's role in tenant, failing with NoTenantAccess
// unless the membership is active.
func (s *server) tenantRole(ctx context.Context, userID uuid.UUID, tenant *models.Tenant) (string, error) {
	m, err := s.members.Membership(ctx, userID, tenant.ID)
	if apperr.Is(err, apperr.KindNotFound) {
		return "", apperr.Errorf(apperr.KindNoTenantAccess, "auth.tenantRole", "user %s has no access to tenant %s", userID, tenant.ID)
	}
	if err != nil {
		return "", err
	}
	return m.Role, nil
}

// handleLogin verifies credentials with the identity provider and issues a
// token pair, tenant-scoped when a tenant applies.
func (s *server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		ctx := c.Request.Context()

		ident, err := s.verifier.Verify(ctx, req.Username, req.Password)
		if err != nil {
			if apperr.Is(err, apperr.KindAuthenticationFailure) {
				s.record(c, audit.ActionLoginFailed, nil, nil, map[string]interface{}{"username": req.Username})
			}
			utils.ErrorFromKind(c, err)
			return
		}

		user, err := s.users.UpsertFromIdentity(ctx, ident)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		tenant, err := s.loginTenant(c, user, req.TenantSlug)
		if err != nil {
			s.record(c, audit.ActionLoginFailed, &user.ID, nil, map[string]interface{}{"reason": string(apperr.KindOf(err))})
			utils.ErrorFromKind(c, err)
			return
		}

		var (
			role    string
			summary *TenantSummary
		)
		if tenant != nil {
			if role, err = s.tenantRole(ctx, user.ID, tenant); err != nil {
				s.record(c, audit.ActionLoginFailed, &user.ID, &tenant.ID, map[string]interface{}{"reason": string(apperr.KindOf(err))})
				utils.ErrorFromKind(c, err)
				return
			}
			summary = &TenantSummary{ID: tenant.ID, Slug: tenant.Slug, Name: tenant.Name, Role: role}
		}

		pair, err := s.tokens.IssuePair(ctx, user, tenant, role)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		var tenantID *uuid.UUID
		if tenant != nil {
			tenantID = &tenant.ID
		}
		s.record(c, audit.ActionLogin, &user.ID, tenantID, nil)
		s.log.WithFields(logrus.Fields{"user_id": user.ID, "tenant_id": tenantID}).Info("user logged in")

		utils.OKResponse(c, "Login successful", LoginResponse{TokenPair: pair, User: user, Tenant: summary})
	}
}

// handleRegister creates the provider account, then the local user. If the
// local write fails the provider account is deleted again.
func (s *server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "auth.register"
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		ctx := c.Request.Context()
		email := strings.ToLower(strings.TrimSpace(req.Email))

		if _, err := s.users.ByEmail(ctx, email); err == nil {
			utils.ErrorFromKind(c, apperr.Errorf(apperr.KindInvalidInput, op, "email already registered"))
			return
		} else if !apperr.Is(err, apperr.KindNotFound) {
			utils.ErrorFromKind(c, err)
			return
		}

		ident, err := s.registrar.Register(ctx, identity.Registration{
			Email:      email,
			Password:   req.Password,
			GivenName:  strings.TrimSpace(req.FirstName),
			FamilyName: strings.TrimSpace(req.LastName),
		})
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		user, err := s.users.Create(ctx, ident)
		if err != nil {
			if derr := s.registrar.Delete(context.WithoutCancel(ctx), email); derr != nil {
				s.log.WithError(derr).WithField("email", email).Warn("failed to remove orphaned provider account")
			}
			utils.ErrorFromKind(c, err)
			return
		}

		pair, err := s.tokens.IssuePair(ctx, user, nil, "")
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		s.record(c, audit.ActionUserRegistered, &user.ID, nil, nil)
		s.log.WithField("user_id", user.ID).Info("user registered")
		utils.CreatedResponse(c, "Registration successful", LoginResponse{TokenPair: pair, User: user})
	}
}

// handleUpdateMe changes the caller's profile.
func (s *server) handleUpdateMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		user, err := s.users.UpdateProfile(c.Request.Context(), userID, users.ProfileUpdate{
			FirstName:   req.FirstName,
			LastName:    req.LastName,
			DisplayName: req.DisplayName,
			Phone:       req.Phone,
		})
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		var fields []string
		for name, v := range map[string]*string{"first_name": req.FirstName, "last_name": req.LastName, "display_name": req.DisplayName, "phone": req.Phone} {
			if v != nil {
				fields = append(fields, name)
			}
		}
		sort.Strings(fields)
		s.record(c, audit.ActionProfileUpdated, &userID, nil, map[string]interface{}{"fields": fields})
		utils.OKResponse(c, "Profile updated", gin.H{"user": user, "display_name": user.DisplayNameOrDefault()})
	}
}

// handleRefreshToken rotates a refresh token. Any failure, including an
// unavailable token store, answers 401 so the client re-authenticates.
func (s *server) handleRefreshToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "auth.refresh"
		var req RefreshRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		ctx := c.Request.Context()

		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			utils.ErrorFromKind(c, apperr.Wrap(apperr.KindTokenInvalid, op, err))
			return
		}
		user, err := s.users.ByID(ctx, userID)
		if err != nil || !user.IsActive {
			utils.ErrorFromKind(c, apperr.Errorf(apperr.KindTokenInvalid, op, "refresh for unknown or inactive user %s", userID))
			return
		}

		var (
			tenant *models.Tenant
			role   string
		)
		if req.TenantID != "" {
			tenantID, err := uuid.Parse(req.TenantID)
			if err != nil {
				utils.ErrorFromKind(c, apperr.Wrap(apperr.KindInvalidInput, op, err))
				return
			}
			if tenant, err = s.resolver.ByID(ctx, tenantID); err != nil {
				if apperr.Is(err, apperr.KindNotFound) {
					err = apperr.New(apperr.KindNoTenantAccess, op)
				}
				utils.ErrorFromKind(c, err)
				return
			}
			if role, err = s.tenantRole(ctx, userID, tenant); err != nil {
				utils.ErrorFromKind(c, err)
				return
			}
		}

		pair, err := s.tokens.Rotate(ctx, user, req.RefreshToken, tenant, role)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		var tenantID *uuid.UUID
		if tenant != nil {
			tenantID = &tenant.ID
		}
		s.record(c, audit.ActionTokenRefreshed, &user.ID, tenantID, nil)
		utils.OKResponse(c, "Token refreshed", pair)
	}
}

// handleLogout revokes the presented refresh token.
func (s *server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		if err := s.tokens.Revoke(c.Request.Context(), req.RefreshToken); err != nil {
			utils.ErrorFromKind(c, apperr.Wrap(apperr.KindUnavailable, "auth.logout", err))
			return
		}
		s.record(c, audit.ActionLogout, &userID, nil, nil)
		utils.OKResponse(c, "Logged out", nil)
	}
}

// handleLogoutAll revokes every refresh token of the caller and clears the session.
func (s *server) handleLogoutAll() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		n, err := s.tokens.RevokeAllForSubject(c.Request.Context(), userID)
		if err != nil {
			utils.ErrorFromKind(c, apperr.Wrap(apperr.KindUnavailable, "auth.logoutAll", err))
			return
		}
		if err := s.sessions.Clear(c.Request.Context(), userID); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("failed to clear session on logout-all")
		}

		s.record(c, audit.ActionLogoutAll, &userID, nil, map[string]interface{}{"revoked": n})
		utils.OKResponse(c, "Logged out everywhere", gin.H{"revoked": n})
	}
}

// handleSwitchTenant issues an access token scoped to another tenant of the caller.
func (s *server) handleSwitchTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "auth.switchTenant"
		var req struct {
			TenantID   string `json:"tenant_id"`
			TenantSlug string `json:"tenant_slug"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || (req.TenantID == "" && req.TenantSlug == "") {
			utils.BadRequestResponse(c, "tenant_id or tenant_slug is required")
			return
		}
		ctx := c.Request.Context()

		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		user, err := s.users.ByID(ctx, userID)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		var tenant *models.Tenant
		if req.TenantID != "" {
			id, perr := uuid.Parse(req.TenantID)
			if perr != nil {
				utils.ErrorFromKind(c, apperr.Wrap(apperr.KindInvalidInput, op, perr))
				return
			}
			tenant, err = s.resolver.ByID(ctx, id)
		} else {
			tenant, err = s.resolver.BySlug(ctx, strings.ToLower(strings.TrimSpace(req.TenantSlug)))
		}
		if apperr.Is(err, apperr.KindNotFound) {
			err = apperr.New(apperr.KindNoTenantAccess, op)
		}
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		role, err := s.tenantRole(ctx, userID, tenant)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		token, err := s.tokens.Issuer().IssueAccessToken(user, tenant, role)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		s.record(c, audit.ActionTenantSwitched, &userID, &tenant.ID, nil)
		utils.OKResponse(c, "Tenant switched", gin.H{
			"access_token": token,
			"token_type":   "Bearer",
			"expires_in":   int64(s.tokens.Issuer().AccessTTL().Seconds()),
			"tenant":       TenantSummary{ID: tenant.ID, Slug: tenant.Slug, Name: tenant.Name, Role: role},
		})
	}
}

// handleMe returns the caller's profile and current tenant context.
func (s *server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := middleware.CurrentClaims(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		user, err := s.users.ByID(c.Request.Context(), userID)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		resp := gin.H{
			"user":         user,
			"display_name": user.DisplayNameOrDefault(),
		}
		if t := claims.Tenant; t != nil {
			resp["tenant"] = TenantSummary{Slug: t.Slug, Name: t.Name, Role: t.Role}
			resp["tenant_id"] = t.ID
		}
		utils.OKResponse(c, "User retrieved", resp)
	}
}

// handleTenants lists the tenants the caller is an active member of.
func (s *server) handleTenants() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		memberships, err := s.members.ActiveMemberships(c.Request.Context(), userID)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		out := make([]TenantSummary, 0, len(memberships))
		for _, m := range memberships {
			ts := TenantSummary{ID: m.TenantID, Role: m.Role}
			if m.Tenant != nil {
				ts.Slug, ts.Name = m.Tenant.Slug, m.Tenant.Name
			}
			out = append(out, ts)
		}
		utils.OKResponse(c, "Tenants retrieved", out)
	}
}

// handleAcceptInvitation joins the caller to the inviting tenant.
func (s *server) handleAcceptInvitation() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Token string `json:"token" binding:"required"`
		}
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
		user, err := s.users.ByID(ctx, userID)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		membership, err := s.members.AcceptInvitation(ctx, req.Token, user)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		s.record(c, audit.ActionInvitationAccepted, &userID, &membership.TenantID, map[string]interface{}{"role": membership.Role})
		utils.OKResponse(c, "Invitation accepted", membership)
	}
}

func (s *server) sessionResponse(c *gin.Context, message string, sess *session.UserSession, err error) {
	if err != nil {
		utils.ErrorFromKind(c, err)
		return
	}
	utils.OKResponse(c, message, sess)
}

// handleInitSession reconciles the stored selection with current memberships.
func (s *server) handleInitSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		sess, err := s.sessions.Initialize(c.Request.Context(), userID)
		s.sessionResponse(c, "Session initialized", sess, err)
	}
}

func (s *server) handleGetSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		sess, err := s.sessions.Get(c.Request.Context(), userID)
		s.sessionResponse(c, "Session retrieved", sess, err)
	}
}

func (s *server) handleSetSessionTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			TenantID uuid.UUID `json:"tenant_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		sess, err := s.sessions.SetTenant(c.Request.Context(), userID, req.TenantID)
		if err == nil {
			s.record(c, audit.ActionTenantSwitched, &userID, &req.TenantID, map[string]interface{}{"via": "session"})
		}
		s.sessionResponse(c, "Tenant selected", sess, err)
	}
}

func (s *server) handleSetSessionBrewery() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			BreweryID uuid.UUID `json:"brewery_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.BadRequestResponse(c, "Invalid request format")
			return
		}
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		sess, err := s.sessions.SetBrewery(c.Request.Context(), userID, req.BreweryID)
		s.sessionResponse(c, "Brewery selected", sess, err)
	}
}

func (s *server) handleClearSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := middleware.CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		if err := s.sessions.Clear(c.Request.Context(), userID); err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *server) routes(router *gin.Engine, am *middleware.AuthMiddleware) {
	auth := router.Group("/auth")
	{
		auth.POST("/register", s.handleRegister())
		auth.POST("/login", s.handleLogin())
		auth.POST("/refresh", s.handleRefreshToken())
		auth.POST("/logout", am.RequireAuth(), s.handleLogout())
		auth.POST("/logout-all", am.RequireAuth(), s.handleLogoutAll())
		auth.POST("/switch-tenant", am.RequireAuth(), s.handleSwitchTenant())
		auth.GET("/me", am.RequireAuth(), s.handleMe())
		auth.PUT("/me", am.RequireAuth(), s.handleUpdateMe())
		auth.GET("/tenants", am.RequireAuth(), s.handleTenants())
		auth.POST("/invitations/accept", am.RequireAuth(), s.handleAcceptInvitation())
	}

	sess := router.Group("/session", am.RequireAuth())
	{
		sess.POST("", s.handleInitSession())
		sess.GET("", s.handleGetSession())
		sess.PUT("/tenant", s.handleSetSessionTenant())
		sess.PUT("/brewery", s.handleSetSessionBrewery())
		sess.DELETE("", s.handleClearSession())
	}
}

var errNoVerifier = errors.New("identity provider not configured")

// unconfiguredVerifier rejects every login and registration when Cognito
// settings are missing.
type unconfiguredVerifier struct{}

func (unconfiguredVerifier) Verify(context.Context, string, string) (*identity.Identity, error) {
	return nil, apperr.Wrap(apperr.KindUnavailable, "auth.Verify", errNoVerifier)
}

func (unconfiguredVerifier) Register(context.Context, identity.Registration) (*identity.Identity, error) {
	return nil, apperr.Wrap(apperr.KindUnavailable, "auth.Register", errNoVerifier)
}

func (unconfiguredVerifier) Delete(context.Context, string) error {
	return errNoVerifier
}
