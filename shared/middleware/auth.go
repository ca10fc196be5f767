package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/access"
	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/credentials"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

// Context keys set by the middleware chain.
const (
	ClaimsKey     = "claims"
	UserIDKey     = "user_id"
	EmailKey      = "email"
	RoleKey       = "role"
	TenantIDKey   = "tenant_id"
	TenantRoleKey = "tenant_role"
	MembershipKey = "membership"
)

// TokenValidator validates access tokens.
type TokenValidator interface {
	ValidateAccessToken(token string) (*credentials.AccessClaims, error)
}

// MembershipLookup answers tenant membership questions.
type MembershipLookup interface {
	Membership(ctx context.Context, userID, tenantID uuid.UUID) (*models.TenantUser, error)
	TenantRole(ctx context.Context, tenantID uuid.UUID, name string) (*models.TenantRole, error)
}

// SubjectSource loads the access level and department of a user, which are
// not carried in the token.
type SubjectSource interface {
	Subject(ctx context.Context, userID uuid.UUID) (access.Subject, error)
}

// AuthMiddleware handles access token validation and authorization.
type AuthMiddleware struct {
	tokens    TokenValidator
	members   MembershipLookup
	subjects  SubjectSource
	evaluator *access.Evaluator
	log       logrus.FieldLogger
}

// NewAuthMiddleware creates the middleware. subjects may be nil, in which case
// only the system role from the token is evaluated.
func NewAuthMiddleware(tokens TokenValidator, members MembershipLookup, subjects SubjectSource, evaluator *access.Evaluator, log logrus.FieldLogger) *AuthMiddleware {
	if evaluator == nil {
		evaluator = access.Default()
	}
	return &AuthMiddleware{
		tokens:    tokens,
		members:   members,
		subjects:  subjects,
		evaluator: evaluator,
		log:       log,
	}
}

// RequireAuth validates the bearer token and stores its claims in the context.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := ExtractToken(c)
		if tokenString == "" {
			utils.AbortWithError(c, http.StatusUnauthorized, string(apperr.KindTokenInvalid), utils.MsgNotAuthorized)
			return
		}

		claims, err := am.tokens.ValidateAccessToken(tokenString)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(UserIDKey, claims.UserID)
		c.Set(EmailKey, claims.Email)
		c.Set(RoleKey, claims.Role)
		if claims.HasTenant() {
			c.Set(TenantIDKey, claims.TenantID())
			c.Set(TenantRoleKey, claims.TenantRole())
		}
		c.Next()
	}
}

// RequireTenant requires an active membership in the request's tenant. The
// tenant is taken from the :id path parameter when present, then from the
// resolved tenant, then from the token.
func (am *AuthMiddleware) RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "middleware.RequireTenant"

		userID, err := CurrentUserID(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		tenantID, err := requestedTenant(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		m, err := am.members.Membership(c.Request.Context(), userID, tenantID)
		if apperr.Is(err, apperr.KindNotFound) {
			am.log.WithFields(logrus.Fields{
				"user_id":   userID,
				"tenant_id": tenantID,
			}).Debug("no active membership")
			utils.ErrorFromKind(c, apperr.Errorf(apperr.KindNoTenantAccess, op, "user %s has no access to tenant %s", userID, tenantID))
			return
		}
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}

		c.Set(MembershipKey, m)
		c.Set(TenantIDKey, tenantID.String())
		c.Set(TenantRoleKey, m.Role)
		c.Next()
	}
}

// RequireTenantPermission checks the caller's tenant role grants permission.
// It must run after RequireTenant.
func (am *AuthMiddleware) RequireTenantPermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "middleware.RequireTenantPermission"

		v, ok := c.Get(MembershipKey)
		m, _ := v.(*models.TenantUser)
		if !ok || m == nil {
			utils.ErrorFromKind(c, apperr.Errorf(apperr.KindNoTenantAccess, op, "no membership in context"))
			return
		}

		role, err := am.members.TenantRole(c.Request.Context(), m.TenantID, m.Role)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			utils.ErrorFromKind(c, err)
			return
		}
		if role == nil || !role.Grants(permission) {
			utils.ErrorFromKind(c, apperr.Errorf(apperr.KindPermissionDenied, op, "role %q lacks %s", m.Role, permission))
			return
		}
		c.Next()
	}
}

// RequirePermission checks the caller's platform permissions, the union of
// system role, access level and department grants.
func (am *AuthMiddleware) RequirePermission(permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "middleware.RequirePermission"

		subject, err := am.subject(c)
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		if !am.evaluator.HasAny(subject, permissions...) {
			utils.ErrorFromKind(c, apperr.Errorf(apperr.KindPermissionDenied, op, "missing any of %v", permissions))
			return
		}
		c.Next()
	}
}

func (am *AuthMiddleware) subject(c *gin.Context) (access.Subject, error) {
	claims, err := CurrentClaims(c)
	if err != nil {
		return access.Subject{}, err
	}
	if am.subjects == nil {
		return access.Subject{Role: claims.Role}, nil
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return access.Subject{}, apperr.Wrap(apperr.KindTokenInvalid, "middleware.subject", err)
	}
	s, err := am.subjects.Subject(c.Request.Context(), userID)
	if err != nil {
		return access.Subject{}, err
	}
	// the token is authoritative for the system role
	s.Role = claims.Role
	return s, nil
}

// ExtractToken returns the bearer token from the Authorization header.
func ExtractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return authHeader
}

// CurrentClaims returns the validated claims set by RequireAuth.
func CurrentClaims(c *gin.Context) (*credentials.AccessClaims, error) {
	v, ok := c.Get(ClaimsKey)
	claims, _ := v.(*credentials.AccessClaims)
	if !ok || claims == nil {
		return nil, apperr.Errorf(apperr.KindTokenInvalid, "middleware.CurrentClaims", "no claims in context")
	}
	return claims, nil
}

// CurrentUserID returns the authenticated user id.
func CurrentUserID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.GetString(UserIDKey))
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.KindTokenInvalid, "middleware.CurrentUserID", err)
	}
	return id, nil
}

// CurrentTenantID returns the tenant the request is scoped to.
func CurrentTenantID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.GetString(TenantIDKey))
	if err != nil {
		return uuid.Nil, apperr.Errorf(apperr.KindTenantResolutionFailure, "middleware.CurrentTenantID", "no tenant in context")
	}
	return id, nil
}

func requestedTenant(c *gin.Context) (uuid.UUID, error) {
	const op = "middleware.requestedTenant"
	if raw := c.Param("id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, apperr.Wrap(apperr.KindInvalidInput, op, err)
		}
		return id, nil
	}
	if res := CurrentResolution(c); res != nil && res.Tenant != nil {
		return res.Tenant.ID, nil
	}
	return CurrentTenantID(c)
}
