package middleware

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/pavitra93/go-brewery-tenancy/shared/tenancy"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

// ResolutionKey holds the *tenancy.Resolution of the request.
const ResolutionKey = "tenant_resolution"

// TenantResolver is satisfied by *tenancy.Resolver.
type TenantResolver interface {
	Resolve(ctx context.Context, rc tenancy.RequestContext) (*tenancy.Resolution, error)
}

// RequestContextFrom builds resolver input from the request and any claims
// already validated by RequireAuth.
func RequestContextFrom(c *gin.Context) tenancy.RequestContext {
	rc := tenancy.RequestContext{
		Host:       c.Request.Host,
		HeaderSlug: c.GetHeader(tenancy.TenantSlugHeader),
		QuerySlug:  c.Query(tenancy.TenantQueryParam),
	}
	if claims, err := CurrentClaims(c); err == nil {
		rc.ClaimTenantID = claims.TenantID()
	}
	return rc
}

// ResolveTenant resolves the request's tenant. A request with no tenant
// continues without one; handlers that need a tenant use RequireTenant.
func ResolveTenant(resolver TenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := resolver.Resolve(c.Request.Context(), RequestContextFrom(c))
		if err != nil {
			utils.ErrorFromKind(c, err)
			return
		}
		c.Set(ResolutionKey, res)
		if res.Tenant != nil {
			c.Set(TenantIDKey, res.Tenant.ID.String())
		}
		c.Next()
	}
}

// CurrentResolution returns the resolution set by ResolveTenant, or nil.
func CurrentResolution(c *gin.Context) *tenancy.Resolution {
	v, ok := c.Get(ResolutionKey)
	if !ok {
		return nil
	}
	res, _ := v.(*tenancy.Resolution)
	return res
}
