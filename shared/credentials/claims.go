package credentials

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

// Claim names carried by access tokens.
const (
	ClaimUserID        = "user_id"
	ClaimEmail         = "email"
	ClaimEmailVerified = "email_verified"
	ClaimIsSystemAdmin = "is_system_admin"
	ClaimRole          = "role"
	ClaimGivenName     = "given_name"
	ClaimFamilyName    = "family_name"
	ClaimExternalID    = "external_id"

	ClaimTenantID   = "tenant_id"
	ClaimTenantSlug = "tenant_slug"
	ClaimTenantName = "tenant_name"
	ClaimSchemaName = "schema_name"
	ClaimSubdomain  = "subdomain"
	ClaimPlanType   = "plan_type"
	ClaimTenantRole = "tenant_role"

	FeatureClaimPrefix = "feature:"
)

// MaxFeatureClaims bounds how many feature flags a single token may carry.
const MaxFeatureClaims = 32

var featureKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// Feature is one tenant feature flag.
type Feature struct {
	Key   string
	Value string
}

// TenantClaims is the tenant-scoped part of a token. Nil means no tenant.
type TenantClaims struct {
	ID         string
	Slug       string
	Name       string
	SchemaName string
	Subdomain  string
	PlanType   string
	Role       string
	Features   []Feature
}

// Feature returns the value of a feature flag.
func (t *TenantClaims) Feature(key string) (string, bool) {
	for _, f := range t.Features {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// AccessClaims is the typed view of an access token. It is flattened to
// jwt.MapClaims only when the token is signed.
type AccessClaims struct {
	UserID        string
	Email         string
	EmailVerified bool
	IsSystemAdmin bool
	Role          string
	GivenName     string
	FamilyName    string
	ExternalID    string

	Tenant *TenantClaims

	Issuer    string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasTenant reports whether the token is tenant-scoped.
func (c *AccessClaims) HasTenant() bool {
	return c.Tenant != nil && c.Tenant.ID != ""
}

// TenantID returns the tenant id or "".
func (c *AccessClaims) TenantID() string {
	if c.Tenant == nil {
		return ""
	}
	return c.Tenant.ID
}

// TenantRole returns the tenant-scoped role or "".
func (c *AccessClaims) TenantRole() string {
	if c.Tenant == nil {
		return ""
	}
	return c.Tenant.Role
}

// FeaturesFromMap converts stored tenant features into an ordered, bounded list.
// Keys that are not claim-safe are skipped.
func FeaturesFromMap(features map[string]interface{}) []Feature {
	if len(features) == 0 {
		return nil
	}
	keys := make([]string, 0, len(features))
	for k := range features {
		if featureKeyPattern.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if len(keys) > MaxFeatureClaims {
		keys = keys[:MaxFeatureClaims]
	}

	out := make([]Feature, 0, len(keys))
	for _, k := range keys {
		out = append(out, Feature{Key: k, Value: fmt.Sprint(features[k])})
	}
	return out
}

// NewTenantClaims builds the tenant part of a token from a tenant row.
func NewTenantClaims(t *models.Tenant, tenantRole string) *TenantClaims {
	return &TenantClaims{
		ID:         t.ID.String(),
		Slug:       t.Slug,
		Name:       t.Name,
		SchemaName: t.SchemaName,
		Subdomain:  t.SubdomainValue(),
		PlanType:   t.PlanType,
		Role:       tenantRole,
		Features:   FeaturesFromMap(t.Features),
	}
}

func (c *AccessClaims) toMapClaims() jwt.MapClaims {
	m := jwt.MapClaims{
		ClaimUserID:        c.UserID,
		ClaimEmail:         c.Email,
		ClaimEmailVerified: c.EmailVerified,
		ClaimIsSystemAdmin: c.IsSystemAdmin,
		ClaimRole:          c.Role,
		"iss":              c.Issuer,
		"aud":              c.Audience,
		"iat":              c.IssuedAt.Unix(),
		"exp":              c.ExpiresAt.Unix(),
	}
	putIfSet(m, ClaimGivenName, c.GivenName)
	putIfSet(m, ClaimFamilyName, c.FamilyName)
	putIfSet(m, ClaimExternalID, c.ExternalID)

	if t := c.Tenant; t != nil {
		m[ClaimTenantID] = t.ID
		m[ClaimTenantSlug] = t.Slug
		m[ClaimTenantName] = t.Name
		m[ClaimSchemaName] = t.SchemaName
		m[ClaimPlanType] = t.PlanType
		putIfSet(m, ClaimSubdomain, t.Subdomain)
		putIfSet(m, ClaimTenantRole, t.Role)
		for _, f := range t.Features {
			m[FeatureClaimPrefix+f.Key] = f.Value
		}
	}
	return m
}

func putIfSet(m jwt.MapClaims, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func claimsFromMap(m jwt.MapClaims) (*AccessClaims, error) {
	c := &AccessClaims{
		UserID:        str(m, ClaimUserID),
		Email:         str(m, ClaimEmail),
		EmailVerified: boolean(m, ClaimEmailVerified),
		IsSystemAdmin: boolean(m, ClaimIsSystemAdmin),
		Role:          str(m, ClaimRole),
		GivenName:     str(m, ClaimGivenName),
		FamilyName:    str(m, ClaimFamilyName),
		ExternalID:    str(m, ClaimExternalID),
		Issuer:        str(m, "iss"),
	}
	if c.UserID == "" {
		return nil, fmt.Errorf("missing %s claim", ClaimUserID)
	}
	if aud, err := m.GetAudience(); err == nil && len(aud) > 0 {
		c.Audience = aud[0]
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}

	if tenantID := str(m, ClaimTenantID); tenantID != "" {
		t := &TenantClaims{
			ID:         tenantID,
			Slug:       str(m, ClaimTenantSlug),
			Name:       str(m, ClaimTenantName),
			SchemaName: str(m, ClaimSchemaName),
			Subdomain:  str(m, ClaimSubdomain),
			PlanType:   str(m, ClaimPlanType),
			Role:       str(m, ClaimTenantRole),
		}
		var keys []string
		for k := range m {
			if strings.HasPrefix(k, FeatureClaimPrefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.Features = append(t.Features, Feature{Key: strings.TrimPrefix(k, FeatureClaimPrefix), Value: str(m, k)})
		}
		c.Tenant = t
	}
	return c, nil
}

func str(m jwt.MapClaims, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolean(m jwt.MapClaims, key string) bool {
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
