// Package credentials issues and validates access tokens and manages opaque
// refresh tokens. Refresh tokens live only in redis; there is no durable table
// for them, so expiry and revocation are both enforced by the key store.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/config"
	"github.com/pavitra93/go-brewery-tenancy/shared/metrics"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

// refreshTokenBytes gives 512 bits of entropy.
const refreshTokenBytes = 64

// Issuer mints and validates HS256 access tokens.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	leeway   time.Duration
	now      func() time.Time
}

// NewIssuer builds an issuer from validated configuration.
func NewIssuer(cfg *config.JWTConfig) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Issuer{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.AccessTTL,
		leeway:   cfg.ClockSkew,
		now:      time.Now,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.ttl
}

// BuildClaims assembles the typed claims for user and, optionally, tenant.
// A nil tenant produces a token without any tenant claim.
func (i *Issuer) BuildClaims(user *models.User, tenant *models.Tenant, tenantRole string) *AccessClaims {
	now := i.now().UTC().Truncate(time.Second)
	role := user.Role
	if role == "" {
		role = models.SystemRoleTenantOwner
	}

	c := &AccessClaims{
		UserID:        user.ID.String(),
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		IsSystemAdmin: user.IsSystemAdmin,
		Role:          role,
		GivenName:     user.FirstName,
		FamilyName:    user.LastName,
		ExternalID:    user.ExternalID,
		Issuer:        i.issuer,
		Audience:      i.audience,
		IssuedAt:      now,
		ExpiresAt:     now.Add(i.ttl),
	}
	if tenant != nil {
		c.Tenant = NewTenantClaims(tenant, tenantRole)
	}
	return c
}

// IssueAccessToken signs an access token for user, scoped to tenant when given.
func (i *Issuer) IssueAccessToken(user *models.User, tenant *models.Tenant, tenantRole string) (string, error) {
	return i.Sign(i.BuildClaims(user, tenant, tenantRole))
}

// Sign encodes and signs claims.
func (i *Issuer) Sign(claims *AccessClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims.toMapClaims())
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	metrics.RecordTokenIssued("access")
	return signed, nil
}

// ValidateAccessToken checks signature, issuer, audience and expiry. Failures
// are returned as apperr kinds TokenExpired or TokenInvalid.
func (i *Issuer) ValidateAccessToken(tokenString string) (*AccessClaims, error) {
	const op = "credentials.ValidateAccessToken"

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.leeway),
		jwt.WithTimeFunc(i.now),
	)

	mc := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(tokenString, mc, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			metrics.RecordTokenFailure("expired")
			return nil, apperr.Wrap(apperr.KindTokenExpired, op, err)
		}
		metrics.RecordTokenFailure("invalid")
		return nil, apperr.Wrap(apperr.KindTokenInvalid, op, err)
	}

	if exp, _ := mc.GetExpirationTime(); exp == nil {
		metrics.RecordTokenFailure("invalid")
		return nil, apperr.Errorf(apperr.KindTokenInvalid, op, "token has no expiry")
	}

	claims, err := claimsFromMap(mc)
	if err != nil {
		metrics.RecordTokenFailure("invalid")
		return nil, apperr.Wrap(apperr.KindTokenInvalid, op, err)
	}
	return claims, nil
}

// IssueRefreshToken returns an opaque random capability token.
func IssueRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	metrics.RecordTokenIssued("refresh")
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
