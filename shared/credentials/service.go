package credentials

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

// storeTimeout bounds store calls that are detached from the request context.
const storeTimeout = 5 * time.Second

// TokenPair is returned to clients after login, refresh or tenant switch.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Service combines the issuer and the refresh store.
type Service struct {
	issuer     *Issuer
	store      *RefreshStore
	refreshTTL time.Duration
	log        logrus.FieldLogger
}

// NewService wires an issuer and refresh store.
func NewService(issuer *Issuer, store *RefreshStore, refreshTTL time.Duration, log logrus.FieldLogger) *Service {
	return &Service{issuer: issuer, store: store, refreshTTL: refreshTTL, log: log}
}

// Issuer returns the access token issuer.
func (s *Service) Issuer() *Issuer {
	return s.issuer
}

// IssuePair mints an access token and a stored refresh token. Store calls run
// to completion even if ctx is cancelled mid-way.
func (s *Service) IssuePair(ctx context.Context, user *models.User, tenant *models.Tenant, tenantRole string) (*TokenPair, error) {
	const op = "credentials.IssuePair"

	access, err := s.issuer.IssueAccessToken(user, tenant, tenantRole)
	if err != nil {
		return nil, err
	}
	refresh, err := IssueRefreshToken()
	if err != nil {
		return nil, err
	}

	expiresAt := s.issuer.now().Add(s.refreshTTL)
	sctx, cancel := detached(ctx)
	defer cancel()
	if err := s.store.Store(sctx, user.ID, refresh, expiresAt); err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, op, err)
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        "Bearer",
		ExpiresIn:        int64(s.issuer.AccessTTL().Seconds()),
		RefreshExpiresAt: expiresAt.UTC(),
	}, nil
}

// Rotate exchanges a presented refresh token for a new pair. The new pair is
// issued and stored before the presented token is revoked, so a failure before
// that point leaves the old token valid. Any store error is reported as
// TokenInvalid so the caller re-authenticates.
func (s *Service) Rotate(ctx context.Context, user *models.User, presented string, tenant *models.Tenant, tenantRole string) (*TokenPair, error) {
	const op = "credentials.Rotate"
	log := s.log.WithField("user_id", user.ID)

	sctx, cancel := detached(ctx)
	defer cancel()

	ok, err := s.store.Validate(sctx, user.ID, presented)
	if err != nil {
		log.WithError(err).Warn("refresh token store unavailable during rotation")
		return nil, apperr.Wrap(apperr.KindTokenInvalid, op, err)
	}
	if !ok {
		return nil, apperr.New(apperr.KindTokenInvalid, op)
	}

	pair, err := s.IssuePair(sctx, user, tenant, tenantRole)
	if err != nil {
		log.WithError(err).Warn("failed to issue replacement pair, presented token kept")
		return nil, apperr.Wrap(apperr.KindTokenInvalid, op, err)
	}

	if err := s.store.Revoke(sctx, presented); err != nil {
		// Two live tokens would survive; withdraw the new one and force re-login.
		if rerr := s.store.Revoke(sctx, pair.RefreshToken); rerr != nil {
			log.WithError(rerr).Error("failed to withdraw replacement refresh token")
		}
		return nil, apperr.Wrap(apperr.KindTokenInvalid, op, err)
	}
	return pair, nil
}

// Revoke revokes a single refresh token.
func (s *Service) Revoke(ctx context.Context, token string) error {
	sctx, cancel := detached(ctx)
	defer cancel()
	return s.store.Revoke(sctx, token)
}

// RevokeAllForSubject revokes every refresh token of userID.
func (s *Service) RevokeAllForSubject(ctx context.Context, userID uuid.UUID) (int, error) {
	sctx, cancel := detached(ctx)
	defer cancel()
	return s.store.RevokeAll(sctx, userID)
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}
