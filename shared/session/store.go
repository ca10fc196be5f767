package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

// DefaultTTL is how long an idle session selection is kept.
const DefaultTTL = 24 * time.Hour

// Store persists sessions. Load returns a NotFound apperr when none exists.
type Store interface {
	Load(ctx context.Context, userID uuid.UUID) (*UserSession, error)
	Save(ctx context.Context, s *UserSession) error
	Delete(ctx context.Context, userID uuid.UUID) error
}

// RedisStore keeps one JSON document per user under session:<user id>.
type RedisStore struct {
	cache *utils.Cache
	ttl   time.Duration
}

func NewRedisStore(cache *utils.Cache, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{cache: cache, ttl: ttl}
}

func sessionKey(userID uuid.UUID) string {
	return fmt.Sprintf("session:%s", userID)
}

func (r *RedisStore) Load(ctx context.Context, userID uuid.UUID) (*UserSession, error) {
	var s UserSession
	err := r.cache.GetJSON(ctx, sessionKey(userID), &s)
	if errors.Is(err, utils.ErrCacheMiss) {
		return nil, apperr.New(apperr.KindNotFound, "session.Load")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "session.Load", err)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *UserSession) error {
	if err := r.cache.SetJSON(ctx, sessionKey(s.UserID), s, r.ttl); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "session.Save", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, userID uuid.UUID) error {
	if err := r.cache.Delete(ctx, sessionKey(userID)); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "session.Delete", err)
	}
	return nil
}
