package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func refreshTokenKey(token string) string {
	return fmt.Sprintf("refresh_token:%s", token)
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("user_tokens:%s", userID)
}

// RefreshRecord is the value stored under refresh_token:<token>.
type RefreshRecord struct {
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshStore keeps refresh tokens in redis. The primary record expires with
// the token; the per-user index has its own retention and may list tokens that
// are already gone, which validation tolerates.
type RefreshStore struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
}

// NewRefreshStore creates a store; retention is the lifetime of the user_tokens index.
func NewRefreshStore(client *redis.Client, retention time.Duration, log logrus.FieldLogger) *RefreshStore {
	return &RefreshStore{
		client:    client,
		retention: retention,
		now:       time.Now,
		log:       log,
	}
}

// Store writes the primary record with a TTL ending at expiresAt and appends
// the token to the user's index.
func (s *RefreshStore) Store(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	now := s.now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("refresh token expiry %s is not in the future", expiresAt.Format(time.RFC3339))
	}

	data, err := json.Marshal(RefreshRecord{UserID: userID, CreatedAt: now.UTC(), ExpiresAt: expiresAt.UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal refresh record: %w", err)
	}

	// SET NX: a token value is never rewritten, so its expiry can only shrink.
	ok, err := s.client.SetNX(ctx, refreshTokenKey(token), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if !ok {
		return fmt.Errorf("refresh token already exists")
	}

	indexKey := userTokensKey(userID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, indexKey, token)
		pipe.Expire(ctx, indexKey, s.retention)
		return nil
	})
	if err != nil {
		// without the index entry the token would escape RevokeAll
		s.client.Del(ctx, refreshTokenKey(token))
		return fmt.Errorf("failed to index refresh token: %w", err)
	}
	return nil
}

// Validate reports whether token exists, belongs to userID and has not expired.
// A non-nil error means the store could not answer.
func (s *RefreshStore) Validate(ctx context.Context, userID uuid.UUID, token string) (bool, error) {
	data, err := s.client.Get(ctx, refreshTokenKey(token)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read refresh token: %w", err)
	}

	var rec RefreshRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.WithError(err).Warn("discarding unreadable refresh token record")
		return false, nil
	}
	return rec.UserID == userID && s.now().Before(rec.ExpiresAt), nil
}

// Revoke deletes the primary record. The index entry is left to expire.
func (s *RefreshStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, refreshTokenKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAll revokes every token listed for userID, then clears the index.
func (s *RefreshStore) RevokeAll(ctx context.Context, userID uuid.UUID) (int, error) {
	indexKey := userTokensKey(userID)
	tokens, err := s.client.LRange(ctx, indexKey, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to list refresh tokens: %w", err)
	}

	for _, token := range tokens {
		if err := s.Revoke(ctx, token); err != nil {
			return 0, err
		}
	}

	if err := s.client.Del(ctx, indexKey).Err(); err != nil {
		return len(tokens), fmt.Errorf("failed to clear refresh token index: %w", err)
	}
	s.log.WithFields(logrus.Fields{"user_id": userID, "count": len(tokens)}).Info("revoked all refresh tokens")
	return len(tokens), nil
}
