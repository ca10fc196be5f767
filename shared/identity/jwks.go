package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWK represents a JSON Web Key
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// KeySet caches the RSA keys published by an identity provider.
type KeySet struct {
	url        string
	httpClient *http.Client
	refreshTTL time.Duration
	// minRefresh bounds how often an unknown kid can force a fetch
	minRefresh time.Duration

	mutex       sync.RWMutex
	keys        map[string]*rsa.PublicKey
	lastRefresh time.Time
}

// CognitoJWKSURL returns the key set URL of a user pool.
func CognitoJWKSURL(region, userPoolID string) string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s/.well-known/jwks.json", region, userPoolID)
}

// NewKeySet creates a key set that fetches lazily from url.
func NewKeySet(url string, httpClient *http.Client) *KeySet {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeySet{
		url:        url,
		httpClient: httpClient,
		refreshTTL: 24 * time.Hour,
		minRefresh: time.Minute,
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// refresh fetches the key set unless it was fetched within minAge.
func (k *KeySet) refresh(ctx context.Context, minAge time.Duration) error {
	k.mutex.Lock()
	defer k.mutex.Unlock()

	if !k.lastRefresh.IsZero() && time.Since(k.lastRefresh) < minAge {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return err
	}
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		if jwk.Kty != "RSA" {
			continue
		}
		pub, err := rsaPublicKey(jwk)
		if err != nil {
			continue
		}
		keys[jwk.Kid] = pub
	}

	k.keys = keys
	k.lastRefresh = time.Now()
	return nil
}

func rsaPublicKey(jwk JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode N: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode E: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

// Key returns the public key for kid, refreshing once if it is unknown.
func (k *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	k.mutex.RLock()
	key, ok := k.keys[kid]
	stale := time.Since(k.lastRefresh) >= k.refreshTTL
	k.mutex.RUnlock()

	if ok && !stale {
		return key, nil
	}

	minAge := k.minRefresh
	if stale {
		minAge = k.refreshTTL
	}
	if err := k.refresh(ctx, minAge); err != nil {
		if ok {
			return key, nil
		}
		return nil, fmt.Errorf("failed to refresh keys: %w", err)
	}

	k.mutex.RLock()
	key, ok = k.keys[kid]
	k.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

// Parse validates an RS256 token against the key set.
func (k *KeySet) Parse(ctx context.Context, tokenString string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	opts = append(opts, jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired())
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}
		return k.Key(ctx, kid)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	return claims, nil
}
