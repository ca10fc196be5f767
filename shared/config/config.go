package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrWeakSecret is returned when the signing secret is missing or too short for HS256.
var ErrWeakSecret = errors.New("config: JWT_SECRET must be at least 32 bytes")

const minSecretLength = 32

// JWTConfig controls access and refresh token issuance.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// UserTokensRetention is how long the per-user refresh token index lives.
	UserTokensRetention time.Duration
	ClockSkew           time.Duration
}

// GetJWTConfig reads token settings from the environment.
func GetJWTConfig() (*JWTConfig, error) {
	cfg := &JWTConfig{
		Secret:              getEnv("JWT_SECRET", ""),
		Issuer:              getEnv("JWT_ISSUER", "fermentum-auth"),
		Audience:            getEnv("JWT_AUDIENCE", "fermentum-api"),
		AccessTTL:           getEnvDuration("JWT_ACCESS_TTL", 60*time.Minute),
		RefreshTTL:          getEnvDuration("JWT_REFRESH_TTL", 30*24*time.Hour),
		UserTokensRetention: getEnvDuration("JWT_USER_TOKENS_RETENTION", 30*24*time.Hour),
		ClockSkew:           getEnvDuration("JWT_CLOCK_SKEW", 0),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants the issuer relies on.
func (c *JWTConfig) Validate() error {
	if len(c.Secret) < minSecretLength {
		return ErrWeakSecret
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("config: token TTLs must be positive")
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("config: JWT_CLOCK_SKEW must not be negative")
	}
	return nil
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// GetRedisConfig reads redis settings from the environment.
func GetRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       getEnvInt("REDIS_DB", 0),
	}
}

// Addr returns host:port.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// TenancyConfig holds tenant resolution and provisioning settings.
type TenancyConfig struct {
	BaseDomain   string
	CacheTTL     time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	DefaultPlan  string
}

// GetTenancyConfig reads tenancy settings from the environment.
func GetTenancyConfig() *TenancyConfig {
	return &TenancyConfig{
		BaseDomain:   getEnv("BASE_DOMAIN", "fermentum.dev"),
		CacheTTL:     getEnvDuration("TENANT_CACHE_TTL", 15*time.Minute),
		MaxAttempts:  getEnvInt("PROVISION_MAX_ATTEMPTS", 3),
		RetryBackoff: getEnvDuration("PROVISION_BACKOFF", 100*time.Millisecond),
		DefaultPlan:  getEnv("DEFAULT_PLAN", "free"),
	}
}

// KafkaConfig holds audit pipeline settings. An empty Broker disables kafka.
type KafkaConfig struct {
	Broker     string
	AuditTopic string
	GroupID    string
}

// GetKafkaConfig reads kafka settings from the environment.
func GetKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Broker:     getEnv("KAFKA_BROKER", ""),
		AuditTopic: getEnv("AUDIT_TOPIC", "audit-events"),
		GroupID:    getEnv("AUDIT_GROUP_ID", "audit-service"),
	}
}

// CognitoConfig holds the external identity provider settings.
type CognitoConfig struct {
	Region       string
	UserPoolID   string
	ClientID     string
	ClientSecret string
}

// GetCognitoConfig reads Cognito settings from the environment.
func GetCognitoConfig() *CognitoConfig {
	return &CognitoConfig{
		Region:       getEnv("AWS_REGION", "us-east-1"),
		UserPoolID:   getEnv("COGNITO_USER_POOL_ID", ""),
		ClientID:     getEnv("COGNITO_CLIENT_ID", ""),
		ClientSecret: getEnv("COGNITO_CLIENT_SECRET", ""),
	}
}

// RateLimitConfig controls the gateway limiter.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// GetRateLimitConfig reads limiter settings from the environment.
func GetRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		Burst: getEnvInt("RATE_LIMIT_BURST", 40),
	}
}

// AccessOverridesFile returns the optional path of extra access grants.
func AccessOverridesFile() string {
	return getEnv("ACCESS_OVERRIDES_FILE", "")
}

// ServicePort returns the port for a service, e.g. ServicePort("AUTH", "8001").
func ServicePort(service, defaultPort string) string {
	return getEnv(service+"_SERVICE_PORT", defaultPort)
}
