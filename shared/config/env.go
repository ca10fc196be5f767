package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithField("key", key).Warnf("invalid integer %q, using default %d", raw, defaultValue)
		return defaultValue
	}
	return v
}

func getEnvFloat(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logrus.WithField("key", key).Warnf("invalid number %q, using default %v", raw, defaultValue)
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		logrus.WithField("key", key).Warnf("invalid duration %q, using default %s", raw, defaultValue)
		return defaultValue
	}
	return v
}
