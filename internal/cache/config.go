package cache

import (
	"log/slog"
	"os"
	"time"
)

// NewFromEnv picks the backend: Redis when REDIS_URL is set and reachable,
// in-memory otherwise. The engine degrades rather than failing when Redis is
// down.
func NewFromEnv(prefix string) Backend {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL != "" {
		rc, err := NewRedisCache(redisURL, prefix)
		if err == nil {
			slog.Info("redis cache initialized")
			return rc
		}
		slog.Warn("redis connection failed, using memory cache", "error", err)
	}
	return NewMemoryCache(10000, 2*time.Minute)
}
