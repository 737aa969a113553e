package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/labfoundry/chargeback/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyUsageIngestOrg = "usage:ingest:org:%s"

// UsageIngestLimiter caps how fast each organization can push usage.
// A nil limiter means redis is not configured and everything is allowed.
type UsageIngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewUsageIngestLimiter(cfg config.Config) *UsageIngestLimiter {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	if cfg.UsageIngestRate <= 0 || cfg.UsageIngestBurst <= 0 {
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	return &UsageIngestLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.UsageIngestRate,
		burst:  cfg.UsageIngestBurst,
	}
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageIngestLimiter) AllowOrg(ctx context.Context, orgID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestOrg, strings.TrimSpace(orgID)), l.rate, l.burst)
}
