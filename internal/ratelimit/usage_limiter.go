package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/quillora/quillbill/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyUsageUser = "usage:record:user:%s"

// UsageLimiter caps how fast a single user can record usage. Disabled
// deployments get a nil limiter that allows everything.
type UsageLimiter struct {
	enabled bool

	bucket    *TokenBucket
	userRate  float64
	userBurst int
}

func NewUsageLimiter(cfg config.Config) (*UsageLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.UserRate <= 0 || limitCfg.UserBurst <= 0 {
		return nil, errors.New("user rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
	})

	return &UsageLimiter{
		enabled:   true,
		bucket:    NewTokenBucket(client),
		userRate:  limitCfg.UserRate,
		userBurst: limitCfg.UserBurst,
	}, nil
}

func (l *UsageLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *UsageLimiter) AllowUser(ctx context.Context, userID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyUsageUser, strings.TrimSpace(userID))
	return l.bucket.Allow(ctx, key, l.userRate, l.userBurst)
}
