package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/applykit/internal/config"
	"go.uber.org/zap"
)

const keyGenerativeActor = "ratelimit:ai:actor:%s"

var ErrRateLimited = errors.New("rate_limited")

// ActorLimiter throttles generative endpoints per actor. A nil or disabled
// limiter allows everything.
type ActorLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewActorLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) (*ActorLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		log.Named("ratelimit").Warn("rate limiting requested but redis is not configured, generative endpoints are unthrottled")
		return nil, nil
	}
	if limitCfg.AIRate <= 0 || limitCfg.AIBurst <= 0 {
		return nil, errors.New("generative rate limit must be positive")
	}

	return &ActorLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.AIRate,
		burst:   limitCfg.AIBurst,
	}, nil
}

func (l *ActorLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *ActorLimiter) AllowActor(ctx context.Context, actorID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return &RateLimitResult{Allowed: false}, errors.New("rate limit actor is empty")
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyGenerativeActor, actorID), l.rate, l.burst)
}
