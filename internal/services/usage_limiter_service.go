package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// UsageLimiterService tracks daily generation counts in Redis and
// enforces the daily generation budget. Implements UsageGate for the
// queue processor.
//
// All checks fail open: a Redis outage must not stop the pipeline.
type UsageLimiterService struct {
	redis       *RedisService
	dailyBudget int64
}

// NewUsageLimiterService creates a new usage limiter service
func NewUsageLimiterService(redisService *RedisService, dailyBudget int64) *UsageLimiterService {
	return &UsageLimiterService{
		redis:       redisService,
		dailyBudget: dailyBudget,
	}
}

func dailyKey(prefix string) string {
	return fmt.Sprintf("usage:%s:%s", prefix, time.Now().UTC().Format("2006-01-02"))
}

func (s *UsageLimiterService) counter(ctx context.Context, key string) (int64, error) {
	raw, err := s.redis.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// IsWithinBudget reports whether today's generation count is still
// under the daily budget.
func (s *UsageLimiterService) IsWithinBudget(ctx context.Context) bool {
	// Negative budget means unlimited
	if s.dailyBudget < 0 {
		return true
	}

	count, err := s.counter(ctx, dailyKey("generations"))
	if err == redis.Nil {
		return true
	}
	if err != nil {
		log.Printf("⚠️ [USAGE] Budget check failed, allowing: %v", err)
		return true
	}

	return count < s.dailyBudget
}

// RecordGeneration increments today's generation count and token total.
// Counters expire on their own after 48h so stale keys never pile up.
func (s *UsageLimiterService) RecordGeneration(ctx context.Context, tokens int64) {
	genKey := dailyKey("generations")

	count, err := s.redis.Incr(ctx, genKey)
	if err != nil {
		log.Printf("⚠️ [USAGE] Failed to record generation: %v", err)
		return
	}
	if count == 1 {
		s.redis.Expire(ctx, genKey, 48*time.Hour)
	}

	if tokens > 0 {
		tokKey := dailyKey("tokens")
		total, err := s.redis.IncrBy(ctx, tokKey, tokens)
		if err != nil {
			log.Printf("⚠️ [USAGE] Failed to record token usage: %v", err)
			return
		}
		if total == tokens {
			s.redis.Expire(ctx, tokKey, 48*time.Hour)
		}
	}
}

// DailyCount returns today's generation count.
func (s *UsageLimiterService) DailyCount(ctx context.Context) (int64, error) {
	count, err := s.counter(ctx, dailyKey("generations"))
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read generation count: %w", err)
	}
	return count, nil
}

// DailyTokens returns today's total token usage.
func (s *UsageLimiterService) DailyTokens(ctx context.Context) (int64, error) {
	total, err := s.counter(ctx, dailyKey("tokens"))
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read token usage: %w", err)
	}
	return total, nil
}

// Budget returns the configured daily generation budget.
func (s *UsageLimiterService) Budget() int64 {
	return s.dailyBudget
}
