// Package quota enforces per-user daily turn limits. Counters live in
// Redis, bucketed by the user's local calendar day so the quota resets
// at their midnight, not the server's.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/ai-chat-backend/internal/conf"
	apperrors "github.com/lk2023060901/ai-chat-backend/internal/pkg/errors"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

// incrScript bumps a day counter and stamps its TTL on first use, in one
// round trip. The TTL only needs to outlive the bucket's day.
const incrScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`

const bucketTTLSeconds = 48 * 60 * 60

// commands is the slice of the Redis client the quota service uses.
type commands interface {
	Get(ctx context.Context, key string) (string, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// Service tracks and enforces the daily quotas.
type Service struct {
	redis        commands
	messageLimit int64
	apiKeyLimit  int64
	logger       *logger.Logger
}

// NewService creates a quota service
func NewService(rdb commands, cfg *conf.QuotaConfig, log *logger.Logger) *Service {
	return &Service{
		redis:        rdb,
		messageLimit: int64(cfg.DailyMessageLimit),
		apiKeyLimit:  int64(cfg.DailyAPIKeyLimit),
		logger:       log,
	}
}

// AssertNotOverLimit rejects the turn before any work starts when the
// user's daily message quota is spent. Redis being unreachable fails
// open: losing quota enforcement for a moment beats refusing everyone.
func (s *Service) AssertNotOverLimit(ctx context.Context, userID, timezone string) error {
	return s.assert(ctx, s.messageKey(userID, timezone), s.messageLimit, apperrors.ErrQuotaExceeded)
}

// AssertAPIKeyAvailable checks the shared-credential quota. Only called
// for turns that would run on the shared service key.
func (s *Service) AssertAPIKeyAvailable(ctx context.Context, userID, timezone string) error {
	return s.assert(ctx, s.apiKeyKey(userID, timezone), s.apiKeyLimit, apperrors.ErrAPIKeyQuotaExceeded)
}

func (s *Service) assert(ctx context.Context, key string, limit int64, code int) error {
	if limit <= 0 {
		return nil
	}
	val, err := s.redis.Get(ctx, key)
	if err != nil {
		s.logger.Warn("quota check unavailable, allowing turn",
			zap.String("key", key), zap.Error(err))
		return nil
	}
	if val == "" {
		return nil
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		s.logger.Warn("quota counter unparseable, allowing turn",
			zap.String("key", key), zap.String("value", val))
		return nil
	}
	if count >= limit {
		return apperrors.New(code, fmt.Sprintf("%d of %d used today", count, limit))
	}
	return nil
}

// IncrementMessageCount records one completed turn against the user's
// daily quota. Bookkeeping failures are logged, never surfaced; the
// answer is already delivered.
func (s *Service) IncrementMessageCount(ctx context.Context, userID, timezone string) {
	s.increment(ctx, s.messageKey(userID, timezone))
}

// IncrementAPIKeyUsage records one turn served on the shared credential.
func (s *Service) IncrementAPIKeyUsage(ctx context.Context, userID, timezone string) {
	s.increment(ctx, s.apiKeyKey(userID, timezone))
}

func (s *Service) increment(ctx context.Context, key string) {
	if _, err := s.redis.Eval(ctx, incrScript, []string{key}, bucketTTLSeconds); err != nil {
		s.logger.Warn("quota increment failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) messageKey(userID, timezone string) string {
	return "quota:msg:" + userID + ":" + dayBucket(timezone)
}

func (s *Service) apiKeyKey(userID, timezone string) string {
	return "quota:key:" + userID + ":" + dayBucket(timezone)
}

// dayBucket resolves today's date in the user's timezone. An unknown or
// empty timezone falls back to UTC.
func dayBucket(timezone string) string {
	loc := time.UTC
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			loc = l
		}
	}
	return time.Now().In(loc).Format("20060102")
}
