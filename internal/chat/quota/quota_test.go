package quota

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/ai-chat-backend/internal/conf"
	apperrors "github.com/lk2023060901/ai-chat-backend/internal/pkg/errors"
	"github.com/lk2023060901/ai-chat-backend/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "console"})
	require.NoError(t, err)
	return log
}

// fakeRedis implements the command slice with an in-memory counter map.
type fakeRedis struct {
	counters map[string]int64
	getErr   error
	evalErr  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{counters: map[string]int64{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	if f.getErr != nil {
		return "", f.getErr
	}
	c, ok := f.counters[key]
	if !ok {
		return "", nil
	}
	return strconv.FormatInt(c, 10), nil
}

func (f *fakeRedis) Eval(_ context.Context, _ string, keys []string, _ ...interface{}) (interface{}, error) {
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	f.counters[keys[0]]++
	return f.counters[keys[0]], nil
}

func newService(rdb commands, t *testing.T) *Service {
	return NewService(rdb, &conf.QuotaConfig{DailyMessageLimit: 3, DailyAPIKeyLimit: 2}, testLogger(t))
}

func TestQuotaAllowsUnderLimit(t *testing.T) {
	rdb := newFakeRedis()
	s := newService(rdb, t)
	ctx := context.Background()

	require.NoError(t, s.AssertNotOverLimit(ctx, "u1", "UTC"))

	s.IncrementMessageCount(ctx, "u1", "UTC")
	s.IncrementMessageCount(ctx, "u1", "UTC")

	assert.NoError(t, s.AssertNotOverLimit(ctx, "u1", "UTC"))
}

func TestQuotaRejectsAtLimit(t *testing.T) {
	rdb := newFakeRedis()
	s := newService(rdb, t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.IncrementMessageCount(ctx, "u1", "UTC")
	}

	err := s.AssertNotOverLimit(ctx, "u1", "UTC")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrQuotaExceeded, apperrors.ExtractCode(err))
}

func TestAPIKeyQuotaIsSeparate(t *testing.T) {
	rdb := newFakeRedis()
	s := newService(rdb, t)
	ctx := context.Background()

	s.IncrementAPIKeyUsage(ctx, "u1", "UTC")
	s.IncrementAPIKeyUsage(ctx, "u1", "UTC")

	err := s.AssertAPIKeyAvailable(ctx, "u1", "UTC")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrAPIKeyQuotaExceeded, apperrors.ExtractCode(err))

	// The message quota is untouched by shared-key usage.
	assert.NoError(t, s.AssertNotOverLimit(ctx, "u1", "UTC"))
}

func TestQuotaIsolatesUsers(t *testing.T) {
	rdb := newFakeRedis()
	s := newService(rdb, t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.IncrementMessageCount(ctx, "u1", "UTC")
	}

	assert.Error(t, s.AssertNotOverLimit(ctx, "u1", "UTC"))
	assert.NoError(t, s.AssertNotOverLimit(ctx, "u2", "UTC"))
}

func TestQuotaFailsOpenWhenRedisDown(t *testing.T) {
	rdb := newFakeRedis()
	rdb.getErr = errors.New("connection refused")
	s := newService(rdb, t)

	assert.NoError(t, s.AssertNotOverLimit(context.Background(), "u1", "UTC"))
}

func TestQuotaZeroLimitDisablesEnforcement(t *testing.T) {
	rdb := newFakeRedis()
	s := NewService(rdb, &conf.QuotaConfig{}, testLogger(t))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		s.IncrementMessageCount(ctx, "u1", "UTC")
	}
	assert.NoError(t, s.AssertNotOverLimit(ctx, "u1", "UTC"))
}

func TestDayBucketFollowsTimezone(t *testing.T) {
	utc := dayBucket("UTC")
	assert.Len(t, utc, 8)

	// Unknown zones fall back to UTC instead of failing the turn.
	assert.Equal(t, utc, dayBucket("Not/AZone"))

	now := time.Now().UTC()
	if now.Hour() >= 1 && now.Hour() <= 22 {
		// Away from the day boundary every zone within one hour of UTC
		// agrees on the date.
		assert.Equal(t, utc, dayBucket("Etc/UTC"))
	}
}
