package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/signal-notifier/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "notify:ratelimit:"

// admitScript trims the window, checks capacity and records count admissions in one step.
var admitScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local count = tonumber(ARGV[4])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local current = redis.call("ZCARD", KEYS[1])
if current + count > capacity then
  return 0
end
for i = 1, count do
  redis.call("ZADD", KEYS[1], now, ARGV[5] .. ":" .. i)
end
redis.call("PEXPIRE", KEYS[1], window)
return 1
`)

var _ ratelimit.RateLimiter = (*SlidingWindowLimiter)(nil)

// SlidingWindowLimiter is a sliding-window log shared by every process using the same Redis.
type SlidingWindowLimiter struct {
	client   *goredis.Client
	capacity int
	window   time.Duration
	now      func() time.Time
	nonce    func() string
	script   *goredis.Script
}

func NewSlidingWindowLimiter(client *goredis.Client, capacity int, window time.Duration) (*SlidingWindowLimiter, error) {
	return newSlidingWindowLimiter(client, capacity, window, time.Now)
}

func newSlidingWindowLimiter(
	client *goredis.Client,
	capacity int,
	window time.Duration,
	nowFn func() time.Time,
) (*SlidingWindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if capacity <= 0 {
		capacity = ratelimit.DefaultCapacity
	}
	if window <= 0 {
		window = ratelimit.DefaultWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &SlidingWindowLimiter{
		client:   client,
		capacity: capacity,
		window:   window,
		now:      nowFn,
		nonce:    uuid.NewString,
		script:   admitScript,
	}, nil
}

func (l *SlidingWindowLimiter) TryAdmit(ctx context.Context, key string, count int) (bool, error) {
	if l == nil || l.client == nil || l.script == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}
	if count <= 0 {
		return true, nil
	}

	normalizedKey := strings.TrimSpace(key)
	if normalizedKey == "" {
		return false, fmt.Errorf("rate limit key is required")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	result, err := l.script.Run(
		ctx,
		l.client,
		[]string{rateLimitKeyPrefix + normalizedKey},
		l.now().UnixMilli(),
		l.window.Milliseconds(),
		l.capacity,
		count,
		l.nonce(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}
