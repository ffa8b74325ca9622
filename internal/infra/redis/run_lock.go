package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultRunLockKey = "notify:dispatcher:lock"
	defaultRunLockTTL = 5 * time.Minute
	releaseTimeout    = 5 * time.Second
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RunLock is a process-spanning mutual exclusion flag for dispatcher runs. The
// holder keeps it alive with Renew; an unrenewed lock expires after ttl.
type RunLock struct {
	client *goredis.Client
	key    string
	ttl    time.Duration
	token  func() string
	logger *zap.Logger

	mu   sync.Mutex
	held string
}

func NewRunLock(client *goredis.Client, key string, ttl time.Duration, logger *zap.Logger) (*RunLock, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if key == "" {
		key = defaultRunLockKey
	}
	if ttl <= 0 {
		ttl = defaultRunLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RunLock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.NewString,
		logger: logger,
	}, nil
}

// TryAcquire takes the lock if nobody holds it. The returned release func is
// safe to call once the lock has expired or been taken over.
func (l *RunLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	token := l.token()
	err := l.client.SetArgs(ctx, l.key, token, goredis.SetArgs{Mode: "NX", TTL: l.ttl}).Err()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	l.setHeld(token)

	release := func() {
		l.clearHeld(token)

		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("failed to release run lock", zap.String("key", l.key), zap.Error(err))
		}
	}
	return release, true, nil
}

// Renew pushes the expiry of a held lock one ttl ahead. It reports false when this
// instance holds nothing or the lock expired and was taken by someone else.
func (l *RunLock) Renew(ctx context.Context) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	l.mu.Lock()
	token := l.held
	l.mu.Unlock()
	if token == "" {
		return false, nil
	}

	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew run lock: %w", err)
	}
	if renewed == 0 {
		l.clearHeld(token)
		l.logger.Warn("run lock lost", zap.String("key", l.key))
		return false, nil
	}
	return true, nil
}

func (l *RunLock) setHeld(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = token
}

func (l *RunLock) clearHeld(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == token {
		l.held = ""
	}
}
