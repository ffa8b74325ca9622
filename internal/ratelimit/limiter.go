package ratelimit

import "context"

const (
	DefaultCapacity = 100
)

// RateLimiter admits work per destination key.
//
// TryAdmit reserves count slots atomically: either all of them are admitted and
// recorded, or none are.
type RateLimiter interface {
	TryAdmit(ctx context.Context, key string, count int) (bool, error)
}
