package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

const DefaultWindow = time.Minute

var _ RateLimiter = (*SlidingWindow)(nil)

// SlidingWindow is an in-process per-key sliding window log.
//
// State is local to the process; run several instances against the Redis
// limiter instead.
type SlidingWindow struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	now      func() time.Time
	admitted map[string][]time.Time
}

func NewSlidingWindow(capacity int, window time.Duration) *SlidingWindow {
	return newSlidingWindow(capacity, window, time.Now)
}

func newSlidingWindow(capacity int, window time.Duration, nowFn func() time.Time) *SlidingWindow {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &SlidingWindow{
		capacity: capacity,
		window:   window,
		now:      nowFn,
		admitted: make(map[string][]time.Time),
	}
}

func (l *SlidingWindow) TryAdmit(_ context.Context, key string, count int) (bool, error) {
	if count <= 0 {
		return true, nil
	}

	key = strings.TrimSpace(key)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.prune(key, now)
	if len(recent)+count > l.capacity {
		return false, nil
	}

	for i := 0; i < count; i++ {
		recent = append(recent, now)
	}
	l.admitted[key] = recent
	return true, nil
}

// Occupancy returns the number of admissions still inside the window for key.
func (l *SlidingWindow) Occupancy(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(strings.TrimSpace(key), l.now()))
}

func (l *SlidingWindow) prune(key string, now time.Time) []time.Time {
	stamps := l.admitted[key]
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == len(stamps) {
		delete(l.admitted, key)
		return nil
	}
	if i > 0 {
		stamps = append(stamps[:0:0], stamps[i:]...)
		l.admitted[key] = stamps
	}
	return stamps
}
