package service

import (
	"context"
	"sync/atomic"
)

// RunGuard prevents overlapping dispatcher runs. TryAcquire returns ok=false when
// another run holds the guard; release must be called exactly once when ok is true.
type RunGuard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// RenewableRunGuard is a RunGuard whose hold lapses unless renewed. Renew reports
// held=false once the hold has expired or been taken over.
type RenewableRunGuard interface {
	RunGuard
	Renew(ctx context.Context) (held bool, err error)
}

// LocalRunGuard is an in-process guard backed by a single atomic flag.
type LocalRunGuard struct {
	running atomic.Bool
}

func NewLocalRunGuard() *LocalRunGuard {
	return &LocalRunGuard{}
}

func (g *LocalRunGuard) TryAcquire(_ context.Context) (func(), bool, error) {
	if !g.running.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.running.Store(false)
		}
	}, true, nil
}
