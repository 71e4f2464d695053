package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Window is the period a client's token budget refills over.
const Window = time.Minute

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter keyed by
// client id.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(Window),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow charges tokens to clientID. A nil limiter allows everything.
func (l *Limiter) Allow(ctx context.Context, clientID string, tokens int) (bool, error) {
	if l == nil {
		return true, nil
	}
	res, err := l.store.AllowN(ctx, key(clientID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Status reports clientID's current window without charging it.
func (l *Limiter) Status(ctx context.Context, clientID string) (*extratelimit.Result, error) {
	if l == nil {
		return &extratelimit.Result{Allowed: true}, nil
	}
	return l.store.Status(ctx, key(clientID))
}

// RetryAfter is how long clientID should wait before its budget refills,
// rounded up to whole seconds. It falls back to the full window when the
// store cannot say.
func (l *Limiter) RetryAfter(ctx context.Context, clientID string) time.Duration {
	res, err := l.Status(ctx, clientID)
	if err != nil || res == nil || res.ResetAfter <= 0 || res.ResetAfter > Window {
		return Window
	}
	return (res.ResetAfter + time.Second - 1).Truncate(time.Second)
}
