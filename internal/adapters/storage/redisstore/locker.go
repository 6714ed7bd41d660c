package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/hylla/stockcount/internal/app"
)

// Locker implements app.Locker with redislock so finalize is serialized across instances.
type Locker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
}

// NewLocker builds a locker holding each lock for at most ttl and waiting up to wait to obtain it.
func NewLocker(rdb redis.UniversalClient, prefix string, ttl, wait time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait < 0 {
		wait = 0
	}
	return &Locker{
		client: redislock.New(rdb),
		prefix: prefix,
		ttl:    ttl,
		wait:   wait,
	}
}

// Obtain takes the lock for key, retrying with linear backoff until wait elapses.
func (l *Locker) Obtain(ctx context.Context, key string) (app.Unlock, error) {
	backoff := 100 * time.Millisecond
	retries := int(l.wait / backoff)
	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(backoff), retries),
	}
	lock, err := l.client.Obtain(ctx, l.prefix+key, l.ttl, opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", app.ErrLockBusy, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: obtain lock: %w", app.ErrCollaboratorUnavailable, err)
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}
