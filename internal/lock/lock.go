// Package lock provides a Redis-backed mutex that keeps dispatch passes from
// overlapping across processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultExpiry = 10 * time.Minute

// PassLock runs a function only while holding a named Redis lock.
type PassLock struct {
	rs     *redsync.Redsync
	key    string
	expiry time.Duration
	log    *zap.Logger
}

// NewPassLock creates a lock named key on client. The expiry bounds how long
// a crashed holder can block other passes.
func NewPassLock(client redis.UniversalClient, key string, expiry time.Duration, log *zap.Logger) *PassLock {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PassLock{
		rs:     redsync.New(goredis.NewPool(client)),
		key:    key,
		expiry: expiry,
		log:    log,
	}
}

// TryRun takes the lock without waiting and runs fn while holding it. When
// another holder has the lock, fn is not run and ran is false.
func (l *PassLock) TryRun(ctx context.Context, fn func(context.Context) error) (ran bool, err error) {
	mutex := l.rs.NewMutex(l.key, redsync.WithExpiry(l.expiry), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			l.log.Info("pass lock held elsewhere, skipping", zap.String("lock_key", l.key))
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	defer func() {
		if ok, uerr := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || uerr != nil {
			l.log.Warn("failed to release pass lock", zap.String("lock_key", l.key), zap.Bool("unlock_ok", ok), zap.Error(uerr))
		}
	}()
	return true, fn(ctx)
}

func isContention(err error) bool {
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
