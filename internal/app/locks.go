package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockUnavailable is returned when an account lock cannot be acquired in time.
var ErrLockUnavailable = errors.New("account lock unavailable")

// AccountLocker serialises commits that touch the same accounts. Locks are always taken
// in ascending account-id order so two transfers over the same pair cannot deadlock.
type AccountLocker interface {
	LockAccounts(ctx context.Context, accountIDs ...string) (unlock func(), err error)
}

// sortedUnique returns the ids in lock order without duplicates or blanks.
func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LocalAccountLocker is an in-process per-account lock table.
type LocalAccountLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalAccountLocker creates an empty lock table.
func NewLocalAccountLocker() *LocalAccountLocker {
	return &LocalAccountLocker{slots: make(map[string]chan struct{})}
}

func (l *LocalAccountLocker) slot(accountID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[accountID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[accountID] = s
	}
	return s
}

// LockAccounts blocks until every account is held or ctx is done.
func (l *LocalAccountLocker) LockAccounts(ctx context.Context, accountIDs ...string) (func(), error) {
	ordered := sortedUnique(accountIDs)
	held := make([]chan struct{}, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, id := range ordered {
		s := l.slot(id)
		select {
		case s <- struct{}{}:
			held = append(held, s)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, ctx.Err())
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

// RedisLockOptions tunes the RedLock mutexes used by RedisAccountLocker.
type RedisLockOptions struct {
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

// DefaultRedisLockOptions suits short commit critical sections under contention.
func DefaultRedisLockOptions() RedisLockOptions {
	return RedisLockOptions{
		Expiry:      10 * time.Second,
		Tries:       64,
		RetryDelay:  50 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

// RedisAccountLocker provides account locks shared by every service instance, using
// the RedLock algorithm over Redis.
type RedisAccountLocker struct {
	redsync *redsync.Redsync
	prefix  string
	opts    RedisLockOptions
	logger  *zap.Logger
}

// NewRedisAccountLocker builds a distributed locker on the given client.
func NewRedisAccountLocker(client redis.UniversalClient, prefix string, opts RedisLockOptions, logger *zap.Logger) (*RedisAccountLocker, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if opts.Expiry <= 0 {
		return nil, errors.New("lock expiry must be greater than 0")
	}
	if opts.Tries < 1 {
		return nil, errors.New("lock tries must be at least 1")
	}
	if opts.DriftFactor < 0 || opts.DriftFactor >= 1 {
		return nil, errors.New("lock drift factor must be between 0 (inclusive) and 1 (exclusive)")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "transfers"
	}
	return &RedisAccountLocker{
		redsync: redsync.New(goredis.NewPool(client)),
		prefix:  trimmedPrefix,
		opts:    opts,
		logger:  logger.With(zap.String("component", "account_locker")),
	}, nil
}

func (r *RedisAccountLocker) key(accountID string) string {
	return fmt.Sprintf("%s:lock:account:%s", r.prefix, accountID)
}

// LockAccounts acquires one RedLock mutex per account in id order.
func (r *RedisAccountLocker) LockAccounts(ctx context.Context, accountIDs ...string) (func(), error) {
	ordered := sortedUnique(accountIDs)
	held := make([]*redsync.Mutex, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// Use a fresh context so a cancelled caller still releases its locks.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if ok, err := held[i].UnlockContext(unlockCtx); err != nil || !ok {
				r.logger.Warn("account lock release failed",
					zap.String("lock_key", held[i].Name()),
					zap.Bool("held", ok),
					zap.Error(err))
			}
			cancel()
		}
	}

	for _, id := range ordered {
		mutex := r.redsync.NewMutex(r.key(id),
			redsync.WithExpiry(r.opts.Expiry),
			redsync.WithTries(r.opts.Tries),
			redsync.WithRetryDelay(r.opts.RetryDelay),
			redsync.WithDriftFactor(r.opts.DriftFactor),
		)
		if err := mutex.LockContext(ctx); err != nil {
			release()
			return nil, fmt.Errorf("%w: account %s: %v", ErrLockUnavailable, id, err)
		}
		held = append(held, mutex)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}
