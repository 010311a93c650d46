// Package lock provides the key lockers used to serialize overlapping reconciliations
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired before the wait timeout
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when releasing a lock that expired or was taken over
	ErrLockNotHeld = errors.New("lock not held")
)

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg RedisConfig, logger ectologger.Logger) (*redis.Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Infof("Connected to Redis at %s", addr)
	return rdb, nil
}

// RedisLocker is a distributed locker built on SET NX with owner-checked release
type RedisLocker struct {
	rdb       *redis.Client
	logger    ectologger.Logger
	keyPrefix string
	ttl       time.Duration
	wait      time.Duration
}

// NewRedisLocker creates a new RedisLocker. ttl bounds how long a crashed holder can
// block a key; wait bounds how long Acquire waits for each key.
func NewRedisLocker(rdb *redis.Client, logger ectologger.Logger, keyPrefix string, ttl, wait time.Duration) *RedisLocker {
	if keyPrefix == "" {
		keyPrefix = "fern:lock:"
	}
	return &RedisLocker{
		rdb:       rdb,
		logger:    logger,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		wait:      wait,
	}
}

type heldLock struct {
	key   string
	value string
}

// Acquire locks keys in the order given, retrying each with exponential backoff
func (l *RedisLocker) Acquire(ctx context.Context, keys ...string) (func(context.Context) error, error) {
	token := uuid.New().String()
	held := make([]heldLock, 0, len(keys))

	release := func(ctx context.Context) error {
		var errs []error
		for i := len(held) - 1; i >= 0; i-- {
			if err := l.release(ctx, held[i]); err != nil {
				errs = append(errs, err)
			}
		}
		held = held[:0]
		return errors.Join(errs...)
	}

	for _, key := range dedupe(keys) {
		lock, err := l.tryAcquire(ctx, l.keyPrefix+key, token)
		if err != nil {
			_ = release(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("failed to lock %s: %w", key, err)
		}
		held = append(held, lock)
	}

	return release, nil
}

func (l *RedisLocker) tryAcquire(ctx context.Context, key, token string) (heldLock, error) {
	deadline := time.Now().Add(l.wait)
	backoff := 10 * time.Millisecond

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return heldLock{}, err
		}
		if ok {
			l.logger.WithContext(ctx).Debugf("Acquired lock: %s", key)
			return heldLock{key: key, value: token}, nil
		}

		if !time.Now().Before(deadline) {
			return heldLock{}, ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return heldLock{}, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 500*time.Millisecond {
				backoff = 500 * time.Millisecond
			}
		}
	}
}

func (l *RedisLocker) release(ctx context.Context, lock heldLock) error {
	result, err := releaseScript.Run(ctx, l.rdb, []string{lock.key}, lock.value).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		l.logger.WithContext(ctx).Warnf("Lock %s expired before release", lock.key)
		return ErrLockNotHeld
	}

	l.logger.WithContext(ctx).Debugf("Released lock: %s", lock.key)
	return nil
}
