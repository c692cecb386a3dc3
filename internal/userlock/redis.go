// Package userlock provides a per-user unlock.Locker shared across processes.
package userlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/storyunlock/pkg/unlock"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix     = "storyunlock:user-lock:"
	defaultTTL           = 10 * time.Second
	defaultRetryInterval = 25 * time.Millisecond
	releaseTimeout       = 2 * time.Second

	// releaseScript deletes the key only while it still holds our token.
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
)

// ErrInvalidConfig reports an unusable lock configuration.
var ErrInvalidConfig = errors.New("invalid user lock config")

// RedisLocker implements unlock.Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client        redis.Cmdable
	logger        *zap.Logger
	keyPrefix     string
	ttl           time.Duration
	retryInterval time.Duration
	newToken      func() string
}

// Option configures a RedisLocker.
type Option func(*RedisLocker)

// WithTTL bounds how long a crashed holder can block the user.
func WithTTL(ttl time.Duration) Option {
	return func(locker *RedisLocker) {
		if ttl > 0 {
			locker.ttl = ttl
		}
	}
}

// WithRetryInterval sets the polling interval while the key is held.
func WithRetryInterval(interval time.Duration) Option {
	return func(locker *RedisLocker) {
		if interval > 0 {
			locker.retryInterval = interval
		}
	}
}

// WithLogger reports release failures.
func WithLogger(logger *zap.Logger) Option {
	return func(locker *RedisLocker) {
		if logger != nil {
			locker.logger = logger
		}
	}
}

// WithTokenGenerator replaces the random holder token.
func WithTokenGenerator(generate func() string) Option {
	return func(locker *RedisLocker) {
		if generate != nil {
			locker.newToken = generate
		}
	}
}

// NewRedisLocker builds a locker on client.
func NewRedisLocker(client redis.Cmdable, options ...Option) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidConfig)
	}
	locker := &RedisLocker{
		client:        client,
		logger:        zap.NewNop(),
		keyPrefix:     defaultKeyPrefix,
		ttl:           defaultTTL,
		retryInterval: defaultRetryInterval,
		newToken:      uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(locker)
		}
	}
	return locker, nil
}

// Lock polls until the user's key is acquired or ctx ends.
func (locker *RedisLocker) Lock(ctx context.Context, userID unlock.UserID) (func(), error) {
	key := locker.keyPrefix + userID.String()
	token := locker.newToken()
	for {
		acquired, err := locker.client.SetNX(ctx, key, token, locker.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if acquired {
			return locker.releaser(key, token), nil
		}
		timer := time.NewTimer(locker.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (locker *RedisLocker) releaser(key string, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			locker.release(key, token)
		})
	}
}

func (locker *RedisLocker) release(key string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := locker.client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		locker.logger.Warn("user lock release failed", zap.String("key", key), zap.Error(err))
	}
}

var _ unlock.Locker = (*RedisLocker)(nil)
