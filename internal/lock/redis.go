package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection and lease settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a crashed holder keeps the lock.
	TTL time.Duration
	// RetryInterval is the pause between SETNX attempts.
	RetryInterval time.Duration
}

// RedisLocker is a lease lock shared by every API instance.
type RedisLocker struct {
	client    *redis.Client
	ttl       time.Duration
	retry     time.Duration
	keyPrefix string
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(ctx context.Context, cfg RedisConfig) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisLockerWithClient(client, cfg.TTL, cfg.RetryInterval), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client *redis.Client, ttl, retry time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &RedisLocker{client: client, ttl: ttl, retry: retry, keyPrefix: "lock:"}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// Release must run even when the caller's ctx is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, l.client, []string{k}, token) //nolint:errcheck
	}, nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
