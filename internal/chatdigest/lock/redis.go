package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "chatdigest:lock:"
	defaultLockTTL      = 30 * time.Second
	defaultPollInterval = 50 * time.Millisecond
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	// Prefix is prepended to every key. Defaults to "chatdigest:lock:".
	Prefix string
	// TTL bounds how long a blocking Lock is held if the holder dies.
	// Defaults to 30s.
	TTL time.Duration
	// PollInterval is the wait between SetNX attempts in Lock. Defaults to 50ms.
	PollInterval time.Duration
}

// RedisLocker is a Locker shared by every process connected to the same
// Redis. Each acquisition stores a fresh UUID so that only the owner can
// release it.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisConfig) *RedisLocker {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultLockTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &RedisLocker{client: client, cfg: cfg}
}

// DialRedis parses a redis:// URL, connects and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lock: parse redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("lock: connect to redis: %w", err)
	}
	return client, nil
}

func (r *RedisLocker) acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	token := uuid.NewString()
	fullKey := r.cfg.Prefix + key
	ok, err := r.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock: setnx %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() error {
		// Release must succeed even if the caller's ctx is already done.
		relCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		n, err := releaseScript.Run(relCtx, r.client, []string{fullKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("lock: release %s: %w", key, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}, true, nil
}

// Lock implements Locker by polling SetNX until it succeeds or ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	for {
		unlock, ok, err := r.acquire(ctx, key, r.cfg.TTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}
		timer := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// TryLock implements Locker.
func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Unlock, bool, error) {
	if ttl <= 0 {
		ttl = r.cfg.TTL
	}
	return r.acquire(ctx, key, ttl)
}

var _ Locker = (*RedisLocker)(nil)
