package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// seedScript raises the counter to ARGV[1] when lower and refreshes the TTL.
var seedScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
if n > cur then
  redis.call("SET", KEYS[1], n, "PX", ARGV[2])
end
return cur
`)

// RedisStore shares counters across every worker pointed at the same Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// Prefix is prepended to job IDs; defaults to "analysis-worker:retry:".
	Prefix string
	// TTL bounds how long a counter for an abandoned job lingers; defaults to 7 days.
	TTL time.Duration
}

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "analysis-worker:retry:"
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: opts.Prefix, ttl: opts.TTL}
}

// DialRedis creates a client from a redis:// URL or a bare host:port and
// checks it with PING.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: url})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) key(jobID string) string { return s.prefix + jobID }

func (s *RedisStore) Get(ctx context.Context, jobID string) (int, error) {
	n, err := s.client.Get(ctx, s.key(jobID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("retry get %s: %w", jobID, err)
	}
	return n, nil
}

func (s *RedisStore) Incr(ctx context.Context, jobID string) (int, error) {
	key := s.key(jobID)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.PExpire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("retry incr %s: %w", jobID, err)
	}
	return int(incr.Val()), nil
}

func (s *RedisStore) Seed(ctx context.Context, jobID string, n int) error {
	if n <= 0 {
		return nil
	}
	if err := seedScript.Run(ctx, s.client, []string{s.key(jobID)}, n, s.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("retry seed %s: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, s.key(jobID)).Err(); err != nil {
		return fmt.Errorf("retry reset %s: %w", jobID, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
