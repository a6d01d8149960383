// Package cache wraps Redis as a best-effort key-value store. Read and write
// failures are logged and turned into safe defaults instead of errors, so the
// rest of the system degrades to uncached behaviour during an outage.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/shop_assistant/internal/logging"
)

const maxConnectBackoff = 10 * time.Second

type Options struct {
	Addr            string
	Password        string
	DB              int
	ConnectAttempts int
}

type Service struct {
	client *redis.Client
}

func New(client *redis.Client) *Service {
	return &Service{client: client}
}

// Connect pings Redis until it answers or opts.ConnectAttempts is used up.
// The backoff interval doubles between attempts and is capped at 10s.
func Connect(ctx context.Context, opts Options) (*Service, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	attempts := opts.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = maxConnectBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("cache_connect_retry", "addr", opts.Addr, "error", err, "next_in", next.String())
	}

	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache unavailable after %d attempts: %w", attempts, err)
	}
	return &Service{client: client}, nil
}

func (s *Service) Client() *redis.Client { return s.client }

func (s *Service) Close() error { return s.client.Close() }

func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Service) logErr(ctx context.Context, op, key string, err error) {
	logging.FromContext(ctx).With("svc", "cache").Warn("cache_op_failed", "op", op, "key", key, "error", err)
}

// Get returns the stored value and true, or "" and false when the key is
// absent or Redis failed.
func (s *Service) Get(ctx context.Context, key string) (string, bool) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		s.logErr(ctx, "get", key, err)
		return "", false
	}
	return val, true
}

// Set stores value under key. A ttl of zero keeps the key until deleted.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.logErr(ctx, "set", key, err)
		return false
	}
	return true
}

func (s *Service) Delete(ctx context.Context, keys ...string) bool {
	if len(keys) == 0 {
		return true
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.logErr(ctx, "delete", keys[0], err)
		return false
	}
	return true
}

// Keys lists keys matching pattern with SCAN so large keyspaces do not block
// the server.
func (s *Service) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		s.logErr(ctx, "keys", pattern, err)
		return nil, err
	}
	return out, nil
}

func (s *Service) FlushAll(ctx context.Context) bool {
	if err := s.client.FlushAll(ctx).Err(); err != nil {
		s.logErr(ctx, "flushall", "*", err)
		return false
	}
	return true
}

// Incr increments key and arms its window expiry in one MULTI/EXEC. EXPIRE NX
// runs on every hit, so a counter that somehow lost its expiry gets one back
// on the next increment and never outlives its window for long.
func (s *Service) Incr(ctx context.Context, key string, window time.Duration) (int64, bool) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if window > 0 {
			pipe.ExpireNX(ctx, key, window)
		}
		return nil
	})
	if err != nil {
		s.logErr(ctx, "incr", key, err)
		return 0, false
	}
	return incr.Val(), true
}

// TTL reports the remaining lifetime of key; false when the key is missing,
// has no expiry, or Redis failed.
func (s *Service) TTL(ctx context.Context, key string) (time.Duration, bool) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		s.logErr(ctx, "ttl", key, err)
		return 0, false
	}
	if d <= 0 {
		return 0, false
	}
	return d, true
}

// HGetAll returns an empty map and no error when key does not exist.
func (s *Service) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		s.logErr(ctx, "hgetall", key, err)
		return nil, err
	}
	return fields, nil
}

func (s *Service) HSet(ctx context.Context, key string, fields map[string]string) bool {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := s.client.HSet(ctx, key, values).Err(); err != nil {
		s.logErr(ctx, "hset", key, err)
		return false
	}
	return true
}

func (s *Service) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

func (s *Service) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.client.Subscribe(ctx, channels...)
}
