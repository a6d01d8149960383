// Package ratelimit implements a fixed-window limiter shared by every server
// instance through the cache. Exhausting the window blocks the key for an
// extra penalty duration.
//
// The limiter fails open: when the cache cannot be reached the request is
// allowed. This keeps the chat available during a cache outage at the cost
// of weaker abuse protection for that period.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Skotchmaster/shop_assistant/internal/logging"
)

var ErrLimited = errors.New("rate limited")

// LimitedError carries the time the caller should wait before retrying.
type LimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *LimitedError) Unwrap() error { return ErrLimited }

// Counter is the subset of the cache the limiter relies on.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, bool)
	TTL(ctx context.Context, key string) (time.Duration, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
	Delete(ctx context.Context, keys ...string) bool
}

type Limiter struct {
	Store  Counter
	Prefix string
	Points int
	Window time.Duration
	Block  time.Duration
}

func New(store Counter, prefix string, points int, window, block time.Duration) *Limiter {
	return &Limiter{Store: store, Prefix: prefix, Points: points, Window: window, Block: block}
}

func (l *Limiter) counterKey(key string) string { return l.Prefix + ":" + key }
func (l *Limiter) blockKey(key string) string   { return l.Prefix + ":block:" + key }

// Consume spends one point for key. It returns a *LimitedError when the key is
// blocked or the window is exhausted.
func (l *Limiter) Consume(ctx context.Context, key string) error {
	if ttl, blocked := l.Store.TTL(ctx, l.blockKey(key)); blocked {
		return &LimitedError{Key: key, RetryAfter: ttl}
	}

	n, ok := l.Store.Incr(ctx, l.counterKey(key), l.Window)
	if !ok {
		logging.FromContext(ctx).With("svc", "ratelimit").Warn("rate_limit_fail_open", "key", l.counterKey(key))
		return nil
	}
	if n <= int64(l.Points) {
		return nil
	}

	retry := l.Window
	if l.Block > 0 {
		l.Store.Set(ctx, l.blockKey(key), "1", l.Block)
		retry = l.Block
	} else if ttl, ok := l.Store.TTL(ctx, l.counterKey(key)); ok {
		retry = ttl
	}
	return &LimitedError{Key: key, RetryAfter: retry}
}

// Reset clears both the counter and any active block for key.
func (l *Limiter) Reset(ctx context.Context, key string) {
	l.Store.Delete(ctx, l.counterKey(key), l.blockKey(key))
}
