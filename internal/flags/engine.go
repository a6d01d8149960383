package flags

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Skotchmaster/shop_assistant/internal/logging"
)

const DefaultRefreshInterval = 60 * time.Second

// Predicate backs a custom strategy. Predicates are registered by name so
// flag records stay plain data.
type Predicate func(ctx context.Context, ec EvalContext) bool

type Store interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) bool
	Delete(ctx context.Context, keys ...string) bool
	Ping(ctx context.Context) error
}

type Stats struct {
	Evaluations int64 `json:"evaluations"`
	Errors      int64 `json:"errors"`
}

type Engine struct {
	store    Store
	interval time.Duration

	mu         sync.RWMutex
	mirror     map[string]Flag
	predicates map[string]Predicate

	// Every read of the store takes a ticket before it starts. The mirror
	// only accepts results whose ticket is newer than the last applied
	// refresh, so a slow read cannot overwrite fresher state.
	tickets atomic.Uint64
	applied uint64

	evaluations atomic.Int64
	errors      atomic.Int64
	errCounter  metric.Int64Counter
}

func NewEngine(store Store, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	counter, _ := otel.Meter("github.com/Skotchmaster/shop_assistant/internal/flags").
		Int64Counter("flags.evaluation.errors")

	return &Engine{
		store:      store,
		interval:   interval,
		mirror:     map[string]Flag{},
		predicates: map[string]Predicate{},
		errCounter: counter,
	}
}

func (e *Engine) RegisterPredicate(name string, p Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[name] = p
}

// IsEnabled never fails. Unknown flags, store outages and malformed records
// all evaluate to false; the last two are counted as evaluation errors.
func (e *Engine) IsEnabled(ctx context.Context, name string, ec EvalContext) bool {
	e.evaluations.Add(1)

	e.mu.RLock()
	f, ok := e.mirror[name]
	e.mu.RUnlock()

	if !ok {
		loaded, found, err := e.load(ctx, name)
		if err != nil {
			e.recordError(ctx, name, err)
			return false
		}
		if !found {
			return false
		}
		f = loaded
	}

	enabled, err := e.evaluate(ctx, f, ec)
	if err != nil {
		e.recordError(ctx, name, err)
		return false
	}
	return enabled
}

func (e *Engine) evaluate(ctx context.Context, f Flag, ec EvalContext) (bool, error) {
	if !f.Enabled {
		return false, nil
	}
	if len(f.Strategies) == 0 {
		return true, nil
	}

	for _, s := range f.Strategies {
		var (
			match bool
			err   error
		)
		switch s.Type {
		case UserIDList:
			match = ec.UserID != "" && slices.Contains(s.UserIDs, ec.UserID)
		case GradualRollout:
			match = ec.UserID != "" && int(rolloutBucket(ec.UserID)) < s.Percentage
		case IPRange:
			match, err = matchIP(s.Ranges, ec.IP)
		case Custom:
			e.mu.RLock()
			p, ok := e.predicates[s.Predicate]
			e.mu.RUnlock()
			if !ok {
				err = fmt.Errorf("%w: unknown predicate %q", ErrInvalidFlag, s.Predicate)
				break
			}
			match = p(ctx, ec)
		default:
			err = fmt.Errorf("%w: unknown strategy %q", ErrInvalidFlag, s.Type)
		}
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) recordError(ctx context.Context, name string, err error) {
	e.errors.Add(1)
	if e.errCounter != nil {
		e.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("flag", name)))
	}
	logging.FromContext(ctx).With("svc", "flags").Warn("flag_evaluation_error", "flag", name, "error", err)
}

func (e *Engine) load(ctx context.Context, name string) (Flag, bool, error) {
	ticket := e.tickets.Add(1)

	fields, err := e.store.HGetAll(ctx, flagKey(name))
	if err != nil {
		return Flag{}, false, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if len(fields) == 0 {
		return Flag{}, false, nil
	}
	f, err := decodeFlag(name, fields)
	if err != nil {
		return Flag{}, false, err
	}

	e.mu.Lock()
	if ticket > e.applied {
		e.mirror[name] = f
	}
	e.mu.Unlock()
	return f, true, nil
}

// Refresh replaces the mirror with a full scan of the flag records. When any
// read fails the previous mirror is kept untouched.
func (e *Engine) Refresh(ctx context.Context) error {
	l := logging.FromContext(ctx).With("svc", "flags")
	ticket := e.tickets.Add(1)

	keys, err := e.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	next := make(map[string]Flag, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, keyPrefix)
		fields, err := e.store.HGetAll(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if len(fields) == 0 {
			continue
		}
		f, err := decodeFlag(name, fields)
		if err != nil {
			l.Warn("flag_record_skipped", "flag", name, "error", err)
			continue
		}
		next[name] = f
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ticket < e.applied {
		l.Debug("flags_refresh_superseded", "count", len(next))
		return nil
	}
	e.mirror = next
	e.applied = ticket

	l.Debug("flags_refreshed", "count", len(next))
	return nil
}

// Run refreshes the mirror every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	l := logging.FromContext(ctx).With("svc", "flags")

	if err := e.Refresh(ctx); err != nil {
		l.Warn("flags_refresh_failed", "error", err)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				l.Warn("flags_refresh_failed", "error", err)
			}
		}
	}
}

func (e *Engine) Validate(f Flag) error {
	if err := validateName(f.Name); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range f.Strategies {
		if err := s.validate(e.predicates); err != nil {
			return err
		}
	}
	return nil
}

// UpdateFlag writes f through to the store and refreshes the mirror before
// returning, so later reads on this instance see the change.
func (e *Engine) UpdateFlag(ctx context.Context, f Flag) error {
	if err := e.Validate(f); err != nil {
		return err
	}
	fields, err := encodeFlag(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFlag, err)
	}
	if !e.store.HSet(ctx, flagKey(f.Name), fields) {
		return ErrStore
	}
	return e.Refresh(ctx)
}

func (e *Engine) DeleteFlag(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if !e.store.Delete(ctx, flagKey(name)) {
		return ErrStore
	}
	return e.Refresh(ctx)
}

func (e *Engine) List() []Flag {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedByName(e.mirror)
}

func (e *Engine) Stats() Stats {
	return Stats{Evaluations: e.evaluations.Load(), Errors: e.errors.Load()}
}

// IsStoreError reports whether err came from the backing store rather than
// from validating the flag.
func IsStoreError(err error) bool { return errors.Is(err, ErrStore) }
