package flags

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/shop_assistant/internal/cache"
	"github.com/Skotchmaster/shop_assistant/internal/testutil"
)

func newTestEngine(t *testing.T) (*Engine, func(key string, fields map[string]string)) {
	t.Helper()
	c, mr := testutil.NewCache(t)
	put := func(key string, fields map[string]string) {
		for k, v := range fields {
			mr.HSet(key, k, v)
		}
	}
	return NewEngine(c, time.Minute), put
}

func TestRollout_Deterministic(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.UpdateFlag(ctx, Flag{
		Name:       "experimental_model",
		Enabled:    true,
		Strategies: []Strategy{{Type: GradualRollout, Percentage: 30}},
	}))

	in := 0
	for i := 0; i < 1000; i++ {
		ec := EvalContext{UserID: fmt.Sprint(i)}
		first := e.IsEnabled(ctx, "experimental_model", ec)
		for j := 0; j < 3; j++ {
			require.Equal(t, first, e.IsEnabled(ctx, "experimental_model", ec))
		}
		if first {
			in++
		}
	}
	assert.InDelta(t, 300, in, 60)
	assert.Zero(t, e.Stats().Errors)
}

func TestRollout_Bounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		b := rolloutBucket(fmt.Sprint(i))
		require.Less(t, b, uint32(100))
	}

	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.UpdateFlag(ctx, Flag{Name: "none", Enabled: true, Strategies: []Strategy{{Type: GradualRollout, Percentage: 0}}}))
	require.NoError(t, e.UpdateFlag(ctx, Flag{Name: "all", Enabled: true, Strategies: []Strategy{{Type: GradualRollout, Percentage: 100}}}))
	for i := 0; i < 50; i++ {
		ec := EvalContext{UserID: fmt.Sprint(i)}
		require.False(t, e.IsEnabled(ctx, "none", ec))
		require.True(t, e.IsEnabled(ctx, "all", ec))
	}
	require.False(t, e.IsEnabled(ctx, "all", EvalContext{}))
}

func TestDisabledIsAlwaysFalse(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.UpdateFlag(ctx, Flag{
		Name:    "off",
		Enabled: false,
		Strategies: []Strategy{
			{Type: UserIDList, UserIDs: []string{"1"}},
			{Type: GradualRollout, Percentage: 100},
		},
	}))
	require.False(t, e.IsEnabled(ctx, "off", EvalContext{UserID: "1"}))
	require.False(t, e.IsEnabled(ctx, "off", EvalContext{UserID: "2", IP: "10.0.0.1"}))
}

func TestStrategies(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	e.RegisterPredicate("support_staff", func(_ context.Context, ec EvalContext) bool { return ec.Role == "support" })

	require.NoError(t, e.UpdateFlag(ctx, Flag{Name: "everyone", Enabled: true}))
	require.NoError(t, e.UpdateFlag(ctx, Flag{
		Name:    "mixed",
		Enabled: true,
		Strategies: []Strategy{
			{Type: UserIDList, UserIDs: []string{"7", "8"}},
			{Type: IPRange, Ranges: []string{"192.168.1.0/24", "10.1.2.3", "2001:db8::/32"}},
			{Type: Custom, Predicate: "support_staff"},
		},
	}))

	cases := []struct {
		name string
		ec   EvalContext
		want bool
	}{
		{"listed user", EvalContext{UserID: "7"}, true},
		{"cidr v4", EvalContext{UserID: "1", IP: "192.168.1.44"}, true},
		{"mapped v4", EvalContext{UserID: "1", IP: "::ffff:192.168.1.44"}, true},
		{"exact ip", EvalContext{UserID: "1", IP: "10.1.2.3"}, true},
		{"cidr v6", EvalContext{UserID: "1", IP: "2001:db8::1"}, true},
		{"custom", EvalContext{UserID: "1", Role: "support"}, true},
		{"no match", EvalContext{UserID: "1", IP: "10.1.2.4", Role: "user"}, false},
		{"garbage ip", EvalContext{UserID: "1", IP: "not-an-ip"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, e.IsEnabled(ctx, "mixed", tc.ec))
		})
	}

	require.True(t, e.IsEnabled(ctx, "everyone", EvalContext{}))
	require.False(t, e.IsEnabled(ctx, "unknown", EvalContext{UserID: "7"}))
	assert.Zero(t, e.Stats().Errors)
}

func TestFirstMatchWins(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	calls := 0
	e.RegisterPredicate("counting", func(context.Context, EvalContext) bool { calls++; return true })

	require.NoError(t, e.UpdateFlag(ctx, Flag{
		Name:    "ordered",
		Enabled: true,
		Strategies: []Strategy{
			{Type: UserIDList, UserIDs: []string{"1"}},
			{Type: Custom, Predicate: "counting"},
		},
	}))

	require.True(t, e.IsEnabled(ctx, "ordered", EvalContext{UserID: "1"}))
	require.Zero(t, calls)
	require.True(t, e.IsEnabled(ctx, "ordered", EvalContext{UserID: "2"}))
	require.Equal(t, 1, calls)
}

func TestMalformedRecordsDegradeToFalse(t *testing.T) {
	e, put := newTestEngine(t)
	ctx := context.Background()

	put("feature:bad_json", map[string]string{"enabled": "true", "strategies": "{not json"})
	put("feature:bad_bool", map[string]string{"enabled": "yes please", "strategies": "[]"})
	put("feature:bad_type", map[string]string{"enabled": "true", "strategies": `[{"type":"moon_phase"}]`})
	put("feature:bad_range", map[string]string{"enabled": "true", "strategies": `[{"type":"ip_range","ranges":["10.0.0.0/99"]}]`})
	put("feature:missing_predicate", map[string]string{"enabled": "true", "strategies": `[{"type":"custom","predicate":"nope"}]`})

	require.NoError(t, e.Refresh(ctx))

	ec := EvalContext{UserID: "1", IP: "10.0.0.1"}
	for _, name := range []string{"bad_json", "bad_bool", "bad_type", "bad_range", "missing_predicate"} {
		require.False(t, e.IsEnabled(ctx, name, ec), name)
	}
	assert.EqualValues(t, 5, e.Stats().Errors)
	assert.EqualValues(t, 5, e.Stats().Evaluations)
}

func TestLazyLoadAndRefresh(t *testing.T) {
	e, put := newTestEngine(t)
	ctx := context.Background()

	put("feature:late", map[string]string{"enabled": "true", "strategies": "[]"})
	require.Empty(t, e.List())
	require.True(t, e.IsEnabled(ctx, "late", EvalContext{}))
	require.Len(t, e.List(), 1)

	// a peer disables the flag; this instance sees it after a refresh
	put("feature:late", map[string]string{"enabled": "false"})
	require.True(t, e.IsEnabled(ctx, "late", EvalContext{}))
	require.NoError(t, e.Refresh(ctx))
	require.False(t, e.IsEnabled(ctx, "late", EvalContext{}))
}

func TestUpdateAndDeleteAreVisibleImmediately(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.UpdateFlag(ctx, Flag{Name: "b", Enabled: true}))
	require.NoError(t, e.UpdateFlag(ctx, Flag{Name: "a", Enabled: false}))
	list := e.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.True(t, e.IsEnabled(ctx, "b", EvalContext{}))

	require.NoError(t, e.DeleteFlag(ctx, "b"))
	require.False(t, e.IsEnabled(ctx, "b", EvalContext{}))
	require.Len(t, e.List(), 1)
}

func TestValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	bad := []Flag{
		{Name: ""},
		{Name: "wild*card"},
		{Name: "pct", Strategies: []Strategy{{Type: GradualRollout, Percentage: 101}}},
		{Name: "pct", Strategies: []Strategy{{Type: GradualRollout, Percentage: -1}}},
		{Name: "cidr", Strategies: []Strategy{{Type: IPRange, Ranges: []string{"300.0.0.0/8"}}}},
		{Name: "custom", Strategies: []Strategy{{Type: Custom, Predicate: "unregistered"}}},
		{Name: "kind", Strategies: []Strategy{{Type: "weather"}}},
	}
	for _, f := range bad {
		require.ErrorIs(t, e.UpdateFlag(ctx, f), ErrInvalidFlag, f.Name)
	}
	require.Empty(t, e.List())
}

func TestRefreshKeepsMirrorDuringOutage(t *testing.T) {
	c, mr := testutil.NewCache(t)
	e := NewEngine(c, time.Minute)
	ctx := context.Background()

	require.NoError(t, e.UpdateFlag(ctx, Flag{Name: "sticky", Enabled: true}))
	mr.Close()

	require.ErrorIs(t, e.Refresh(ctx), ErrStore)
	require.True(t, e.IsEnabled(ctx, "sticky", EvalContext{}))
	require.False(t, e.IsEnabled(ctx, "never_loaded", EvalContext{}))
}

func TestRunStopsOnCancel(t *testing.T) {
	e, put := newTestEngine(t)
	e.interval = 10 * time.Millisecond
	put("feature:ticked", map[string]string{"enabled": "true"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return len(e.List()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// gatedStore parks the first HGetAll of key after it has read the record,
// until release is closed.
type gatedStore struct {
	*cache.Service
	key     string
	parked  atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (s *gatedStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.Service.HGetAll(ctx, key)
	if key == s.key && s.parked.CompareAndSwap(false, true) {
		close(s.reached)
		<-s.release
	}
	return fields, err
}

func TestSlowLazyLoadDoesNotOverwriteUpdate(t *testing.T) {
	c, mr := testutil.NewCache(t)
	mr.HSet("feature:beta", "enabled", "true")
	mr.HSet("feature:beta", "strategies", "[]")

	store := &gatedStore{Service: c, key: "feature:beta", reached: make(chan struct{}), release: make(chan struct{})}
	e := NewEngine(store, time.Minute)
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() { done <- e.IsEnabled(ctx, "beta", EvalContext{}) }()
	<-store.reached

	require.NoError(t, e.UpdateFlag(ctx, Flag{Name: "beta", Enabled: false}))
	require.False(t, e.IsEnabled(ctx, "beta", EvalContext{}))

	close(store.release)
	require.True(t, <-done, "the in-flight read saw the old record")
	assert.False(t, e.IsEnabled(ctx, "beta", EvalContext{}))
}

// flakyStore fails HGetAll for one key.
type flakyStore struct {
	*cache.Service
	failKey string
}

func (s *flakyStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if key == s.failKey {
		return nil, errors.New("i/o timeout")
	}
	return s.Service.HGetAll(ctx, key)
}

func TestRefreshAbortsOnPartialReadFailure(t *testing.T) {
	c, _ := testutil.NewCache(t)
	store := &flakyStore{Service: c}
	e := NewEngine(store, time.Minute)
	ctx := context.Background()

	require.NoError(t, e.UpdateFlag(ctx, Flag{Name: "alpha", Enabled: true}))
	require.NoError(t, e.UpdateFlag(ctx, Flag{Name: "omega", Enabled: true}))
	require.Len(t, e.List(), 2)

	store.failKey = "feature:omega"
	require.ErrorIs(t, e.Refresh(ctx), ErrStore)
	assert.Len(t, e.List(), 2)
	assert.True(t, e.IsEnabled(ctx, "omega", EvalContext{}))
}
