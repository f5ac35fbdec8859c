package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = Key{Provider: "stripe", Tenant: "tenant-1", Operation: "retrieve"}

func newTestLimiter(store Store, limits map[string]Limit) (*Limiter, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(log, store, clock, limits, Limit{Max: 100, Window: time.Second}), clock
}

func TestLimiter_ExactlyMaxPerWindow(t *testing.T) {
	l, clock := newTestLimiter(NewMemoryStore(), map[string]Limit{"stripe": {Max: 3, Window: time.Second}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.CheckLimit(ctx, testKey)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "call %d", i+1)
	}

	clock.Advance(400 * time.Millisecond)
	d, err := l.CheckLimit(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 600*time.Millisecond, d.RetryAfter)

	clock.Advance(600 * time.Millisecond)
	d, err = l.CheckLimit(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestLimiter_ConcurrentChecksOnOneKey(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryStore(), map[string]Limit{"stripe": {Max: 10, Window: time.Second}})
	ctx := context.Background()

	var allowed, blocked atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckLimit(ctx, testKey)
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
				return
			}
			if d.RetryAfter <= 0 {
				t.Errorf("blocked call without retry-after: %v", d.RetryAfter)
			}
			blocked.Add(1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, allowed.Load())
	assert.EqualValues(t, 5, blocked.Load())
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryStore(), map[string]Limit{"stripe": {Max: 1, Window: time.Minute}})
	ctx := context.Background()

	d, _ := l.CheckLimit(ctx, testKey)
	require.True(t, d.Allowed)

	other := testKey
	other.Tenant = "tenant-2"
	d, _ = l.CheckLimit(ctx, other)
	assert.True(t, d.Allowed)

	d, _ = l.CheckLimit(ctx, testKey)
	assert.False(t, d.Allowed)
}

func TestLimiter_DefaultLimitForUnknownProvider(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryStore(), nil)
	assert.Equal(t, Limit{Max: 100, Window: time.Second}, l.LimitFor("paypal"))
}

func TestLimiter_ExecuteWaitsForWindowReset(t *testing.T) {
	l, clock := newTestLimiter(NewMemoryStore(), map[string]Limit{"stripe": {Max: 1, Window: time.Second}})
	ctx := context.Background()

	require.NoError(t, l.ExecuteWithRateLimit(ctx, testKey, func(context.Context) error { return nil }))

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- l.ExecuteWithRateLimit(ctx, testKey, func(context.Context) error {
			calls.Add(1)
			return nil
		})
	}()

	clock.BlockUntil(1)
	assert.EqualValues(t, 0, calls.Load())
	clock.Advance(time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not resume after window reset")
	}
	assert.EqualValues(t, 1, calls.Load())
}

type stuckStore struct{ MemoryStore }

func (*stuckStore) Take(context.Context, string, Limit, time.Time) (Decision, error) {
	return Decision{Allowed: false, RetryAfter: time.Second}, nil
}

func TestLimiter_ExecuteGivesUpAfterOneRetry(t *testing.T) {
	var rejected atomic.Int32
	clock := clockwork.NewFakeClock()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(log, &stuckStore{}, clock, nil, Limit{Max: 1, Window: time.Second},
		WithRejectHook(func(Key) { rejected.Add(1) }))

	done := make(chan error, 1)
	go func() {
		done <- l.ExecuteWithRateLimit(context.Background(), testKey, func(context.Context) error {
			t.Error("fn must not run")
			return nil
		})
	}()
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	err := <-done
	require.ErrorIs(t, err, ErrLimitExceeded)
	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, testKey, limitErr.Key)
	assert.EqualValues(t, 2, rejected.Load())
}

func TestLimiter_ExecuteHonoursContext(t *testing.T) {
	l, _ := newTestLimiter(NewMemoryStore(), map[string]Limit{"stripe": {Max: 1, Window: time.Hour}})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, l.ExecuteWithRateLimit(ctx, testKey, func(context.Context) error { return nil }))
	cancel()
	err := l.ExecuteWithRateLimit(ctx, testKey, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestLimiter_ResetClearAndCleanup(t *testing.T) {
	store := NewMemoryStore()
	l, clock := newTestLimiter(store, map[string]Limit{"stripe": {Max: 1, Window: time.Second}})
	ctx := context.Background()

	_, _ = l.CheckLimit(ctx, testKey)
	require.NoError(t, l.Reset(ctx, testKey))
	d, _ := l.CheckLimit(ctx, testKey)
	assert.True(t, d.Allowed)

	other := Key{Provider: "stripe", Tenant: "t2", Operation: "confirm"}
	_, _ = l.CheckLimit(ctx, other)
	assert.Equal(t, 2, store.Len())

	clock.Advance(time.Second)
	require.NoError(t, l.Cleanup(ctx))
	assert.Equal(t, 0, store.Len())

	_, _ = l.CheckLimit(ctx, testKey)
	require.NoError(t, l.ClearAll(ctx))
	assert.Equal(t, 0, store.Len())
}

func TestRedisStore_SharedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewRedisStore(rdb, "")
	l, _ := newTestLimiter(store, map[string]Limit{"stripe": {Max: 10, Window: time.Second}})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.CheckLimit(ctx, testKey)
		require.NoError(t, err)
		require.True(t, d.Allowed, "call %d", i+1)
	}
	d, err := l.CheckLimit(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	mr.FastForward(time.Second)
	d, err = l.CheckLimit(ctx, testKey)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, l.Reset(ctx, testKey))
	assert.False(t, mr.Exists("ratelimit:"+testKey.String()))

	_, _ = l.CheckLimit(ctx, testKey)
	_, _ = l.CheckLimit(ctx, Key{Provider: "stripe", Tenant: "t2", Operation: "confirm"})
	require.NoError(t, l.ClearAll(ctx))
	assert.Empty(t, mr.Keys())
}
