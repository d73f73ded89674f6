package service

import (
    "context"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/redis/go-redis/v9"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
    t.Helper()
    mr := miniredis.RunT(t)
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    t.Cleanup(func() { _ = rdb.Close() })
    return mr, rdb
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
    mr, rdb := newMiniRedis(t)
    l := NewRefreshLocker(rdb, 5*time.Second, 100*time.Millisecond, nil)
    ctx := context.Background()

    assert.False(t, l.Held(ctx, "u1"))
    unlock, err := l.Lock(ctx, "u1")
    require.NoError(t, err)
    assert.True(t, mr.Exists("procore:refresh:u1"))
    assert.True(t, l.Held(ctx, "u1"))

    _, err = l.Lock(ctx, "u1")
    assert.ErrorIs(t, err, ErrLockTimeout)

    other, err := l.Lock(ctx, "u2")
    require.NoError(t, err)
    other()

    unlock()
    assert.False(t, mr.Exists("procore:refresh:u1"))
    assert.False(t, l.Held(ctx, "u1"))

    again, err := l.Lock(ctx, "u1")
    require.NoError(t, err)
    again()
}

func TestRedisLockerReleaseOnlyOwnToken(t *testing.T) {
    mr, rdb := newMiniRedis(t)
    l := NewRefreshLocker(rdb, time.Second, 100*time.Millisecond, nil)
    ctx := context.Background()

    stale, err := l.Lock(ctx, "u1")
    require.NoError(t, err)
    mr.FastForward(2 * time.Second)

    fresh, err := l.Lock(ctx, "u1")
    require.NoError(t, err)

    stale()
    assert.True(t, mr.Exists("procore:refresh:u1"), "expired holder must not release the new lock")
    fresh()
    assert.False(t, mr.Exists("procore:refresh:u1"))
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
    _, rdb := newMiniRedis(t)
    l := NewRefreshLocker(rdb, 5*time.Second, 2*time.Second, nil)
    ctx := context.Background()

    unlock, err := l.Lock(ctx, "u1")
    require.NoError(t, err)
    go func() {
        time.Sleep(100 * time.Millisecond)
        unlock()
    }()

    start := time.Now()
    second, err := l.Lock(ctx, "u1")
    require.NoError(t, err)
    assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
    second()
}

func TestRedisLockerFallsBackWhenRedisDown(t *testing.T) {
    mr, rdb := newMiniRedis(t)
    l := NewRefreshLocker(rdb, time.Second, 100*time.Millisecond, nil)
    mr.Close()

    unlock, err := l.Lock(context.Background(), "u1")
    require.NoError(t, err)
    _, err = l.Lock(context.Background(), "u1")
    assert.ErrorIs(t, err, ErrLockTimeout)
    unlock()
}

func TestLocalLocker(t *testing.T) {
    l := NewLocalLocker(50 * time.Millisecond)
    ctx := context.Background()

    assert.False(t, l.Held(ctx, "u1"))
    unlock, err := l.Lock(ctx, "u1")
    require.NoError(t, err)
    assert.True(t, l.Held(ctx, "u1"))

    _, err = l.Lock(ctx, "u1")
    assert.ErrorIs(t, err, ErrLockTimeout)
    assert.True(t, l.Held(ctx, "u1"), "a timed-out waiter leaves the holder in place")

    cctx, cancel := context.WithCancel(ctx)
    cancel()
    _, err = l.Lock(cctx, "u1")
    assert.ErrorIs(t, err, context.Canceled)

    unlock()
    unlock() // idempotent
    assert.False(t, l.Held(ctx, "u1"))

    again, err := l.Lock(ctx, "u1")
    require.NoError(t, err)
    again()

    l.mu.Lock()
    assert.Empty(t, l.locks)
    l.mu.Unlock()
}
