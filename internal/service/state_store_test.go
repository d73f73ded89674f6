package service

import (
    "context"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/procore-qc/internal/config"
)

func TestRedisStateStoreIsSingleUse(t *testing.T) {
    mr, rdb := newMiniRedis(t)
    store := NewStateStore(rdb, config.OAuthStateConfig{TTL: 10 * time.Minute, Prefix: "procore:oauth_state"})
    ctx := context.Background()

    require.NoError(t, store.Save(ctx, "abc", OAuthState{PreferredCompanyID: "9002", CreatedAt: time.Now()}))
    assert.True(t, mr.Exists("procore:oauth_state:abc"))
    assert.Equal(t, 10*time.Minute, mr.TTL("procore:oauth_state:abc"))

    st, ok, err := store.Consume(ctx, "abc")
    require.NoError(t, err)
    require.True(t, ok)
    assert.Equal(t, "9002", st.PreferredCompanyID)

    _, ok, err = store.Consume(ctx, "abc")
    require.NoError(t, err)
    assert.False(t, ok)
}

func TestRedisStateStoreExpires(t *testing.T) {
    mr, rdb := newMiniRedis(t)
    store := NewStateStore(rdb, config.OAuthStateConfig{TTL: time.Minute, Prefix: "s"})
    ctx := context.Background()

    require.NoError(t, store.Save(ctx, "abc", OAuthState{}))
    mr.FastForward(2 * time.Minute)

    _, ok, err := store.Consume(ctx, "abc")
    require.NoError(t, err)
    assert.False(t, ok)
}

func TestMemoryStateStore(t *testing.T) {
    store := NewStateStore(nil, config.OAuthStateConfig{TTL: time.Minute})
    mem, ok := store.(*MemoryStateStore)
    require.True(t, ok)
    now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
    mem.now = func() time.Time { return now }
    ctx := context.Background()

    require.NoError(t, mem.Save(ctx, "a", OAuthState{}))
    require.NoError(t, mem.Save(ctx, "b", OAuthState{}))

    _, ok, _ = mem.Consume(ctx, "a")
    assert.True(t, ok)
    _, ok, _ = mem.Consume(ctx, "a")
    assert.False(t, ok)

    now = now.Add(2 * time.Minute)
    _, ok, _ = mem.Consume(ctx, "b")
    assert.False(t, ok, "expired state is rejected")

    _, ok, _ = mem.Consume(ctx, "never-issued")
    assert.False(t, ok)
}
