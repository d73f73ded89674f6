package service

import (
    "context"
    "errors"
    "sync"
    "time"

    "github.com/google/uuid"
    "github.com/redis/go-redis/v9"
    "go.uber.org/zap"
)

// ErrLockTimeout is returned when a refresh lock could not be acquired
// within the configured wait.
var ErrLockTimeout = errors.New("timed out waiting for refresh lock")

// RefreshLocker serializes token refreshes per Procore user.  The returned
// unlock func must be called exactly once.  Held reports whether some
// request currently holds the user's lock.
type RefreshLocker interface {
    Lock(ctx context.Context, userID string) (unlock func(), err error)
    Held(ctx context.Context, userID string) bool
}

// NewRefreshLocker returns a Redis lock when rdb is available and a
// process-local one otherwise.
func NewRefreshLocker(rdb *redis.Client, ttl, wait time.Duration, log *zap.Logger) RefreshLocker {
    local := NewLocalLocker(wait)
    if rdb == nil {
        return local
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &RedisLocker{rdb: rdb, ttl: ttl, wait: wait, poll: 50 * time.Millisecond, local: local, log: log}
}

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
    if redis.call('GET', KEYS[1]) == ARGV[1] then
        return redis.call('DEL', KEYS[1])
    end
    return 0
`)

// RedisLocker implements RefreshLocker with SET NX PX so that several
// server instances never refresh the same user's token at once.  When
// Redis errors, it degrades to the local locker.
type RedisLocker struct {
    rdb   *redis.Client
    ttl   time.Duration
    wait  time.Duration
    poll  time.Duration
    local *LocalLocker
    log   *zap.Logger
}

func refreshLockKey(userID string) string { return "procore:refresh:" + userID }

func (l *RedisLocker) Lock(ctx context.Context, userID string) (func(), error) {
    key := refreshLockKey(userID)
    token := uuid.NewString()
    deadline := time.Now().Add(l.wait)
    for {
        ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
        if err != nil {
            if ctx.Err() != nil {
                return nil, ctx.Err()
            }
            l.log.Warn("refresh lock: redis unavailable, using local lock", zap.Error(err))
            return l.local.Lock(ctx, userID)
        }
        if ok {
            return func() {
                rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
                defer cancel()
                if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil {
                    l.log.Warn("refresh lock: release failed", zap.String("key", key), zap.Error(err))
                }
            }, nil
        }
        if !time.Now().Before(deadline) {
            return nil, ErrLockTimeout
        }
        if !sleepCtx(ctx, l.poll) {
            return nil, ctx.Err()
        }
    }
}

func (l *RedisLocker) Held(ctx context.Context, userID string) bool {
    n, err := l.rdb.Exists(ctx, refreshLockKey(userID)).Result()
    if err != nil {
        return l.local.Held(ctx, userID)
    }
    return n > 0
}

// LocalLocker is a per-user mutex with a bounded wait.
type LocalLocker struct {
    wait  time.Duration
    mu    sync.Mutex
    locks map[string]*userLock
}

type userLock struct {
    ch   chan struct{}
    refs int
}

// NewLocalLocker returns a LocalLocker that waits at most wait.
func NewLocalLocker(wait time.Duration) *LocalLocker {
    return &LocalLocker{wait: wait, locks: map[string]*userLock{}}
}

func (l *LocalLocker) acquireRef(userID string) *userLock {
    l.mu.Lock()
    defer l.mu.Unlock()
    ul, ok := l.locks[userID]
    if !ok {
        ul = &userLock{ch: make(chan struct{}, 1)}
        l.locks[userID] = ul
    }
    ul.refs++
    return ul
}

func (l *LocalLocker) releaseRef(userID string, ul *userLock) {
    l.mu.Lock()
    defer l.mu.Unlock()
    ul.refs--
    if ul.refs == 0 {
        delete(l.locks, userID)
    }
}

func (l *LocalLocker) Held(_ context.Context, userID string) bool {
    l.mu.Lock()
    defer l.mu.Unlock()
    ul, ok := l.locks[userID]
    return ok && len(ul.ch) > 0
}

func (l *LocalLocker) Lock(ctx context.Context, userID string) (func(), error) {
    ul := l.acquireRef(userID)
    timer := time.NewTimer(l.wait)
    defer timer.Stop()
    select {
    case ul.ch <- struct{}{}:
        var once sync.Once
        return func() {
            once.Do(func() {
                <-ul.ch
                l.releaseRef(userID, ul)
            })
        }, nil
    case <-timer.C:
        l.releaseRef(userID, ul)
        return nil, ErrLockTimeout
    case <-ctx.Done():
        l.releaseRef(userID, ul)
        return nil, ctx.Err()
    }
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}
