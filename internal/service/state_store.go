package service

import (
    "context"
    "encoding/json"
    "errors"
    "sync"
    "time"

    "github.com/redis/go-redis/v9"

    "github.com/iliyamo/procore-qc/internal/config"
)

// OAuthState is what the authorize step remembers until the callback.
type OAuthState struct {
    PreferredCompanyID string    `json:"preferred_company_id,omitempty"`
    CreatedAt          time.Time `json:"created_at"`
}

// StateStore keeps OAuth state values for a bounded time.  Consume is
// single use: a state can be redeemed once.
type StateStore interface {
    Save(ctx context.Context, state string, st OAuthState) error
    Consume(ctx context.Context, state string) (OAuthState, bool, error)
}

// NewStateStore returns a Redis-backed store when rdb is available and an
// in-process one otherwise.
func NewStateStore(rdb *redis.Client, cfg config.OAuthStateConfig) StateStore {
    if rdb != nil {
        return &RedisStateStore{rdb: rdb, ttl: cfg.TTL, prefix: cfg.Prefix}
    }
    return NewMemoryStateStore(cfg.TTL)
}

// RedisStateStore stores states as JSON strings with SETEX and redeems them
// with GETDEL.
type RedisStateStore struct {
    rdb    *redis.Client
    ttl    time.Duration
    prefix string
}

func (s *RedisStateStore) key(state string) string { return s.prefix + ":" + state }

func (s *RedisStateStore) Save(ctx context.Context, state string, st OAuthState) error {
    buf, err := json.Marshal(st)
    if err != nil {
        return err
    }
    return s.rdb.SetEx(ctx, s.key(state), buf, s.ttl).Err()
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (OAuthState, bool, error) {
    var st OAuthState
    if state == "" {
        return st, false, nil
    }
    raw, err := s.rdb.GetDel(ctx, s.key(state)).Bytes()
    if errors.Is(err, redis.Nil) {
        return st, false, nil
    }
    if err != nil {
        return st, false, err
    }
    if err := json.Unmarshal(raw, &st); err != nil {
        return st, false, err
    }
    return st, true, nil
}

// MemoryStateStore is the single-process fallback.  Expired entries are
// dropped lazily on every Save.
type MemoryStateStore struct {
    mu    sync.Mutex
    ttl   time.Duration
    items map[string]OAuthState
    now   func() time.Time
}

// NewMemoryStateStore returns an empty in-process store.
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
    return &MemoryStateStore{ttl: ttl, items: map[string]OAuthState{}, now: time.Now}
}

func (s *MemoryStateStore) Save(_ context.Context, state string, st OAuthState) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    now := s.now()
    for k, v := range s.items {
        if now.Sub(v.CreatedAt) > s.ttl {
            delete(s.items, k)
        }
    }
    if st.CreatedAt.IsZero() {
        st.CreatedAt = now
    }
    s.items[state] = st
    return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (OAuthState, bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    st, ok := s.items[state]
    if !ok {
        return OAuthState{}, false, nil
    }
    delete(s.items, state)
    if s.now().Sub(st.CreatedAt) > s.ttl {
        return OAuthState{}, false, nil
    }
    return st, true, nil
}
