package model

import (
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
)

func TestNeedsRefreshWindow(t *testing.T) {
    exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
    c := &Connection{TokenExpiresAt: exp}

    assert.False(t, c.NeedsRefresh(exp.Add(-10*time.Minute)))
    assert.False(t, c.NeedsRefresh(exp.Add(-5*time.Minute-time.Second)))
    assert.True(t, c.NeedsRefresh(exp.Add(-5*time.Minute)))
    assert.True(t, c.NeedsRefresh(exp.Add(time.Hour)))
}

func TestExpired(t *testing.T) {
    exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
    c := &Connection{TokenExpiresAt: exp}

    assert.False(t, c.Expired(exp.Add(-time.Second)))
    assert.True(t, c.Expired(exp))
}

func TestStateOf(t *testing.T) {
    now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
    revokedAt := now.Add(-time.Hour)

    assert.Equal(t, StateNoConnection, StateOf(nil, now))
    assert.Equal(t, StateConnected, StateOf(&Connection{TokenExpiresAt: now.Add(time.Hour)}, now))
    assert.Equal(t, StateExpiringSoon, StateOf(&Connection{TokenExpiresAt: now.Add(time.Minute)}, now))
    assert.Equal(t, StateRevoked, StateOf(&Connection{TokenExpiresAt: now.Add(time.Hour), RevokedAt: &revokedAt}, now))
}
