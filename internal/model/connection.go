package model

import "time"

// Connection models a row of the `procore_connections` table: the OAuth
// credentials one Procore user holds for one company.  Tokens are kept in
// plain text here; the repository seals them before they reach the
// database.
//
// Fields:
//  ID             – primary key.
//  CompanyID      – internal company reference (companies.id).
//  ProcoreUserID  – upstream user identifier.
//  AccessToken    – bearer token for API calls.
//  RefreshToken   – token used for the refresh grant.
//  TokenExpiresAt – when AccessToken stops being accepted (UTC).
//  TokenType      – usually "Bearer".
//  Scope          – granted scope string, empty when unknown.
//  IsActive       – the operative company context for the user.
//  RevokedAt      – soft delete marker; revoked rows never become active.
//  CreatedAt      – timestamp of creation.
//  UpdatedAt      – timestamp of last update.
type Connection struct {
    ID             uint64     // procore_connections.id
    CompanyID      uint64     // procore_connections.company_id
    ProcoreUserID  string     // procore_connections.procore_user_id
    AccessToken    string     // procore_connections.access_token
    RefreshToken   string     // procore_connections.refresh_token
    TokenExpiresAt time.Time  // procore_connections.token_expires_at
    TokenType      string     // procore_connections.token_type
    Scope          string     // procore_connections.scope (nullable)
    IsActive       bool       // procore_connections.is_active
    RevokedAt      *time.Time // procore_connections.revoked_at (nullable)
    CreatedAt      time.Time  // procore_connections.created_at
    UpdatedAt      time.Time  // procore_connections.updated_at
}

// RefreshWindow is how long before expiry a token is proactively refreshed.
const RefreshWindow = 5 * time.Minute

// Revoked reports whether the connection was soft deleted.
func (c *Connection) Revoked() bool { return c.RevokedAt != nil }

// NeedsRefresh reports whether now falls inside the refresh window.
func (c *Connection) NeedsRefresh(now time.Time) bool {
    return !now.Before(c.TokenExpiresAt.Add(-RefreshWindow))
}

// Expired reports whether the access token is past its expiry.
func (c *Connection) Expired(now time.Time) bool {
    return !now.Before(c.TokenExpiresAt)
}

// ConnectionState is the lifecycle label of a user's Procore link.
type ConnectionState string

const (
    StateNoConnection ConnectionState = "NO_CONNECTION"
    StateConnected    ConnectionState = "CONNECTED"
    StateExpiringSoon ConnectionState = "EXPIRING_SOON"
    StateRefreshing   ConnectionState = "REFRESHING"
    StateRevoked      ConnectionState = "REVOKED"
    StateAuthExpired  ConnectionState = "AUTH_EXPIRED"
)

// StateOf derives the state of a stored connection at time now.  A nil
// connection means the user never connected.
func StateOf(c *Connection, now time.Time) ConnectionState {
    switch {
    case c == nil:
        return StateNoConnection
    case c.Revoked():
        return StateRevoked
    case c.NeedsRefresh(now):
        return StateExpiringSoon
    default:
        return StateConnected
    }
}
