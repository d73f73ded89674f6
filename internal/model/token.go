package model

import "time"

// TokenPayload is the result of a code exchange or refresh grant.  It is
// never persisted on its own; the connection store owns persistence.
type TokenPayload struct {
    AccessToken  string    `json:"-"`
    RefreshToken string    `json:"-"`
    ExpiresAt    time.Time `json:"expires_at"`
    TokenType    string    `json:"token_type"`
    Scope        string    `json:"scope,omitempty"`
}

// SyncResult summarises what an OAuth sync learned from Procore.
type SyncResult struct {
    ProcoreUserID   string    `json:"procore_user_id"`
    Email           string    `json:"email"`
    Name            string    `json:"name"`
    CompanyIDs      []string  `json:"company_ids"`
    ProjectIDs      []string  `json:"project_ids"`
    ActiveCompanyID uint64    `json:"active_company_id"`
    SyncedAt        time.Time `json:"last_synced_at"`
}

// ConnectionStatus is the health view returned by the status endpoint.
type ConnectionStatus struct {
    Connected       bool            `json:"connected"`
    State           ConnectionState `json:"state"`
    SyncStatus      string          `json:"sync_status"`
    LastSyncedAt    *time.Time      `json:"last_synced_at"`
    ActiveCompanyID *uint64         `json:"active_company_id,omitempty"`
    TokenExpiresAt  *time.Time      `json:"token_expires_at,omitempty"`
    Companies       []uint64        `json:"company_ids,omitempty"`
    ProjectsLinked  int             `json:"projects_linked"`
    ErrorMessage    *string         `json:"error_message"`
}
