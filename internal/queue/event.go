// Package queue defines the connection lifecycle events exchanged over
// RabbitMQ and the consumer that turns them into an audit log.
package queue

import (
    "time"

    "github.com/google/uuid"
)

// ConnectionEventsQueue is the durable queue carrying ConnectionEvent messages.
const ConnectionEventsQueue = "procore.connection.events"

// EventType names a connection lifecycle transition.
type EventType string

const (
    EventConnected       EventType = "connected"
    EventRefreshed       EventType = "refreshed"
    EventCompanySelected EventType = "company_selected"
    EventDisconnected    EventType = "disconnected"
    EventRevoked         EventType = "revoked"
)

// ConnectionEvent is published whenever a user's Procore connection changes.
// It never carries token material.
type ConnectionEvent struct {
    ID                  string    `json:"id"`
    Type                EventType `json:"type"`
    ProcoreUserID       string    `json:"procore_user_id"`
    CompanyID           uint64    `json:"company_id,omitempty"`
    ReplacementCompany  uint64    `json:"replacement_company_id,omitempty"`
    TokenExpiresAt      string    `json:"token_expires_at,omitempty"`
    OccurredAt          string    `json:"occurred_at"`
}

// NewConnectionEvent stamps a fresh id and occurrence time.
func NewConnectionEvent(t EventType, procoreUserID string, companyID uint64) ConnectionEvent {
    return ConnectionEvent{
        ID:            uuid.NewString(),
        Type:          t,
        ProcoreUserID: procoreUserID,
        CompanyID:     companyID,
        OccurredAt:    time.Now().UTC().Format(time.RFC3339),
    }
}
