// Package repository holds the MySQL stores for companies and Procore
// connections.  The sentinel errors below let the service layer tell
// "nothing there" apart from infrastructure failures without inspecting
// driver errors.
package repository

import (
    "context"
    "database/sql"
    "errors"
)

// ErrConnectionNotFound is returned when no connection row matches the
// lookup (or no active row exists for the user).
var ErrConnectionNotFound = errors.New("procore connection not found")

// ErrConnectionRevoked is returned when an operation targets a soft
// deleted connection.  Revoked rows never become active again until a new
// OAuth grant upserts them.
var ErrConnectionRevoked = errors.New("procore connection revoked")

// ErrCompanyNotFound is returned by company lookups that match no row.
var ErrCompanyNotFound = errors.New("company not found")

// withTx runs fn inside a transaction.  fn's error (or a panic) rolls the
// transaction back; otherwise it is committed exactly once.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
    tx, err := db.BeginTx(ctx, nil)
    if err != nil {
        return err
    }
    committed := false
    defer func() {
        if !committed {
            _ = tx.Rollback()
        }
    }()
    if err = fn(tx); err != nil {
        return err
    }
    if err = tx.Commit(); err != nil {
        return err
    }
    committed = true
    return nil
}
