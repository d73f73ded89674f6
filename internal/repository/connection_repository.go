package repository

import (
    "context"
    "database/sql"
    "errors"
    "fmt"
    "time"

    "github.com/iliyamo/procore-qc/internal/model"
)

// TokenSealer encrypts tokens on their way into the database and decrypts
// them on the way out.  *utils.TokenCipher implements it.
type TokenSealer interface {
    Seal(plain string) (string, error)
    Open(stored string) (string, error)
}

// ConnectionRepo is the only code that reads or writes the
// procore_connections table.  Every mutation runs in its own transaction.
//
// The table carries a generated column active_user_key (procore_user_id
// while the row is active and not revoked, NULL otherwise) with a unique
// index, so at most one active row per user can exist.  Mutations
// therefore always deactivate before they activate.
type ConnectionRepo struct {
    db     *sql.DB
    sealer TokenSealer
    now    func() time.Time
}

// NewConnectionRepo returns a ConnectionRepo.  sealer may be nil, in which
// case tokens are stored as given.
func NewConnectionRepo(db *sql.DB, sealer TokenSealer) *ConnectionRepo {
    return &ConnectionRepo{db: db, sealer: sealer, now: func() time.Time { return time.Now().UTC() }}
}

// UpsertConnectionInput carries the token data written by an OAuth sync or
// a refresh.
type UpsertConnectionInput struct {
    CompanyID     uint64
    ProcoreUserID string
    AccessToken   string
    RefreshToken  string
    ExpiresAt     time.Time
    TokenType     string
    Scope         string
    MakeActive    bool
}

// DeleteResult reports the outcome of a delete or revoke.  Replacement is
// the connection that became active because the removed one was active.
type DeleteResult struct {
    Deleted     bool
    WasActive   bool
    Replacement *model.Connection
}

const connectionCols = `id, company_id, procore_user_id, access_token, refresh_token, token_expires_at,
    token_type, scope, is_active, revoked_at, created_at, updated_at`

type queryer interface {
    QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *ConnectionRepo) scan(s rowScanner) (*model.Connection, error) {
    var (
        c         model.Connection
        scope     sql.NullString
        revokedAt sql.NullTime
    )
    err := s.Scan(&c.ID, &c.CompanyID, &c.ProcoreUserID, &c.AccessToken, &c.RefreshToken, &c.TokenExpiresAt,
        &c.TokenType, &scope, &c.IsActive, &revokedAt, &c.CreatedAt, &c.UpdatedAt)
    if err != nil {
        return nil, err
    }
    if scope.Valid {
        c.Scope = scope.String
    }
    if revokedAt.Valid {
        t := revokedAt.Time.UTC()
        c.RevokedAt = &t
    }
    c.TokenExpiresAt = c.TokenExpiresAt.UTC()
    if r.sealer != nil {
        if c.AccessToken, err = r.sealer.Open(c.AccessToken); err != nil {
            return nil, fmt.Errorf("open access token of connection %d: %w", c.ID, err)
        }
        if c.RefreshToken, err = r.sealer.Open(c.RefreshToken); err != nil {
            return nil, fmt.Errorf("open refresh token of connection %d: %w", c.ID, err)
        }
    }
    return &c, nil
}

func (r *ConnectionRepo) seal(plain string) (string, error) {
    if r.sealer == nil {
        return plain, nil
    }
    return r.sealer.Seal(plain)
}

func (r *ConnectionRepo) getOne(ctx context.Context, q queryer, query string, args ...any) (*model.Connection, error) {
    c, err := r.scan(q.QueryRowContext(ctx, query, args...))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrConnectionNotFound
    }
    return c, err
}

// GetActiveConnection returns the user's active, non-revoked connection.
// Should more than one qualify, the most recently updated wins.
func (r *ConnectionRepo) GetActiveConnection(ctx context.Context, procoreUserID string) (*model.Connection, error) {
    return r.getOne(ctx, r.db,
        `SELECT `+connectionCols+` FROM procore_connections
         WHERE procore_user_id = ? AND is_active = 1 AND revoked_at IS NULL
         ORDER BY updated_at DESC, id DESC LIMIT 1`, procoreUserID)
}

// GetConnection returns the (company, user) row regardless of its active
// or revoked state.
func (r *ConnectionRepo) GetConnection(ctx context.Context, companyID uint64, procoreUserID string) (*model.Connection, error) {
    return r.getOne(ctx, r.db,
        `SELECT `+connectionCols+` FROM procore_connections WHERE company_id = ? AND procore_user_id = ?`,
        companyID, procoreUserID)
}

// ListConnections returns every row of the user, newest first.
func (r *ConnectionRepo) ListConnections(ctx context.Context, procoreUserID string) ([]model.Connection, error) {
    rows, err := r.db.QueryContext(ctx,
        `SELECT `+connectionCols+` FROM procore_connections WHERE procore_user_id = ?
         ORDER BY updated_at DESC, id DESC`, procoreUserID)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.Connection{}
    for rows.Next() {
        c, err := r.scan(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, *c)
    }
    return out, rows.Err()
}

// SetActiveCompany makes the (company, user) row the user's only active
// connection.  The target is locked and checked first; a missing or
// revoked target leaves every row untouched.
func (r *ConnectionRepo) SetActiveCompany(ctx context.Context, procoreUserID string, companyID uint64) (*model.Connection, error) {
    var out *model.Connection
    err := withTx(ctx, r.db, func(tx *sql.Tx) error {
        id, err := r.setActiveTx(ctx, tx, procoreUserID, companyID)
        if err != nil {
            return err
        }
        out, err = r.getOne(ctx, tx, `SELECT `+connectionCols+` FROM procore_connections WHERE id = ?`, id)
        return err
    })
    if err != nil {
        return nil, err
    }
    return out, nil
}

func (r *ConnectionRepo) setActiveTx(ctx context.Context, tx *sql.Tx, procoreUserID string, companyID uint64) (uint64, error) {
    var (
        id        uint64
        revokedAt sql.NullTime
    )
    err := tx.QueryRowContext(ctx,
        `SELECT id, revoked_at FROM procore_connections WHERE company_id = ? AND procore_user_id = ? FOR UPDATE`,
        companyID, procoreUserID).Scan(&id, &revokedAt)
    if errors.Is(err, sql.ErrNoRows) {
        return 0, ErrConnectionNotFound
    }
    if err != nil {
        return 0, err
    }
    if revokedAt.Valid {
        return 0, ErrConnectionRevoked
    }
    now := r.now()
    if _, err := tx.ExecContext(ctx,
        `UPDATE procore_connections SET is_active = 0, updated_at = ? WHERE procore_user_id = ? AND is_active = 1 AND id <> ?`,
        now, procoreUserID, id); err != nil {
        return 0, err
    }
    if _, err := tx.ExecContext(ctx,
        `UPDATE procore_connections SET is_active = 1, updated_at = ? WHERE id = ?`, now, id); err != nil {
        return 0, err
    }
    return id, nil
}

// UpsertConnection inserts or updates the (company, user) row and clears
// any revocation.  New rows start inactive; with MakeActive the row is
// switched active in the same transaction.
func (r *ConnectionRepo) UpsertConnection(ctx context.Context, in UpsertConnectionInput) (*model.Connection, error) {
    if in.ProcoreUserID == "" || in.CompanyID == 0 {
        return nil, errors.New("upsert connection: company and user are required")
    }
    access, err := r.seal(in.AccessToken)
    if err != nil {
        return nil, fmt.Errorf("seal access token: %w", err)
    }
    refresh, err := r.seal(in.RefreshToken)
    if err != nil {
        return nil, fmt.Errorf("seal refresh token: %w", err)
    }
    tokenType := in.TokenType
    if tokenType == "" {
        tokenType = "Bearer"
    }
    scope := sql.NullString{String: in.Scope, Valid: in.Scope != ""}

    var out *model.Connection
    err = withTx(ctx, r.db, func(tx *sql.Tx) error {
        now := r.now()
        var id uint64
        err := tx.QueryRowContext(ctx,
            `SELECT id FROM procore_connections WHERE company_id = ? AND procore_user_id = ? FOR UPDATE`,
            in.CompanyID, in.ProcoreUserID).Scan(&id)
        switch {
        case errors.Is(err, sql.ErrNoRows):
            res, err := tx.ExecContext(ctx,
                `INSERT INTO procore_connections
                 (company_id, procore_user_id, access_token, refresh_token, token_expires_at, token_type, scope, is_active, revoked_at, created_at, updated_at)
                 VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
                in.CompanyID, in.ProcoreUserID, access, refresh, in.ExpiresAt.UTC(), tokenType, scope, now, now)
            if err != nil {
                return err
            }
            lid, err := res.LastInsertId()
            if err != nil {
                return err
            }
            id = uint64(lid)
        case err != nil:
            return err
        default:
            if _, err := tx.ExecContext(ctx,
                `UPDATE procore_connections
                 SET access_token = ?, refresh_token = ?, token_expires_at = ?, token_type = ?, scope = ?, revoked_at = NULL, updated_at = ?
                 WHERE id = ?`,
                access, refresh, in.ExpiresAt.UTC(), tokenType, scope, now, id); err != nil {
                return err
            }
        }
        if in.MakeActive {
            if _, err := r.setActiveTx(ctx, tx, in.ProcoreUserID, in.CompanyID); err != nil {
                return err
            }
        }
        out, err = r.getOne(ctx, tx, `SELECT `+connectionCols+` FROM procore_connections WHERE id = ?`, id)
        return err
    })
    if err != nil {
        return nil, err
    }
    return out, nil
}

// DeleteConnection removes the (company, user) row.  When the removed row
// was active, the most recently updated remaining non-revoked row becomes
// active in the same transaction.
func (r *ConnectionRepo) DeleteConnection(ctx context.Context, procoreUserID string, companyID uint64) (DeleteResult, error) {
    return r.remove(ctx, procoreUserID, companyID, func(tx *sql.Tx, id uint64) error {
        _, err := tx.ExecContext(ctx, `DELETE FROM procore_connections WHERE id = ?`, id)
        return err
    })
}

// RevokeConnection soft deletes the (company, user) row: revoked_at is set
// and the row is deactivated.  Re-election follows DeleteConnection.
func (r *ConnectionRepo) RevokeConnection(ctx context.Context, procoreUserID string, companyID uint64) (DeleteResult, error) {
    return r.remove(ctx, procoreUserID, companyID, func(tx *sql.Tx, id uint64) error {
        now := r.now()
        _, err := tx.ExecContext(ctx,
            `UPDATE procore_connections SET revoked_at = ?, is_active = 0, updated_at = ? WHERE id = ?`, now, now, id)
        return err
    })
}

func (r *ConnectionRepo) remove(ctx context.Context, procoreUserID string, companyID uint64, apply func(tx *sql.Tx, id uint64) error) (DeleteResult, error) {
    var res DeleteResult
    err := withTx(ctx, r.db, func(tx *sql.Tx) error {
        var (
            id        uint64
            active    bool
            revokedAt sql.NullTime
        )
        err := tx.QueryRowContext(ctx,
            `SELECT id, is_active, revoked_at FROM procore_connections WHERE company_id = ? AND procore_user_id = ? FOR UPDATE`,
            companyID, procoreUserID).Scan(&id, &active, &revokedAt)
        if errors.Is(err, sql.ErrNoRows) {
            return ErrConnectionNotFound
        }
        if err != nil {
            return err
        }
        if err := apply(tx, id); err != nil {
            return err
        }
        res.Deleted = true
        res.WasActive = active && !revokedAt.Valid
        if !res.WasActive {
            return nil
        }
        repl, err := r.electReplacementTx(ctx, tx, procoreUserID)
        if err != nil {
            return err
        }
        res.Replacement = repl
        return nil
    })
    if err != nil {
        return DeleteResult{}, err
    }
    return res, nil
}

func (r *ConnectionRepo) electReplacementTx(ctx context.Context, tx *sql.Tx, procoreUserID string) (*model.Connection, error) {
    var id uint64
    err := tx.QueryRowContext(ctx,
        `SELECT id FROM procore_connections WHERE procore_user_id = ? AND revoked_at IS NULL
         ORDER BY updated_at DESC, id DESC LIMIT 1 FOR UPDATE`, procoreUserID).Scan(&id)
    if errors.Is(err, sql.ErrNoRows) {
        return nil, nil
    }
    if err != nil {
        return nil, err
    }
    if _, err := tx.ExecContext(ctx,
        `UPDATE procore_connections SET is_active = 1, updated_at = ? WHERE id = ?`, r.now(), id); err != nil {
        return nil, err
    }
    return r.getOne(ctx, tx, `SELECT `+connectionCols+` FROM procore_connections WHERE id = ?`, id)
}
