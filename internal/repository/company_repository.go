package repository

import (
    "context"
    "database/sql"
    "errors"
    "strings"
    "time"

    "github.com/iliyamo/procore-qc/internal/model"
)

// CompanyRepo reads and lazily creates rows of the companies table.
type CompanyRepo struct {
    db  *sql.DB
    now func() time.Time
}

// NewCompanyRepo returns a CompanyRepo bound to db.
func NewCompanyRepo(db *sql.DB) *CompanyRepo {
    return &CompanyRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const companyCols = `id, name, procore_company_id, created_at, updated_at`

type rowScanner interface {
    Scan(dest ...any) error
}

func scanCompany(s rowScanner) (*model.Company, error) {
    var c model.Company
    if err := s.Scan(&c.ID, &c.Name, &c.ProcoreCompanyID, &c.CreatedAt, &c.UpdatedAt); err != nil {
        return nil, err
    }
    return &c, nil
}

// GetByID returns the company with the given internal id.
func (r *CompanyRepo) GetByID(ctx context.Context, id uint64) (*model.Company, error) {
    c, err := scanCompany(r.db.QueryRowContext(ctx,
        `SELECT `+companyCols+` FROM companies WHERE id = ?`, id))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrCompanyNotFound
    }
    return c, err
}

// GetByProcoreID returns the company with the given upstream id.
func (r *CompanyRepo) GetByProcoreID(ctx context.Context, procoreID string) (*model.Company, error) {
    c, err := scanCompany(r.db.QueryRowContext(ctx,
        `SELECT `+companyCols+` FROM companies WHERE procore_company_id = ?`, procoreID))
    if errors.Is(err, sql.ErrNoRows) {
        return nil, ErrCompanyNotFound
    }
    return c, err
}

// ListByProcoreIDs returns the known companies among procoreIDs.  Unknown
// ids are skipped; order follows the id column.
func (r *CompanyRepo) ListByProcoreIDs(ctx context.Context, procoreIDs []string) ([]model.Company, error) {
    if len(procoreIDs) == 0 {
        return []model.Company{}, nil
    }
    args := make([]any, len(procoreIDs))
    for i, id := range procoreIDs {
        args[i] = id
    }
    return r.list(ctx, `SELECT `+companyCols+` FROM companies WHERE procore_company_id IN (`+placeholders(len(args))+`) ORDER BY id`, args...)
}

func (r *CompanyRepo) list(ctx context.Context, q string, args ...any) ([]model.Company, error) {
    rows, err := r.db.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.Company{}
    for rows.Next() {
        c, err := scanCompany(rows)
        if err != nil {
            return nil, err
        }
        out = append(out, *c)
    }
    return out, rows.Err()
}

// EnsureCompanies inserts every upstream company not yet known and returns
// the stored rows in upstream order (duplicates collapsed).  Existing rows
// get their name refreshed.  The whole batch is one transaction.
func (r *CompanyRepo) EnsureCompanies(ctx context.Context, upstream []model.UpstreamCompany) ([]model.Company, error) {
    out := make([]model.Company, 0, len(upstream))
    seen := make(map[string]bool, len(upstream))
    err := withTx(ctx, r.db, func(tx *sql.Tx) error {
        now := r.now()
        for _, uc := range upstream {
            pid := strings.TrimSpace(uc.ProcoreCompanyID)
            if pid == "" || seen[pid] {
                continue
            }
            seen[pid] = true
            name := strings.TrimSpace(uc.Name)
            if name == "" {
                name = model.DefaultCompanyName(pid)
            }
            // LAST_INSERT_ID(id) makes the existing row's id visible on the duplicate path.
            res, err := tx.ExecContext(ctx,
                `INSERT INTO companies (name, procore_company_id, created_at, updated_at) VALUES (?, ?, ?, ?)
                 ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id), name = VALUES(name)`,
                name, pid, now, now)
            if err != nil {
                return err
            }
            id, err := res.LastInsertId()
            if err != nil {
                return err
            }
            c, err := scanCompany(tx.QueryRowContext(ctx, `SELECT `+companyCols+` FROM companies WHERE id = ?`, id))
            if err != nil {
                return err
            }
            out = append(out, *c)
        }
        return nil
    })
    if err != nil {
        return nil, err
    }
    return out, nil
}

func placeholders(n int) string {
    if n <= 0 {
        return ""
    }
    return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
