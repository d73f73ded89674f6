package repository

import (
    "context"
    "testing"
    "time"

    "github.com/DATA-DOG/go-sqlmock"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/procore-qc/internal/model"
)

var companyColumns = []string{"id", "name", "procore_company_id", "created_at", "updated_at"}

func newCompanyRepo(t *testing.T) (*CompanyRepo, sqlmock.Sqlmock) {
    t.Helper()
    db, mock, err := sqlmock.New()
    require.NoError(t, err)
    t.Cleanup(func() { db.Close() })
    r := NewCompanyRepo(db)
    r.now = func() time.Time { return fixedNow }
    return r, mock
}

func TestEnsureCompaniesCollapsesDuplicatesAndDefaultsName(t *testing.T) {
    r, mock := newCompanyRepo(t)

    mock.ExpectBegin()
    mock.ExpectExec(q("INSERT INTO companies")).
        WithArgs("Acme", "100", fixedNow, fixedNow).
        WillReturnResult(sqlmock.NewResult(1, 1))
    mock.ExpectQuery(q("FROM companies WHERE id = ?")).WithArgs(int64(1)).
        WillReturnRows(sqlmock.NewRows(companyColumns).AddRow(1, "Acme", "100", fixedNow, fixedNow))
    mock.ExpectExec(q("INSERT INTO companies")).
        WithArgs("Procore Company 200", "200", fixedNow, fixedNow).
        WillReturnResult(sqlmock.NewResult(2, 1))
    mock.ExpectQuery(q("FROM companies WHERE id = ?")).WithArgs(int64(2)).
        WillReturnRows(sqlmock.NewRows(companyColumns).AddRow(2, "Procore Company 200", "200", fixedNow, fixedNow))
    mock.ExpectCommit()

    out, err := r.EnsureCompanies(context.Background(), []model.UpstreamCompany{
        {ProcoreCompanyID: "100", Name: "Acme"},
        {ProcoreCompanyID: "200"},
        {ProcoreCompanyID: "100", Name: "Acme again"},
    })
    require.NoError(t, err)
    require.Len(t, out, 2)
    assert.Equal(t, "100", out[0].ProcoreCompanyID)
    assert.Equal(t, "Procore Company 200", out[1].Name)
    assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByProcoreIDNotFound(t *testing.T) {
    r, mock := newCompanyRepo(t)
    mock.ExpectQuery(q("WHERE procore_company_id = ?")).WithArgs("404").WillReturnRows(sqlmock.NewRows(companyColumns))

    _, err := r.GetByProcoreID(context.Background(), "404")
    assert.ErrorIs(t, err, ErrCompanyNotFound)
}

func TestListByProcoreIDs(t *testing.T) {
    r, mock := newCompanyRepo(t)
    mock.ExpectQuery(q("WHERE procore_company_id IN (?,?,?) ORDER BY id")).WithArgs("100", "200", "300").
        WillReturnRows(sqlmock.NewRows(companyColumns).
            AddRow(1, "Acme", "100", fixedNow, fixedNow).
            AddRow(2, "Beta", "200", fixedNow, fixedNow))

    out, err := r.ListByProcoreIDs(context.Background(), []string{"100", "200", "300"})
    require.NoError(t, err)
    require.Len(t, out, 2)
    assert.Equal(t, "200", out[1].ProcoreCompanyID)

    empty, err := r.ListByProcoreIDs(context.Background(), nil)
    require.NoError(t, err)
    assert.Empty(t, empty)
    assert.NoError(t, mock.ExpectationsWereMet())
}
