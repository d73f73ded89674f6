package model

import "time"

// Company represents a row of the `companies` table.  Companies are
// created lazily the first time an OAuth sync sees an upstream company.
//
// Fields:
//  ID               – internal primary key.
//  Name             – display name from Procore.
//  ProcoreCompanyID – upstream company identifier (unique).
//  CreatedAt        – timestamp of creation.
//  UpdatedAt        – timestamp of last update.
type Company struct {
    ID               uint64    `json:"id"`                 // companies.id
    Name             string    `json:"name"`               // companies.name
    ProcoreCompanyID string    `json:"procore_company_id"` // companies.procore_company_id
    CreatedAt        time.Time `json:"created_at"`         // companies.created_at
    UpdatedAt        time.Time `json:"updated_at"`         // companies.updated_at
}

// UpstreamCompany is a company as listed by the Procore API.
type UpstreamCompany struct {
    ProcoreCompanyID string `json:"id"`
    Name             string `json:"name"`
}

// DefaultCompanyName is used when Procore returns a company without a name.
func DefaultCompanyName(procoreCompanyID string) string {
    return "Procore Company " + procoreCompanyID
}
