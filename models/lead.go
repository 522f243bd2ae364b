package models

// Lead represents one prospective contact inferred from a companies PDF.
// Leads are derived fresh on every extraction and never persisted.
type Lead struct {
	Email       string `json:"email"`        // normalized to lowercase
	Website     string `json:"website"`      // registrable domain, e.g. "example.com"
	CompanyName string `json:"company_name"` // display name derived from the domain
}
