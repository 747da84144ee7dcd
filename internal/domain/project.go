package domain

import "time"

// Project is the top-level owner of environments, microfrontends and storages.
type Project struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the project was soft-deleted by the admin surface.
func (p Project) Deleted() bool {
	return p.DeletedAt != nil
}

// ApiKey is a project-scoped upload credential. Only the SHA-256 hash of the
// key material is persisted.
type ApiKey struct {
	ID         string
	ProjectID  string
	Name       string
	KeyHash    string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
