package domain

import "time"

// Environment represents a deployment context such as dev/staging/prod.
// The slug is immutable after creation so deployment references stay stable.
type Environment struct {
	ID           string
	ProjectID    string
	Slug         string
	Name         string
	IsProduction bool
	CreatedAt    time.Time
}

// EnvironmentVariable stores an encrypted key/value pair scoped to an
// environment. Secret variables are never served to the browser.
type EnvironmentVariable struct {
	EnvironmentID string
	Key           string
	Value         []byte
	Secret        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
