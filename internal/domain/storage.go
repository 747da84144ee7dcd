package domain

import "time"

// Storage types.
const (
	StorageHub         = "HUB"
	StorageObjectStore = "OBJECT_STORE"
)

// Storage holds credentials for a project-owned object store referenced by
// CUSTOM_SOURCE microfrontends. SecretKey is encrypted at rest.
type Storage struct {
	ID        string
	ProjectID string
	Name      string
	Type      string
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey []byte
	UseSSL    bool
	CreatedAt time.Time
}
