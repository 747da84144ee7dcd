package domain

import "time"

// HostType selects which storage strategy serves a microfrontend's artifacts.
type HostType string

const (
	// HostHub stores artifact blobs in this system.
	HostHub HostType = "HUB"
	// HostCustomURL serves an externally hosted bundle, bypassing storage.
	HostCustomURL HostType = "CUSTOM_URL"
	// HostCustomSource stores blobs in a project-owned external storage.
	HostCustomSource HostType = "CUSTOM_SOURCE"
)

// Microfrontend lifecycle states.
const (
	MicrofrontendActive   = "active"
	MicrofrontendInactive = "inactive"
	MicrofrontendArchived = "archived"
)

// Microfrontend is an independently deployable front-end bundle identified by
// a project-scoped slug.
type Microfrontend struct {
	ID         string
	ProjectID  string
	Slug       string
	Name       string
	EntryPoint string
	Host       HostType
	CustomURL  string
	StorageID  *string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
