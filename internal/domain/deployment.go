package domain

import "time"

// Deployment binds one artifact version to a microfrontend+environment pair.
// Rows are immutable once created; new versions create new rows.
type Deployment struct {
	ID              string
	MicrofrontendID string
	EnvironmentID   string
	Version         string
	Location        string
	ContentHash     string
	SizeBytes       int64
	CreatedAt       time.Time
}

// BaselinePin pins the baseline deployment for a microfrontend+environment
// pair. Without a pin the baseline is the most recently ingested deployment.
type BaselinePin struct {
	MicrofrontendID string
	EnvironmentID   string
	DeploymentID    string
	UpdatedAt       time.Time
}
