package domain

import "time"

// CanaryRule progressively exposes a target deployment to a percentage of
// traffic for one microfrontend+environment pair. At most one rule is active
// per pair. The rule references, never owns, its target deployment.
type CanaryRule struct {
	ID              string
	MicrofrontendID string
	EnvironmentID   string
	DeploymentID    string
	Percentage      int
	Active          bool
	Overrides       []CanaryUserOverride
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CanaryUserOverride forces a user in or out of a canary regardless of the
// rule percentage.
type CanaryUserOverride struct {
	RuleID  string
	UserID  string
	Enabled bool
}
