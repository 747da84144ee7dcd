package repository

import (
	"context"

	"github.com/mfehub/hub/internal/domain"
)

// ProjectRepository persists projects and their upload credentials.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	SoftDeleteProject(ctx context.Context, projectID string) error
}

// ApiKeyRepository persists project-scoped API keys.
type ApiKeyRepository interface {
	CreateApiKey(ctx context.Context, key *domain.ApiKey) error
	GetApiKeyByHash(ctx context.Context, keyHash string) (*domain.ApiKey, error)
	ListApiKeysByProject(ctx context.Context, projectID string) ([]domain.ApiKey, error)
	TouchApiKey(ctx context.Context, keyID string) error
	DeleteApiKey(ctx context.Context, keyID string) error
}

// EnvironmentRepository persists environments and their variables.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, environment *domain.Environment) error
	GetEnvironmentByID(ctx context.Context, environmentID string) (*domain.Environment, error)
	GetEnvironmentBySlug(ctx context.Context, projectID, slug string) (*domain.Environment, error)
	ListEnvironmentsByProject(ctx context.Context, projectID string) ([]domain.Environment, error)
	UpsertEnvironmentVariable(ctx context.Context, variable *domain.EnvironmentVariable) error
	ListEnvironmentVariables(ctx context.Context, environmentID string) ([]domain.EnvironmentVariable, error)
	DeleteEnvironmentVariable(ctx context.Context, environmentID, key string) error
}

// MicrofrontendRepository persists microfrontend definitions.
type MicrofrontendRepository interface {
	CreateMicrofrontend(ctx context.Context, mfe *domain.Microfrontend) error
	GetMicrofrontendByID(ctx context.Context, mfeID string) (*domain.Microfrontend, error)
	GetMicrofrontendBySlug(ctx context.Context, projectID, slug string) (*domain.Microfrontend, error)
	ListMicrofrontendsByProject(ctx context.Context, projectID string) ([]domain.Microfrontend, error)
	UpdateMicrofrontend(ctx context.Context, mfe *domain.Microfrontend) error
}

// StorageRepository persists external storage credentials.
type StorageRepository interface {
	CreateStorage(ctx context.Context, storage *domain.Storage) error
	GetStorageByID(ctx context.Context, storageID string) (*domain.Storage, error)
	ListStoragesByProject(ctx context.Context, projectID string) ([]domain.Storage, error)
	DeleteStorage(ctx context.Context, storageID string) error
}

// DeploymentRepository persists append-only deployment rows.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	GetDeploymentByVersion(ctx context.Context, mfeID, environmentID, version string) (*domain.Deployment, error)
	GetLatestDeployment(ctx context.Context, mfeID, environmentID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, mfeID, environmentID string, limit int) ([]domain.Deployment, error)
	DeleteDeployment(ctx context.Context, deploymentID string) error
}

// CanaryRepository persists canary rules. Rule writes replace the whole rule
// including overrides in a single transaction.
type CanaryRepository interface {
	ReplaceCanaryRule(ctx context.Context, rule *domain.CanaryRule) error
	GetActiveCanaryRule(ctx context.Context, mfeID, environmentID string) (*domain.CanaryRule, error)
	DeleteCanaryRule(ctx context.Context, mfeID, environmentID string) error
}

// BaselinePinRepository persists explicit stable-version pointers.
type BaselinePinRepository interface {
	UpsertBaselinePin(ctx context.Context, pin *domain.BaselinePin) error
	GetBaselinePin(ctx context.Context, mfeID, environmentID string) (*domain.BaselinePin, error)
	DeleteBaselinePin(ctx context.Context, mfeID, environmentID string) error
}
