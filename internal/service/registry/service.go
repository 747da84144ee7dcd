package registry

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/mfehub/hub/internal/domain"
	"github.com/mfehub/hub/internal/repository"
	"github.com/mfehub/hub/pkg/config"
	"github.com/mfehub/hub/pkg/crypto"
)

var slugExpr = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Publisher receives registry change events for the admin event stream.
type Publisher interface {
	Publish(event Event)
}

// Invalidator drops cached resolution state for a microfrontend+environment
// pair after a registry write.
type Invalidator interface {
	Invalidate(mfeID, environmentID string)
}

// Event describes a registry write, scoped to a project stream.
type Event struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"project_id"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// Service is the authoritative write boundary over the deployment registry.
type Service struct {
	projects    repository.ProjectRepository
	apiKeys     repository.ApiKeyRepository
	envs        repository.EnvironmentRepository
	mfes        repository.MicrofrontendRepository
	storages    repository.StorageRepository
	deployments repository.DeploymentRepository
	canaries    repository.CanaryRepository
	pins        repository.BaselinePinRepository
	logger      *slog.Logger
	cfg         config.HubConfig
	events      Publisher
	invalidator Invalidator
}

// Deps bundles repository dependencies for New.
type Deps struct {
	Projects    repository.ProjectRepository
	ApiKeys     repository.ApiKeyRepository
	Envs        repository.EnvironmentRepository
	Mfes        repository.MicrofrontendRepository
	Storages    repository.StorageRepository
	Deployments repository.DeploymentRepository
	Canaries    repository.CanaryRepository
	Pins        repository.BaselinePinRepository
}

// New returns a registry service. events and invalidator may be nil.
func New(deps Deps, logger *slog.Logger, cfg config.HubConfig, events Publisher, invalidator Invalidator) Service {
	return Service{
		projects:    deps.Projects,
		apiKeys:     deps.ApiKeys,
		envs:        deps.Envs,
		mfes:        deps.Mfes,
		storages:    deps.Storages,
		deployments: deps.Deployments,
		canaries:    deps.Canaries,
		pins:        deps.Pins,
		logger:      logger,
		cfg:         cfg,
		events:      events,
		invalidator: invalidator,
	}
}

var (
	errInvalidName       = errors.New("name is required")
	errInvalidSlug       = errors.New("slug must be lowercase alphanumeric with dashes")
	errInvalidEntryPoint = errors.New("entry point path is required")
	errInvalidHostType   = errors.New("host type must be HUB, CUSTOM_URL or CUSTOM_SOURCE")
	errMissingCustomURL  = errors.New("custom URL required for CUSTOM_URL hosting")
	errMissingStorageRef = errors.New("storage reference required for CUSTOM_SOURCE hosting")
	errInvalidStatus     = errors.New("status must be active, inactive or archived")
	errInvalidPercentage = errors.New("percentage must be between 0 and 100")
	errMissingDeployment = errors.New("target deployment required")
	errDeploymentPair    = errors.New("deployment does not belong to the microfrontend+environment pair")
	errInvalidVarKey     = errors.New("variable key is required")
)

func normalizeSlug(slug string) (string, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if !slugExpr.MatchString(slug) {
		return "", errInvalidSlug
	}
	return slug, nil
}

func (s Service) publish(eventType, projectID string, payload any) {
	if s.events == nil {
		return
	}
	s.events.Publish(Event{Type: eventType, ProjectID: projectID, Payload: payload, At: time.Now().UTC()})
}

func (s Service) invalidate(mfeID, environmentID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(mfeID, environmentID)
	}
}

// LiveProject loads a project and refuses soft-deleted ones.
func (s Service) LiveProject(ctx context.Context, projectID string) (*domain.Project, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Deleted() {
		return nil, repository.ErrNotFound
	}
	return project, nil
}

// CreateProject registers a project with a system-unique slug.
func (s Service) CreateProject(ctx context.Context, name, slug string) (*domain.Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errInvalidName
	}
	slug, err := normalizeSlug(slug)
	if err != nil {
		return nil, err
	}
	project := &domain.Project{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Slug:      slug,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "slug", project.Slug)
	s.publish("project.created", project.ID, project)
	return project, nil
}

// ListProjects returns live projects.
func (s Service) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return s.projects.ListProjects(ctx)
}

// GetProject returns a live project.
func (s Service) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	return s.LiveProject(ctx, projectID)
}

// DeleteProject soft-deletes a project. Subsequent writes against it fail
// with not found.
func (s Service) DeleteProject(ctx context.Context, projectID string) error {
	if err := s.projects.SoftDeleteProject(ctx, projectID); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", projectID)
	s.publish("project.deleted", projectID, nil)
	return nil
}

// CreateEnvironmentInput captures attributes for a new environment.
type CreateEnvironmentInput struct {
	ProjectID    string
	Name         string
	Slug         string
	IsProduction bool
}

// CreateEnvironment registers an environment. The slug is immutable after
// creation so deployment references stay stable.
func (s Service) CreateEnvironment(ctx context.Context, input CreateEnvironmentInput) (*domain.Environment, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errInvalidName
	}
	slug, err := normalizeSlug(input.Slug)
	if err != nil {
		return nil, err
	}
	if _, err := s.LiveProject(ctx, input.ProjectID); err != nil {
		return nil, err
	}
	environment := &domain.Environment{
		ID:           uuid.NewString(),
		ProjectID:    input.ProjectID,
		Slug:         slug,
		Name:         strings.TrimSpace(input.Name),
		IsProduction: input.IsProduction,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.envs.CreateEnvironment(ctx, environment); err != nil {
		return nil, err
	}
	s.logger.Info("environment created", "environment_id", environment.ID, "project_id", input.ProjectID, "slug", slug)
	s.publish("environment.created", input.ProjectID, environment)
	return environment, nil
}

// ListEnvironments returns a project's environments.
func (s Service) ListEnvironments(ctx context.Context, projectID string) ([]domain.Environment, error) {
	if _, err := s.LiveProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.envs.ListEnvironmentsByProject(ctx, projectID)
}

// GetEnvironment returns an environment by identifier.
func (s Service) GetEnvironment(ctx context.Context, environmentID string) (*domain.Environment, error) {
	return s.envs.GetEnvironmentByID(ctx, environmentID)
}

// SetVariableInput holds a plaintext environment variable.
type SetVariableInput struct {
	EnvironmentID string
	Key           string
	Value         string
	Secret        bool
}

// SetVariable encrypts and stores an environment variable.
func (s Service) SetVariable(ctx context.Context, input SetVariableInput) error {
	if strings.TrimSpace(input.Key) == "" {
		return errInvalidVarKey
	}
	environment, err := s.envs.GetEnvironmentByID(ctx, input.EnvironmentID)
	if err != nil {
		return err
	}
	if _, err := s.LiveProject(ctx, environment.ProjectID); err != nil {
		return err
	}
	ciphertext, err := crypto.EncryptString(s.cfg.SecretsKey, input.Value)
	if err != nil {
		return err
	}
	variable := &domain.EnvironmentVariable{
		EnvironmentID: input.EnvironmentID,
		Key:           strings.TrimSpace(input.Key),
		Value:         ciphertext,
		Secret:        input.Secret,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.envs.UpsertEnvironmentVariable(ctx, variable); err != nil {
		return err
	}
	s.publish("variable.set", environment.ProjectID, map[string]string{"environment_id": input.EnvironmentID, "key": variable.Key})
	return nil
}

// Variable is a decrypted environment variable.
type Variable struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Secret bool   `json:"secret"`
}

// ListVariables decrypts stored variables for an environment. Values that no
// longer decrypt are skipped with a warning rather than failing the read.
func (s Service) ListVariables(ctx context.Context, environmentID string) ([]Variable, error) {
	stored, err := s.envs.ListEnvironmentVariables(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	vars := make([]Variable, 0, len(stored))
	for _, item := range stored {
		value, err := crypto.DecryptToString(s.cfg.SecretsKey, item.Value)
		if err != nil {
			s.logger.Warn("failed to decrypt environment variable", "environment_id", environmentID, "key", item.Key, "error", err)
			continue
		}
		vars = append(vars, Variable{Key: item.Key, Value: value, Secret: item.Secret})
	}
	return vars, nil
}

// DeleteVariable removes an environment variable.
func (s Service) DeleteVariable(ctx context.Context, environmentID, key string) error {
	return s.envs.DeleteEnvironmentVariable(ctx, environmentID, key)
}
