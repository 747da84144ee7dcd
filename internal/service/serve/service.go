package serve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"

	"log/slog"

	"github.com/mfehub/hub/internal/domain"
	"github.com/mfehub/hub/internal/repository"
	"github.com/mfehub/hub/internal/service/resolve"
	"github.com/mfehub/hub/internal/storage"
	"github.com/mfehub/hub/pkg/config"
	"github.com/mfehub/hub/pkg/crypto"
)

var errNotServable = errors.New("microfrontend is not active")

// Service composes canary resolution with the storage backend to answer
// runtime requests from the browser. All operations are read-only.
type Service struct {
	resolver resolve.Service
	mfes     repository.MicrofrontendRepository
	envs     repository.EnvironmentRepository
	storages repository.StorageRepository
	backends *storage.Factory
	local    *storage.Local
	logger   *slog.Logger
	cfg      config.HubConfig
}

// New returns a serving service.
func New(resolver resolve.Service, mfes repository.MicrofrontendRepository, envs repository.EnvironmentRepository, storages repository.StorageRepository, backends *storage.Factory, local *storage.Local, logger *slog.Logger, cfg config.HubConfig) Service {
	return Service{
		resolver: resolver,
		mfes:     mfes,
		envs:     envs,
		storages: storages,
		backends: backends,
		local:    local,
		logger:   logger,
		cfg:      cfg,
	}
}

// CodeRequest identifies one code-integration request.
type CodeRequest struct {
	MicrofrontendID string
	EnvironmentID   string
	UserID          string
	SessionKey      string
}

// CodeResponse is a ready-to-embed reference to the resolved version.
type CodeResponse struct {
	MicrofrontendID string `json:"microfrontendId"`
	DeploymentID    string `json:"deploymentId,omitempty"`
	Version         string `json:"version,omitempty"`
	URL             string `json:"url"`
	ScriptTag       string `json:"scriptTag"`
	Canary          bool   `json:"canary"`
	Outcome         string `json:"-"`
}

func scriptTag(url string) string {
	return fmt.Sprintf(`<script type="module" src="%s"></script>`, url)
}

// Code resolves which version the caller receives and returns its embed
// reference. CUSTOM_URL microfrontends bypass storage entirely.
func (s Service) Code(ctx context.Context, req CodeRequest) (CodeResponse, error) {
	mfe, err := s.mfes.GetMicrofrontendByID(ctx, req.MicrofrontendID)
	if err != nil {
		return CodeResponse{}, err
	}
	if mfe.Status != domain.MicrofrontendActive {
		return CodeResponse{}, errNotServable
	}

	if mfe.Host == domain.HostCustomURL {
		return CodeResponse{
			MicrofrontendID: mfe.ID,
			URL:             mfe.CustomURL,
			ScriptTag:       scriptTag(mfe.CustomURL),
			Outcome:         "custom_url",
		}, nil
	}

	decision, err := s.resolver.Resolve(ctx, mfe.ID, req.EnvironmentID, req.UserID, req.SessionKey)
	if err != nil {
		return CodeResponse{}, err
	}
	deployment := decision.Deployment

	backend, err := s.backendFor(ctx, mfe)
	if err != nil {
		return CodeResponse{}, err
	}
	url, err := storage.URLWithRetry(ctx, backend, deployment.Location+"/"+mfe.EntryPoint)
	if err != nil {
		return CodeResponse{}, err
	}

	return CodeResponse{
		MicrofrontendID: mfe.ID,
		DeploymentID:    deployment.ID,
		Version:         deployment.Version,
		URL:             url,
		ScriptTag:       scriptTag(url),
		Canary:          decision.Outcome == resolve.OutcomeCanaryBucket || decision.Outcome == resolve.OutcomeCanaryOverride,
		Outcome:         string(decision.Outcome),
	}, nil
}

// GlobalVariables returns the non-secret configuration map for an
// environment. Values that no longer decrypt are skipped with a warning.
func (s Service) GlobalVariables(ctx context.Context, environmentID string) (map[string]string, error) {
	if _, err := s.envs.GetEnvironmentByID(ctx, environmentID); err != nil {
		return nil, err
	}
	stored, err := s.envs.ListEnvironmentVariables(ctx, environmentID)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]string, len(stored))
	for _, item := range stored {
		if item.Secret {
			continue
		}
		value, err := crypto.DecryptToString(s.cfg.SecretsKey, item.Value)
		if err != nil {
			s.logger.Warn("failed to decrypt global variable", "environment_id", environmentID, "key", item.Key, "error", err)
			continue
		}
		vars[item.Key] = value
	}
	return vars, nil
}

// Artifact streams a hub-hosted artifact file by storage key, returning the
// reader and content type.
func (s Service) Artifact(ctx context.Context, key string) (io.ReadCloser, string, error) {
	rc, err := storage.OpenWithRetry(ctx, s.local, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, "", repository.ErrNotFound
		}
		return nil, "", err
	}
	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return rc, contentType, nil
}

func (s Service) backendFor(ctx context.Context, mfe *domain.Microfrontend) (storage.Backend, error) {
	var store *domain.Storage
	if mfe.Host == domain.HostCustomSource && mfe.StorageID != nil {
		record, err := s.storages.GetStorageByID(ctx, *mfe.StorageID)
		if err != nil {
			return nil, err
		}
		store = record
	}
	return s.backends.ForMicrofrontend(mfe, store)
}
