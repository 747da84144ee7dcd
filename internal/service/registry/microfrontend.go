package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mfehub/hub/internal/domain"
	"github.com/mfehub/hub/internal/repository"
	"github.com/mfehub/hub/pkg/crypto"
)

// CreateMicrofrontendInput captures attributes for a new microfrontend.
type CreateMicrofrontendInput struct {
	ProjectID  string
	Name       string
	Slug       string
	EntryPoint string
	Host       domain.HostType
	CustomURL  string
	StorageID  *string
}

func validateHosting(host domain.HostType, customURL string, storageID *string) error {
	switch host {
	case domain.HostHub:
		return nil
	case domain.HostCustomURL:
		if strings.TrimSpace(customURL) == "" {
			return errMissingCustomURL
		}
		return nil
	case domain.HostCustomSource:
		if storageID == nil || strings.TrimSpace(*storageID) == "" {
			return errMissingStorageRef
		}
		return nil
	default:
		return errInvalidHostType
	}
}

// CreateMicrofrontend registers a microfrontend with a project-scoped slug.
func (s Service) CreateMicrofrontend(ctx context.Context, input CreateMicrofrontendInput) (*domain.Microfrontend, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errInvalidName
	}
	slug, err := normalizeSlug(input.Slug)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.EntryPoint) == "" {
		return nil, errInvalidEntryPoint
	}
	if err := validateHosting(input.Host, input.CustomURL, input.StorageID); err != nil {
		return nil, err
	}
	if _, err := s.LiveProject(ctx, input.ProjectID); err != nil {
		return nil, err
	}
	if input.Host == domain.HostCustomSource {
		store, err := s.storages.GetStorageByID(ctx, *input.StorageID)
		if err != nil {
			return nil, err
		}
		if store.ProjectID != input.ProjectID {
			return nil, repository.ErrNotFound
		}
	}
	now := time.Now().UTC()
	mfe := &domain.Microfrontend{
		ID:         uuid.NewString(),
		ProjectID:  input.ProjectID,
		Slug:       slug,
		Name:       strings.TrimSpace(input.Name),
		EntryPoint: strings.TrimLeft(strings.TrimSpace(input.EntryPoint), "/"),
		Host:       input.Host,
		CustomURL:  strings.TrimSpace(input.CustomURL),
		StorageID:  input.StorageID,
		Status:     domain.MicrofrontendActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.mfes.CreateMicrofrontend(ctx, mfe); err != nil {
		return nil, err
	}
	s.logger.Info("microfrontend created", "microfrontend_id", mfe.ID, "project_id", mfe.ProjectID, "slug", mfe.Slug, "host", mfe.Host)
	s.publish("microfrontend.created", mfe.ProjectID, mfe)
	return mfe, nil
}

// UpdateMicrofrontendInput carries mutable microfrontend fields. Nil pointers
// leave the field untouched; the update is applied as one record write.
type UpdateMicrofrontendInput struct {
	MicrofrontendID string
	Name            *string
	EntryPoint      *string
	Host            *domain.HostType
	CustomURL       *string
	StorageID       *string
	Status          *string
}

// UpdateMicrofrontend applies a partial update, re-validating the hosting
// descriptor as a whole.
func (s Service) UpdateMicrofrontend(ctx context.Context, input UpdateMicrofrontendInput) (*domain.Microfrontend, error) {
	mfe, err := s.mfes.GetMicrofrontendByID(ctx, input.MicrofrontendID)
	if err != nil {
		return nil, err
	}
	if _, err := s.LiveProject(ctx, mfe.ProjectID); err != nil {
		return nil, err
	}
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, errInvalidName
		}
		mfe.Name = strings.TrimSpace(*input.Name)
	}
	if input.EntryPoint != nil {
		if strings.TrimSpace(*input.EntryPoint) == "" {
			return nil, errInvalidEntryPoint
		}
		mfe.EntryPoint = strings.TrimLeft(strings.TrimSpace(*input.EntryPoint), "/")
	}
	if input.Host != nil {
		mfe.Host = *input.Host
	}
	if input.CustomURL != nil {
		mfe.CustomURL = strings.TrimSpace(*input.CustomURL)
	}
	if input.StorageID != nil {
		if strings.TrimSpace(*input.StorageID) == "" {
			mfe.StorageID = nil
		} else {
			mfe.StorageID = input.StorageID
		}
	}
	if input.Status != nil {
		switch *input.Status {
		case domain.MicrofrontendActive, domain.MicrofrontendInactive, domain.MicrofrontendArchived:
			mfe.Status = *input.Status
		default:
			return nil, errInvalidStatus
		}
	}
	if err := validateHosting(mfe.Host, mfe.CustomURL, mfe.StorageID); err != nil {
		return nil, err
	}
	if mfe.Host == domain.HostCustomSource {
		store, err := s.storages.GetStorageByID(ctx, *mfe.StorageID)
		if err != nil {
			return nil, err
		}
		if store.ProjectID != mfe.ProjectID {
			return nil, repository.ErrNotFound
		}
	}
	if err := s.mfes.UpdateMicrofrontend(ctx, mfe); err != nil {
		return nil, err
	}
	s.logger.Info("microfrontend updated", "microfrontend_id", mfe.ID, "status", mfe.Status)
	s.publish("microfrontend.updated", mfe.ProjectID, mfe)
	return mfe, nil
}

// GetMicrofrontend returns a microfrontend by identifier.
func (s Service) GetMicrofrontend(ctx context.Context, mfeID string) (*domain.Microfrontend, error) {
	return s.mfes.GetMicrofrontendByID(ctx, mfeID)
}

// ListMicrofrontends returns a project's microfrontends.
func (s Service) ListMicrofrontends(ctx context.Context, projectID string) ([]domain.Microfrontend, error) {
	if _, err := s.LiveProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.mfes.ListMicrofrontendsByProject(ctx, projectID)
}

// CreateStorageInput carries external storage credentials.
type CreateStorageInput struct {
	ProjectID string
	Name      string
	Type      string
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// CreateStorage registers an external storage, encrypting the secret key.
func (s Service) CreateStorage(ctx context.Context, input CreateStorageInput) (*domain.Storage, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, errInvalidName
	}
	if _, err := s.LiveProject(ctx, input.ProjectID); err != nil {
		return nil, err
	}
	secret, err := crypto.EncryptString(s.cfg.SecretsKey, input.SecretKey)
	if err != nil {
		return nil, err
	}
	storageType := input.Type
	if storageType == "" {
		storageType = domain.StorageObjectStore
	}
	store := &domain.Storage{
		ID:        uuid.NewString(),
		ProjectID: input.ProjectID,
		Name:      strings.TrimSpace(input.Name),
		Type:      storageType,
		Endpoint:  strings.TrimSpace(input.Endpoint),
		Bucket:    strings.TrimSpace(input.Bucket),
		Region:    strings.TrimSpace(input.Region),
		AccessKey: input.AccessKey,
		SecretKey: secret,
		UseSSL:    input.UseSSL,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.storages.CreateStorage(ctx, store); err != nil {
		return nil, err
	}
	s.logger.Info("storage created", "storage_id", store.ID, "project_id", store.ProjectID)
	s.publish("storage.created", store.ProjectID, map[string]string{"id": store.ID, "name": store.Name})
	return store, nil
}

// ListStorages returns a project's storages.
func (s Service) ListStorages(ctx context.Context, projectID string) ([]domain.Storage, error) {
	if _, err := s.LiveProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.storages.ListStoragesByProject(ctx, projectID)
}

// GetStorage returns storage credentials by identifier.
func (s Service) GetStorage(ctx context.Context, storageID string) (*domain.Storage, error) {
	return s.storages.GetStorageByID(ctx, storageID)
}

const apiKeyPrefix = "mfh_"

// HashApiKey returns the persisted digest of an API key token.
func HashApiKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateApiKey mints a project-scoped upload key. The plaintext token is
// returned exactly once; only its hash is stored.
func (s Service) CreateApiKey(ctx context.Context, projectID, name string) (*domain.ApiKey, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", errInvalidName
	}
	if _, err := s.LiveProject(ctx, projectID); err != nil {
		return nil, "", err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	token := apiKeyPrefix + hex.EncodeToString(raw)
	key := &domain.ApiKey{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      strings.TrimSpace(name),
		KeyHash:   HashApiKey(token),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.apiKeys.CreateApiKey(ctx, key); err != nil {
		return nil, "", err
	}
	s.logger.Info("api key created", "api_key_id", key.ID, "project_id", projectID)
	return key, token, nil
}

// ListApiKeys returns a project's keys.
func (s Service) ListApiKeys(ctx context.Context, projectID string) ([]domain.ApiKey, error) {
	if _, err := s.LiveProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.apiKeys.ListApiKeysByProject(ctx, projectID)
}

// DeleteApiKey revokes a key.
func (s Service) DeleteApiKey(ctx context.Context, keyID string) error {
	return s.apiKeys.DeleteApiKey(ctx, keyID)
}

// AuthenticateApiKey resolves a bearer token to its key record, refusing
// keys of deleted projects.
func (s Service) AuthenticateApiKey(ctx context.Context, token string) (*domain.ApiKey, error) {
	if !strings.HasPrefix(token, apiKeyPrefix) {
		return nil, repository.ErrNotFound
	}
	key, err := s.apiKeys.GetApiKeyByHash(ctx, HashApiKey(token))
	if err != nil {
		return nil, err
	}
	if _, err := s.LiveProject(ctx, key.ProjectID); err != nil {
		return nil, err
	}
	if err := s.apiKeys.TouchApiKey(ctx, key.ID); err != nil {
		s.logger.Warn("failed to record api key usage", "api_key_id", key.ID, "error", err)
	}
	return key, nil
}
