package ingest

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/mfehub/hub/internal/domain"
	"github.com/mfehub/hub/internal/repository"
	"github.com/mfehub/hub/internal/service/registry"
	"github.com/mfehub/hub/internal/storage"
	"github.com/mfehub/hub/pkg/config"
)

var versionExpr = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._+-]*$`)

var (
	errInvalidVersion     = errors.New("version must be a non-empty path-safe string")
	errArchivedTarget     = errors.New("microfrontend is archived")
	errCustomURLUpload    = errors.New("CUSTOM_URL microfrontends are externally hosted and accept no uploads")
	errAmbiguousEnv       = errors.New("environment slug required when the project has multiple environments")
	errNoEnvironments     = errors.New("project has no environments")
	errArchiveTooLarge    = errors.New("archive exceeds the configured size limit")
	errMalformedArchive   = errors.New("archive is not a valid zip")
	errMissingEntryPoint  = errors.New("archive does not contain the declared entry point")
	errUnsafeArchivePath  = errors.New("archive contains an unsafe path")
	errEmptyArchive       = errors.New("archive contains no files")
	versionContentFailure = &repository.ConflictError{Constraint: "deployment version content"}
)

// Service receives versioned artifacts and records them as deployments. This
// is the only write path that creates deployment rows; it never mutates
// canary rules.
type Service struct {
	projects    repository.ProjectRepository
	envs        repository.EnvironmentRepository
	mfes        repository.MicrofrontendRepository
	storages    repository.StorageRepository
	deployments repository.DeploymentRepository
	backends    *storage.Factory
	logger      *slog.Logger
	cfg         config.HubConfig
	events      registry.Publisher
	invalidator registry.Invalidator
}

// Deps bundles repository dependencies for New.
type Deps struct {
	Projects    repository.ProjectRepository
	Envs        repository.EnvironmentRepository
	Mfes        repository.MicrofrontendRepository
	Storages    repository.StorageRepository
	Deployments repository.DeploymentRepository
}

// New returns an ingestion service. events and invalidator may be nil.
func New(deps Deps, backends *storage.Factory, logger *slog.Logger, cfg config.HubConfig, events registry.Publisher, invalidator registry.Invalidator) Service {
	return Service{
		projects:    deps.Projects,
		envs:        deps.Envs,
		mfes:        deps.Mfes,
		storages:    deps.Storages,
		deployments: deps.Deployments,
		backends:    backends,
		logger:      logger,
		cfg:         cfg,
		events:      events,
		invalidator: invalidator,
	}
}

// Input describes one upload request.
type Input struct {
	ProjectID         string
	MicrofrontendSlug string
	EnvironmentSlug   string
	Version           string
	Archive           io.Reader
}

// Result reports the deployment an ingest resolved to.
type Result struct {
	Deployment *domain.Deployment
	Created    bool
}

// Ingest validates and persists an uploaded archive, creating a deployment
// row. A retry with identical content returns the existing deployment; a
// reused version with different bytes is a conflict.
func (s Service) Ingest(ctx context.Context, input Input) (Result, error) {
	version := strings.TrimSpace(input.Version)
	if !versionExpr.MatchString(version) {
		return Result{}, errInvalidVersion
	}

	project, err := s.projects.GetProjectByID(ctx, input.ProjectID)
	if err != nil {
		return Result{}, err
	}
	if project.Deleted() {
		return Result{}, repository.ErrNotFound
	}
	mfe, err := s.mfes.GetMicrofrontendBySlug(ctx, project.ID, input.MicrofrontendSlug)
	if err != nil {
		return Result{}, err
	}
	if mfe.Status == domain.MicrofrontendArchived {
		return Result{}, errArchivedTarget
	}
	if mfe.Host == domain.HostCustomURL {
		return Result{}, errCustomURLUpload
	}
	environment, err := s.targetEnvironment(ctx, project.ID, input.EnvironmentSlug)
	if err != nil {
		return Result{}, err
	}

	spooled, contentHash, size, err := s.spool(input.Archive)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		spooled.Close()
		os.Remove(spooled.Name())
	}()

	// A same-version deployment already on record is either a duplicate
	// retry or an attempt to republish different bytes.
	if existing, err := s.deployments.GetDeploymentByVersion(ctx, mfe.ID, environment.ID, version); err == nil {
		if existing.ContentHash == contentHash {
			return Result{Deployment: existing}, nil
		}
		return Result{}, versionContentFailure
	} else if !errors.Is(err, repository.ErrNotFound) {
		return Result{}, err
	}

	archive, err := zip.NewReader(spooled, size)
	if err != nil {
		return Result{}, errMalformedArchive
	}
	if err := validateArchive(archive, mfe.EntryPoint); err != nil {
		return Result{}, err
	}

	backend, err := s.backendFor(ctx, mfe)
	if err != nil {
		return Result{}, err
	}
	location := fmt.Sprintf("%s/%s/%s/%s", project.ID, mfe.ID, environment.ID, version)
	if err := extractTo(ctx, backend, location, archive); err != nil {
		return Result{}, err
	}

	deployment := &domain.Deployment{
		ID:              uuid.NewString(),
		MicrofrontendID: mfe.ID,
		EnvironmentID:   environment.ID,
		Version:         version,
		Location:        location,
		ContentHash:     contentHash,
		SizeBytes:       size,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.deployments.CreateDeployment(ctx, deployment); err != nil {
		if repository.IsConflict(err) {
			// Lost the race against a concurrent ingest of the same version.
			winner, getErr := s.deployments.GetDeploymentByVersion(ctx, mfe.ID, environment.ID, version)
			if getErr != nil {
				return Result{}, err
			}
			if winner.ContentHash == contentHash {
				return Result{Deployment: winner}, nil
			}
			return Result{}, versionContentFailure
		}
		return Result{}, err
	}

	if s.invalidator != nil {
		s.invalidator.Invalidate(mfe.ID, environment.ID)
	}
	if s.events != nil {
		s.events.Publish(registry.Event{
			Type:      "deployment.created",
			ProjectID: project.ID,
			Payload:   deployment,
			At:        time.Now().UTC(),
		})
	}
	s.logger.Info("deployment ingested",
		"deployment_id", deployment.ID,
		"microfrontend_id", mfe.ID,
		"environment_id", environment.ID,
		"version", version,
		"size_bytes", size,
	)
	return Result{Deployment: deployment, Created: true}, nil
}

// targetEnvironment resolves the upload target. A project with exactly one
// environment needs no explicit slug.
func (s Service) targetEnvironment(ctx context.Context, projectID, slug string) (*domain.Environment, error) {
	if slug != "" {
		return s.envs.GetEnvironmentBySlug(ctx, projectID, slug)
	}
	envs, err := s.envs.ListEnvironmentsByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	switch len(envs) {
	case 0:
		return nil, errNoEnvironments
	case 1:
		return &envs[0], nil
	default:
		return nil, errAmbiguousEnv
	}
}

// spool copies the upload to a temp file while hashing, enforcing the size
// limit. Zip reading needs random access, so full buffering to disk is
// unavoidable; memory stays bounded.
func (s Service) spool(r io.Reader) (*os.File, string, int64, error) {
	tmp, err := os.CreateTemp("", "mfehub-upload-*.zip")
	if err != nil {
		return nil, "", 0, err
	}
	hasher := sha256.New()
	limit := s.cfg.MaxArtifactBytes
	if limit <= 0 {
		limit = 50 * 1024 * 1024
	}
	size, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, limit+1))
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", 0, err
	}
	if size > limit {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, "", 0, errArchiveTooLarge
	}
	return tmp, hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// normalizeEntryName cleans a zip entry name, rejecting traversal.
func normalizeEntryName(name string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(name, "./"))
	if cleaned == "." || cleaned == "" {
		return "", errUnsafeArchivePath
	}
	if strings.HasPrefix(cleaned, "../") || strings.HasPrefix(cleaned, "/") {
		return "", errUnsafeArchivePath
	}
	return cleaned, nil
}

func validateArchive(archive *zip.Reader, entryPoint string) error {
	found := false
	files := 0
	for _, f := range archive.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := normalizeEntryName(f.Name)
		if err != nil {
			return err
		}
		files++
		if name == entryPoint {
			found = true
		}
	}
	if files == 0 {
		return errEmptyArchive
	}
	if !found {
		return errMissingEntryPoint
	}
	return nil
}

func extractTo(ctx context.Context, backend storage.Backend, prefix string, archive *zip.Reader) error {
	for _, f := range archive.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, err := normalizeEntryName(f.Name)
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open archive entry %s: %w", name, err)
		}
		contentType := mime.TypeByExtension(path.Ext(name))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		err = backend.Put(ctx, prefix+"/"+name, rc, int64(f.UncompressedSize64), contentType)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
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
