package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mfehub/hub/internal/domain"
	"github.com/mfehub/hub/internal/repository"
	"github.com/mfehub/hub/internal/storage"
	"github.com/mfehub/hub/pkg/config"
)

type stubProjectRepository struct {
	projects map[string]domain.Project
}

func (s *stubProjectRepository) CreateProject(ctx context.Context, project *domain.Project) error {
	return nil
}

func (s *stubProjectRepository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	if p, ok := s.projects[projectID]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepository) GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return nil, nil
}

func (s *stubProjectRepository) SoftDeleteProject(ctx context.Context, projectID string) error {
	return nil
}

type stubEnvironmentRepository struct {
	envs []domain.Environment
}

func (s *stubEnvironmentRepository) CreateEnvironment(ctx context.Context, environment *domain.Environment) error {
	return nil
}

func (s *stubEnvironmentRepository) GetEnvironmentByID(ctx context.Context, environmentID string) (*domain.Environment, error) {
	for _, env := range s.envs {
		if env.ID == environmentID {
			e := env
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubEnvironmentRepository) GetEnvironmentBySlug(ctx context.Context, projectID, slug string) (*domain.Environment, error) {
	for _, env := range s.envs {
		if env.ProjectID == projectID && env.Slug == slug {
			e := env
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubEnvironmentRepository) ListEnvironmentsByProject(ctx context.Context, projectID string) ([]domain.Environment, error) {
	var out []domain.Environment
	for _, env := range s.envs {
		if env.ProjectID == projectID {
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *stubEnvironmentRepository) UpsertEnvironmentVariable(ctx context.Context, variable *domain.EnvironmentVariable) error {
	return nil
}

func (s *stubEnvironmentRepository) ListEnvironmentVariables(ctx context.Context, environmentID string) ([]domain.EnvironmentVariable, error) {
	return nil, nil
}

func (s *stubEnvironmentRepository) DeleteEnvironmentVariable(ctx context.Context, environmentID, key string) error {
	return nil
}

type stubMicrofrontendRepository struct {
	mfes map[string]domain.Microfrontend
}

func (s *stubMicrofrontendRepository) CreateMicrofrontend(ctx context.Context, mfe *domain.Microfrontend) error {
	return nil
}

func (s *stubMicrofrontendRepository) GetMicrofrontendByID(ctx context.Context, mfeID string) (*domain.Microfrontend, error) {
	for _, mfe := range s.mfes {
		if mfe.ID == mfeID {
			m := mfe
			return &m, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubMicrofrontendRepository) GetMicrofrontendBySlug(ctx context.Context, projectID, slug string) (*domain.Microfrontend, error) {
	if mfe, ok := s.mfes[projectID+"|"+slug]; ok {
		return &mfe, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubMicrofrontendRepository) ListMicrofrontendsByProject(ctx context.Context, projectID string) ([]domain.Microfrontend, error) {
	return nil, nil
}

func (s *stubMicrofrontendRepository) UpdateMicrofrontend(ctx context.Context, mfe *domain.Microfrontend) error {
	return nil
}

type stubStorageRepository struct{}

func (stubStorageRepository) CreateStorage(ctx context.Context, storage *domain.Storage) error {
	return nil
}

func (stubStorageRepository) GetStorageByID(ctx context.Context, storageID string) (*domain.Storage, error) {
	return nil, repository.ErrNotFound
}

func (stubStorageRepository) ListStoragesByProject(ctx context.Context, projectID string) ([]domain.Storage, error) {
	return nil, nil
}

func (stubStorageRepository) DeleteStorage(ctx context.Context, storageID string) error {
	return nil
}

type memDeploymentRepository struct {
	deployments map[string]domain.Deployment
	creates     int

	// hideUntilConflict makes the next version lookup miss, simulating a
	// concurrent ingest that lands between the pre-check and the insert.
	hideUntilConflict bool
}

func versionKey(mfeID, environmentID, version string) string {
	return mfeID + "|" + environmentID + "|" + version
}

func (s *memDeploymentRepository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	s.creates++
	key := versionKey(deployment.MicrofrontendID, deployment.EnvironmentID, deployment.Version)
	if _, ok := s.deployments[key]; ok {
		return &repository.ConflictError{Constraint: "deployments_version_key"}
	}
	s.deployments[key] = *deployment
	return nil
}

func (s *memDeploymentRepository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	for _, d := range s.deployments {
		if d.ID == deploymentID {
			dep := d
			return &dep, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *memDeploymentRepository) GetDeploymentByVersion(ctx context.Context, mfeID, environmentID, version string) (*domain.Deployment, error) {
	if s.hideUntilConflict {
		s.hideUntilConflict = false
		return nil, repository.ErrNotFound
	}
	if d, ok := s.deployments[versionKey(mfeID, environmentID, version)]; ok {
		dep := d
		return &dep, nil
	}
	return nil, repository.ErrNotFound
}

func (s *memDeploymentRepository) GetLatestDeployment(ctx context.Context, mfeID, environmentID string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (s *memDeploymentRepository) ListDeployments(ctx context.Context, mfeID, environmentID string, limit int) ([]domain.Deployment, error) {
	return nil, nil
}

func (s *memDeploymentRepository) DeleteDeployment(ctx context.Context, deploymentID string) error {
	return nil
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry: %v", err)
		}
		if _, err := io.WriteString(f, content); err != nil {
			t.Fatalf("write zip entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	svc         Service
	deployments *memDeploymentRepository
	mfes        *stubMicrofrontendRepository
	root        string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	local, err := storage.NewLocal(root, "http://localhost:4000")
	if err != nil {
		t.Fatalf("create local storage: %v", err)
	}
	projects := &stubProjectRepository{
		projects: map[string]domain.Project{"proj-1": {ID: "proj-1", Name: "Shop", Slug: "shop"}},
	}
	envs := &stubEnvironmentRepository{
		envs: []domain.Environment{{ID: "env-1", ProjectID: "proj-1", Slug: "production"}},
	}
	mfes := &stubMicrofrontendRepository{
		mfes: map[string]domain.Microfrontend{
			"proj-1|checkout": {
				ID:         "mfe-1",
				ProjectID:  "proj-1",
				Slug:       "checkout",
				EntryPoint: "main.js",
				Host:       domain.HostHub,
				Status:     domain.MicrofrontendActive,
			},
		},
	}
	deployments := &memDeploymentRepository{deployments: make(map[string]domain.Deployment)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.HubConfig{MaxArtifactBytes: 1 << 20, SecretsKey: "test-secret"}
	svc := New(Deps{
		Projects:    projects,
		Envs:        envs,
		Mfes:        mfes,
		Storages:    stubStorageRepository{},
		Deployments: deployments,
	}, storage.NewFactory(local, cfg.SecretsKey), log, cfg, nil, nil)
	return &fixture{svc: svc, deployments: deployments, mfes: mfes, root: root}
}

func (f *fixture) ingest(t *testing.T, archive []byte, version string) (Result, error) {
	t.Helper()
	return f.svc.Ingest(context.Background(), Input{
		ProjectID:         "proj-1",
		MicrofrontendSlug: "checkout",
		Version:           version,
		Archive:           bytes.NewReader(archive),
	})
}

func TestIngestCreatesDeploymentAndExtracts(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{
		"main.js":       "export default 1;",
		"chunks/app.js": "console.log('app');",
	})

	result, err := f.ingest(t, archive, "1.0.0")
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected new deployment")
	}
	deployment := result.Deployment
	if deployment.Version != "1.0.0" || deployment.ContentHash == "" {
		t.Fatalf("deployment incomplete: %+v", deployment)
	}
	entry := filepath.Join(f.root, filepath.FromSlash(deployment.Location), "main.js")
	if _, err := os.Stat(entry); err != nil {
		t.Fatalf("entry point not extracted: %v", err)
	}
	chunk := filepath.Join(f.root, filepath.FromSlash(deployment.Location), "chunks", "app.js")
	if _, err := os.Stat(chunk); err != nil {
		t.Fatalf("nested file not extracted: %v", err)
	}
}

func TestIngestIsIdempotentForIdenticalContent(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"main.js": "export default 1;"})

	first, err := f.ingest(t, archive, "1.0.0")
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := f.ingest(t, archive, "1.0.0")
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Created {
		t.Fatalf("retry created a second deployment")
	}
	if second.Deployment.ID != first.Deployment.ID {
		t.Fatalf("retry returned a different deployment")
	}
	if f.deployments.creates != 1 {
		t.Fatalf("expected one insert, got %d", f.deployments.creates)
	}
}

func TestIngestRejectsVersionReuseWithDifferentContent(t *testing.T) {
	f := newFixture(t)
	if _, err := f.ingest(t, zipArchive(t, map[string]string{"main.js": "v1"}), "1.0.0"); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err := f.ingest(t, zipArchive(t, map[string]string{"main.js": "v2"}), "1.0.0")
	if !repository.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestIngestResolvesInsertRace(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"main.js": "raced"})

	spooled, hash, _, err := f.svc.spool(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	spooled.Close()
	os.Remove(spooled.Name())

	// The winner row is already in the store but the pre-check misses it, so
	// the insert hits the unique index and the refetch picks up the winner.
	winner := domain.Deployment{
		ID:              "dep-winner",
		MicrofrontendID: "mfe-1",
		EnvironmentID:   "env-1",
		Version:         "3.0.0",
		ContentHash:     hash,
	}
	f.deployments.deployments[versionKey(winner.MicrofrontendID, winner.EnvironmentID, winner.Version)] = winner
	f.deployments.hideUntilConflict = true

	result, err := f.ingest(t, archive, "3.0.0")
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if result.Created {
		t.Fatalf("expected winner row, not a new deployment")
	}
	if result.Deployment.ID != "dep-winner" {
		t.Fatalf("expected winner deployment, got %s", result.Deployment.ID)
	}
}

func TestIngestRejectsArchivedMicrofrontend(t *testing.T) {
	f := newFixture(t)
	mfe := f.mfes.mfes["proj-1|checkout"]
	mfe.Status = domain.MicrofrontendArchived
	f.mfes.mfes["proj-1|checkout"] = mfe

	_, err := f.ingest(t, zipArchive(t, map[string]string{"main.js": "x"}), "1.0.0")
	if err != errArchivedTarget {
		t.Fatalf("expected archived error, got %v", err)
	}
}

func TestIngestRejectsCustomURLMicrofrontend(t *testing.T) {
	f := newFixture(t)
	mfe := f.mfes.mfes["proj-1|checkout"]
	mfe.Host = domain.HostCustomURL
	mfe.CustomURL = "https://cdn.example.com/app.js"
	f.mfes.mfes["proj-1|checkout"] = mfe

	_, err := f.ingest(t, zipArchive(t, map[string]string{"main.js": "x"}), "1.0.0")
	if err != errCustomURLUpload {
		t.Fatalf("expected custom URL rejection, got %v", err)
	}
}

func TestIngestRejectsMissingEntryPoint(t *testing.T) {
	f := newFixture(t)
	_, err := f.ingest(t, zipArchive(t, map[string]string{"other.js": "x"}), "1.0.0")
	if err != errMissingEntryPoint {
		t.Fatalf("expected missing entry point, got %v", err)
	}
}

func TestIngestRejectsTraversalEntries(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{
		"main.js":      "x",
		"../escape.js": "evil",
	})
	_, err := f.ingest(t, archive, "1.0.0")
	if err != errUnsafeArchivePath {
		t.Fatalf("expected unsafe path rejection, got %v", err)
	}
}

func TestIngestRejectsMalformedArchive(t *testing.T) {
	f := newFixture(t)
	_, err := f.ingest(t, []byte("not a zip at all"), "1.0.0")
	if err != errMalformedArchive {
		t.Fatalf("expected malformed archive, got %v", err)
	}
}

func TestIngestEnforcesSizeLimit(t *testing.T) {
	f := newFixture(t)

	// Stored (uncompressed) entry so the archive itself exceeds the limit.
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entry, err := zw.CreateHeader(&zip.FileHeader{Name: "main.js", Method: zip.Store})
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	if _, err := entry.Write(bytes.Repeat([]byte("a"), 2<<20)); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	_, err = f.ingest(t, buf.Bytes(), "1.0.0")
	if err != errArchiveTooLarge {
		t.Fatalf("expected size limit error, got %v", err)
	}
}

func TestIngestRejectsBadVersions(t *testing.T) {
	f := newFixture(t)
	archive := zipArchive(t, map[string]string{"main.js": "x"})
	for _, version := range []string{"", "  ", "../../etc", "a/b", ".hidden"} {
		if _, err := f.ingest(t, archive, version); err != errInvalidVersion {
			t.Fatalf("version %q accepted: %v", version, err)
		}
	}
}

func TestIngestRequiresEnvironmentSlugWhenAmbiguous(t *testing.T) {
	f := newFixture(t)
	svc := f.svc
	envRepo := svc.envs.(*stubEnvironmentRepository)
	envRepo.envs = append(envRepo.envs, domain.Environment{ID: "env-2", ProjectID: "proj-1", Slug: "staging"})

	_, err := f.ingest(t, zipArchive(t, map[string]string{"main.js": "x"}), "1.0.0")
	if err != errAmbiguousEnv {
		t.Fatalf("expected ambiguous environment error, got %v", err)
	}

	result, err := svc.Ingest(context.Background(), Input{
		ProjectID:         "proj-1",
		MicrofrontendSlug: "checkout",
		EnvironmentSlug:   "staging",
		Version:           "1.0.0",
		Archive:           bytes.NewReader(zipArchive(t, map[string]string{"main.js": "x"})),
	})
	if err != nil {
		t.Fatalf("Ingest with explicit slug: %v", err)
	}
	if result.Deployment.EnvironmentID != "env-2" {
		t.Fatalf("wrong environment targeted: %s", result.Deployment.EnvironmentID)
	}
}
