package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mfehub/hub/internal/domain"
	"github.com/mfehub/hub/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ProjectRepository       = (*Repository)(nil)
	_ repository.ApiKeyRepository        = (*Repository)(nil)
	_ repository.EnvironmentRepository   = (*Repository)(nil)
	_ repository.MicrofrontendRepository = (*Repository)(nil)
	_ repository.StorageRepository       = (*Repository)(nil)
	_ repository.DeploymentRepository    = (*Repository)(nil)
	_ repository.CanaryRepository        = (*Repository)(nil)
	_ repository.BaselinePinRepository   = (*Repository)(nil)
)

const uniqueViolation = "23505"

// conflictFromPg translates a unique violation into a ConflictError carrying
// the violated constraint name.
func conflictFromPg(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &repository.ConflictError{Constraint: pgErr.ConstraintName}
	}
	return err
}

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, slug, created_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.Slug, project.CreatedAt); err != nil {
		return conflictFromPg(err)
	}
	return nil
}

// GetProjectByID fetches a project by identifier, soft-deleted rows included.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, slug, created_at, deleted_at FROM projects WHERE id = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// GetProjectBySlug fetches a project by slug.
func (r *Repository) GetProjectBySlug(ctx context.Context, slug string) (*domain.Project, error) {
	const query = `SELECT id, name, slug, created_at, deleted_at FROM projects WHERE slug = $1`
	return r.scanProject(r.pool.QueryRow(ctx, query, slug))
}

func (r *Repository) scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.CreatedAt, &p.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjects enumerates live projects.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, slug, created_at, deleted_at FROM projects
		WHERE deleted_at IS NULL ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &p.CreatedAt, &p.DeletedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// SoftDeleteProject marks a project deleted. Owned entities are cascade
// removed by the admin surface; the hub only refuses further operations.
func (r *Repository) SoftDeleteProject(ctx context.Context, projectID string) error {
	const query = `UPDATE projects SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, projectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateApiKey inserts an API key.
func (r *Repository) CreateApiKey(ctx context.Context, key *domain.ApiKey) error {
	const query = `INSERT INTO api_keys (id, project_id, name, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, query, key.ID, key.ProjectID, key.Name, key.KeyHash, key.CreatedAt); err != nil {
		return conflictFromPg(err)
	}
	return nil
}

// GetApiKeyByHash looks up a key by its SHA-256 digest.
func (r *Repository) GetApiKeyByHash(ctx context.Context, keyHash string) (*domain.ApiKey, error) {
	const query = `SELECT id, project_id, name, key_hash, created_at, last_used_at
		FROM api_keys WHERE key_hash = $1`
	row := r.pool.QueryRow(ctx, query, keyHash)
	var k domain.ApiKey
	if err := row.Scan(&k.ID, &k.ProjectID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &k, nil
}

// ListApiKeysByProject enumerates keys owned by a project.
func (r *Repository) ListApiKeysByProject(ctx context.Context, projectID string) ([]domain.ApiKey, error) {
	const query = `SELECT id, project_id, name, key_hash, created_at, last_used_at
		FROM api_keys WHERE project_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.ApiKey
	for rows.Next() {
		var k domain.ApiKey
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Name, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TouchApiKey records key usage.
func (r *Repository) TouchApiKey(ctx context.Context, keyID string) error {
	const query = `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, query, keyID)
	return err
}

// DeleteApiKey removes a key.
func (r *Repository) DeleteApiKey(ctx context.Context, keyID string) error {
	const query = `DELETE FROM api_keys WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, keyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateEnvironment inserts an environment.
func (r *Repository) CreateEnvironment(ctx context.Context, environment *domain.Environment) error {
	const query = `INSERT INTO environments (id, project_id, slug, name, is_production, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.pool.Exec(ctx, query,
		environment.ID,
		environment.ProjectID,
		environment.Slug,
		environment.Name,
		environment.IsProduction,
		environment.CreatedAt,
	); err != nil {
		return conflictFromPg(err)
	}
	return nil
}

// GetEnvironmentByID retrieves an environment by identifier.
func (r *Repository) GetEnvironmentByID(ctx context.Context, environmentID string) (*domain.Environment, error) {
	const query = `SELECT id, project_id, slug, name, is_production, created_at
		FROM environments WHERE id = $1`
	return r.scanEnvironment(r.pool.QueryRow(ctx, query, environmentID))
}

// GetEnvironmentBySlug retrieves an environment by project-scoped slug.
func (r *Repository) GetEnvironmentBySlug(ctx context.Context, projectID, slug string) (*domain.Environment, error) {
	const query = `SELECT id, project_id, slug, name, is_production, created_at
		FROM environments WHERE project_id = $1 AND slug = $2`
	return r.scanEnvironment(r.pool.QueryRow(ctx, query, projectID, slug))
}

func (r *Repository) scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var e domain.Environment
	if err := row.Scan(&e.ID, &e.ProjectID, &e.Slug, &e.Name, &e.IsProduction, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListEnvironmentsByProject enumerates a project's environments.
func (r *Repository) ListEnvironmentsByProject(ctx context.Context, projectID string) ([]domain.Environment, error) {
	const query = `SELECT id, project_id, slug, name, is_production, created_at
		FROM environments WHERE project_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var envs []domain.Environment
	for rows.Next() {
		var e domain.Environment
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Slug, &e.Name, &e.IsProduction, &e.CreatedAt); err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

// UpsertEnvironmentVariable stores or replaces an encrypted variable.
func (r *Repository) UpsertEnvironmentVariable(ctx context.Context, variable *domain.EnvironmentVariable) error {
	const query = `INSERT INTO environment_variables (environment_id, key, value, secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (environment_id, key)
		DO UPDATE SET value = EXCLUDED.value, secret = EXCLUDED.secret, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query,
		variable.EnvironmentID,
		variable.Key,
		variable.Value,
		variable.Secret,
		variable.CreatedAt,
	)
	return err
}

// ListEnvironmentVariables returns all variables for an environment.
func (r *Repository) ListEnvironmentVariables(ctx context.Context, environmentID string) ([]domain.EnvironmentVariable, error) {
	const query = `SELECT environment_id, key, value, secret, created_at, updated_at
		FROM environment_variables WHERE environment_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, environmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var vars []domain.EnvironmentVariable
	for rows.Next() {
		var v domain.EnvironmentVariable
		if err := rows.Scan(&v.EnvironmentID, &v.Key, &v.Value, &v.Secret, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// DeleteEnvironmentVariable removes a variable.
func (r *Repository) DeleteEnvironmentVariable(ctx context.Context, environmentID, key string) error {
	const query = `DELETE FROM environment_variables WHERE environment_id = $1 AND key = $2`
	tag, err := r.pool.Exec(ctx, query, environmentID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateMicrofrontend inserts a microfrontend.
func (r *Repository) CreateMicrofrontend(ctx context.Context, mfe *domain.Microfrontend) error {
	const query = `INSERT INTO microfrontends (id, project_id, slug, name, entry_point, host_type, custom_url, storage_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`
	if _, err := r.pool.Exec(ctx, query,
		mfe.ID,
		mfe.ProjectID,
		mfe.Slug,
		mfe.Name,
		mfe.EntryPoint,
		string(mfe.Host),
		emptyToNil(mfe.CustomURL),
		mfe.StorageID,
		mfe.Status,
		mfe.CreatedAt,
	); err != nil {
		return conflictFromPg(err)
	}
	return nil
}

const microfrontendColumns = `id, project_id, slug, name, entry_point, host_type, COALESCE(custom_url, ''), storage_id, status, created_at, updated_at`

// GetMicrofrontendByID retrieves a microfrontend by identifier.
func (r *Repository) GetMicrofrontendByID(ctx context.Context, mfeID string) (*domain.Microfrontend, error) {
	query := `SELECT ` + microfrontendColumns + ` FROM microfrontends WHERE id = $1`
	return r.scanMicrofrontend(r.pool.QueryRow(ctx, query, mfeID))
}

// GetMicrofrontendBySlug retrieves a microfrontend by project-scoped slug.
func (r *Repository) GetMicrofrontendBySlug(ctx context.Context, projectID, slug string) (*domain.Microfrontend, error) {
	query := `SELECT ` + microfrontendColumns + ` FROM microfrontends WHERE project_id = $1 AND slug = $2`
	return r.scanMicrofrontend(r.pool.QueryRow(ctx, query, projectID, slug))
}

func (r *Repository) scanMicrofrontend(row pgx.Row) (*domain.Microfrontend, error) {
	var m domain.Microfrontend
	var host string
	if err := row.Scan(&m.ID, &m.ProjectID, &m.Slug, &m.Name, &m.EntryPoint, &host, &m.CustomURL, &m.StorageID, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	m.Host = domain.HostType(host)
	return &m, nil
}

// ListMicrofrontendsByProject enumerates a project's microfrontends.
func (r *Repository) ListMicrofrontendsByProject(ctx context.Context, projectID string) ([]domain.Microfrontend, error) {
	query := `SELECT ` + microfrontendColumns + ` FROM microfrontends WHERE project_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var mfes []domain.Microfrontend
	for rows.Next() {
		var m domain.Microfrontend
		var host string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Slug, &m.Name, &m.EntryPoint, &host, &m.CustomURL, &m.StorageID, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.Host = domain.HostType(host)
		mfes = append(mfes, m)
	}
	return mfes, rows.Err()
}

// UpdateMicrofrontend applies mutable fields. Slug and project are immutable.
func (r *Repository) UpdateMicrofrontend(ctx context.Context, mfe *domain.Microfrontend) error {
	const query = `UPDATE microfrontends
		SET name = $2, entry_point = $3, host_type = $4, custom_url = $5, storage_id = $6, status = $7, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		mfe.ID,
		mfe.Name,
		mfe.EntryPoint,
		string(mfe.Host),
		emptyToNil(mfe.CustomURL),
		mfe.StorageID,
		mfe.Status,
	)
	if err != nil {
		return conflictFromPg(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateStorage inserts storage credentials.
func (r *Repository) CreateStorage(ctx context.Context, storage *domain.Storage) error {
	const query = `INSERT INTO storages (id, project_id, name, type, endpoint, bucket, region, access_key, secret_key, use_ssl, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := r.pool.Exec(ctx, query,
		storage.ID,
		storage.ProjectID,
		storage.Name,
		storage.Type,
		storage.Endpoint,
		storage.Bucket,
		storage.Region,
		storage.AccessKey,
		storage.SecretKey,
		storage.UseSSL,
		storage.CreatedAt,
	); err != nil {
		return conflictFromPg(err)
	}
	return nil
}

const storageColumns = `id, project_id, name, type, endpoint, bucket, region, access_key, secret_key, use_ssl, created_at`

// GetStorageByID retrieves storage credentials.
func (r *Repository) GetStorageByID(ctx context.Context, storageID string) (*domain.Storage, error) {
	query := `SELECT ` + storageColumns + ` FROM storages WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, storageID)
	var s domain.Storage
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Type, &s.Endpoint, &s.Bucket, &s.Region, &s.AccessKey, &s.SecretKey, &s.UseSSL, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListStoragesByProject enumerates a project's storages.
func (r *Repository) ListStoragesByProject(ctx context.Context, projectID string) ([]domain.Storage, error) {
	query := `SELECT ` + storageColumns + ` FROM storages WHERE project_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var storages []domain.Storage
	for rows.Next() {
		var s domain.Storage
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Type, &s.Endpoint, &s.Bucket, &s.Region, &s.AccessKey, &s.SecretKey, &s.UseSSL, &s.CreatedAt); err != nil {
			return nil, err
		}
		storages = append(storages, s)
	}
	return storages, rows.Err()
}

// DeleteStorage removes storage credentials.
func (r *Repository) DeleteStorage(ctx context.Context, storageID string) error {
	const query = `DELETE FROM storages WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, storageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CreateDeployment appends a deployment row. The unique index on
// (microfrontend_id, environment_id, version) guards concurrent ingests.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, microfrontend_id, environment_id, version, location, content_hash, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.MicrofrontendID,
		deployment.EnvironmentID,
		deployment.Version,
		deployment.Location,
		deployment.ContentHash,
		deployment.SizeBytes,
		deployment.CreatedAt,
	); err != nil {
		return conflictFromPg(err)
	}
	return nil
}

const deploymentColumns = `id, microfrontend_id, environment_id, version, location, content_hash, size_bytes, created_at`

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, deploymentID))
}

// GetDeploymentByVersion retrieves a deployment by version within a pair.
func (r *Repository) GetDeploymentByVersion(ctx context.Context, mfeID, environmentID, version string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE microfrontend_id = $1 AND environment_id = $2 AND version = $3`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, mfeID, environmentID, version))
}

// GetLatestDeployment returns the most recently ingested deployment of a pair.
func (r *Repository) GetLatestDeployment(ctx context.Context, mfeID, environmentID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE microfrontend_id = $1 AND environment_id = $2
		ORDER BY created_at DESC, id DESC LIMIT 1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, mfeID, environmentID))
}

func (r *Repository) scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.MicrofrontendID, &d.EnvironmentID, &d.Version, &d.Location, &d.ContentHash, &d.SizeBytes, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeployments enumerates deployment history for a pair, newest first.
func (r *Repository) ListDeployments(ctx context.Context, mfeID, environmentID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE microfrontend_id = $1 AND ($2 = '' OR environment_id = $2)
		ORDER BY created_at DESC, id DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, mfeID, environmentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.MicrofrontendID, &d.EnvironmentID, &d.Version, &d.Location, &d.ContentHash, &d.SizeBytes, &d.CreatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// DeleteDeployment removes a deployment row.
func (r *Repository) DeleteDeployment(ctx context.Context, deploymentID string) error {
	const query = `DELETE FROM deployments WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ReplaceCanaryRule writes a rule and its overrides in one transaction so a
// resolver never observes a new percentage with stale overrides.
func (r *Repository) ReplaceCanaryRule(ctx context.Context, rule *domain.CanaryRule) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const deleteExisting = `DELETE FROM canary_rules WHERE microfrontend_id = $1 AND environment_id = $2`
	if _, err := tx.Exec(ctx, deleteExisting, rule.MicrofrontendID, rule.EnvironmentID); err != nil {
		return err
	}

	const ruleInsert = `INSERT INTO canary_rules (id, microfrontend_id, environment_id, deployment_id, percentage, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW()) RETURNING updated_at`
	var updatedAt time.Time
	if err := tx.QueryRow(ctx, ruleInsert,
		rule.ID,
		rule.MicrofrontendID,
		rule.EnvironmentID,
		rule.DeploymentID,
		rule.Percentage,
		rule.Active,
		rule.CreatedAt,
	).Scan(&updatedAt); err != nil {
		return conflictFromPg(err)
	}
	rule.UpdatedAt = updatedAt

	if len(rule.Overrides) > 0 {
		const overrideInsert = `INSERT INTO canary_user_overrides (rule_id, user_id, enabled)
			VALUES ($1, $2, $3)`
		batch := &pgx.Batch{}
		for _, override := range rule.Overrides {
			batch.Queue(overrideInsert, rule.ID, override.UserID, override.Enabled)
		}
		br := tx.SendBatch(ctx, batch)
		for range rule.Overrides {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return conflictFromPg(err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetActiveCanaryRule returns the active rule for a pair with its overrides.
func (r *Repository) GetActiveCanaryRule(ctx context.Context, mfeID, environmentID string) (*domain.CanaryRule, error) {
	const query = `SELECT id, microfrontend_id, environment_id, deployment_id, percentage, active, created_at, updated_at
		FROM canary_rules WHERE microfrontend_id = $1 AND environment_id = $2 AND active`
	row := r.pool.QueryRow(ctx, query, mfeID, environmentID)
	var rule domain.CanaryRule
	if err := row.Scan(&rule.ID, &rule.MicrofrontendID, &rule.EnvironmentID, &rule.DeploymentID, &rule.Percentage, &rule.Active, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	const overrideQuery = `SELECT rule_id, user_id, enabled FROM canary_user_overrides WHERE rule_id = $1`
	rows, err := r.pool.Query(ctx, overrideQuery, rule.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var o domain.CanaryUserOverride
		if err := rows.Scan(&o.RuleID, &o.UserID, &o.Enabled); err != nil {
			return nil, err
		}
		rule.Overrides = append(rule.Overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &rule, nil
}

// DeleteCanaryRule removes the rule for a pair, overrides cascading.
func (r *Repository) DeleteCanaryRule(ctx context.Context, mfeID, environmentID string) error {
	const query = `DELETE FROM canary_rules WHERE microfrontend_id = $1 AND environment_id = $2`
	tag, err := r.pool.Exec(ctx, query, mfeID, environmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertBaselinePin stores or replaces the stable pointer for a pair.
func (r *Repository) UpsertBaselinePin(ctx context.Context, pin *domain.BaselinePin) error {
	const query = `INSERT INTO baseline_pins (microfrontend_id, environment_id, deployment_id, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (microfrontend_id, environment_id)
		DO UPDATE SET deployment_id = EXCLUDED.deployment_id, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, pin.MicrofrontendID, pin.EnvironmentID, pin.DeploymentID)
	return err
}

// GetBaselinePin returns the stable pointer for a pair if one exists.
func (r *Repository) GetBaselinePin(ctx context.Context, mfeID, environmentID string) (*domain.BaselinePin, error) {
	const query = `SELECT microfrontend_id, environment_id, deployment_id, updated_at
		FROM baseline_pins WHERE microfrontend_id = $1 AND environment_id = $2`
	row := r.pool.QueryRow(ctx, query, mfeID, environmentID)
	var pin domain.BaselinePin
	if err := row.Scan(&pin.MicrofrontendID, &pin.EnvironmentID, &pin.DeploymentID, &pin.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &pin, nil
}

// DeleteBaselinePin removes the stable pointer for a pair.
func (r *Repository) DeleteBaselinePin(ctx context.Context, mfeID, environmentID string) error {
	const query = `DELETE FROM baseline_pins WHERE microfrontend_id = $1 AND environment_id = $2`
	tag, err := r.pool.Exec(ctx, query, mfeID, environmentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}
