package config

import "time"

// HubConfig holds runtime configuration for the hub service.
type HubConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	PublicBaseURL      string
	AdminTokenSecret   string
	SecretsKey         string
	ArtifactRoot       string
	MaxArtifactBytes   int64
	ResolveCacheTTL    time.Duration
	ResolveCacheSize   int
	StorageReadTimeout time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadHubConfig constructs a HubConfig from environment variables.
func LoadHubConfig() HubConfig {
	return HubConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("HUB_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://mfehub:mfehub@db:5432/mfehub?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		PublicBaseURL:      GetString("PUBLIC_BASE_URL", "http://localhost:4000"),
		AdminTokenSecret:   GetString("ADMIN_TOKEN_SECRET", "supersecuresecret"),
		SecretsKey:         GetString("SECRETS_ENCRYPTION_KEY", "supersecuresecret"),
		ArtifactRoot:       GetString("ARTIFACT_ROOT", "/var/lib/mfehub/artifacts"),
		MaxArtifactBytes:   int64(GetInt("MAX_ARTIFACT_MB", 50)) * 1024 * 1024,
		ResolveCacheTTL:    time.Duration(GetInt("RESOLVE_CACHE_TTL_SECONDS", 15)) * time.Second,
		ResolveCacheSize:   GetInt("RESOLVE_CACHE_MAX_ENTRIES", 4096),
		StorageReadTimeout: time.Duration(GetInt("STORAGE_READ_TIMEOUT_SECONDS", 5)) * time.Second,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
