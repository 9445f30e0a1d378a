package config

import "time"

// Run store drivers.
const (
	RunStoreDriverDynamoDB = "dynamodb"
	RunStoreDriverSQLite   = "sqlite"
	RunStoreDriverPostgres = "postgres"
)

// Artifact store drivers.
const (
	ArtifactsDriverS3    = "s3"
	ArtifactsDriverLocal = "local"
)

// CI providers.
const (
	CIProviderNone   = "none"
	CIProviderGitHub = "github"
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures rate limiting. Public routes are limited per
// client address, authenticated routes per API key.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Public        RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
	Authenticated RateLimitTier `yaml:"authenticated,omitempty" mapstructure:"authenticated"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// AuthConfig contains API key settings. Each key is either a plain value
// (or secret reference) or a bcrypt hash.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys" mapstructure:"api_keys"`
}

// BrandConfig describes a brand under test and the CI workflow that runs
// its suite.
type BrandConfig struct {
	Environments []string          `yaml:"environments" mapstructure:"environments"`
	Workflow     WorkflowRefConfig `yaml:"workflow" mapstructure:"workflow"`
}

// WorkflowRefConfig locates a GitHub Actions workflow.
type WorkflowRefConfig struct {
	Owner string `yaml:"owner" mapstructure:"owner"`
	Repo  string `yaml:"repo" mapstructure:"repo"`
	File  string `yaml:"file" mapstructure:"file"`
	Ref   string `yaml:"ref" mapstructure:"ref"`
}

// RunStoreConfig selects and configures the run metadata backend.
type RunStoreConfig struct {
	Driver    string         `yaml:"driver" mapstructure:"driver"`
	Retention time.Duration  `yaml:"retention" mapstructure:"retention"`
	DynamoDB  DynamoDBConfig `yaml:"dynamodb,omitempty" mapstructure:"dynamodb"`
	SQLite    SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres  PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// DynamoDBConfig contains DynamoDB table settings.
type DynamoDBConfig struct {
	Table       string `yaml:"table" mapstructure:"table"`
	IndexName   string `yaml:"index_name" mapstructure:"index_name"`
	Region      string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// ArtifactsConfig selects and configures the artifact backend.
type ArtifactsConfig struct {
	Driver string              `yaml:"driver" mapstructure:"driver"`
	S3     S3Config            `yaml:"s3,omitempty" mapstructure:"s3"`
	Local  LocalArtifactConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// S3Config contains S3 settings for artifact storage and presigned URLs.
type S3Config struct {
	Bucket          string        `yaml:"bucket" mapstructure:"bucket"`
	Region          string        `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string        `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool          `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string        `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	PresignExpiry   time.Duration `yaml:"presign_expiry" mapstructure:"presign_expiry"`
	// ManageLifecycle applies an expiration rule matching the run retention
	// to the artifact prefixes on start.
	ManageLifecycle bool `yaml:"manage_lifecycle" mapstructure:"manage_lifecycle"`
}

// LocalArtifactConfig stores artifacts on the local filesystem and serves
// them through signed URLs on the API itself.
type LocalArtifactConfig struct {
	Root       string        `yaml:"root" mapstructure:"root"`
	BaseURL    string        `yaml:"base_url" mapstructure:"base_url"`
	SigningKey string        `yaml:"signing_key" mapstructure:"signing_key"`
	URLExpiry  time.Duration `yaml:"url_expiry" mapstructure:"url_expiry"`
}

// CIConfig configures the external CI collaborator.
type CIConfig struct {
	Provider string       `yaml:"provider" mapstructure:"provider"`
	GitHub   GitHubConfig `yaml:"github,omitempty" mapstructure:"github"`
}

// GitHubConfig contains GitHub API and webhook settings.
type GitHubConfig struct {
	Token         string `yaml:"token" mapstructure:"token"`
	BaseURL       string `yaml:"base_url,omitempty" mapstructure:"base_url"`
	WebhookSecret string `yaml:"webhook_secret,omitempty" mapstructure:"webhook_secret"`
}

// SecretsConfig configures secret reference resolution.
type SecretsConfig struct {
	Vault VaultConfig `yaml:"vault,omitempty" mapstructure:"vault"`
}

// VaultConfig contains HashiCorp Vault settings for vault:// references.
type VaultConfig struct {
	Address   string `yaml:"address,omitempty" mapstructure:"address"`
	Token     string `yaml:"token,omitempty" mapstructure:"token"`
	Namespace string `yaml:"namespace,omitempty" mapstructure:"namespace"`
	Mount     string `yaml:"mount,omitempty" mapstructure:"mount"`
	KVVersion int    `yaml:"kv_version,omitempty" mapstructure:"kv_version"`
}
