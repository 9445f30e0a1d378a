package config

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "HGCTESTS"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultLogFormat is the default log output format.
	DefaultLogFormat = "text"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultRetention is how long run records and artifacts are kept.
	DefaultRetention = 90 * 24 * time.Hour

	// DefaultIndexName is the name of the status/recency secondary index.
	DefaultIndexName = "GSI1"

	// DefaultPresignExpiry is the validity of generated artifact URLs.
	DefaultPresignExpiry = time.Hour

	// DefaultWorkflowRef is the git ref dispatched workflows run against.
	DefaultWorkflowRef = "main"

	// RedactedValue replaces secrets when the configuration is printed.
	RedactedValue = "<redacted>"
)

// Config is the root configuration for the test-run API.
type Config struct {
	Stage     string                 `yaml:"stage" mapstructure:"stage"`
	LogLevel  string                 `yaml:"log_level" mapstructure:"log_level"`
	LogFormat string                 `yaml:"log_format" mapstructure:"log_format"`
	Server    ServerConfig           `yaml:"server" mapstructure:"server"`
	Auth      AuthConfig             `yaml:"auth" mapstructure:"auth"`
	Brands    map[string]BrandConfig `yaml:"brands" mapstructure:"brands"`
	RunStore  RunStoreConfig         `yaml:"run_store" mapstructure:"run_store"`
	Artifacts ArtifactsConfig        `yaml:"artifacts" mapstructure:"artifacts"`
	CI        CIConfig               `yaml:"ci" mapstructure:"ci"`
	Secrets   SecretsConfig          `yaml:"secrets,omitempty" mapstructure:"secrets"`
}

// SecretResolver turns a secret reference into its value.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Load reads the optional configuration file at path and applies
// HGCTESTS_* environment overrides on top of it. An empty path loads
// defaults and environment only, which is how the Lambda entry point runs.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		Result:           &cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// setDefaults registers every scalar key so that environment overrides are
// visible to AllSettings even when no config file sets them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("stage", "dev")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)

	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.public.requests_per_minute", 60)
	v.SetDefault("server.rate_limit.authenticated.requests_per_minute", 300)

	v.SetDefault("auth.api_keys", []string{})

	v.SetDefault("run_store.driver", RunStoreDriverDynamoDB)
	v.SetDefault("run_store.retention", DefaultRetention)
	v.SetDefault("run_store.dynamodb.table", "")
	v.SetDefault("run_store.dynamodb.index_name", DefaultIndexName)
	v.SetDefault("run_store.dynamodb.region", "")
	v.SetDefault("run_store.dynamodb.endpoint_url", "")
	v.SetDefault("run_store.sqlite.path", "hgctests.db")
	v.SetDefault("run_store.postgres.host", "localhost")
	v.SetDefault("run_store.postgres.port", 5432)
	v.SetDefault("run_store.postgres.user", "")
	v.SetDefault("run_store.postgres.password", "")
	v.SetDefault("run_store.postgres.database", "")
	v.SetDefault("run_store.postgres.ssl_mode", "disable")

	v.SetDefault("artifacts.driver", ArtifactsDriverS3)
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.endpoint_url", "")
	v.SetDefault("artifacts.s3.access_key_id", "")
	v.SetDefault("artifacts.s3.secret_access_key", "")
	v.SetDefault("artifacts.s3.force_path_style", false)
	v.SetDefault("artifacts.s3.storage_class", "")
	v.SetDefault("artifacts.s3.presign_expiry", DefaultPresignExpiry)
	v.SetDefault("artifacts.s3.manage_lifecycle", false)
	v.SetDefault("artifacts.local.root", "")
	v.SetDefault("artifacts.local.base_url", "")
	v.SetDefault("artifacts.local.signing_key", "")
	v.SetDefault("artifacts.local.url_expiry", DefaultPresignExpiry)

	v.SetDefault("ci.provider", CIProviderGitHub)
	v.SetDefault("ci.github.token", "")
	v.SetDefault("ci.github.base_url", "")
	v.SetDefault("ci.github.webhook_secret", "")

	v.SetDefault("secrets.vault.address", "")
	v.SetDefault("secrets.vault.token", "")
	v.SetDefault("secrets.vault.namespace", "")
	v.SetDefault("secrets.vault.mount", "secret")
	v.SetDefault("secrets.vault.kv_version", 2)
}

// applyDefaults fills values that cannot be expressed as viper defaults.
func (c *Config) applyDefaults() {
	if len(c.Brands) == 0 {
		c.Brands = defaultBrands()
	}

	for name, b := range c.Brands {
		if b.Workflow.Ref == "" {
			b.Workflow.Ref = DefaultWorkflowRef
		}

		c.Brands[name] = b
	}

	if c.RunStore.Retention <= 0 {
		c.RunStore.Retention = DefaultRetention
	}

	if c.RunStore.DynamoDB.IndexName == "" {
		c.RunStore.DynamoDB.IndexName = DefaultIndexName
	}

	if c.Artifacts.S3.PresignExpiry <= 0 {
		c.Artifacts.S3.PresignExpiry = DefaultPresignExpiry
	}

	if c.Artifacts.Local.URLExpiry <= 0 {
		c.Artifacts.Local.URLExpiry = DefaultPresignExpiry
	}
}

// defaultBrands returns the brands the suite has always covered.
func defaultBrands() map[string]BrandConfig {
	wf := WorkflowRefConfig{
		Owner: "mwebcode",
		Repo:  "hgc-frontend-tests",
		File:  "run-tests.yml",
		Ref:   DefaultWorkflowRef,
	}

	return map[string]BrandConfig{
		"mweb":      {Environments: []string{"prod", "staging"}, Workflow: wf},
		"webafrica": {Environments: []string{"prod", "staging"}, Workflow: wf},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys: at least one api key must be configured")
	}

	for i, key := range c.Auth.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("auth.api_keys[%d]: key is empty", i)
		}
	}

	if len(c.Brands) == 0 {
		return fmt.Errorf("at least one brand must be configured")
	}

	for name, b := range c.Brands {
		if len(b.Environments) == 0 {
			return fmt.Errorf("brand %q: at least one environment is required", name)
		}

		if strings.Contains(name, "#") {
			return fmt.Errorf("brand %q: name must not contain '#'", name)
		}
	}

	if err := c.validateRunStore(); err != nil {
		return fmt.Errorf("run_store: %w", err)
	}

	if err := c.validateArtifacts(); err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}

	if err := c.validateCI(); err != nil {
		return fmt.Errorf("ci: %w", err)
	}

	return nil
}

// ValidateStores checks only the run store and artifact settings, for
// commands that run inside CI jobs without serving the API.
func (c *Config) ValidateStores() error {
	if err := c.validateRunStore(); err != nil {
		return fmt.Errorf("run_store: %w", err)
	}

	if err := c.validateArtifacts(); err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}

	return nil
}

func (c *Config) validateRunStore() error {
	switch c.RunStore.Driver {
	case RunStoreDriverDynamoDB:
		if c.RunStore.DynamoDB.Table == "" {
			return fmt.Errorf("dynamodb.table is required")
		}
	case RunStoreDriverSQLite:
		if c.RunStore.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case RunStoreDriverPostgres:
		if c.RunStore.Postgres.Host == "" || c.RunStore.Postgres.Database == "" {
			return fmt.Errorf("postgres.host and postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.RunStore.Driver)
	}

	return nil
}

func (c *Config) validateArtifacts() error {
	switch c.Artifacts.Driver {
	case ArtifactsDriverS3:
		if c.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required")
		}
	case ArtifactsDriverLocal:
		if c.Artifacts.Local.Root == "" {
			return fmt.Errorf("local.root is required")
		}

		if c.Artifacts.Local.BaseURL == "" {
			return fmt.Errorf("local.base_url is required")
		}

		if c.Artifacts.Local.SigningKey == "" {
			return fmt.Errorf("local.signing_key is required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Artifacts.Driver)
	}

	return nil
}

func (c *Config) validateCI() error {
	switch c.CI.Provider {
	case CIProviderNone:
		return nil
	case CIProviderGitHub:
	default:
		return fmt.Errorf("unsupported provider %q", c.CI.Provider)
	}

	if c.CI.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}

	for name, b := range c.Brands {
		if b.Workflow.Owner == "" || b.Workflow.Repo == "" || b.Workflow.File == "" {
			return fmt.Errorf("brand %q: workflow owner, repo and file are required", name)
		}
	}

	return nil
}

// ResolveSecrets replaces secret references in place with their values.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	for i, key := range c.Auth.APIKeys {
		val, err := r.Resolve(ctx, key)
		if err != nil {
			return fmt.Errorf("resolving auth.api_keys[%d]: %w", i, err)
		}

		c.Auth.APIKeys[i] = val
	}

	fields := []struct {
		name string
		ptr  *string
	}{
		{"ci.github.token", &c.CI.GitHub.Token},
		{"ci.github.webhook_secret", &c.CI.GitHub.WebhookSecret},
		{"artifacts.local.signing_key", &c.Artifacts.Local.SigningKey},
		{"artifacts.s3.secret_access_key", &c.Artifacts.S3.SecretAccessKey},
		{"run_store.postgres.password", &c.RunStore.Postgres.Password},
	}

	for _, f := range fields {
		if *f.ptr == "" {
			continue
		}

		val, err := r.Resolve(ctx, *f.ptr)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", f.name, err)
		}

		*f.ptr = val
	}

	return nil
}

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c

	out.Auth.APIKeys = make([]string, len(c.Auth.APIKeys))
	for i := range c.Auth.APIKeys {
		out.Auth.APIKeys[i] = RedactedValue
	}

	mask := func(s string) string {
		if s == "" {
			return ""
		}

		return RedactedValue
	}

	out.CI.GitHub.Token = mask(c.CI.GitHub.Token)
	out.CI.GitHub.WebhookSecret = mask(c.CI.GitHub.WebhookSecret)
	out.Artifacts.Local.SigningKey = mask(c.Artifacts.Local.SigningKey)
	out.Artifacts.S3.SecretAccessKey = mask(c.Artifacts.S3.SecretAccessKey)
	out.RunStore.Postgres.Password = mask(c.RunStore.Postgres.Password)
	out.Secrets.Vault.Token = mask(c.Secrets.Vault.Token)

	return &out
}

// Brand returns the configuration of a known brand.
func (c *Config) Brand(name string) (BrandConfig, bool) {
	b, ok := c.Brands[name]

	return b, ok
}

// AllowsEnvironment reports whether env is a configured environment of brand.
func (c *Config) AllowsEnvironment(brand, env string) bool {
	b, ok := c.Brands[brand]
	if !ok {
		return false
	}

	return slices.Contains(b.Environments, env)
}

// BrandNames returns the configured brand names in sorted order.
func (c *Config) BrandNames() []string {
	names := make([]string, 0, len(c.Brands))
	for name := range c.Brands {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
