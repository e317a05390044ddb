// Package config loads the two JSON configuration documents (one per
// remote), applies environment overrides, and validates the result. Secrets
// may live in either place; env wins.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"syncbridge/internal/syncerr"
)

// SourceConfig holds the CRM credentials and endpoints.
type SourceConfig struct {
	ClientID     string `json:"client_id" validate:"required"`
	ClientSecret string `json:"client_secret" validate:"required"`
	RefreshToken string `json:"refresh_token" validate:"required"`

	// AccountsURL is the region-dependent OAuth host; APIBaseURL the
	// matching API host.
	AccountsURL string `json:"accounts_url" validate:"required,url"`
	APIBaseURL  string `json:"api_base_url" validate:"required,url"`

	// TokenFile persists refreshed access tokens across restarts.
	TokenFile string `json:"token_file"`
}

// DatastoreConfig holds the datastore credentials and table layout.
type DatastoreConfig struct {
	APIToken   string `json:"api_token" validate:"required"`
	BaseID     string `json:"base_id" validate:"required"`
	APIBaseURL string `json:"api_base_url" validate:"omitempty,url"`

	// ModulesTable maps module names to tables; FieldsTable holds the
	// field-mapping rows the registry loads.
	ModulesTable string `json:"modules_table"`
	FieldsTable  string `json:"fields_table"`
}

// Runtime holds the process-level knobs, sourced from the environment.
type Runtime struct {
	ListenAddress string
	Environment   string
	LogLevel      string

	Schedule     string
	PollInterval time.Duration
	Modules      []string
}

// Config is the merged view of both documents plus runtime settings.
type Config struct {
	Source    SourceConfig    `json:"source" validate:"required"`
	Datastore DatastoreConfig `json:"datastore" validate:"required"`
	Runtime   Runtime         `json:"-"`
}

var validate = validator.New()

// Load reads and validates both documents. A missing file is a
// config-missing error; anything malformed or incomplete is config-invalid.
func Load(sourcePath, datastorePath string) (*Config, error) {
	cfg := &Config{}

	if err := readDocument(sourcePath, &cfg.Source); err != nil {
		return nil, err
	}
	if err := readDocument(datastorePath, &cfg.Datastore); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := validate.Struct(cfg); err != nil {
		return nil, syncerr.Wrap(syncerr.KindConfigInvalid, "config.Load", err)
	}
	return cfg, nil
}

func readDocument(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return syncerr.New(syncerr.KindConfigMissing, "config.Load",
				"config document %s not found", path)
		}
		return syncerr.Wrap(syncerr.KindConfigInvalid, "config.Load", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return syncerr.Wrap(syncerr.KindConfigInvalid, "config.Load", err)
	}
	return nil
}

// applyEnv lets env vars named after the remote override document values.
func (c *Config) applyEnv() {
	setIfEnv(&c.Source.ClientID, "SOURCE_CLIENT_ID")
	setIfEnv(&c.Source.ClientSecret, "SOURCE_CLIENT_SECRET")
	setIfEnv(&c.Source.RefreshToken, "SOURCE_REFRESH_TOKEN")
	setIfEnv(&c.Source.AccountsURL, "SOURCE_ACCOUNTS_URL")
	setIfEnv(&c.Source.APIBaseURL, "SOURCE_API_BASE_URL")
	setIfEnv(&c.Datastore.APIToken, "DATASTORE_API_TOKEN")
	setIfEnv(&c.Datastore.BaseID, "DATASTORE_BASE_ID")
	setIfEnv(&c.Datastore.APIBaseURL, "DATASTORE_API_BASE_URL")

	c.Runtime = Runtime{
		ListenAddress: getEnv("LISTEN_ADDRESS", ":8080"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Schedule:      getEnv("BULK_SCHEDULE", "0 */6 * * *"),
		PollInterval:  getEnvDuration("POLL_INTERVAL", time.Minute),
	}
}

func (c *Config) applyDefaults() {
	if c.Source.TokenFile == "" {
		c.Source.TokenFile = "source_token.json"
	}
	if c.Datastore.APIBaseURL == "" {
		c.Datastore.APIBaseURL = "https://api.airtable.com"
	}
	if c.Datastore.ModulesTable == "" {
		c.Datastore.ModulesTable = "Sync Modules"
	}
	if c.Datastore.FieldsTable == "" {
		c.Datastore.FieldsTable = "Sync Fields"
	}
}

func setIfEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
