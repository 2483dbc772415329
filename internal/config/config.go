package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/a8m/envsubst"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Core struct {
		// AdminUser defines the default administrator account that will be created
		AdminUser     string `yaml:"admin_user" env:"IDS_ADMIN_USER"`
		AdminPassword string `yaml:"admin_password" env:"IDS_ADMIN_PASSWORD"`
		// AdminRole is created on startup and assigned to the default administrator account
		AdminRole string `yaml:"admin_role" env:"IDS_ADMIN_ROLE"`
	} `yaml:"core"`

	Advanced struct {
		LogLevel       string        `yaml:"log_level" env:"IDS_LOG_LEVEL"`
		LogPretty      bool          `yaml:"log_pretty" env:"IDS_LOG_PRETTY"`
		LogJson        bool          `yaml:"log_json" env:"IDS_LOG_JSON"`
		StartupTimeout time.Duration `yaml:"startup_timeout" env:"IDS_STARTUP_TIMEOUT"`
	} `yaml:"advanced"`

	Identity IdentityConfig `yaml:"identity"`

	Database DatabaseConfig `yaml:"database"`

	Audit struct {
		// CollectAuditData enables the audit recorder, account and authentication events are persisted to the database
		CollectAuditData bool `yaml:"collect_audit_data" env:"IDS_COLLECT_AUDIT_DATA"`
	} `yaml:"audit"`

	Metrics struct {
		Enabled          bool   `yaml:"enabled" env:"IDS_METRICS_ENABLED"`
		ListeningAddress string `yaml:"listening_address" env:"IDS_METRICS_ADDRESS"`
	} `yaml:"metrics"`
}

func defaultConfig() *Config {
	cfg := &Config{}

	cfg.Core.AdminUser = "admin"
	cfg.Core.AdminRole = "Administrator"

	cfg.Advanced.LogLevel = "info"
	cfg.Advanced.StartupTimeout = 30 * time.Second

	cfg.Identity = defaultIdentityConfig()

	cfg.Database = DatabaseConfig{
		Type: DatabaseSQLite,
		DSN:  "data/identity.db",
	}

	cfg.Audit.CollectAuditData = true

	cfg.Metrics.Enabled = false
	cfg.Metrics.ListeningAddress = ":8787"

	return cfg
}

// GetConfig returns the default configuration, overridden by the values of the YAML config file and
// the environment. The config file name is read from IDENTITY_STORE_CONFIG and defaults to config.yml.
// A missing config file is not an error.
func GetConfig() (*Config, error) {
	cfg := defaultConfig()

	// override config values from YAML file

	cfgFileName := "config.yml"
	if envCfgFileName := os.Getenv("IDENTITY_STORE_CONFIG"); envCfgFileName != "" {
		cfgFileName = envCfgFileName
	}

	if err := loadConfigFile(cfg, cfgFileName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config from yaml: %w", err)
	}

	// override config values from environment

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for values that would break the stores at runtime.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case DatabaseMySQL, DatabaseMsSQL, DatabasePostgres, DatabaseSQLite:
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}

	if c.Database.DSN == "" {
		return errors.New("missing database dsn")
	}

	return c.Identity.Validate()
}

// loadConfigFile reads the YAML file, expands environment variable references like ${VAR} and decodes it into cfg.
func loadConfigFile(cfg any, filename string) error {
	data, err := envsubst.ReadFile(filename)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}

	return nil
}
