package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/bsmn/ndasynapse/pkg/errors"
)

// Credential sources accepted in credentials.source
const (
	SourceConfig         = "config"
	SourceVault          = "vault"
	SourceSecretsManager = "secretsmanager"
)

// Config represents the complete configuration structure
type Config struct {
	NDA         NDAConfig         `mapstructure:"nda"`
	Synapse     SynapseConfig     `mapstructure:"synapse"`
	AWS         AWSConfig         `mapstructure:"aws"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// NDAConfig contains NDA submission API and token service settings
type NDAConfig struct {
	Username       string  `mapstructure:"username"`
	Password       string  `mapstructure:"password"`
	TokenURL       string  `mapstructure:"token_url"`
	APIURL         string  `mapstructure:"api_url"`
	TimeoutSecs    int     `mapstructure:"timeout"`
	RetryMax       int     `mapstructure:"retry_max"`
	RetryDelaySecs int     `mapstructure:"retry_delay"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateBurst      int     `mapstructure:"rate_burst"`
}

func (n NDAConfig) Timeout() time.Duration {
	return time.Duration(n.TimeoutSecs) * time.Second
}

func (n NDAConfig) RetryDelay() time.Duration {
	return time.Duration(n.RetryDelaySecs) * time.Second
}

// SynapseConfig contains Synapse REST API settings
type SynapseConfig struct {
	URL         string `mapstructure:"url"`
	AuthToken   string `mapstructure:"auth_token"`
	ParentID    string `mapstructure:"parent_id"`
	TimeoutSecs int    `mapstructure:"timeout"`
	RetryMax    int    `mapstructure:"retry_max"`
}

func (s SynapseConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// AWSConfig controls the S3 client used to read NDA-hosted objects
type AWSConfig struct {
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// CredentialsConfig selects where NDA and Synapse secrets come from
type CredentialsConfig struct {
	Source        string `mapstructure:"source"`
	VaultURL      string `mapstructure:"vault_url"`
	VaultBackend  string `mapstructure:"vault_backend"`
	VaultAppRole  string `mapstructure:"vault_approle"`
	VaultSecretID string `mapstructure:"vault_secret_id"`
	VaultPath     string `mapstructure:"vault_path"`
	VaultCABundle string `mapstructure:"vault_ca_bundle"`
	SecretID      string `mapstructure:"secret_id"`
}

// SyncConfig contains sync engine settings
type SyncConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	StateDB     string `mapstructure:"state_db"`
	DryRun      bool   `mapstructure:"dry_run"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		NDA: NDAConfig{
			TokenURL:       "https://nda.nih.gov/DataManager/dataManager",
			APIURL:         "https://nda.nih.gov/api",
			TimeoutSecs:    60,
			RetryMax:       3,
			RetryDelaySecs: 5,
			RateLimit:      5,
			RateBurst:      10,
		},
		Synapse: SynapseConfig{
			URL:         "https://repo-prod.prod.sagebase.org",
			TimeoutSecs: 60,
			RetryMax:    3,
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Credentials: CredentialsConfig{
			Source:       SourceConfig,
			VaultBackend: "secret",
			VaultPath:    "ndasynapse",
		},
		Sync: SyncConfig{
			Concurrency: 4,
			StateDB:     "ndasynapse.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("toml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("/etc/ndasynapse")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("NDASYNAPSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvironmentVariables(v)
	setDefaults(v, config)

	if err := v.ReadInConfig(); err != nil {
		// An explicitly named file must exist; otherwise defaults and env suffice
		if configPath != "" {
			return nil, errors.NewConfigError("", fmt.Sprintf("failed to read config file %s: %v", configPath, err), err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, errors.NewConfigError("", "failed to unmarshal config", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// bindEnvironmentVariables binds well-known variable names used by the
// NDA, Synapse, Vault and AWS command line tools
func bindEnvironmentVariables(v *viper.Viper) {
	v.BindEnv("nda.username", "NDA_USERNAME", "NDASYNAPSE_NDA_USERNAME")
	v.BindEnv("nda.password", "NDA_PASSWORD", "NDASYNAPSE_NDA_PASSWORD")
	v.BindEnv("synapse.auth_token", "SYNAPSE_AUTH_TOKEN", "NDASYNAPSE_SYNAPSE_AUTH_TOKEN")
	v.BindEnv("aws.region", "NDASYNAPSE_AWS_REGION", "AWS_REGION")

	v.BindEnv("credentials.vault_url", "NDASYNAPSE_CREDENTIALS_VAULT_URL", "VAULT_ADDR")
	v.BindEnv("credentials.vault_ca_bundle", "NDASYNAPSE_CREDENTIALS_VAULT_CA_BUNDLE", "VAULT_CACERT")
	v.BindEnv("credentials.vault_approle", "NDASYNAPSE_CREDENTIALS_VAULT_APPROLE", "VAULT_APPROLE")
	v.BindEnv("credentials.vault_secret_id", "NDASYNAPSE_CREDENTIALS_VAULT_SECRET_ID", "VAULT_SECRET_ID")

	v.BindEnv("logging.level", "NDASYNAPSE_LOG_LEVEL")
	v.BindEnv("logging.format", "NDASYNAPSE_LOG_FORMAT")
	v.BindEnv("logging.output", "NDASYNAPSE_LOG_OUTPUT")
}

// setDefaults sets default values in viper so env-only keys unmarshal
func setDefaults(v *viper.Viper, config *Config) {
	v.SetDefault("nda.username", config.NDA.Username)
	v.SetDefault("nda.password", config.NDA.Password)
	v.SetDefault("nda.token_url", config.NDA.TokenURL)
	v.SetDefault("nda.api_url", config.NDA.APIURL)
	v.SetDefault("nda.timeout", config.NDA.TimeoutSecs)
	v.SetDefault("nda.retry_max", config.NDA.RetryMax)
	v.SetDefault("nda.retry_delay", config.NDA.RetryDelaySecs)
	v.SetDefault("nda.rate_limit", config.NDA.RateLimit)
	v.SetDefault("nda.rate_burst", config.NDA.RateBurst)

	v.SetDefault("synapse.url", config.Synapse.URL)
	v.SetDefault("synapse.auth_token", config.Synapse.AuthToken)
	v.SetDefault("synapse.parent_id", config.Synapse.ParentID)
	v.SetDefault("synapse.timeout", config.Synapse.TimeoutSecs)
	v.SetDefault("synapse.retry_max", config.Synapse.RetryMax)

	v.SetDefault("aws.region", config.AWS.Region)
	v.SetDefault("aws.endpoint", config.AWS.Endpoint)
	v.SetDefault("aws.force_path_style", config.AWS.ForcePathStyle)

	v.SetDefault("credentials.source", config.Credentials.Source)
	v.SetDefault("credentials.vault_url", config.Credentials.VaultURL)
	v.SetDefault("credentials.vault_backend", config.Credentials.VaultBackend)
	v.SetDefault("credentials.vault_approle", config.Credentials.VaultAppRole)
	v.SetDefault("credentials.vault_secret_id", config.Credentials.VaultSecretID)
	v.SetDefault("credentials.vault_path", config.Credentials.VaultPath)
	v.SetDefault("credentials.vault_ca_bundle", config.Credentials.VaultCABundle)
	v.SetDefault("credentials.secret_id", config.Credentials.SecretID)

	v.SetDefault("sync.concurrency", config.Sync.Concurrency)
	v.SetDefault("sync.state_db", config.Sync.StateDB)
	v.SetDefault("sync.dry_run", config.Sync.DryRun)

	v.SetDefault("logging.level", config.Logging.Level)
	v.SetDefault("logging.format", config.Logging.Format)
	v.SetDefault("logging.output", config.Logging.Output)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validateURL("nda.token_url", c.NDA.TokenURL); err != nil {
		return err
	}
	if err := validateURL("nda.api_url", c.NDA.APIURL); err != nil {
		return err
	}
	if c.NDA.TimeoutSecs <= 0 {
		return errors.NewConfigError("nda.timeout", "timeout must be positive", nil)
	}
	if c.NDA.RetryMax < 0 {
		return errors.NewConfigError("nda.retry_max", "retry_max cannot be negative", nil)
	}
	if c.NDA.RetryDelaySecs < 0 {
		return errors.NewConfigError("nda.retry_delay", "retry_delay cannot be negative", nil)
	}
	if c.NDA.RateLimit < 0 {
		return errors.NewConfigError("nda.rate_limit", "rate_limit cannot be negative", nil)
	}

	if err := validateURL("synapse.url", c.Synapse.URL); err != nil {
		return err
	}
	if c.Synapse.TimeoutSecs <= 0 {
		return errors.NewConfigError("synapse.timeout", "timeout must be positive", nil)
	}
	if c.Synapse.RetryMax < 0 {
		return errors.NewConfigError("synapse.retry_max", "retry_max cannot be negative", nil)
	}
	if c.Synapse.ParentID != "" && !strings.HasPrefix(strings.ToLower(c.Synapse.ParentID), "syn") {
		return errors.NewConfigError("synapse.parent_id", fmt.Sprintf("not a Synapse ID: %s", c.Synapse.ParentID), nil)
	}

	if c.AWS.Region == "" {
		return errors.NewConfigError("aws.region", "region cannot be empty", nil)
	}

	if err := c.Credentials.validate(); err != nil {
		return err
	}

	if c.Sync.Concurrency <= 0 {
		return errors.NewConfigError("sync.concurrency", "concurrency must be positive", nil)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return errors.NewConfigError("logging.level", fmt.Sprintf("invalid log level: %s", c.Logging.Level), nil)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return errors.NewConfigError("logging.format", fmt.Sprintf("invalid log format: %s", c.Logging.Format), nil)
	}

	if c.Logging.Output != "stdout" && c.Logging.Output != "stderr" {
		dir := filepath.Dir(c.Logging.Output)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return errors.NewConfigError("logging.output", fmt.Sprintf("log output directory does not exist: %s", dir), err)
		}
	}

	return nil
}

func (c CredentialsConfig) validate() error {
	switch c.Source {
	case SourceConfig:
		return nil
	case SourceVault:
		if err := validateURL("credentials.vault_url", c.VaultURL); err != nil {
			return err
		}
		if c.VaultBackend == "" {
			return errors.NewConfigError("credentials.vault_backend", "backend cannot be empty", nil)
		}
		if c.VaultAppRole == "" {
			return errors.NewConfigError("credentials.vault_approle", "AppRole ID is required for authentication", nil)
		}
		if c.VaultSecretID == "" {
			return errors.NewConfigError("credentials.vault_secret_id", "Secret ID is required for authentication", nil)
		}
		if c.VaultPath == "" {
			return errors.NewConfigError("credentials.vault_path", "secret path cannot be empty", nil)
		}
		if c.VaultCABundle != "" {
			if _, err := os.Stat(c.VaultCABundle); err != nil {
				return errors.NewConfigError("credentials.vault_ca_bundle", fmt.Sprintf("CA bundle file not found: %s", c.VaultCABundle), err)
			}
		}
		return nil
	case SourceSecretsManager:
		if c.SecretID == "" {
			return errors.NewConfigError("credentials.secret_id", "secret ID is required for Secrets Manager", nil)
		}
		return nil
	default:
		return errors.NewConfigError("credentials.source", fmt.Sprintf("unknown credential source: %s", c.Source), nil)
	}
}

func validateURL(field, raw string) error {
	if raw == "" {
		return errors.NewConfigError(field, "URL cannot be empty", nil)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.NewConfigError(field, fmt.Sprintf("invalid URL: %s", raw), err)
	}
	return nil
}
