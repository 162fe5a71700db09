// Package credentials resolves the NDA account and Synapse access token
// from the config file, HashiCorp Vault or AWS Secrets Manager.
package credentials

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/internal/config"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

// Keys expected in remote secrets
const (
	KeyNDAUsername      = "nda_username"
	KeyNDAPassword      = "nda_password"
	KeySynapseAuthToken = "synapse_auth_token"
)

// Credentials holds the secrets needed to talk to NDA and Synapse
type Credentials struct {
	NDAUsername      string
	NDAPassword      string
	SynapseAuthToken string
}

// Provider fetches credentials from one source
type Provider interface {
	Fetch(ctx context.Context) (*Credentials, error)
	Name() string
}

// StaticProvider returns credentials taken from configuration
type StaticProvider struct {
	creds Credentials
}

// NewStaticProvider creates a provider from configuration values
func NewStaticProvider(cfg *config.Config) *StaticProvider {
	return &StaticProvider{creds: FromConfig(cfg)}
}

func (p *StaticProvider) Fetch(ctx context.Context) (*Credentials, error) {
	c := p.creds
	return &c, nil
}

func (p *StaticProvider) Name() string {
	return config.SourceConfig
}

// FromConfig extracts the credentials present in configuration
func FromConfig(cfg *config.Config) Credentials {
	return Credentials{
		NDAUsername:      cfg.NDA.Username,
		NDAPassword:      cfg.NDA.Password,
		SynapseAuthToken: cfg.Synapse.AuthToken,
	}
}

// fromMap reads the well-known keys from a secret payload
func fromMap(data map[string]interface{}) *Credentials {
	str := func(key string) string {
		if v, ok := data[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	return &Credentials{
		NDAUsername:      str(KeyNDAUsername),
		NDAPassword:      str(KeyNDAPassword),
		SynapseAuthToken: str(KeySynapseAuthToken),
	}
}

// Merge fills empty fields of base from overlay
func Merge(base, overlay Credentials) Credentials {
	if base.NDAUsername == "" {
		base.NDAUsername = overlay.NDAUsername
	}
	if base.NDAPassword == "" {
		base.NDAPassword = overlay.NDAPassword
	}
	if base.SynapseAuthToken == "" {
		base.SynapseAuthToken = overlay.SynapseAuthToken
	}
	return base
}

// NewProvider selects the provider named by credentials.source
func NewProvider(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (Provider, error) {
	switch cfg.Credentials.Source {
	case "", config.SourceConfig:
		return NewStaticProvider(cfg), nil
	case config.SourceVault:
		return NewVaultProvider(&cfg.Credentials, cfg.NDA.Timeout(), logger)
	case config.SourceSecretsManager:
		return NewSecretsManagerProvider(ctx, &cfg.AWS, cfg.Credentials.SecretID, logger)
	default:
		return nil, errors.NewConfigError("credentials.source", fmt.Sprintf("unknown credential source: %s", cfg.Credentials.Source), nil)
	}
}

// Resolve fetches credentials from the configured source. Values set
// directly in configuration take precedence over remote ones.
func Resolve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Credentials, error) {
	provider, err := NewProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	remote, err := provider.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	merged := Merge(FromConfig(cfg), *remote)

	logger.WithFields(logrus.Fields{
		"source":        provider.Name(),
		"nda_username":  merged.NDAUsername,
		"synapse_token": merged.SynapseAuthToken != "",
	}).Debug("Resolved credentials")

	return &merged, nil
}

// RequireNDA checks that an NDA account is available
func (c *Credentials) RequireNDA(source string) error {
	if c.NDAUsername == "" || c.NDAPassword == "" {
		return errors.NewCredentialError(source, fmt.Errorf("NDA username and password are required"))
	}
	return nil
}

// RequireSynapse checks that a Synapse access token is available
func (c *Credentials) RequireSynapse(source string) error {
	if c.SynapseAuthToken == "" {
		return errors.NewCredentialError(source, fmt.Errorf("Synapse auth token is required"))
	}
	return nil
}
