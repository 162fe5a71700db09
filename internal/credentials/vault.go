package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/internal/config"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

// VaultProvider reads credentials from a Vault KV v2 secret after an
// AppRole login
type VaultProvider struct {
	client   *api.Client
	config   *config.CredentialsConfig
	logger   *logrus.Logger
	token    string
	tokenExp time.Time
}

// NewVaultProvider creates a new Vault-backed provider
func NewVaultProvider(cfg *config.CredentialsConfig, timeout time.Duration, logger *logrus.Logger) (*VaultProvider, error) {
	if cfg == nil {
		return nil, errors.New("vault configuration cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.VaultURL
	if timeout > 0 {
		vaultConfig.Timeout = timeout
	}

	if cfg.VaultCABundle != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.VaultCABundle}); err != nil {
			return nil, errors.Wrap(err, "failed to configure TLS")
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Vault client")
	}
	// Never pick up a token from VAULT_TOKEN; only AppRole logins are used
	client.ClearToken()

	return &VaultProvider{
		client: client,
		config: cfg,
		logger: logger,
	}, nil
}

func (p *VaultProvider) Name() string {
	return config.SourceVault
}

// Authenticate performs AppRole authentication and sets the client token
func (p *VaultProvider) Authenticate(ctx context.Context) error {
	p.logger.Debug("Starting AppRole authentication")

	data := map[string]interface{}{
		"role_id":   p.config.VaultAppRole,
		"secret_id": p.config.VaultSecretID,
	}

	resp, err := p.client.Logical().WriteWithContext(ctx, "auth/approle/login", data)
	if err != nil {
		return errors.NewCredentialError(p.Name(), fmt.Errorf("AppRole authentication failed: %w", err))
	}
	if resp == nil || resp.Auth == nil {
		return errors.NewCredentialError(p.Name(), fmt.Errorf("empty authentication response from Vault"))
	}

	p.token = resp.Auth.ClientToken
	p.client.SetToken(p.token)
	p.tokenExp = time.Time{}
	if resp.Auth.LeaseDuration > 0 {
		p.tokenExp = time.Now().Add(time.Duration(resp.Auth.LeaseDuration) * time.Second)
	}

	p.logger.WithFields(logrus.Fields{
		"lease_duration": resp.Auth.LeaseDuration,
		"renewable":      resp.Auth.Renewable,
		"policies":       resp.Auth.Policies,
	}).Info("Authenticated with Vault")

	return nil
}

// IsTokenValid checks if the current token is valid and not expired
func (p *VaultProvider) IsTokenValid() bool {
	if p.token == "" {
		return false
	}
	// 30 second buffer
	if !p.tokenExp.IsZero() && time.Now().Add(30*time.Second).After(p.tokenExp) {
		return false
	}
	return true
}

// EnsureAuthenticated re-authenticates when the token is missing or stale
func (p *VaultProvider) EnsureAuthenticated(ctx context.Context) error {
	if p.IsTokenValid() {
		return nil
	}
	return p.Authenticate(ctx)
}

// ReadSecret reads a KV v2 secret below the configured backend
func (p *VaultProvider) ReadSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	if err := p.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	fullPath := fmt.Sprintf("%s/data/%s", strings.Trim(p.config.VaultBackend, "/"), strings.Trim(path, "/"))
	p.logger.WithField("path", fullPath).Debug("Reading secret from Vault")

	resp, err := p.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, errors.NewCredentialError(p.Name(), fmt.Errorf("read %s: %w", fullPath, err))
	}
	if resp == nil || resp.Data == nil {
		return nil, errors.NewCredentialError(p.Name(), fmt.Errorf("secret not found at %s", fullPath))
	}

	data, ok := resp.Data["data"].(map[string]interface{})
	if !ok {
		return nil, errors.NewCredentialError(p.Name(), fmt.Errorf("invalid data format in secret %s", fullPath))
	}
	return data, nil
}

// Fetch reads NDA and Synapse credentials from the configured Vault path
func (p *VaultProvider) Fetch(ctx context.Context) (*Credentials, error) {
	data, err := p.ReadSecret(ctx, p.config.VaultPath)
	if err != nil {
		return nil, err
	}
	return fromMap(data), nil
}

// Close clears the Vault token
func (p *VaultProvider) Close() error {
	p.token = ""
	p.tokenExp = time.Time{}
	if p.client != nil {
		p.client.ClearToken()
	}
	return nil
}
