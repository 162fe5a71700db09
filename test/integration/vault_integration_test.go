//go:build integration
// +build integration

package integration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestVaultCredentials resolves NDA and Synapse credentials through AppRole
func TestVaultCredentials(t *testing.T) {
	framework := SetupTest(t)
	framework.RequireVault()

	t.Run("credentials_from_vault", func(t *testing.T) {
		configFile, err := framework.CreateTestConfig("vault", framework.DefaultVaultConfig(), "")
		require.NoError(t, err)

		stdout, stderr, err := framework.RunCommand("--config", configFile, "check")
		require.NoError(t, err, stderr)
		assert.Contains(t, stdout, "credentials source: vault")
		assert.Contains(t, stdout, "nda username: "+TestNDAUsername)
		assert.Contains(t, stdout, "nda password: set")
		assert.Contains(t, stdout, "synapse token: set")
		assert.NotContains(t, stdout, TestNDAPassword)
		assert.NotContains(t, stdout, TestSynapseToken)
	})

	t.Run("config_overrides_vault", func(t *testing.T) {
		configFile, err := framework.CreateTestConfig("override", framework.DefaultVaultConfig(), `
[nda]
username = "local-user"
`)
		require.NoError(t, err)

		stdout, stderr, err := framework.RunCommand("--config", configFile, "check")
		require.NoError(t, err, stderr)
		assert.Contains(t, stdout, "nda username: local-user")
		assert.Contains(t, stdout, "nda password: set")
	})

	t.Run("debug_logging_reports_authentication", func(t *testing.T) {
		configFile, err := framework.CreateTestConfig("logging", framework.DefaultVaultConfig(), "")
		require.NoError(t, err)

		_, stderr, err := framework.RunCommand("--config", configFile, "check")
		require.NoError(t, err)
		assert.Contains(t, stderr, "Authenticated with Vault")
	})
}

// TestVaultFailures covers the ways Vault resolution can fail
func TestVaultFailures(t *testing.T) {
	framework := SetupTest(t)
	framework.RequireVault()

	tests := []struct {
		name   string
		mutate func(vc *VaultConfig)
		errMsg string
	}{
		{
			name: "invalid_approle",
			mutate: func(vc *VaultConfig) {
				vc.AppRole = "invalid-role-id"
				vc.SecretID = "invalid-secret-id"
			},
			errMsg: "AppRole authentication failed",
		},
		{
			name:   "missing_secret",
			mutate: func(vc *VaultConfig) { vc.Path = "does-not-exist" },
			errMsg: "Failed to resolve credentials from vault",
		},
		{
			name:   "unreachable_vault",
			mutate: func(vc *VaultConfig) { vc.URL = "http://127.0.0.1:9" },
			errMsg: "Failed to resolve credentials from vault",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vc := framework.DefaultVaultConfig()
			tt.mutate(&vc)
			configFile, err := framework.CreateTestConfig(tt.name, vc, "")
			require.NoError(t, err)

			_, stderr, err := framework.RunCommand("--config", configFile, "check")
			assert.Error(t, err)
			assert.Contains(t, stderr, tt.errMsg)
		})
	}
}
