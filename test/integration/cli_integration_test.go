//go:build integration
// +build integration

package integration

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCommandLineInterface exercises the binary without remote services
func TestCommandLineInterface(t *testing.T) {
	framework := SetupTest(t)
	configFile, err := framework.CreateLocalConfig("local")
	require.NoError(t, err)

	t.Run("help", func(t *testing.T) {
		stdout, stderr, err := framework.RunCommand("--help")
		assert.NoError(t, err)
		assert.Empty(t, stderr)
		for _, sub := range []string{"check", "files", "manifest", "runs", "submissions", "sync", "token", "version"} {
			assert.Contains(t, stdout, sub)
		}
	})

	t.Run("version", func(t *testing.T) {
		stdout, _, err := framework.RunCommand("version")
		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(stdout, "ndasynapse 0.1"))
	})

	t.Run("missing_config_file", func(t *testing.T) {
		_, stderr, err := framework.RunCommand("--config", filepath.Join(framework.GetTempDir(), "nope.toml"), "runs")
		assert.Error(t, err)
		assert.Contains(t, stderr, "failed to read config file")
	})

	t.Run("runs_on_empty_state", func(t *testing.T) {
		stdout, stderr, err := framework.RunCommand("--config", configFile, "runs")
		require.NoError(t, err, stderr)
		assert.Contains(t, stdout, "RUN")
		assert.Contains(t, stdout, "STATUS")
	})

	t.Run("sync_requires_selection", func(t *testing.T) {
		_, stderr, err := framework.RunCommand("--config", configFile, "sync", "--parent", "syn123")
		assert.Error(t, err)
		assert.Contains(t, stderr, "either a collection or at least one submission")
	})

	t.Run("manifest_requires_parent", func(t *testing.T) {
		_, stderr, err := framework.RunCommand("--config", configFile, "manifest", "--collection", "2458")
		assert.Error(t, err)
		assert.Contains(t, stderr, "synapse.parent_id")
	})

	t.Run("token_requires_nda_account", func(t *testing.T) {
		_, stderr, err := framework.RunCommand("--config", configFile, "token")
		assert.Error(t, err)
		assert.Contains(t, stderr, "NDA username and password are required")
	})
}
