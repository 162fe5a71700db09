//go:build integration
// +build integration

package integration

import (
	"testing"
)

// SetupTest returns a framework bound to t that shares the binary and Vault
// started by TestMain
func SetupTest(t *testing.T) *TestFramework {
	return &TestFramework{
		t:          t,
		logger:     sharedFramework.logger,
		vaultAddr:  sharedFramework.vaultAddr,
		vaultToken: sharedFramework.vaultToken,
		roleID:     sharedFramework.roleID,
		secretID:   sharedFramework.secretID,
		tempDir:    t.TempDir(),
		binaryPath: sharedFramework.binaryPath,
	}
}
