//go:build integration
// +build integration

package integration

import (
	"log"
	"os"
	"os/exec"
	"testing"
)

var sharedFramework *TestFramework

// TestMain builds the binary once and, when Docker and the vault CLI are
// available, starts one Vault shared by all tests
func TestMain(m *testing.M) {
	sharedFramework = NewTestFramework(&testing.T{})

	if err := sharedFramework.Setup(); err != nil {
		log.Fatalf("Failed to setup shared test framework: %v", err)
	}

	if err := checkDocker(); err != nil {
		log.Printf("Docker not available, Vault tests will be skipped: %v", err)
	} else if err := sharedFramework.StartVault(); err != nil {
		log.Printf("Failed to start Vault, Vault tests will be skipped: %v", err)
	}

	exitCode := m.Run()

	log.Println("Cleaning up shared test resources...")
	sharedFramework.Cleanup()

	os.Exit(exitCode)
}

// checkDocker verifies Docker and the vault CLI are available
func checkDocker() error {
	if _, err := os.Stat("/var/run/docker.sock"); os.IsNotExist(err) && os.Getenv("DOCKER_HOST") == "" {
		return err
	}
	if _, err := exec.LookPath("vault"); err != nil {
		return err
	}
	return nil
}
