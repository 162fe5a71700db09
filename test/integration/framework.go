package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/sirupsen/logrus"
)

const (
	vaultImage     = "hashicorp/vault:1.15"
	vaultRootToken = "test-root-token"
	vaultRole      = "ndasynapse-test"
	secretPath     = "ndasynapse"

	// Values stored in the Vault secret
	TestNDAUsername  = "integration-user"
	TestNDAPassword  = "integration-pass"
	TestSynapseToken = "integration-token"
)

// TestFramework provides integration testing infrastructure
type TestFramework struct {
	t              *testing.T
	logger         *logrus.Logger
	dockerClient   *client.Client
	vaultContainer string
	vaultAddr      string
	vaultToken     string
	roleID         string
	secretID       string
	tempDir        string
	binaryPath     string
}

// NewTestFramework creates a new integration test framework
func NewTestFramework(t *testing.T) *TestFramework {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(io.Discard) // Suppress logs during tests unless needed

	return &TestFramework{
		t:      t,
		logger: logger,
	}
}

// Setup builds the binary and prepares a scratch directory
func (tf *TestFramework) Setup() error {
	tempDir, err := os.MkdirTemp("", "ndasynapse-test-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	tf.tempDir = tempDir

	if err := tf.buildBinary(); err != nil {
		return fmt.Errorf("failed to build binary: %w", err)
	}
	return nil
}

// StartVault starts a dev-mode Vault container and seeds it with an AppRole
// and the ndasynapse credentials secret
func (tf *TestFramework) StartVault() error {
	if err := tf.initDocker(); err != nil {
		return fmt.Errorf("failed to initialize Docker: %w", err)
	}
	if err := tf.startVaultContainer(); err != nil {
		return fmt.Errorf("failed to start Vault container: %w", err)
	}
	if err := tf.configureVault(); err != nil {
		return fmt.Errorf("failed to configure Vault: %w", err)
	}
	return nil
}

// Cleanup tears down the test environment
func (tf *TestFramework) Cleanup() {
	if tf.vaultContainer != "" && tf.dockerClient != nil {
		ctx := context.Background()
		tf.dockerClient.ContainerStop(ctx, tf.vaultContainer, container.StopOptions{})
		tf.dockerClient.ContainerRemove(ctx, tf.vaultContainer, types.ContainerRemoveOptions{Force: true})
	}

	if tf.tempDir != "" {
		os.RemoveAll(tf.tempDir)
	}

	if tf.dockerClient != nil {
		tf.dockerClient.Close()
	}
}

// buildBinary uses build/ndasynapse when present, otherwise compiles it
func (tf *TestFramework) buildBinary() error {
	projectRoot, err := findProjectRoot()
	if err != nil {
		return err
	}

	prebuilt := filepath.Join(projectRoot, "build", "ndasynapse")
	if _, err := os.Stat(prebuilt); err == nil {
		tf.binaryPath = prebuilt
		tf.logger.WithField("path", prebuilt).Debug("Using pre-built binary")
		return nil
	}

	tf.binaryPath = filepath.Join(tf.tempDir, "ndasynapse")
	cmd := exec.Command("go", "build", "-o", tf.binaryPath, "./cmd/ndasynapse")
	cmd.Dir = projectRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// findProjectRoot walks up to the main module, skipping this test module
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "cmd", "ndasynapse")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("could not find project root (cmd/ndasynapse)")
}

// initDocker initializes the Docker client
func (tf *TestFramework) initDocker() error {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	tf.dockerClient = dockerClient

	if _, err := dockerClient.Ping(context.Background()); err != nil {
		return fmt.Errorf("Docker is not available: %w", err)
	}
	return nil
}

// startVaultContainer starts a Vault dev server on a random local port
func (tf *TestFramework) startVaultContainer() error {
	ctx := context.Background()

	if _, _, err := tf.dockerClient.ImageInspectWithRaw(ctx, vaultImage); err != nil {
		tf.logger.Debug("Pulling Vault Docker image...")
		reader, err := tf.dockerClient.ImagePull(ctx, vaultImage, types.ImagePullOptions{})
		if err != nil {
			return fmt.Errorf("failed to pull Vault image: %w", err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	config := &container.Config{
		Image: vaultImage,
		Env: []string{
			"VAULT_DEV_ROOT_TOKEN_ID=" + vaultRootToken,
			"VAULT_DEV_LISTEN_ADDRESS=0.0.0.0:8200",
		},
		ExposedPorts: nat.PortSet{
			"8200/tcp": struct{}{},
		},
		Cmd: []string{"server", "-dev"},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"8200/tcp": []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		AutoRemove: true,
		CapAdd:     []string{"IPC_LOCK"},
	}

	resp, err := tf.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create Vault container: %w", err)
	}
	tf.vaultContainer = resp.ID

	if err := tf.dockerClient.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start Vault container: %w", err)
	}

	info, err := tf.dockerClient.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect Vault container: %w", err)
	}
	bindings := info.NetworkSettings.Ports["8200/tcp"]
	if len(bindings) == 0 {
		return fmt.Errorf("Vault port is not published")
	}

	tf.vaultAddr = fmt.Sprintf("http://127.0.0.1:%s", bindings[0].HostPort)
	tf.vaultToken = vaultRootToken

	if err := tf.waitForVault(); err != nil {
		return fmt.Errorf("Vault failed to start: %w", err)
	}

	tf.logger.WithField("vault_addr", tf.vaultAddr).Debug("Vault container started successfully")
	return nil
}

// waitForVault polls the health endpoint until Vault answers
func (tf *TestFramework) waitForVault() error {
	httpClient := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := httpClient.Get(tf.vaultAddr + "/v1/sys/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("Vault failed to become ready within timeout")
}

// vault runs the vault CLI against the test server as root
func (tf *TestFramework) vault(args ...string) (string, error) {
	cmd := exec.Command("vault", args...)
	cmd.Env = append(os.Environ(),
		"VAULT_ADDR="+tf.vaultAddr,
		"VAULT_TOKEN="+tf.vaultToken,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("vault %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out)), nil
}

// configureVault enables AppRole, grants read on the credentials secret and
// writes it
func (tf *TestFramework) configureVault() error {
	if _, err := tf.vault("auth", "enable", "approle"); err != nil {
		return err
	}

	policyContent := fmt.Sprintf(`
path "secret/data/%s" {
  capabilities = ["read"]
}
`, secretPath)
	policyFile := filepath.Join(tf.tempDir, "test-policy.hcl")
	if err := os.WriteFile(policyFile, []byte(policyContent), 0644); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	if _, err := tf.vault("policy", "write", vaultRole, policyFile); err != nil {
		return err
	}

	if _, err := tf.vault("write", "auth/approle/role/"+vaultRole,
		"token_policies="+vaultRole,
		"token_ttl=1h",
		"token_max_ttl=4h"); err != nil {
		return err
	}

	if _, err := tf.vault("kv", "put", "secret/"+secretPath,
		"nda_username="+TestNDAUsername,
		"nda_password="+TestNDAPassword,
		"synapse_auth_token="+TestSynapseToken); err != nil {
		return err
	}

	roleID, err := tf.vault("read", "-field=role_id", "auth/approle/role/"+vaultRole+"/role-id")
	if err != nil {
		return err
	}
	secretID, err := tf.vault("write", "-f", "-field=secret_id", "auth/approle/role/"+vaultRole+"/secret-id")
	if err != nil {
		return err
	}
	tf.roleID, tf.secretID = roleID, secretID

	tf.logger.Debug("Vault configured successfully for testing")
	return nil
}

// VaultAvailable reports whether a seeded Vault is running
func (tf *TestFramework) VaultAvailable() bool {
	return tf.vaultAddr != "" && tf.roleID != ""
}

// VaultConfig describes the [credentials] section of a test config
type VaultConfig struct {
	URL      string
	AppRole  string
	SecretID string
	Path     string
}

// DefaultVaultConfig points at the seeded secret with a valid AppRole
func (tf *TestFramework) DefaultVaultConfig() VaultConfig {
	return VaultConfig{URL: tf.vaultAddr, AppRole: tf.roleID, SecretID: tf.secretID, Path: secretPath}
}

// CreateTestConfig writes a config file using Vault credentials. extra is
// appended verbatim.
func (tf *TestFramework) CreateTestConfig(name string, vc VaultConfig, extra string) (string, error) {
	configContent := fmt.Sprintf(`[credentials]
source = "vault"
vault_url = "%s"
vault_backend = "secret"
vault_approle = "%s"
vault_secret_id = "%s"
vault_path = "%s"

[sync]
state_db = "%s"

[logging]
level = "debug"
format = "text"
output = "stderr"
%s`, vc.URL, vc.AppRole, vc.SecretID, vc.Path, filepath.Join(tf.tempDir, name+".db"), extra)

	configFile := filepath.Join(tf.tempDir, name+".toml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configFile, nil
}

// CreateLocalConfig writes a config file that needs no remote services
func (tf *TestFramework) CreateLocalConfig(name string) (string, error) {
	configContent := fmt.Sprintf(`[sync]
state_db = "%s"

[logging]
level = "error"
`, filepath.Join(tf.tempDir, name+".db"))

	configFile := filepath.Join(tf.tempDir, name+".toml")
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configFile, nil
}

// RunCommand executes the ndasynapse binary with given arguments. Ambient
// credentials are stripped so only the config file applies.
func (tf *TestFramework) RunCommand(args ...string) (string, string, error) {
	cmd := exec.Command(tf.binaryPath, args...)
	for _, kv := range os.Environ() {
		name := kv[:strings.IndexByte(kv, '=')]
		switch {
		case strings.HasPrefix(name, "NDASYNAPSE_"), strings.HasPrefix(name, "VAULT_"),
			name == "NDA_USERNAME", name == "NDA_PASSWORD", name == "SYNAPSE_AUTH_TOKEN":
			continue
		}
		cmd.Env = append(cmd.Env, kv)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// GetTempDir returns the temporary directory for the test
func (tf *TestFramework) GetTempDir() string {
	return tf.tempDir
}

// RequireVault skips the test if no Vault container could be started
func (tf *TestFramework) RequireVault() {
	if !tf.VaultAvailable() {
		tf.t.Skip("Vault is not available")
	}
}
