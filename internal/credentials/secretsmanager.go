package credentials

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/internal/config"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

// SecretsAPI is the subset of the Secrets Manager client used here
type SecretsAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

var _ SecretsAPI = (*secretsmanager.Client)(nil)

// SecretsManagerProvider reads a JSON secret from AWS Secrets Manager.
// It authenticates with the ambient AWS credential chain, not NDA tokens.
type SecretsManagerProvider struct {
	client   SecretsAPI
	secretID string
	logger   *logrus.Logger
}

// NewSecretsManagerProvider creates a provider using the default AWS
// credential chain
func NewSecretsManagerProvider(ctx context.Context, cfg *config.AWSConfig, secretID string, logger *logrus.Logger) (*SecretsManagerProvider, error) {
	if secretID == "" {
		return nil, errors.NewConfigError("credentials.secret_id", "secret ID is required for Secrets Manager", nil)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.NewCredentialError(config.SourceSecretsManager, err)
	}

	return NewSecretsManagerProviderWithClient(secretsmanager.NewFromConfig(awsCfg), secretID, logger), nil
}

// NewSecretsManagerProviderWithClient creates a provider around an existing client
func NewSecretsManagerProviderWithClient(client SecretsAPI, secretID string, logger *logrus.Logger) *SecretsManagerProvider {
	if logger == nil {
		logger = logrus.New()
	}
	return &SecretsManagerProvider{client: client, secretID: secretID, logger: logger}
}

func (p *SecretsManagerProvider) Name() string {
	return config.SourceSecretsManager
}

func (p *SecretsManagerProvider) Fetch(ctx context.Context) (*Credentials, error) {
	p.logger.WithField("secret_id", p.secretID).Debug("Reading secret from Secrets Manager")

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretID),
	})
	if err != nil {
		return nil, errors.NewCredentialError(p.Name(), err)
	}

	raw := aws.ToString(out.SecretString)
	if raw == "" && len(out.SecretBinary) > 0 {
		raw = string(out.SecretBinary)
	}
	if raw == "" {
		return nil, errors.NewCredentialError(p.Name(), fmt.Errorf("secret %s is empty", p.secretID))
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errors.NewCredentialError(p.Name(), fmt.Errorf("secret %s is not a JSON object: %w", p.secretID, err))
	}

	return fromMap(data), nil
}
