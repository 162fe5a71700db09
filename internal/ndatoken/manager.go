package ndatoken

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/pkg/errors"
)

// expiryBuffer is how long before expiration a token is treated as stale
const expiryBuffer = 30 * time.Second

// Source produces fresh tokens
type Source interface {
	Generate(ctx context.Context, username, password string) (*Token, error)
}

// Manager handles the token lifecycle. It caches the current token and
// regenerates it when it is missing or about to expire.
type Manager struct {
	source   Source
	username string
	password string
	logger   *logrus.Logger

	mu    sync.Mutex
	token *Token
	now   func() time.Time
}

var _ aws.CredentialsProvider = (*Manager)(nil)

// NewManager creates a new token manager
func NewManager(source Source, username, password string, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		source:   source,
		username: username,
		password: password,
		logger:   logger,
		now:      time.Now,
	}
}

// isValid checks the cached token; callers hold mu
func (m *Manager) isValid() bool {
	if m.token == nil {
		return false
	}
	if !m.token.Expiration.IsZero() && m.now().Add(expiryBuffer).After(m.token.Expiration) {
		m.logger.Debug("NDA token is near expiration")
		return false
	}
	return true
}

// Get returns a valid token, generating a new one if necessary
func (m *Manager) Get(ctx context.Context) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isValid() {
		return m.token, nil
	}

	if m.source == nil {
		return nil, errors.NewTokenError("no token source configured", nil)
	}

	token, err := m.source.Generate(ctx, m.username, m.password)
	if err != nil {
		return nil, err
	}
	m.token = token
	return token, nil
}

// Retrieve implements aws.CredentialsProvider so the S3 client refreshes
// NDA credentials on its own
func (m *Manager) Retrieve(ctx context.Context) (aws.Credentials, error) {
	token, err := m.Get(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}

	creds := aws.Credentials{
		AccessKeyID:     token.AccessKey,
		SecretAccessKey: token.SecretKey,
		SessionToken:    token.SessionToken,
		Source:          "NDATokenGenerator",
	}
	if !token.Expiration.IsZero() {
		creds.CanExpire = true
		creds.Expires = token.Expiration.Add(-expiryBuffer)
	}
	return creds, nil
}

// Clear drops the cached token
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	m.logger.Debug("Token manager cleared")
}

// ExpiresAt returns when the cached token expires, zero if none is cached
func (m *Manager) ExpiresAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return time.Time{}
	}
	return m.token.Expiration
}
