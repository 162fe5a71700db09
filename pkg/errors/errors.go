package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// SyncError is the base error type for all ndasynapse errors
type SyncError struct {
	message string
	cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	if e.message != "" {
		return e.message
	}
	return "NDA Synapse Error"
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.cause
}

// New creates a new SyncError
func New(message string) *SyncError {
	return &SyncError{message: message}
}

// Wrap wraps an error with a SyncError
func Wrap(err error, message string) *SyncError {
	return &SyncError{message: message, cause: err}
}

// ConfigError represents configuration-related errors
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("Configuration error in field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("Configuration error: %s", e.Message)
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new ConfigError
func NewConfigError(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// CredentialError indicates that credentials could not be resolved from a source
type CredentialError struct {
	Source string
	Cause  error
}

// Error implements the error interface
func (e *CredentialError) Error() string {
	return fmt.Sprintf("Failed to resolve credentials from %s: %v", e.Source, e.Cause)
}

// Unwrap returns the underlying error
func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// NewCredentialError creates a new CredentialError
func NewCredentialError(source string, cause error) *CredentialError {
	return &CredentialError{Source: source, Cause: cause}
}

// TokenError indicates failure to obtain temporary AWS credentials from NDA
type TokenError struct {
	Message string
	Cause   error
}

// Error implements the error interface
func (e *TokenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("NDA token request failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("NDA token request failed: %s", e.Message)
}

// Unwrap returns the underlying error
func (e *TokenError) Unwrap() error {
	return e.Cause
}

// NewTokenError creates a new TokenError
func NewTokenError(message string, cause error) *TokenError {
	return &TokenError{Message: message, Cause: cause}
}

// NDAAPIError represents a failed call to the NDA submission API
type NDAAPIError struct {
	Endpoint   string
	StatusCode int
	Cause      error
}

// Error implements the error interface
func (e *NDAAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("NDA API request to %s failed with status %d: %v", e.Endpoint, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("NDA API request to %s failed: %v", e.Endpoint, e.Cause)
}

// Unwrap returns the underlying error
func (e *NDAAPIError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the response status code, if any
func (e *NDAAPIError) HTTPStatus() int {
	return e.StatusCode
}

// NewNDAAPIError creates a new NDAAPIError
func NewNDAAPIError(endpoint string, statusCode int, cause error) *NDAAPIError {
	return &NDAAPIError{Endpoint: endpoint, StatusCode: statusCode, Cause: cause}
}

// S3Error represents errors when operating on an NDA-hosted S3 object
type S3Error struct {
	Bucket     string
	Key        string
	Op         string
	StatusCode int
	Cause      error
}

// Error implements the error interface
func (e *S3Error) Error() string {
	return fmt.Sprintf("S3 %s failed on s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Cause)
}

// Unwrap returns the underlying error
func (e *S3Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the response status code, if any
func (e *S3Error) HTTPStatus() int {
	return e.StatusCode
}

// NewS3Error creates a new S3Error
func NewS3Error(bucket, key, operation string, statusCode int, cause error) *S3Error {
	return &S3Error{Bucket: bucket, Key: key, Op: operation, StatusCode: statusCode, Cause: cause}
}

// SynapseError represents a failed call to the Synapse REST API
type SynapseError struct {
	Op         string
	StatusCode int
	Reason     string
	Cause      error
}

// Error implements the error interface
func (e *SynapseError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("Synapse %s failed with status %d: %s", e.Op, e.StatusCode, e.Reason)
	case e.StatusCode != 0:
		return fmt.Sprintf("Synapse %s failed with status %d: %v", e.Op, e.StatusCode, e.Cause)
	default:
		return fmt.Sprintf("Synapse %s failed: %v", e.Op, e.Cause)
	}
}

// Unwrap returns the underlying error
func (e *SynapseError) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the response status code, if any
func (e *SynapseError) HTTPStatus() int {
	return e.StatusCode
}

// NewSynapseError creates a new SynapseError
func NewSynapseError(op string, statusCode int, reason string, cause error) *SynapseError {
	return &SynapseError{Op: op, StatusCode: statusCode, Reason: reason, Cause: cause}
}

// ManifestError indicates a malformed NDA manifest or data structure file
type ManifestError struct {
	Source string
	Line   int
	Cause  error
}

// Error implements the error interface
func (e *ManifestError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("Invalid manifest %s at line %d: %v", e.Source, e.Line, e.Cause)
	}
	return fmt.Sprintf("Invalid manifest %s: %v", e.Source, e.Cause)
}

// Unwrap returns the underlying error
func (e *ManifestError) Unwrap() error {
	return e.Cause
}

// NewManifestError creates a new ManifestError
func NewManifestError(source string, line int, cause error) *ManifestError {
	return &ManifestError{Source: source, Line: line, Cause: cause}
}

type statusCoder interface {
	HTTPStatus() int
}

func statusOf(err error) int {
	var sc statusCoder
	if stderrors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// IsNotFound reports whether err carries a 404 from NDA, S3 or Synapse
func IsNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// IsConflict reports whether err carries a 412 precondition failure (stale etag)
func IsConflict(err error) bool {
	return statusOf(err) == http.StatusPreconditionFailed
}

// IsRetryable reports whether a remote call is worth repeating
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	code := statusOf(err)
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}
