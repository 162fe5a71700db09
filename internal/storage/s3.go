// Package storage reads NDA-hosted submission objects from S3 using
// temporary NDA credentials.
package storage

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/internal/config"
	"github.com/bsmn/ndasynapse/internal/nda"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

// S3API is the subset of the S3 client used here
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// ObjectInfo describes an S3 object without its content
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// NewS3Client builds an S3 client that authenticates with the given
// credentials provider, normally the NDA token manager
func NewS3Client(ctx context.Context, cfg *config.AWSConfig, creds aws.CredentialsProvider) (*s3.Client, error) {
	if cfg == nil {
		return nil, errors.New("aws configuration cannot be nil")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if creds != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(creds)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS configuration")
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// Fetcher opens NDA S3 objects addressed by s3:// URLs
type Fetcher struct {
	client S3API
	logger *logrus.Logger
}

// NewFetcher creates a new fetcher
func NewFetcher(client S3API, logger *logrus.Logger) *Fetcher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Fetcher{client: client, logger: logger}
}

// Open returns the object body; the caller closes it
func (f *Fetcher) Open(ctx context.Context, s3url string) (io.ReadCloser, error) {
	bucket, key, err := nda.ParseS3URL(s3url)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}

	f.logger.WithFields(logrus.Fields{
		"bucket": bucket,
		"key":    key,
	}).Debug("Fetching S3 object")

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.NewS3Error(bucket, key, "get", statusCode(err), err)
	}
	return out.Body, nil
}

// Head returns object metadata
func (f *Fetcher) Head(ctx context.Context, s3url string) (*ObjectInfo, error) {
	bucket, key, err := nda.ParseS3URL(s3url)
	if err != nil {
		return nil, errors.Wrap(err, "head")
	}

	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.NewS3Error(bucket, key, "head", statusCode(err), err)
	}

	info := &ObjectInfo{
		Bucket:      bucket,
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        trimQuotes(aws.ToString(out.ETag)),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// statusCode extracts the HTTP status of an SDK error; missing keys are
// reported as 404 even when the SDK surfaces only the typed error
func statusCode(err error) int {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if stderrors.As(err, &noKey) || stderrors.As(err, &notFound) {
		return http.StatusNotFound
	}

	var respErr interface{ HTTPStatusCode() int }
	if stderrors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return http.StatusNotFound
		case "AccessDenied", "Forbidden":
			return http.StatusForbidden
		}
	}
	return 0
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
