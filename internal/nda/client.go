package nda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/internal/config"
	"github.com/bsmn/ndasynapse/internal/httpx"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

// Client talks to the NDA submission API
type Client struct {
	baseURL  string
	username string
	password string
	http     *retryablehttp.Client
	config   *config.NDAConfig
	logger   *logrus.Logger
}

// NewClient creates a new NDA API client. HTTP-level retries are disabled
// in favour of WithRetry, which also covers truncated or undecodable bodies.
func NewClient(cfg *config.NDAConfig, username, password string, logger *logrus.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("nda configuration cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if username == "" || password == "" {
		return nil, errors.New("NDA username and password are required")
	}

	httpClient := httpx.NewClient(httpx.Options{
		Timeout:   cfg.Timeout(),
		RetryMax:  0,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}, logger)

	return &Client{
		baseURL:  strings.TrimRight(cfg.APIURL, "/"),
		username: username,
		password: password,
		http:     httpClient,
		config:   cfg,
		logger:   logger,
	}, nil
}

// ListSubmissions returns every submission in a collection
func (c *Client) ListSubmissions(ctx context.Context, collectionID string) ([]Submission, error) {
	if collectionID == "" {
		return nil, errors.New("collection ID cannot be empty")
	}

	query := url.Values{}
	query.Set("collectionId", collectionID)
	query.Set("usersOwnSubmissions", "false")
	endpoint := "/submission/?" + query.Encode()

	var submissions []Submission
	err := c.WithRetry(ctx, func() error {
		submissions = nil
		return c.getJSON(ctx, c.baseURL+endpoint, &submissions)
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"collection_id": collectionID,
		"submissions":   len(submissions),
	}).Info("Listed NDA submissions")

	return submissions, nil
}

// GetSubmission returns a single submission
func (c *Client) GetSubmission(ctx context.Context, submissionID string) (*Submission, error) {
	if submissionID == "" {
		return nil, errors.New("submission ID cannot be empty")
	}

	var submission Submission
	err := c.WithRetry(ctx, func() error {
		return c.getJSON(ctx, fmt.Sprintf("%s/submission/%s", c.baseURL, url.PathEscape(submissionID)), &submission)
	})
	if err != nil {
		return nil, err
	}
	if submission.ID == "" {
		submission.ID = submissionID
	}
	return &submission, nil
}

// filesPage is the paged form of the files endpoint
type filesPage struct {
	Files    []SubmissionFile `json:"files"`
	Embedded struct {
		Files []SubmissionFile `json:"files"`
	} `json:"_embedded"`
	Links struct {
		Next struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// GetSubmissionFiles returns all files of a submission, following
// pagination links when the API returns pages
func (c *Client) GetSubmissionFiles(ctx context.Context, submissionID string) ([]SubmissionFile, error) {
	if submissionID == "" {
		return nil, errors.New("submission ID cannot be empty")
	}

	next := fmt.Sprintf("%s/submission/%s/files", c.baseURL, url.PathEscape(submissionID))
	var files []SubmissionFile
	seen := make(map[string]bool)

	for next != "" {
		if seen[next] {
			return nil, errors.NewNDAAPIError(next, 0, fmt.Errorf("pagination loop detected"))
		}
		seen[next] = true

		var raw json.RawMessage
		current := next
		err := c.WithRetry(ctx, func() error {
			return c.getJSON(ctx, current, &raw)
		})
		if err != nil {
			return nil, err
		}

		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "[") {
			var page []SubmissionFile
			if err := json.Unmarshal(raw, &page); err != nil {
				return nil, errors.NewNDAAPIError(current, 0, err)
			}
			files = append(files, page...)
			break
		}

		var page filesPage
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, errors.NewNDAAPIError(current, 0, err)
		}
		files = append(files, page.Files...)
		files = append(files, page.Embedded.Files...)

		next, err = c.resolve(page.Links.Next.Href)
		if err != nil {
			return nil, errors.NewNDAAPIError(current, 0, err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"submission_id": submissionID,
		"files":         len(files),
	}).Debug("Fetched submission files")

	return files, nil
}

// resolve turns a pagination href into an absolute URL
func (c *Client) resolve(href string) (string, error) {
	if href == "" {
		return "", nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.NewNDAAPIError(endpoint, 0, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	c.logger.WithField("url", endpoint).Debug("NDA API request")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewNDAAPIError(endpoint, 0, err)
	}
	defer httpx.Drain(resp)

	if resp.StatusCode != http.StatusOK {
		return errors.NewNDAAPIError(endpoint, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(httpx.ReadErrorBody(resp))))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(out); err != nil {
		return errors.NewNDAAPIError(endpoint, 0, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// WithRetry executes a function with retry logic. Errors that cannot
// succeed on a second attempt (4xx other than 429) are returned at once.
func (c *Client) WithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.RetryMax; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(logrus.Fields{
				"attempt":     attempt,
				"max_retries": c.config.RetryMax,
				"delay":       c.config.RetryDelay(),
			}).Warn("Retrying NDA API operation")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay()):
			}
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if !errors.IsRetryable(lastErr) {
			return lastErr
		}

		c.logger.WithError(lastErr).WithField("attempt", attempt).Debug("NDA API operation failed")
	}

	return errors.Wrap(lastErr, fmt.Sprintf("operation failed after %d retries", c.config.RetryMax))
}
