// Package synapse is a small client for the Synapse REST API covering what
// a manifest sync needs: external file handles, file entities and
// annotations.
package synapse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/bsmn/ndasynapse/internal/config"
	"github.com/bsmn/ndasynapse/internal/httpx"
	"github.com/bsmn/ndasynapse/pkg/errors"
)

// Client wraps the Synapse REST endpoints
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
	logger  *logrus.Logger
}

// NewClient creates a new Synapse client authenticated with a personal
// access token
func NewClient(cfg *config.SynapseConfig, authToken string, logger *logrus.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("synapse configuration cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if authToken == "" {
		return nil, errors.New("Synapse auth token is required")
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   authToken,
		http: httpx.NewClient(httpx.Options{
			Timeout:  cfg.Timeout(),
			RetryMax: cfg.RetryMax,
		}, logger),
		logger: logger,
	}, nil
}

// UserProfile is the subset of the profile returned for the caller
type UserProfile struct {
	OwnerID  string `json:"ownerId"`
	UserName string `json:"userName"`
}

// GetUserProfile returns the profile of the authenticated user; it is the
// cheapest way to verify the access token
func (c *Client) GetUserProfile(ctx context.Context) (*UserProfile, error) {
	var profile UserProfile
	if err := c.do(ctx, "get user profile", http.MethodGet, "/repo/v1/userProfile", nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

type errorBody struct {
	Reason string `json:"reason"`
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.NewSynapseError(op, 0, "", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.NewSynapseError(op, 0, "", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.WithFields(logrus.Fields{
		"op":     op,
		"method": method,
		"path":   path,
	}).Debug("Synapse request")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.NewSynapseError(op, 0, "", err)
	}
	defer httpx.Drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw := httpx.ReadErrorBody(resp)
		var eb errorBody
		if json.Unmarshal([]byte(raw), &eb) != nil || eb.Reason == "" {
			eb.Reason = strings.TrimSpace(raw)
		}
		return errors.NewSynapseError(op, resp.StatusCode, eb.Reason, fmt.Errorf("%s %s", method, path))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewSynapseError(op, resp.StatusCode, "", fmt.Errorf("decode response: %w", err))
	}
	return nil
}
