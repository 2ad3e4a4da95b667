// Package socrata provides a client for the Socrata Open Data (SODA) API
package socrata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// DefaultUserAgent is sent when Options.UserAgent is empty
	DefaultUserAgent = "sf311-sync"

	// AppTokenHeader carries the application token on every request
	AppTokenHeader = "X-App-Token"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/civicdata/sf311-sync/internal/socrata Client

// Client is an interface for querying one Socrata dataset
type Client interface {
	// Query fetches one page of rows matching the query
	Query(ctx context.Context, q Query) ([]map[string]any, error)
}

// Options configures a DefaultClient
type Options struct {
	// Domain is the Socrata host, e.g. "data.sfgov.org"
	Domain string

	// DatasetID is the dataset identifier, e.g. "vw6y-z8j6"
	DatasetID string

	// AppToken is optional; an empty token falls back to anonymous throttling
	AppToken string

	// Timeout bounds a single request. Zero uses DefaultTimeout.
	Timeout time.Duration

	// BaseURL overrides the https://{Domain} endpoint root
	BaseURL string

	UserAgent string
}

// DefaultClient is the default Socrata client implementation
type DefaultClient struct {
	client    *http.Client
	endpoint  string
	appToken  string
	userAgent string
}

// NewDefaultClient creates a new client for the configured dataset
func NewDefaultClient(opts Options) (*DefaultClient, error) {
	if opts.DatasetID == "" {
		return nil, fmt.Errorf("dataset id is required")
	}

	base := opts.BaseURL
	if base == "" {
		if opts.Domain == "" {
			return nil, fmt.Errorf("domain is required")
		}
		base = "https://" + opts.Domain
	}

	endpoint, err := url.JoinPath(base, "resource", opts.DatasetID+".json")
	if err != nil {
		return nil, fmt.Errorf("failed to build endpoint URL: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &DefaultClient{
		client: &http.Client{
			Timeout: timeout,
		},
		endpoint:  endpoint,
		appToken:  opts.AppToken,
		userAgent: userAgent,
	}, nil
}

// Endpoint returns the resource URL queried by the client
func (c *DefaultClient) Endpoint() string {
	return c.endpoint
}

// Query performs a SODA GET request and decodes the JSON array of rows
func (c *DefaultClient) Query(ctx context.Context, q Query) ([]map[string]any, error) {
	reqURL := c.endpoint
	if encoded := q.Values().Encode(); encoded != "" {
		reqURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.appToken != "" {
		req.Header.Set(AppTokenHeader, c.appToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes (%.2f MB)",
			resp.ContentLength, MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	// +1 to detect if limit exceeded
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newHTTPErrorFromResponse(resp, reqURL, body)
	}

	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes (%.2f MB)",
			MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	return decodeRows(body)
}

// decodeRows keeps numbers in their textual form so they survive coercion unchanged
func decodeRows(body []byte) ([]map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var rows []map[string]any
	if err := decoder.Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to decode response rows: %w", err)
	}
	return rows, nil
}
