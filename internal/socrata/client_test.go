package socrata_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicdata/sf311-sync/internal/socrata"
)

// newTestServer creates a new test server with keep-alives disabled.
// This prevents flaky tests when running in parallel, as closing a server
// with keep-alives enabled can affect other tests sharing the HTTP transport.
func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

func newClient(t *testing.T, baseURL, token string) *socrata.DefaultClient {
	t.Helper()
	client, err := socrata.NewDefaultClient(socrata.Options{
		DatasetID: "vw6y-z8j6",
		AppToken:  token,
		Timeout:   5 * time.Second,
		BaseURL:   baseURL,
	})
	require.NoError(t, err)
	return client
}

func TestNewDefaultClient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		opts         socrata.Options
		wantEndpoint string
		wantErr      string
	}{
		{
			name:         "domain builds https endpoint",
			opts:         socrata.Options{Domain: "data.sfgov.org", DatasetID: "vw6y-z8j6"},
			wantEndpoint: "https://data.sfgov.org/resource/vw6y-z8j6.json",
		},
		{
			name:         "base url override",
			opts:         socrata.Options{BaseURL: "http://127.0.0.1:8080/", DatasetID: "abcd-1234"},
			wantEndpoint: "http://127.0.0.1:8080/resource/abcd-1234.json",
		},
		{
			name:    "missing dataset",
			opts:    socrata.Options{Domain: "data.sfgov.org"},
			wantErr: "dataset id is required",
		},
		{
			name:    "missing domain",
			opts:    socrata.Options{DatasetID: "vw6y-z8j6"},
			wantErr: "domain is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, err := socrata.NewDefaultClient(tt.opts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEndpoint, client.Endpoint())
		})
	}
}

func TestDefaultClient_Query(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resource/vw6y-z8j6.json", r.URL.Path)
		assert.Equal(t, "requested_datetime >= '2025-01-01T00:00:00.000'", r.URL.Query().Get("$where"))
		assert.Equal(t, ":id", r.URL.Query().Get("$order"))
		assert.Equal(t, "1000", r.URL.Query().Get("$limit"))
		assert.Equal(t, "2000", r.URL.Query().Get("$offset"))
		assert.Equal(t, "secret-token", r.Header.Get(socrata.AppTokenHeader))
		assert.Equal(t, socrata.DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"service_request_id":"101","lat":37.77,"point":{"type":"Point"}}]`))
	}))
	defer server.Close()

	client := newClient(t, server.URL, "secret-token")
	rows, err := client.Query(context.Background(), socrata.Query{
		Where:  "requested_datetime >= '2025-01-01T00:00:00.000'",
		Order:  socrata.OrderByRowID,
		Limit:  1000,
		Offset: 2000,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	assert.Equal(t, "101", rows[0]["service_request_id"])
	assert.Equal(t, json.Number("37.77"), rows[0]["lat"])
	assert.IsType(t, map[string]any{}, rows[0]["point"])
}

func TestDefaultClient_Query_NoTokenHeaderWhenAnonymous(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header[socrata.AppTokenHeader]
		assert.False(t, present)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	rows, err := newClient(t, server.URL, "").Query(context.Background(), socrata.Query{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDefaultClient_Query_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		statusCode     int
		headers        map[string]string
		body           string
		wantStatus     int
		wantMessage    string
		wantRetryAfter time.Duration
		wantRateLimit  bool
	}{
		{
			name:           "rate limited with retry-after",
			statusCode:     http.StatusTooManyRequests,
			headers:        map[string]string{"Retry-After": "7"},
			body:           `{"error":true,"message":"Too many requests"}`,
			wantStatus:     http.StatusTooManyRequests,
			wantMessage:    "Too many requests",
			wantRetryAfter: 7 * time.Second,
			wantRateLimit:  true,
		},
		{
			name:        "bad query carries soda message",
			statusCode:  http.StatusBadRequest,
			body:        `{"code":"query.compiler.malformed","error":true,"message":"Could not parse SoQL query"}`,
			wantStatus:  http.StatusBadRequest,
			wantMessage: "Could not parse SoQL query",
		},
		{
			name:        "server error with plain body",
			statusCode:  http.StatusBadGateway,
			body:        `upstream unavailable`,
			wantStatus:  http.StatusBadGateway,
			wantMessage: "502 Bad Gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newClient(t, server.URL, "").Query(context.Background(), socrata.Query{Limit: 10})
			require.Error(t, err)

			httpErr, ok := socrata.AsHTTPError(err)
			require.True(t, ok, "error should be an HTTPError")
			assert.Equal(t, tt.wantStatus, httpErr.StatusCode)
			assert.Equal(t, tt.wantMessage, httpErr.Message)
			assert.Equal(t, tt.wantRetryAfter, httpErr.RetryAfter)
			assert.Equal(t, tt.wantRateLimit, httpErr.IsRateLimited())
		})
	}
}

func TestDefaultClient_Query_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"`))
	}))
	defer server.Close()

	_, err := newClient(t, server.URL, "").Query(context.Background(), socrata.Query{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode response rows")
}

func TestDefaultClient_Query_ContextCanceled(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(t, server.URL, "").Query(ctx, socrata.Query{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
