package socrata

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// HTTPError represents a non-2xx answer from the SODA API
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string

	// RetryAfter is the server-requested pause, zero when absent
	RetryAfter time.Duration
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// IsRateLimited reports whether the server throttled the request
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

// AsHTTPError extracts an *HTTPError from an error chain
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

func newHTTPErrorFromResponse(resp *http.Response, url string, body []byte) *HTTPError {
	message := resp.Status
	// SODA error bodies look like {"code": "...", "error": true, "message": "..."}
	if gjson.ValidBytes(body) {
		if m := gjson.GetBytes(body, "message"); m.Exists() && m.String() != "" {
			message = m.String()
		}
	}

	return &HTTPError{
		StatusCode: resp.StatusCode,
		URL:        url,
		Message:    message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
