// Package upstream performs the bounded, retrying HTTP GETs used for both the
// mapping APIs and the telemetry endpoint.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// MaxResponseSize bounds every response body read.
	MaxResponseSize int64 = 4 << 20

	defaultTimeout      = 5 * time.Second
	defaultRetryMax     = 5
	defaultRetryWaitMin = 100 * time.Millisecond
	defaultRetryWaitMax = 2 * time.Second
)

var (
	// ErrDecode marks a response body that is not the expected JSON.
	ErrDecode = errors.New("upstream: decode response")
	// ErrServerStatus marks a 5xx response that survived every retry.
	ErrServerStatus = errors.New("upstream: server error")
)

// secretParams are query parameters whose values never reach logs or errors.
var secretParams = []string{"key", "ak", "api_key"}

// StatusError is returned for a non-2xx response that is not retried.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: unexpected status %d: %s", e.Code, e.Body)
}

// Config controls timeouts and retries.
type Config struct {
	// Timeout bounds each individual attempt.
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *slog.Logger
}

// Client issues GET requests with per-attempt timeouts and exponential
// backoff retries on 500, 502, 503 and 504 responses only.
type Client struct {
	http   *retryablehttp.Client
	logger *slog.Logger
}

// NewClient builds a Client, filling zero config values with defaults.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	} else if cfg.RetryMax == 0 {
		cfg.RetryMax = defaultRetryMax
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = defaultRetryWaitMin
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = defaultRetryWaitMax
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.CheckRetry = retryServerErrors
	rc.ErrorHandler = giveUp
	// The built-in logger prints full URLs, credentials included.
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Warn("upstream: retrying request", "url", Redact(req.URL.String()), "attempt", attempt)
		}
	}

	return &Client{http: rc, logger: logger}
}

// Get fetches rawURL and returns the body of a 2xx response.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", redactErr(err))
	}

	c.logger.Debug("upstream: GET", "url", Redact(rawURL))
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, redactErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("upstream: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet(body)}
	}
	return body, nil
}

// GetJSON fetches rawURL and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, rawURL string, v any) error {
	body, err := c.Get(ctx, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v (body: %s)", ErrDecode, err, snippet(body))
	}
	return nil
}

func retryServerErrors(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if err != nil {
		// Connection failures and timeouts surface once as soft failures.
		return false, nil
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

func giveUp(resp *http.Response, err error, attempts int) (*http.Response, error) {
	if resp != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
		resp.Body.Close()
		if err == nil {
			return nil, fmt.Errorf("%w: status %d after %d attempt(s)", ErrServerStatus, resp.StatusCode, attempts)
		}
	}
	return nil, fmt.Errorf("upstream: request failed after %d attempt(s): %w", attempts, redactErr(err))
}

// Redact masks credential query parameters in rawURL.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<unparseable url>"
	}
	q := u.Query()
	changed := false
	for _, name := range secretParams {
		if q.Has(name) {
			q.Set(name, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func redactErr(err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = Redact(urlErr.URL)
	}
	return err
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
