// Package bungie fetches API status, manifest and news data from Bungie.net.
package bungie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Defaults for the upstream endpoints.
const (
	DefaultBaseURL         = "https://www.bungie.net/Platform"
	DefaultContentStackURL = "https://graphql.contentstack.com/stacks"
	DefaultArticleBaseURL  = "https://www.bungie.net/7/en/news/article"
)

// Platform error codes the pollers care about.
const (
	ErrorCodeSuccess        = 1
	ErrorCodeSystemDisabled = 5
)

// APIError is a platform response that carried an error code other than Success.
// It indicates an expected upstream outage rather than a transport failure.
type APIError struct {
	ErrorCode   int
	ErrorStatus string
	Message     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bungie api error: %s (%d)", e.ErrorStatus, e.ErrorCode)
}

// IsAPIError checks if an error is a platform API error.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// AsAPIError returns the platform API error wrapped in err, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Options configures a Client.
type Options struct {
	APIKey          string
	Origin          string
	BaseURL         string        // Defaults to DefaultBaseURL
	ContentStackURL string        // Defaults to DefaultContentStackURL
	ArticleBaseURL  string        // Defaults to DefaultArticleBaseURL
	Attempts        uint          // Fetch attempts per call, defaults to 3
	RetryDelay      time.Duration // Base retry delay, defaults to one second
}

// Client talks to the Bungie.net platform API and the ContentStack news backend.
type Client struct {
	client          *http.Client
	logger          *slog.Logger
	apiKey          string
	origin          string
	baseURL         string
	contentStackURL string
	articleBaseURL  string
	attempts        uint
	retryDelay      time.Duration
	now             func() time.Time
}

// New creates a new client.
func New(client *http.Client, opts Options, logger *slog.Logger) *Client {
	c := &Client{
		client:          client,
		logger:          logger,
		apiKey:          opts.APIKey,
		origin:          opts.Origin,
		baseURL:         strings.TrimSuffix(opts.BaseURL, "/"),
		contentStackURL: strings.TrimSuffix(opts.ContentStackURL, "/"),
		articleBaseURL:  opts.ArticleBaseURL,
		attempts:        opts.Attempts,
		retryDelay:      opts.RetryDelay,
		now:             time.Now,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.contentStackURL == "" {
		c.contentStackURL = DefaultContentStackURL
	}
	if c.articleBaseURL == "" {
		c.articleBaseURL = DefaultArticleBaseURL
	}
	if c.attempts == 0 {
		c.attempts = 3
	}
	if c.retryDelay == 0 {
		c.retryDelay = time.Second
	}
	return c
}

// SystemStatus is one entry of the platform's systems map.
type SystemStatus struct {
	Enabled    bool              `json:"enabled"`
	Parameters map[string]string `json:"parameters"`
}

// CommonSettings is the subset of /Settings/ the service reads.
type CommonSettings struct {
	Systems map[string]SystemStatus `json:"systems"`
}

// Manifest is the subset of /Destiny2/Manifest/ the service reads.
type Manifest struct {
	Version string `json:"version"`
}

type platformResponse[T any] struct {
	Response    T      `json:"Response"`
	ErrorCode   int    `json:"ErrorCode"`
	ErrorStatus string `json:"ErrorStatus"`
	Message     string `json:"Message"`
}

// CommonSettings fetches the platform's common settings, including the enabled systems.
func (c *Client) CommonSettings(ctx context.Context) (*CommonSettings, error) {
	return getPlatform[CommonSettings](ctx, c, "/Settings/")
}

// DestinyManifest fetches the current Destiny 2 manifest metadata.
func (c *Client) DestinyManifest(ctx context.Context) (*Manifest, error) {
	return getPlatform[Manifest](ctx, c, "/Destiny2/Manifest/")
}

func getPlatform[T any](ctx context.Context, c *Client, path string) (*T, error) {
	url := c.baseURL + path
	var result *T
	var apiErr *APIError

	err := c.do(ctx, "platform", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("X-API-Key", c.apiKey)
		if c.origin != "" {
			req.Header.Set("Origin", c.origin)
		}
		req.Header.Set("Accept", "application/json")

		body, status, err := c.send(req)
		if err != nil {
			return err
		}

		var resp platformResponse[T]
		if err := json.Unmarshal(body, &resp); err != nil {
			// Bungie serves an HTML maintenance page with 5xx during some outages.
			if status >= http.StatusInternalServerError {
				return fmt.Errorf("HTTP %d", status)
			}
			return retry.Unrecoverable(fmt.Errorf("decode platform response: %w", err))
		}
		if resp.ErrorCode != ErrorCodeSuccess {
			apiErr = &APIError{ErrorCode: resp.ErrorCode, ErrorStatus: resp.ErrorStatus, Message: resp.Message}
			return apiErr
		}
		result = &resp.Response
		return nil
	})
	if apiErr != nil {
		c.logger.Warn("Bungie API error", "path", path, "error_code", apiErr.ErrorCode, "error_status", apiErr.ErrorStatus)
		return nil, apiErr
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// send performs the request and returns the body and status code.
func (c *Client) send(req *http.Request) ([]byte, int, error) {
	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("HTTP request failed, will retry",
			"url", req.URL.Redacted(),
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debug("HTTP request completed",
		"url", req.URL.Redacted(),
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())
	return body, resp.StatusCode, nil
}

// do runs fn with the client's retry policy. Platform API errors are not retried.
func (c *Client) do(ctx context.Context, purpose string, fn func() error) error {
	err := retry.Do(fn,
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(c.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying fetch after error", "purpose", purpose, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsAPIError(err)
		}),
	)
	if err != nil {
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}
