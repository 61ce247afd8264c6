// Package fetch downloads source videos over HTTP(S) with retry on
// transient failures.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/maauso/ogthumb/internal/metrics"
)

// Static errors for fetch operations.
var (
	// ErrInvalidURL is returned when the URL is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("fetch: invalid URL")
	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("fetch: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("fetch: rate limited")
	// ErrRequestFailed is returned when the request fails with a non-2xx status code.
	ErrRequestFailed = errors.New("fetch: request failed")
	// ErrTooLarge is returned when the body exceeds the configured limit.
	ErrTooLarge = errors.New("fetch: response too large")
)

// Downloader streams the resource at a URL into w.
type Downloader interface {
	Download(ctx context.Context, rawURL string, w io.Writer) (int64, error)
}

// Client is the HTTP implementation of Downloader.
type Client struct {
	httpClient  *http.Client
	userAgent   string
	maxRetries  int
	baseBackoff time.Duration
	maxBytes    int64
}

var _ Downloader = (*Client)(nil)

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(cl *Client) {
		cl.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(cl *Client) {
		cl.baseBackoff = d
	}
}

// WithMaxBytes limits the size of a download. Zero means unlimited.
func WithMaxBytes(n int64) ClientOption {
	return func(cl *Client) {
		cl.maxBytes = n
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(cl *Client) {
		cl.userAgent = ua
	}
}

// NewClient creates a new download client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		userAgent:   "ogthumb/1.0",
		maxRetries:  3,
		baseBackoff: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Download fetches rawURL and copies the body into w, returning the number
// of bytes written. Connection failures, 5xx and 429 responses are retried
// with exponential backoff; a failure after the body started streaming is
// not, since w cannot be rewound.
func (c *Client) Download(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	if err := validateURL(rawURL); err != nil {
		return 0, err
	}

	resp, err := c.getWithRetry(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if c.maxBytes > 0 && resp.ContentLength > c.maxBytes {
		return 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	var body io.Reader = resp.Body
	if c.maxBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBytes+1)
	}

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("fetch: read body: %w", err)
	}
	if c.maxBytes > 0 && n > c.maxBytes {
		return n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxBytes)
	}
	return n, nil
}

func validateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	return nil
}

// getWithRetry performs a GET with exponential backoff retry and returns a
// response whose status is 2xx.
func (c *Client) getWithRetry(ctx context.Context, rawURL string) (*http.Response, error) {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetch: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
			metrics.DownloadRetriesTotal.Inc()
		}

		resp, err := c.get(ctx, rawURL)
		if err == nil {
			return resp, nil
		}

		if !isRetryable(err) {
			return nil, err
		}

		lastErr = err
	}

	return nil, fmt.Errorf("fetch: max retries exceeded: %w", lastErr)
}

// get performs a single request. On success the caller owns resp.Body.
func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch: context cancelled: %w", ctx.Err())
		}
		return nil, &retryableError{err: fmt.Errorf("fetch: request failed: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_ = resp.Body.Close()

	// 5xx errors are retryable
	if resp.StatusCode >= 500 {
		return nil, &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(snippet))}
	}
	// 429 (rate limit) is retryable
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(snippet))}
	}
	return nil, fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(snippet))
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
