// Package serviceclient posts JSON requests to another service over TCP or
// a unix socket, retrying transient failures.
package serviceclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/greymass/dualsink/libraries/encoding"
	"github.com/greymass/dualsink/libraries/retry"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
}

type Option func(*Client)

// WithRetry sets the attempt budget for retryable failures and the delay
// before the second attempt.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.policy.MaxAttempts = attempts
		c.policy.Delay = delay
	}
}

// New accepts http(s) URLs and unix:///path/to/socket.
func New(backendURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    backendURL,
		httpClient: &http.Client{Timeout: timeout},
		policy: retry.Policy{
			MaxAttempts: 3,
			Retryable:   IsRetryable,
			Delay:       100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Name:        "request to " + backendURL,
		},
	}
	if parsedURL, err := url.Parse(backendURL); err == nil && parsedURL.Scheme == "unix" {
		c.baseURL = "http://localhost"
		c.httpClient.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", parsedURL.Path)
			},
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Post sends req as JSON and decodes a 200 response into resp when resp is
// not nil. Other statuses become a *ServiceError.
func (c *Client) Post(ctx context.Context, path string, req, resp any) error {
	body, err := encoding.JSONiter.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return retry.Do(ctx, c.policy, func(int) error {
		return c.post(ctx, path, body, resp)
	})
}

func (c *Client) post(ctx context.Context, path string, body []byte, resp any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return &ServiceError{
			StatusCode: httpResp.StatusCode,
			Message:    http.StatusText(httpResp.StatusCode),
			Body:       bytes.TrimSpace(bodyBytes),
		}
	}

	if resp != nil {
		if err := encoding.JSONiter.NewDecoder(httpResp.Body).Decode(resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// IsRetryable accepts throttling, 5xx gateway statuses and network errors.
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}
