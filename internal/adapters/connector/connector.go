// Package connector implements the generic HTTP adapter (§4.6) used by the
// connector-request and custom-http-action blocks. Every outbound request
// is validated against SSRF before being sent; connector credentials never
// reach this package as ciphertext, they are pre-decrypted by an external
// collaborator.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorax/shieldflow/internal/resilience"
	"github.com/gorax/shieldflow/internal/security"
	"github.com/gorax/shieldflow/internal/tracing"
)

const defaultTimeout = 30 * time.Second

// Client is a generic HTTP client guarded against SSRF.
type Client struct {
	httpClient   *http.Client
	urlValidator *security.URLValidator
	logger       *slog.Logger
	retry        *resilience.RetryStrategy
	circuit      *resilience.CircuitBreaker
	maxAttempts  int
}

// NewClient constructs a Client whose URL validator blocks RFC 1918 targets
// unless allowPrivateNetworks is set; loopback and link-local targets are
// blocked regardless. circuits is shared
// across adapters so every external service's health is visible from one
// registry.
func NewClient(circuits *resilience.CircuitBreakerRegistry, allowPrivateNetworks bool, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	retryConfig := resilience.DefaultRetryConfig()
	return &Client{
		httpClient:   &http.Client{Timeout: defaultTimeout},
		urlValidator: security.NewConnectorURLValidator(allowPrivateNetworks),
		logger:       logger,
		retry:        resilience.NewRetryStrategy(retryConfig, logger),
		circuit:      circuits.GetOrCreate("connector-request"),
		maxAttempts:  retryConfig.MaxRetries,
	}
}

// NewClientWithValidator constructs a Client against a custom validator,
// for tests that need to relax or tighten the default blocklist.
func NewClientWithValidator(validator *security.URLValidator, circuits *resilience.CircuitBreakerRegistry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	retryConfig := resilience.DefaultRetryConfig()
	return &Client{
		httpClient:   &http.Client{Timeout: defaultTimeout},
		urlValidator: validator,
		logger:       logger,
		retry:        resilience.NewRetryStrategy(retryConfig, logger),
		circuit:      circuits.GetOrCreate("connector-request"),
		maxAttempts:  retryConfig.MaxRetries,
	}
}

// Do sends method/url/headers/body and returns the decoded response body:
// a JSON value when the response is application/json, otherwise the raw
// response text. Requests that fail with a transient error (timeout, 5xx,
// throttling) are retried; SSRF rejections and 4xx responses are not.
func (c *Client) Do(ctx context.Context, method, rawURL string, headers map[string]string, body interface{}) (interface{}, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if err := c.urlValidator.ValidateURLWithLogging(rawURL, func(msg string, fields map[string]interface{}) {
		c.logger.Warn(msg, "url", fields["url"], "error", fields["error"])
	}); err != nil {
		return nil, fmt.Errorf("SSRF protection: %w", err)
	}

	result, err := c.circuit.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return c.retry.ExecuteWithResult(ctx, func(ctx context.Context, attempt int) (interface{}, error) {
			var out interface{}
			attemptErr := tracing.TraceRetryAttempt(ctx, "connector."+method, attempt, c.maxAttempts, func(ctx context.Context) error {
				o, err := c.doOnce(ctx, method, rawURL, headers, body)
				out = o
				return err
			})
			return out, attemptErr
		})
	})
	if err != nil {
		return nil, resilience.WrapError(err, "", "connector-request", 0)
	}
	return result, nil
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string, headers map[string]string, body interface{}) (interface{}, error) {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("request to %s returned %d: %s", rawURL, resp.StatusCode, string(respBody))
		execErr := &resilience.ExecutionError{
			Err:            err,
			Classification: resilience.ClassifyHTTPStatusCode(resp.StatusCode),
			NodeType:       "connector-request",
			Context:        make(map[string]interface{}),
		}
		return nil, execErr.WithContext("http_status", resp.StatusCode)
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed interface{}
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			return parsed, nil
		}
	}
	return string(respBody), nil
}
