// Package vault implements the encrypted key/value adapter (§4.6) used by
// the state-store and state-read blocks: documents are forwarded to an
// encrypted document store that applies field-level or whole-document
// encryption server-side.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorax/shieldflow/internal/adapters"
	"github.com/gorax/shieldflow/internal/resilience"
	"github.com/gorax/shieldflow/internal/tracing"
)

const defaultTimeout = 20 * time.Second

// Client is an HTTP client for an encrypted document store.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	retry       *resilience.RetryStrategy
	circuit     *resilience.CircuitBreaker
	maxAttempts int
}

// NewClient constructs a Client against a document store base URL. circuits
// is shared across adapters so every external service's health is visible
// from one registry.
func NewClient(baseURL, apiKey string, logger *slog.Logger, circuits *resilience.CircuitBreakerRegistry) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	retryConfig := resilience.DefaultRetryConfig()
	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		retry:       resilience.NewRetryStrategy(retryConfig, logger),
		circuit:     circuits.GetOrCreate("vault-kv"),
		maxAttempts: retryConfig.MaxRetries,
	}
}

type putRequest struct {
	Data          interface{} `json:"data"`
	EncryptFields []string    `json:"encryptFields,omitempty"`
	EncryptAll    bool        `json:"encryptAll"`
}

type putResponse struct {
	Key          string `json:"key"`
	CollectionID string `json:"collectionId"`
	Error        string `json:"error,omitempty"`
}

// PutDocument writes data under (collectionID, key), applying field-level
// encryption when opts.EncryptFields is non-empty, otherwise whole-document
// encryption governed by opts.EncryptAll.
func (c *Client) PutDocument(ctx context.Context, collectionID, key string, data interface{}, opts adapters.KVOptions) (adapters.PutResult, error) {
	if collectionID == "" {
		return adapters.PutResult{}, fmt.Errorf("collection id is required")
	}
	if key == "" {
		key = "default"
	}

	var resp putResponse
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/collections/%s/documents/%s", collectionID, key),
		putRequest{Data: data, EncryptFields: opts.EncryptFields, EncryptAll: opts.EncryptAll}, &resp); err != nil {
		return adapters.PutResult{}, fmt.Errorf("put document: %w", err)
	}
	if resp.Error != "" {
		return adapters.PutResult{}, fmt.Errorf("put document: %s", resp.Error)
	}

	return adapters.PutResult{Key: key, CollectionID: collectionID}, nil
}

type getResponse struct {
	Value interface{} `json:"value"`
	Found bool        `json:"found"`
	Error string      `json:"error,omitempty"`
}

// GetDocument reads the document at (collectionID, key). A missing document
// returns (nil, nil).
func (c *Client) GetDocument(ctx context.Context, collectionID, key string) (interface{}, error) {
	if collectionID == "" {
		return nil, fmt.Errorf("collection id is required")
	}
	if key == "" {
		key = "default"
	}

	var resp getResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/collections/%s/documents/%s", collectionID, key), nil, &resp); err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("get document: %s", resp.Error)
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Value, nil
}

// StoreState is the auto-keyed variant of PutDocument: the store assigns a
// key and the composite "collectionId:key" identifier is returned.
func (c *Client) StoreState(ctx context.Context, collectionID string, data interface{}, opts adapters.KVOptions) (string, error) {
	if collectionID == "" {
		return "", fmt.Errorf("collection id is required")
	}

	var resp putResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/collections/%s/documents", collectionID),
		putRequest{Data: data, EncryptFields: opts.EncryptFields, EncryptAll: opts.EncryptAll}, &resp); err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("store state: %s", resp.Error)
	}

	return fmt.Sprintf("%s:%s", resp.CollectionID, resp.Key), nil
}

// do retries the request on transient failure (timeouts, 5xx, throttling);
// permanent failures such as decode errors are returned on the first
// attempt.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	_, err := c.circuit.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return c.retry.ExecuteWithResult(ctx, func(ctx context.Context, attempt int) (interface{}, error) {
			return nil, tracing.TraceRetryAttempt(ctx, "vault."+method, attempt, c.maxAttempts, func(ctx context.Context) error {
				return c.doOnce(ctx, method, path, body, result)
			})
		})
	})
	if err != nil {
		return resilience.WrapError(err, "", "vault-kv", 0)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("document store returned %d: %s", resp.StatusCode, string(respBody))
		execErr := &resilience.ExecutionError{
			Err:            err,
			Classification: resilience.ClassifyHTTPStatusCode(resp.StatusCode),
			NodeType:       "vault-kv",
			Context:        make(map[string]interface{}),
		}
		return execErr.WithContext("http_status", resp.StatusCode)
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
