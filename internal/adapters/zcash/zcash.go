// Package zcash implements the shielded-transfer adapter (§4.6) used by the
// zcash-send block: a send request is forwarded to a wallet service that
// handles note selection, shielding policy, and confirmation tracking.
package zcash

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

const defaultTimeout = 30 * time.Second

// Client is an HTTP client for a zcash wallet service exposing a shielded
// send endpoint.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	retry       *resilience.RetryStrategy
	circuit     *resilience.CircuitBreaker
	maxAttempts int
}

// NewClient constructs a Client against a wallet service base URL. A failed
// send is retried only when classified transient: a confirmed or rejected
// transfer is never resubmitted. circuits is shared across adapters.
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
		circuit:     circuits.GetOrCreate("zcash-send"),
		maxAttempts: retryConfig.MaxRetries,
	}
}

type sendRequest struct {
	Address          string      `json:"address"`
	Amount           interface{} `json:"amount"`
	Memo             string      `json:"memo,omitempty"`
	FromAddress      string      `json:"fromAddress,omitempty"`
	MinConfirmations int         `json:"minConfirmations,omitempty"`
	Fee              interface{} `json:"fee,omitempty"`
	PrivacyPolicy    string      `json:"privacyPolicy,omitempty"`
}

type sendResponse struct {
	TxID        string `json:"txId"`
	OperationID string `json:"operationId"`
	Error       string `json:"error,omitempty"`
}

// Send submits a shielded transfer, retrying transient failures.
// opts.TimeoutMs, when positive, overrides the client's default per-call
// timeout.
func (c *Client) Send(ctx context.Context, address string, amount interface{}, opts adapters.TransferOptions) (adapters.TransferResult, error) {
	if address == "" {
		return adapters.TransferResult{}, fmt.Errorf("transfer address is required")
	}
	if amount == nil {
		return adapters.TransferResult{}, fmt.Errorf("transfer amount is required")
	}

	result, err := c.circuit.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return c.retry.ExecuteWithResult(ctx, func(ctx context.Context, attempt int) (interface{}, error) {
			var result adapters.TransferResult
			attemptErr := tracing.TraceRetryAttempt(ctx, "zcash.send", attempt, c.maxAttempts, func(ctx context.Context) error {
				r, err := c.sendOnce(ctx, address, amount, opts)
				result = r
				return err
			})
			return result, attemptErr
		})
	})
	if err != nil {
		return adapters.TransferResult{}, resilience.WrapError(err, "", "zcash-send", 0)
	}
	return result.(adapters.TransferResult), nil
}

func (c *Client) sendOnce(ctx context.Context, address string, amount interface{}, opts adapters.TransferOptions) (adapters.TransferResult, error) {
	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	payload, err := json.Marshal(sendRequest{
		Address:          address,
		Amount:           amount,
		Memo:             opts.Memo,
		FromAddress:      opts.FromAddress,
		MinConfirmations: opts.MinConfirmations,
		Fee:              opts.Fee,
		PrivacyPolicy:    opts.PrivacyPolicy,
	})
	if err != nil {
		return adapters.TransferResult{}, fmt.Errorf("marshal transfer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/send", bytes.NewReader(payload))
	if err != nil {
		return adapters.TransferResult{}, fmt.Errorf("build transfer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return adapters.TransferResult{}, fmt.Errorf("transfer request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return adapters.TransferResult{}, fmt.Errorf("read transfer response: %w", err)
	}
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("wallet service returned %d: %s", resp.StatusCode, string(body))
		execErr := &resilience.ExecutionError{
			Err:            err,
			Classification: resilience.ClassifyHTTPStatusCode(resp.StatusCode),
			NodeType:       "zcash-send",
			Context:        make(map[string]interface{}),
		}
		return adapters.TransferResult{}, execErr.WithContext("http_status", resp.StatusCode)
	}

	var apiResp sendResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return adapters.TransferResult{}, fmt.Errorf("decode transfer response: %w", err)
	}
	if apiResp.Error != "" {
		return adapters.TransferResult{}, fmt.Errorf("transfer failed: %s", apiResp.Error)
	}

	return adapters.TransferResult{TxID: apiResp.TxID, OperationID: apiResp.OperationID}, nil
}
