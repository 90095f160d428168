// Package nilai implements the private-LLM inference adapter (§4.6) used by
// the nilai-llm block: a prompt is submitted to an attested inference
// service and the response, together with its optional signature and
// attestation, is returned verbatim to the dispatcher.
package nilai

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

const defaultTimeout = 60 * time.Second

// Client is an HTTP client for the private-LLM inference service.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	httpClient  *http.Client
	retry       *resilience.RetryStrategy
	circuit     *resilience.CircuitBreaker
	maxAttempts int
}

// NewClient constructs a Client. model is the model identifier the service
// should route inference to. Transient failures (timeouts, 5xx, throttling)
// are retried per resilience.DefaultRetryConfig; permanent failures
// (malformed prompts, auth errors) are not. circuits is shared across
// adapters so every external service's health is visible from one registry.
func NewClient(baseURL, apiKey, model string, timeout time.Duration, logger *slog.Logger, circuits *resilience.CircuitBreakerRegistry) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	retryConfig := resilience.DefaultRetryConfig()
	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		httpClient:  &http.Client{Timeout: timeout},
		retry:       resilience.NewRetryStrategy(retryConfig, logger),
		circuit:     circuits.GetOrCreate("nilai-llm"),
		maxAttempts: retryConfig.MaxRetries,
	}
}

type inferenceRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type inferenceResponse struct {
	Message      string      `json:"message"`
	Signature    string      `json:"signature,omitempty"`
	VerifyingKey string      `json:"verifyingKey,omitempty"`
	Attestation  interface{} `json:"attestation,omitempty"`
	Raw          interface{} `json:"raw,omitempty"`
}

// RunInference submits prompt to the inference service and returns its
// signed response. The circuit breaker rejects calls outright while the
// service is unhealthy; once it admits a call, transient failures are
// retried.
func (c *Client) RunInference(ctx context.Context, prompt string) (adapters.LLMResult, error) {
	result, err := c.circuit.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return c.retry.ExecuteWithResult(ctx, func(ctx context.Context, attempt int) (interface{}, error) {
			var result adapters.LLMResult
			attemptErr := tracing.TraceRetryAttempt(ctx, "nilai.inference", attempt, c.maxAttempts, func(ctx context.Context) error {
				r, err := c.runInferenceOnce(ctx, prompt)
				result = r
				return err
			})
			return result, attemptErr
		})
	})
	if err != nil {
		return adapters.LLMResult{}, resilience.WrapError(err, "", "nilai-llm", 0)
	}
	return result.(adapters.LLMResult), nil
}

func (c *Client) runInferenceOnce(ctx context.Context, prompt string) (adapters.LLMResult, error) {
	reqBody := inferenceRequest{Model: c.model, Prompt: prompt}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return adapters.LLMResult{}, fmt.Errorf("marshal inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/inference", bytes.NewReader(payload))
	if err != nil {
		return adapters.LLMResult{}, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return adapters.LLMResult{}, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return adapters.LLMResult{}, fmt.Errorf("read inference response: %w", err)
	}

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("inference service returned %d: %s", resp.StatusCode, string(body))
		execErr := &resilience.ExecutionError{
			Err:            err,
			Classification: resilience.ClassifyHTTPStatusCode(resp.StatusCode),
			NodeType:       "nilai-llm",
			Context:        make(map[string]interface{}),
		}
		return adapters.LLMResult{}, execErr.WithContext("http_status", resp.StatusCode)
	}

	var apiResp inferenceResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return adapters.LLMResult{}, fmt.Errorf("decode inference response: %w", err)
	}

	return adapters.LLMResult{
		Message:      apiResp.Message,
		Signature:    apiResp.Signature,
		VerifyingKey: apiResp.VerifyingKey,
		Attestation:  apiResp.Attestation,
		Raw:          apiResp.Raw,
	}, nil
}
