// Package mpc implements the MPC single-workload and MPC-graph adapters
// (§4.6) against Nillion's compute network: a workload is instantiated,
// inputs are submitted, output is polled for with a bounded retry budget,
// and the workload is torn down on every exit path.
package mpc

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
)

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxPolls     = 60
)

// Client is an HTTP client for Nillion's compute-network control plane. It
// implements both adapters.MPCSingle and adapters.MPCGraph.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	circuit      *resilience.CircuitBreaker
	pollInterval time.Duration
	maxPolls     int
	logger       *slog.Logger
}

// NewClient constructs a Client against the compute network's control-plane
// base URL. circuits is shared across adapters so every external service's
// health is visible from one registry.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger, circuits *resilience.CircuitBreakerRegistry) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: timeout},
		circuit:      circuits.GetOrCreate("mpc"),
		pollInterval: defaultPollInterval,
		maxPolls:     defaultMaxPolls,
		logger:       logger,
	}
}

// workloadRequest is the body submitted to resolve and invoke a named
// workload.
type workloadRequest struct {
	Input interface{} `json:"input"`
}

type workloadResponse struct {
	Response    interface{} `json:"response"`
	Result      interface{} `json:"result"`
	Attestation interface{} `json:"attestation,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Execute forwards input as the POST body to the resolved workload URL.
func (c *Client) Execute(ctx context.Context, workloadID string, input interface{}, relativePath string) (adapters.MPCSingleResult, error) {
	if workloadID == "" {
		return adapters.MPCSingleResult{}, fmt.Errorf("unknown workload: empty workload id")
	}
	if relativePath == "" {
		relativePath = "/"
	}

	var resp workloadResponse
	err := c.circuit.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, fmt.Sprintf("/workloads/%s%s", workloadID, relativePath), workloadRequest{Input: input}, &resp)
	})
	if err != nil {
		return adapters.MPCSingleResult{}, fmt.Errorf("mpc execute %s: %w", workloadID, err)
	}
	if resp.Error != "" {
		return adapters.MPCSingleResult{}, fmt.Errorf("mpc execute %s: %s", workloadID, resp.Error)
	}

	return adapters.MPCSingleResult{
		Response:    resp.Response,
		Result:      resp.Result,
		Attestation: resp.Attestation,
	}, nil
}

// graphRequest is the body submitted when instantiating an ephemeral
// workload for a computation graph.
type graphRequest struct {
	Graph  adapters.Graph         `json:"graph"`
	Inputs map[string]interface{} `json:"inputs"`
	RunTag string                 `json:"runTag"`
}

type graphInstantiateResponse struct {
	WorkloadID string `json:"workloadId"`
}

type graphPollResponse struct {
	Ready       bool                   `json:"ready"`
	Output      map[string]interface{} `json:"output"`
	Attestation interface{}            `json:"attestation,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// ExecuteBlockGraph submits a computation graph, polls for its output with
// a bounded retry budget, and guarantees the ephemeral workload is torn
// down regardless of outcome.
func (c *Client) ExecuteBlockGraph(ctx context.Context, graph adapters.Graph, inputs map[string]interface{}, runTag string) (adapters.MPCGraphResult, error) {
	var instantiated graphInstantiateResponse
	err := c.circuit.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/graphs", graphRequest{Graph: graph, Inputs: inputs, RunTag: runTag}, &instantiated)
	})
	if err != nil {
		return adapters.MPCGraphResult{}, fmt.Errorf("mpc graph submit: %w", err)
	}

	defer c.teardown(instantiated.WorkloadID)

	for attempt := 0; attempt < c.maxPolls; attempt++ {
		var poll graphPollResponse
		if err := c.get(ctx, fmt.Sprintf("/graphs/%s", instantiated.WorkloadID), &poll); err != nil {
			return adapters.MPCGraphResult{}, fmt.Errorf("mpc graph poll: %w", err)
		}
		if poll.Error != "" {
			return adapters.MPCGraphResult{}, fmt.Errorf("mpc graph failed: %s", poll.Error)
		}
		if poll.Ready {
			return adapters.MPCGraphResult{Output: poll.Output, Attestation: poll.Attestation}, nil
		}

		select {
		case <-ctx.Done():
			return adapters.MPCGraphResult{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return adapters.MPCGraphResult{}, fmt.Errorf("mpc graph %s: timeout waiting for output", instantiated.WorkloadID)
}

// teardown best-effort releases an ephemeral workload. Failure to tear down
// is logged, not propagated: the caller has already obtained (or failed to
// obtain) its result.
func (c *Client) teardown(workloadID string) {
	if workloadID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/graphs/"+workloadID, nil)
	if err != nil {
		c.logger.Warn("mpc teardown request build failed", "workload_id", workloadID, "error", err)
		return
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("mpc teardown failed", "workload_id", workloadID, "error", err)
		return
	}
	defer resp.Body.Close()
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, path, bytes.NewReader(payload), result)
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	return c.doRequest(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

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
		return fmt.Errorf("mpc service returned %d: %s", resp.StatusCode, string(respBody))
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
