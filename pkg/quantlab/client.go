// Package quantlab is a Go SDK for the quantlab-server HTTP API.
package quantlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quantlab/internal/domain"
	"quantlab/internal/engine"
	"quantlab/internal/store"
	"quantlab/internal/strategy"
)

// Client provides a Go SDK for interacting with the quantlab-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new quantlab API client. Backtests and searches run
// synchronously on the server, so the default timeout is generous.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("quantlab: %d: %s", e.StatusCode, e.Message)
}

// RunBacktest runs one backtest and returns its report.
func (c *Client) RunBacktest(ctx context.Context, req domain.BacktestRequest) (*engine.BacktestReport, error) {
	var rep engine.BacktestReport
	if err := c.do(ctx, http.MethodPost, "/api/backtests", req, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Optimize runs a parameter search and returns its report.
func (c *Client) Optimize(ctx context.Context, req domain.OptimizationRequest) (*engine.OptimizationReport, error) {
	var rep engine.OptimizationReport
	if err := c.do(ctx, http.MethodPost, "/api/optimizations", req, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// ResumeTask continues an interrupted backtest task from its latest
// checkpoint.
func (c *Client) ResumeTask(ctx context.Context, taskID string) (*engine.BacktestReport, error) {
	var rep engine.BacktestReport
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/resume", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// GetRun retrieves a persisted run with its full result.
func (c *Client) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var run store.Run
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListTrades retrieves the trades of a persisted run.
func (c *Client) ListTrades(ctx context.Context, runID string) ([]domain.Trade, error) {
	var trades []domain.Trade
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/trades", nil, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// ListStrategies retrieves the registered strategies.
func (c *Client) ListStrategies(ctx context.Context) ([]strategy.Definition, error) {
	var defs []strategy.Definition
	if err := c.do(ctx, http.MethodGet, "/api/strategies", nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
