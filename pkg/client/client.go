// Package client is a small JSON-RPC client for talking to a supervisor's
// /mcp endpoint, used by the dashboard CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:3001/mcp",
		Timeout: 10 * time.Second,
	}
}

// Client is a JSON-RPC 2.0 client over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	nextID  int
}

// New returns a Client configured per config, filling in defaults.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		http:    &http.Client{Timeout: config.Timeout},
		logger:  config.Logger,
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call issues a JSON-RPC request and decodes the result into out (which may
// be nil if the caller doesn't need the result).
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	c.nextID++
	reqBody := rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("rpc call failed", "method", method, "error", err)
		return fmt.Errorf("rpc call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// CallTool is a convenience wrapper around Call("tools/call", ...).
func (c *Client) CallTool(ctx context.Context, name string, arguments interface{}) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	params := map[string]interface{}{"name": name, "arguments": arguments}
	if err := c.Call(ctx, "tools/call", params, &result); err != nil {
		return "", err
	}
	if len(result.Content) == 0 {
		return "", nil
	}
	return result.Content[0].Text, nil
}

// IsReachable reports whether the server responds to an initialize call.
func (c *Client) IsReachable(ctx context.Context) bool {
	return c.Call(ctx, "initialize", nil, nil) == nil
}
