package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ploinky/ploinky/pkg/perr"
)

const (
	listTimeout    = 5 * time.Second
	pingTimeout    = 5 * time.Second
	defaultCallTTL = 60 * time.Second
)

// Client is a strict JSON-RPC 2.0 / MCP 2025-06-18 client talking to one
// agent's container over HTTP (spec §4.10).
type Client struct {
	BaseURL string // http://127.0.0.1:<hostPort>
	HTTP    *http.Client

	mu        sync.Mutex
	sessionID string
	nextID    int64
}

// New creates a Client bound to baseURL ("http://127.0.0.1:<hostPort>").
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTP: &http.Client{}}
}

// Initialize performs the initialize handshake and captures the session id
// from the server's response header, echoed on every subsequent request.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params, _ := json.Marshal(map[string]any{"protocolVersion": ProtocolVersion})
	var result InitializeResult
	if err := c.call(ctx, "initialize", params, listTimeout, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// NotifyInitialized sends notifications/initialized, a no-op response.
func (c *Client) NotifyInitialized(ctx context.Context) error {
	return c.call(ctx, "notifications/initialized", nil, listTimeout, nil)
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result ToolsListResult
	if err := c.call(ctx, "tools/list", nil, listTimeout, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// ListResources calls resources/list.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var result ResourcesListResult
	if err := c.call(ctx, "resources/list", nil, listTimeout, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// CallTool calls tools/call with the given name/arguments. ttl overrides the
// default 60s timeout when non-zero.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any, ttl time.Duration) (json.RawMessage, error) {
	if ttl == 0 {
		ttl = defaultCallTTL
	}
	params, _ := json.Marshal(ToolCallParams{Name: name, Arguments: args})
	var result json.RawMessage
	if err := c.call(ctx, "tools/call", params, ttl, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ReadResource calls resources/read for uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	params, _ := json.Marshal(ResourceReadParams{URI: uri})
	var result json.RawMessage
	if err := c.call(ctx, "resources/read", params, defaultCallTTL, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Ping calls ping.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, pingTimeout, nil)
}

// SessionID returns the captured mcp-session-id, if any.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close clears the session, so a new initialize is required before further
// calls.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = ""
}

func (c *Client) call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration, out any) error {
	id := atomic.AddInt64(&c.nextID, 1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return perr.Wrap(perr.TransportError, err, "marshal request for %s", method)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.BaseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return perr.Wrap(perr.TransportError, err, "build request for %s", method)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if sid := c.SessionID(); sid != "" {
		httpReq.Header.Set("mcp-session-id", sid)
	}

	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		c.Close()
		return classifyTransportErr(err, method, time.Since(start))
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("mcp-session-id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return perr.Wrap(perr.InvalidJSONRPC, err, "decode response for %s", method)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return perr.Wrap(perr.InvalidJSONRPC, err, "unmarshal result for %s", method)
		}
	}
	return nil
}

func classifyTransportErr(err error, method string, elapsed time.Duration) error {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return perr.Wrap(perr.TransportTimeout, err, "%s timed out after %s", method, elapsed)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return perr.Wrap(perr.TransportTimeout, err, "%s timed out after %s", method, elapsed)
	}
	if isConnRefused(err) {
		return perr.Wrap(perr.TransportRefused, err, "%s connection refused after %s", method, elapsed)
	}
	return perr.Wrap(perr.TransportError, err, "%s failed after %s", method, elapsed)
}

func isConnRefused(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("connection refused"))
}

// ErrUnsupportedBatch describes a request sent as a JSON array instead of a
// single object. C10 itself never constructs batch requests, and the
// router's /mcp handlers reject batches with their own unsupported_batch
// JSON-RPC error rather than this value.
var ErrUnsupportedBatch = fmt.Errorf("batch requests are not supported")
