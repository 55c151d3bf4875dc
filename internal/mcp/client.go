package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Client speaks the gateway protocol. Initialize must be called first; it
// records the session and protocol version sent on every later call.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string

	mu        sync.RWMutex
	sessionID string
	version   string
	nextID    atomic.Int64
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      map[string]any `json:"serverInfo"`
	SessionID       string         `json:"sessionId"`
}

func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	var out InitializeResult
	hdr, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": DefaultProtocolVersion,
		"clientInfo":      map[string]any{"name": "agentgate-cli"},
	}, &out)
	if err != nil {
		return InitializeResult{}, err
	}
	sid := hdr.Get(HeaderSession)
	if sid == "" {
		sid = out.SessionID
	}
	c.mu.Lock()
	c.sessionID = sid
	c.version = out.ProtocolVersion
	c.mu.Unlock()

	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return InitializeResult{}, err
	}
	return out, nil
}

// SessionID returns the session negotiated by Initialize.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil, nil)
	return err
}

func (c *Client) ToolsList(ctx context.Context) ([]ToolSpec, error) {
	var out struct {
		Tools []ToolSpec `json:"tools"`
	}
	if _, err := c.call(ctx, "tools/list", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (c *Client) CallTool(ctx context.Context, name string, args any) (CallResult, error) {
	var out CallResult
	_, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, method string, params any, out any) (http.Header, error) {
	req := rpcReq{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = b
	}
	res, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("http %d", res.StatusCode)
	}
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcErr         `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return res.Header, nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	res, err := c.post(ctx, rpcReq{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s: http %d", method, res.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, req rpcReq) (*http.Response, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	c.mu.RLock()
	if c.sessionID != "" {
		httpReq.Header.Set(HeaderSession, c.sessionID)
		httpReq.Header.Set(HeaderProtocolVersion, c.version)
	}
	c.mu.RUnlock()
	return c.HTTP.Do(httpReq)
}
