// Copyright 2025 The mcpdesk Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpc implements a line-delimited JSON-RPC 2.0 client over a spawned
// server process. Requests are correlated by id, so concurrent calls are
// allowed; a process exit fails every pending call instead of letting it
// hang.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpdesk/mcpdesk/internal/adapter"
)

// ErrProcessExited is returned for calls that were pending when the server
// process exited, and for calls made afterwards.
var ErrProcessExited = errors.New("server process exited")

// defaultCallTimeout bounds a single call unless the caller's context is
// tighter.
const defaultCallTimeout = 30 * time.Second

// clientName and clientVersion identify this client during initialize.
const (
	clientName    = "mcpdesk"
	clientVersion = "1.0.0"
)

// RPCError is a JSON-RPC error response with its payload preserved.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Client speaks MCP over a process handle.
type Client struct {
	proc   adapter.Process
	logger *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *response
	closed  bool

	unsubMsg  func()
	unsubExit func()
}

// NewClient wraps a running process. The client starts reading stdout
// immediately; callers should Initialize before other methods.
func NewClient(proc adapter.Process, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		proc:    proc,
		logger:  logger,
		pending: make(map[int64]chan *response),
	}
	c.unsubMsg = proc.OnMessage(c.dispatch)
	c.unsubExit = proc.OnExit(func(adapter.ExitInfo) { c.failAll() })
	return c
}

// Close detaches from the process without killing it.
func (c *Client) Close() {
	c.unsubMsg()
	c.unsubExit()
	c.failAll()
}

// dispatch routes one stdout line to its pending call.
func (c *Client) dispatch(line []byte) {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.logger.Debug("discarding unparseable server line", "error", err)
		return
	}
	// Server-initiated notifications are not correlated.
	if resp.ID == nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	if ok {
		delete(c.pending, *resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request id", "id", *resp.ID)
		return
	}
	ch <- &resp
}

// failAll rejects every pending call. Subsequent calls fail immediately.
func (c *Client) failAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *response)
	c.closed = true
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// call performs one request/response round trip.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrProcessExited
	}
	id := c.nextID.Add(1)
	ch := make(chan *response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	data, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		c.drop(id)
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	if err := c.proc.Send(ctx, data); err != nil {
		c.drop(id)
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrProcessExited
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.drop(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) drop(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// notify sends a notification without waiting for a response.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	data, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	return c.proc.Send(ctx, data)
}

// Initialize performs the MCP handshake and returns the server's declared
// capabilities.
func (c *Client) Initialize(ctx context.Context) (*mcpproto.InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": mcpproto.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var result mcpproto.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse initialize result: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}
	return &result, nil
}

// Ping checks server liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// ListTools fetches the server's tool definitions.
func (c *Client) ListTools(ctx context.Context) ([]mcpproto.Tool, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result mcpproto.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool executes a tool and returns the parsed result. A result with
// isError set is returned as a result, not an error; the caller decides how
// to surface it.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcpproto.CallToolResult, error) {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	rawMsg := json.RawMessage(raw)
	result, err := mcpproto.ParseCallToolResult(&rawMsg)
	if err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return result, nil
}

// ListResources fetches the server's resource definitions.
func (c *Client) ListResources(ctx context.Context) ([]mcpproto.Resource, error) {
	raw, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var result mcpproto.ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ListPrompts fetches the server's prompt definitions.
func (c *Client) ListPrompts(ctx context.Context) ([]mcpproto.Prompt, error) {
	raw, err := c.call(ctx, "prompts/list", nil)
	if err != nil {
		return nil, err
	}
	var result mcpproto.ListPromptsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

// GetPrompt fetches a rendered prompt.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcpproto.GetPromptResult, error) {
	params := map[string]any{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	raw, err := c.call(ctx, "prompts/get", params)
	if err != nil {
		return nil, err
	}
	rawMsg := json.RawMessage(raw)
	result, err := mcpproto.ParseGetPromptResult(&rawMsg)
	if err != nil {
		return nil, fmt.Errorf("parse prompts/get result: %w", err)
	}
	return result, nil
}
