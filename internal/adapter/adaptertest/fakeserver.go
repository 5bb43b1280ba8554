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

package adaptertest

import (
	"encoding/json"

	"github.com/mcpdesk/mcpdesk/internal/adapter"
)

// FakeServerConfig scripts a fake MCP server's behavior.
type FakeServerConfig struct {
	// Name reported in serverInfo. Defaults to "fake-server".
	Name string
	// Tools returned from tools/list.
	Tools []FakeTool
	// Prompts returned from prompts/list; prompts/get echoes the name.
	Prompts []string
	// Resources returned from resources/list, as URIs.
	Resources []string
	// Errors forces a JSON-RPC error response for the given methods.
	Errors map[string]FakeRPCError
	// Silent lists methods that get no response at all (timeout tests).
	Silent map[string]bool
	// CrashOnMethod, when set, exits the process instead of answering.
	CrashOnMethod string
	// ToolResult overrides the tools/call result text per tool name.
	ToolResult map[string]string
	// ToolIsError marks tools whose result carries isError=true.
	ToolIsError map[string]bool
}

// FakeTool is a tool definition served by the fake server.
type FakeTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// FakeRPCError is a scripted JSON-RPC error.
type FakeRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type fakeRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type fakeResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *FakeRPCError   `json:"error,omitempty"`
}

// NewFakeServerProcess returns a MemoryProcess that behaves like an MCP
// server following cfg's script.
func NewFakeServerProcess(pid int, cfg FakeServerConfig) *MemoryProcess {
	p := NewMemoryProcess(pid)
	p.Handler = func(line []byte) [][]byte {
		var req fakeRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil
		}
		// Notifications get no response.
		if req.ID == nil {
			return nil
		}
		if cfg.Silent[req.Method] {
			return nil
		}
		if cfg.CrashOnMethod == req.Method {
			p.SimulateExit(adapter.ExitInfo{Code: 1})
			return nil
		}
		if rpcErr, ok := cfg.Errors[req.Method]; ok {
			return marshalResponse(fakeResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcErr})
		}
		return marshalResponse(fakeResponse{JSONRPC: "2.0", ID: req.ID, Result: cfg.result(req)})
	}
	return p
}

func marshalResponse(resp fakeResponse) [][]byte {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil
	}
	return [][]byte{data}
}

func (cfg FakeServerConfig) result(req fakeRequest) any {
	switch req.Method {
	case "initialize":
		name := cfg.Name
		if name == "" {
			name = "fake-server"
		}
		return map[string]any{
			"protocolVersion": "2025-03-26",
			"serverInfo":      map[string]any{"name": name, "version": "1.0.0"},
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"prompts":   map[string]any{},
				"resources": map[string]any{},
			},
		}
	case "ping":
		return map[string]any{}
	case "tools/list":
		tools := cfg.Tools
		if tools == nil {
			tools = []FakeTool{}
		}
		return map[string]any{"tools": tools}
	case "tools/call":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &params)
		text := cfg.ToolResult[params.Name]
		if text == "" {
			text = "ok"
		}
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
			"isError": cfg.ToolIsError[params.Name],
		}
	case "resources/list":
		resources := make([]map[string]any, 0, len(cfg.Resources))
		for _, uri := range cfg.Resources {
			resources = append(resources, map[string]any{"uri": uri, "name": uri})
		}
		return map[string]any{"resources": resources}
	case "prompts/list":
		prompts := make([]map[string]any, 0, len(cfg.Prompts))
		for _, name := range cfg.Prompts {
			prompts = append(prompts, map[string]any{"name": name})
		}
		return map[string]any{"prompts": prompts}
	case "prompts/get":
		var params struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(req.Params, &params)
		return map[string]any{
			"description": "prompt " + params.Name,
			"messages": []map[string]any{
				{
					"role":    "user",
					"content": map[string]any{"type": "text", "text": "prompt " + params.Name},
				},
			},
		}
	default:
		return map[string]any{}
	}
}
