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

package mcp

// BuiltInServers returns the server definitions shipped with the
// application. They are merged into the persisted list on startup, disabled
// until the user opts in.
func BuiltInServers() []ServerConfig {
	return []ServerConfig{
		{
			ID:          "filesystem",
			Name:        "filesystem",
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", "~"},
			Category:    "files",
			Description: "Read and write files under the home directory",
			IsBuiltIn:   true,
		},
		{
			ID:          "fetch",
			Name:        "fetch",
			Command:     "uvx",
			Args:        []string{"mcp-server-fetch"},
			Category:    "web",
			Description: "Fetch web pages and convert them for LLM consumption",
			IsBuiltIn:   true,
		},
		{
			ID:          "memory",
			Name:        "memory",
			Command:     "npx",
			Args:        []string{"-y", "@modelcontextprotocol/server-memory"},
			Category:    "knowledge",
			Description: "Persistent knowledge graph memory",
			IsBuiltIn:   true,
		},
	}
}
