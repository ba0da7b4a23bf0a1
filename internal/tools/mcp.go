package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPServer is one user-configured external tool server. Enabled is the
// stored default; per-request overrides may flip it either way.
type MCPServer struct {
	Name     string
	Endpoint string
	Enabled  bool
}

// ListMCPServers loads all of the user's MCP server configurations.
func ListMCPServers(ctx context.Context, database *sql.DB, userID string) ([]MCPServer, error) {
	rows, err := database.QueryContext(ctx, `
SELECT name, endpoint, enabled
FROM mcp_servers
WHERE user_id = ?
ORDER BY name ASC;
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list mcp servers: %w", err)
	}
	defer rows.Close()

	var servers []MCPServer
	for rows.Next() {
		var server MCPServer
		var enabled int
		if err := rows.Scan(&server.Name, &server.Endpoint, &enabled); err != nil {
			return nil, fmt.Errorf("scan mcp server: %w", err)
		}
		server.Enabled = enabled != 0
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list mcp servers: %w", err)
	}
	return servers, nil
}

// MCPToolSource connects to external MCP servers over streamable HTTP and
// re-exposes their tools. Sessions live for one generation turn; Close
// releases them.
type MCPToolSource struct {
	sessions []*mcp.ClientSession
}

// ConnectMCP dials each server and collects its tools. A server that fails to
// connect or list is skipped with a log line so one broken endpoint does not
// take down the whole turn. Tool names are prefixed with the server name to
// keep them distinguishable across servers.
func ConnectMCP(ctx context.Context, servers []MCPServer) (*MCPToolSource, []Tool) {
	source := &MCPToolSource{}
	var collected []Tool

	for _, server := range servers {
		client := mcp.NewClient(&mcp.Implementation{Name: "scribe-backend", Version: "1.0.0"}, nil)
		session, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: server.Endpoint}, nil)
		if err != nil {
			log.Printf("msg=\"mcp connect failed\" server=%s error=%q", server.Name, err)
			continue
		}

		listed, err := session.ListTools(ctx, nil)
		if err != nil {
			log.Printf("msg=\"mcp list tools failed\" server=%s error=%q", server.Name, err)
			_ = session.Close()
			continue
		}
		source.sessions = append(source.sessions, session)

		for _, remote := range listed.Tools {
			collected = append(collected, remoteTool(session, server.Name, remote))
		}
	}
	return source, collected
}

func (s *MCPToolSource) Close() {
	for _, session := range s.sessions {
		_ = session.Close()
	}
	s.sessions = nil
}

func remoteTool(session *mcp.ClientSession, serverName string, remote *mcp.Tool) Tool {
	parameters := json.RawMessage(`{"type":"object","properties":{}}`)
	if remote.InputSchema != nil {
		if raw, err := json.Marshal(remote.InputSchema); err == nil {
			parameters = raw
		}
	}

	remoteName := remote.Name
	return Tool{
		Name:        serverName + "_" + remoteName,
		Description: remote.Description,
		Parameters:  parameters,
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			result, err := session.CallTool(ctx, &mcp.CallToolParams{
				Name:      remoteName,
				Arguments: args,
			})
			if err != nil {
				return nil, fmt.Errorf("call mcp tool %s: %w", remoteName, err)
			}
			payload := flattenMCPContent(result)
			if result.IsError {
				return nil, fmt.Errorf("mcp tool %s failed: %s", remoteName, payload)
			}
			return json.Marshal(map[string]any{"content": payload})
		},
	}
}

func flattenMCPContent(result *mcp.CallToolResult) string {
	var texts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	return strings.Join(texts, "\n")
}
