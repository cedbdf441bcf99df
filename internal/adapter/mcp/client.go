package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"konvo/internal/domain"
)

// mcpClient abstracts the MCP client for testability.
type mcpClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// clientFactory builds an unstarted client for spec. proc is the spawned
// provider process, or nil when the specification has no command.
type clientFactory func(spec domain.ProviderSpecification, proc *childProcess) (mcpClient, error)

// newTransportClient is the production clientFactory.
func newTransportClient(spec domain.ProviderSpecification, proc *childProcess) (mcpClient, error) {
	switch t := spec.Transport.(type) {
	case domain.StdioTransport:
		if proc == nil || proc.stdin == nil {
			return nil, fmt.Errorf("stdio transport requires a process command")
		}
		// stderr is consumed by the process tail, the transport only needs
		// something to close.
		tr := transport.NewIO(proc.stdout, proc.stdin, io.NopCloser(strings.NewReader("")))
		return mcpclient.NewClient(tr), nil
	case domain.SSETransport:
		tr, err := transport.NewSSE(t.URL)
		if err != nil {
			return nil, fmt.Errorf("create sse transport: %w", err)
		}
		return mcpclient.NewClient(tr), nil
	default:
		return nil, fmt.Errorf("unsupported transport %T", spec.Transport)
	}
}

// extractContent converts MCP CallToolResult content to text.
func extractContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			// Non-text content is passed through as JSON.
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}
