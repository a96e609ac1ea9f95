package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/logging"
)

// MCPClient talks JSON-RPC 2.0 to a Model Context Protocol tool server
// over HTTP. Discovered tools register as external-protocol tools; their
// output takes the full inbound safety pass like any other remote data.
type MCPClient struct {
	endpoint string
	token    string
	client   *http.Client
	nextID   atomic.Int64
}

// NewMCPClient creates a client for one server endpoint.
func NewMCPClient(endpoint, token string) *MCPClient {
	return &MCPClient{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonrpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *MCPClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mcp request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mcp server returned status %d: %s", resp.StatusCode, raw)
	}
	var rpcResp jsonrpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode mcp response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}

type mcpToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// DiscoverTools lists the server's tools and adapts each into a Tool.
// Names are prefixed with "mcp_" plus the server-reported name; the
// reserved-name guard still applies at registration.
func (c *MCPClient) DiscoverTools(ctx context.Context) ([]*Tool, error) {
	if err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "ironclaw", "version": "1.0"},
		"capabilities":    map[string]any{},
	}, nil); err != nil {
		return nil, err
	}

	var result struct {
		Tools []mcpToolInfo `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}

	out := make([]*Tool, 0, len(result.Tools))
	for _, info := range result.Tools {
		info := info
		out = append(out, &Tool{
			Name:        "mcp_" + info.Name,
			Description: info.Description,
			Schema:      schemaFromJSON(info.InputSchema),
			// Remote code runs remote; approval is on by default for
			// externally-defined tools.
			RequiresApproval: true,
			Timeout:          90 * time.Second,
			Execute: func(ctx context.Context, params map[string]any, _ *JobContext) (string, error) {
				return c.CallTool(ctx, info.Name, params)
			},
		})
	}
	logging.Tools("discovered %d MCP tools from %s", len(out), c.endpoint)
	return out, nil
}

// CallTool invokes one remote tool and flattens its content blocks.
func (c *MCPClient) CallTool(ctx context.Context, name string, params map[string]any) (string, error) {
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": params,
	}, &result)
	if err != nil {
		return "", err
	}
	var b bytes.Buffer
	for _, block := range result.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcp tool %s failed: %s", name, b.String())
	}
	return b.String(), nil
}

// schemaFromJSON converts a server-reported JSON schema into the local
// Schema shape, tolerating missing fields.
func schemaFromJSON(raw map[string]any) Schema {
	s := Schema{Properties: map[string]Property{}}
	if raw == nil {
		return s
	}
	if req, ok := raw["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		for name, v := range props {
			p := Property{Type: "string"}
			if pm, ok := v.(map[string]any); ok {
				if t, ok := pm["type"].(string); ok {
					p.Type = t
				}
				if d, ok := pm["description"].(string); ok {
					p.Description = d
				}
			}
			s.Properties[name] = p
		}
	}
	return s
}
