package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pithrun/pith/pkg/config"
	"github.com/pithrun/pith/pkg/logging"
	"github.com/pithrun/pith/pkg/store"
)

const mcpProtocolVersion = "2025-06-18"

type mcpRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type mcpRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *mcpRPCError    `json:"error"`
}

type mcpToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPClient speaks the JSON-RPC subset of the Model Context Protocol needed
// for tool discovery and invocation, over either a stdio subprocess or a
// streamable-HTTP endpoint.
type MCPClient struct {
	name       string
	cfg        config.MCPServerConfig
	httpClient *http.Client

	mu     sync.Mutex
	nextID int64
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// NewMCPClient constructs a client for one configured server. Nothing is
// dialed or spawned until the first call.
func NewMCPClient(cfg config.MCPServerConfig) (*MCPClient, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("mcp server %q needs either url or command", cfg.Name)
	}
	return &MCPClient{
		name:       cfg.Name,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *MCPClient) isStdio() bool { return c.cfg.Command != "" }

func (c *MCPClient) ensureStdioStarted(ctx context.Context) error {
	if c.cmd != nil {
		return nil
	}
	cmd := exec.CommandContext(context.Background(), c.cfg.Command, c.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting mcp server %q: %w", c.name, err)
	}
	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewReader(stdout)
	return nil
}

// call performs one JSON-RPC round trip.
func (c *MCPClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	req := mcpRPCRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params}

	if c.isStdio() {
		return c.callStdio(ctx, req)
	}
	return c.callHTTP(ctx, req)
}

func (c *MCPClient) callStdio(ctx context.Context, req mcpRPCRequest) (json.RawMessage, error) {
	if err := c.ensureStdioStarted(ctx); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := c.stdin.Write(append(body, '\n')); err != nil {
		return nil, err
	}
	line, err := c.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading mcp response from %q: %w", c.name, err)
	}
	var resp mcpRPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp %s error %d: %s", c.name, resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

func (c *MCPClient) callHTTP(ctx context.Context, req mcpRPCRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("MCP-Protocol-Version", mcpProtocolVersion)
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("mcp %s http %d", c.name, resp.StatusCode)
	}
	var rpc mcpRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, err
	}
	if rpc.Error != nil {
		return nil, fmt.Errorf("mcp %s error %d: %s", c.name, rpc.Error.Code, rpc.Error.Message)
	}
	return rpc.Result, nil
}

// ListTools performs tools/list.
func (c *MCPClient) ListTools(ctx context.Context) ([]mcpToolInfo, error) {
	raw, err := c.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []mcpToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// CallTool performs tools/call and flattens the MCP content blocks into a
// single string result.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{"name": name, "arguments": args})
	if err != nil {
		return "", err
	}
	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if out.IsError {
		return "", fmt.Errorf("mcp tool %s reported an error: %s", name, b.String())
	}
	return b.String(), nil
}

// RefreshMCPServer discovers name's current tool list and registers each
// under MCP__<server>__<tool>, replacing whatever was there before. On
// failure it marks the server unreachable and leaves previously discovered
// tools in place.
func RefreshMCPServer(ctx context.Context, r *Registry, st store.Store, client *MCPClient) error {
	tools, err := client.ListTools(ctx)
	health := store.RemoteServerHealth{Name: client.name, LastChecked: time.Now(), Reachable: err == nil}
	if err != nil {
		health.LastError = err.Error()
		_ = st.SetRemoteServerHealth(ctx, health)
		logging.WarnCF("mcp", "server unreachable, keeping previously discovered tools", map[string]interface{}{"server": client.name, "error": err.Error()})
		return err
	}
	_ = st.SetRemoteServerHealth(ctx, health)

	r.RemoveRemoteServer(client.name)
	for _, t := range tools {
		var params []ParamSchema
		if props, ok := t.InputSchema["properties"].(map[string]interface{}); ok {
			required := map[string]bool{}
			if reqList, ok := t.InputSchema["required"].([]interface{}); ok {
				for _, rq := range reqList {
					if s, ok := rq.(string); ok {
						required[s] = true
					}
				}
			}
			for name, raw := range props {
				ptype := "string"
				if p, ok := raw.(map[string]interface{}); ok {
					if pt, ok := p["type"].(string); ok {
						ptype = pt
					}
				}
				params = append(params, ParamSchema{Name: name, Type: ptype, Required: required[name]})
			}
		}
		toolName := t.Name
		fullName := ReservedPrefix + client.name + "__" + toolName
		d := Descriptor{
			Name:        fullName,
			Description: t.Description,
			Params:      params,
			Invoke: func(ctx context.Context, args map[string]interface{}) (string, error) {
				return client.CallTool(ctx, toolName, args)
			},
		}
		if err := r.RegisterRemote(d); err != nil {
			logging.WarnCF("mcp", "failed to register remote tool", map[string]interface{}{"server": client.name, "tool": toolName, "error": err.Error()})
		}
	}
	return nil
}
