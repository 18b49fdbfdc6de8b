// Package tools connects the conversation engine to external MCP tool
// servers via stdio or streamable-HTTP transports, using the official MCP Go
// SDK. The host keeps a concurrent-safe registry of discovered tools;
// tenants restrict which of them a session may call through their
// enabled_tools list.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP server to connect to.
type ServerConfig struct {
	Name      string            `yaml:"name"`
	Transport Transport         `yaml:"transport"`
	Command   string            `yaml:"command"`
	URL       string            `yaml:"url"`
	Env       map[string]string `yaml:"env"`
}

// Definition describes one callable tool as offered to the conversation engine.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Result is the outcome of one tool call. IsError marks an application-level
// failure reported by the tool itself; transport failures surface as Go errors.
type Result struct {
	Content string
	IsError bool
}

type toolEntry struct {
	def        Definition
	serverName string
}

type serverConn struct {
	session *mcpsdk.ClientSession
}

// Host manages MCP server connections and the tool registry built from them.
// Safe for concurrent use. The zero value is not usable; create with [NewHost].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]serverConn

	// client is reused across all server connections; the SDK allows one
	// Client to manage multiple sessions.
	client *mcpsdk.Client
}

// NewHost creates an empty, ready-to-use Host.
func NewHost() *Host {
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "nexus-tools", Version: "1.0.0"},
			nil,
		),
	}
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. Registering a server name twice replaces the old connection
// and its tools.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("tools: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.servers[cfg.Name] = serverConn{session: session}

	for _, t := range discovered {
		h.tools[t.Name] = toolEntry{
			def: Definition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: cfg.Name,
		}
	}
	return nil
}

// Available returns the definitions of registered tools whose names appear in
// enabled. A nil enabled list means no tools; tenants opt in explicitly.
func (h *Host) Available(enabled []string) []Definition {
	if len(enabled) == 0 {
		return nil
	}
	allow := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		allow[name] = true
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var defs []Definition
	for name, e := range h.tools {
		if allow[name] {
			defs = append(defs, e.def)
		}
	}
	return defs
}

// Execute calls the named tool with a JSON-encoded argument object. A non-nil
// Result with IsError set reports an application-level failure; a Go error is
// returned only on transport or protocol failure.
func (h *Host) Execute(ctx context.Context, name, args string) (*Result, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	conn, connOK := h.servers[entry.serverName]
	h.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("tools: tool %q not found", name)
	}
	if !connOK {
		return nil, fmt.Errorf("tools: server %q not connected for tool %q", entry.serverName, name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("tools: invalid args JSON for tool %q: %w", name, err)
		}
	}

	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("tools: call %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &Result{Content: sb.String(), IsError: callResult.IsError}, nil
}

// Close shuts down all server connections and clears the registry.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, conn := range h.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap normalizes any schema value to a map.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
