package httpx

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
)

// MCP method names.
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPromptsList   = "prompts/list"
	MethodPromptsGet    = "prompts/get"
)

// MCPProtocolVersion is reported by initialize.
const MCPProtocolVersion = "2024-11-05"

// Implementation names a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is sent by initialize.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      Implementation `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

// InitializeResult is returned by initialize.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      Implementation `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// Tool describes a callable tool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content is one item of tool, resource or prompt output.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// TextContent returns a text content item.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// ToolResult is returned by tools/call.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Resource describes a readable resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is returned by resources/read.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt describes a prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptMessage is one message of a rendered prompt.
type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// PromptResult is returned by prompts/get.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

type toolsList struct {
	Tools []Tool `json:"tools"`
}

type resourcesList struct {
	Resources []Resource `json:"resources"`
}

type resourcesRead struct {
	Contents []ResourceContents `json:"contents"`
}

type promptsList struct {
	Prompts []Prompt `json:"prompts"`
}

// Initialize performs the MCP handshake.
func (r *RPCClient) Initialize(ctx context.Context, meta envelope.Meta, client Implementation) (InitializeResult, error) {
	var out InitializeResult
	err := r.Call(ctx, meta, MethodInitialize, InitializeParams{ProtocolVersion: MCPProtocolVersion, ClientInfo: client}, &out)
	return out, err
}

// Ping checks that the server answers.
func (r *RPCClient) Ping(ctx context.Context, meta envelope.Meta) error {
	return r.Call(ctx, meta, MethodPing, nil, nil)
}

// ListTools returns the tools the server offers.
func (r *RPCClient) ListTools(ctx context.Context, meta envelope.Meta) ([]Tool, error) {
	var out toolsList
	err := r.Call(ctx, meta, MethodToolsList, nil, &out)
	return out.Tools, err
}

// CallTool invokes a tool by name.
func (r *RPCClient) CallTool(ctx context.Context, meta envelope.Meta, name string, arguments any) (ToolResult, error) {
	var out ToolResult
	err := r.Call(ctx, meta, MethodToolsCall, map[string]any{"name": name, "arguments": arguments}, &out)
	return out, err
}

// ListResources returns the resources the server offers.
func (r *RPCClient) ListResources(ctx context.Context, meta envelope.Meta) ([]Resource, error) {
	var out resourcesList
	err := r.Call(ctx, meta, MethodResourcesList, nil, &out)
	return out.Resources, err
}

// ReadResource reads a resource by URI.
func (r *RPCClient) ReadResource(ctx context.Context, meta envelope.Meta, uri string) ([]ResourceContents, error) {
	var out resourcesRead
	err := r.Call(ctx, meta, MethodResourcesRead, map[string]string{"uri": uri}, &out)
	return out.Contents, err
}

// ListPrompts returns the prompts the server offers.
func (r *RPCClient) ListPrompts(ctx context.Context, meta envelope.Meta) ([]Prompt, error) {
	var out promptsList
	err := r.Call(ctx, meta, MethodPromptsList, nil, &out)
	return out.Prompts, err
}

// GetPrompt renders a prompt. arguments may be nil.
func (r *RPCClient) GetPrompt(ctx context.Context, meta envelope.Meta, name string, arguments map[string]string) (PromptResult, error) {
	var out PromptResult
	params := map[string]any{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}
	err := r.Call(ctx, meta, MethodPromptsGet, params, &out)
	return out, err
}

// ToolFunc runs a tool with its raw arguments.
type ToolFunc func(ctx context.Context, meta envelope.Meta, arguments json.RawMessage) (ToolResult, error)

// ResourceFunc reads a resource.
type ResourceFunc func(ctx context.Context, meta envelope.Meta, uri string) ([]ResourceContents, error)

// PromptFunc renders a prompt.
type PromptFunc func(ctx context.Context, meta envelope.Meta, arguments map[string]string) (PromptResult, error)

type toolEntry struct {
	tool Tool
	fn   ToolFunc
}

type resourceEntry struct {
	resource Resource
	fn       ResourceFunc
}

type promptEntry struct {
	prompt Prompt
	fn     PromptFunc
}

// MCP holds the tools, resources and prompts served over JSON-RPC. Register it on a
// Dispatcher to expose the well-known methods.
type MCP struct {
	info Implementation

	mu        sync.RWMutex
	tools     map[string]toolEntry
	resources map[string]resourceEntry
	prompts   map[string]promptEntry
}

// NewMCP creates an empty catalogue reported under info.
func NewMCP(info Implementation) *MCP {
	return &MCP{
		info:      info,
		tools:     make(map[string]toolEntry),
		resources: make(map[string]resourceEntry),
		prompts:   make(map[string]promptEntry),
	}
}

// AddTool registers or replaces a tool.
func (m *MCP) AddTool(tool Tool, fn ToolFunc) {
	m.mu.Lock()
	m.tools[tool.Name] = toolEntry{tool: tool, fn: fn}
	m.mu.Unlock()
}

// AddResource registers or replaces a resource.
func (m *MCP) AddResource(resource Resource, fn ResourceFunc) {
	m.mu.Lock()
	m.resources[resource.URI] = resourceEntry{resource: resource, fn: fn}
	m.mu.Unlock()
}

// AddPrompt registers or replaces a prompt.
func (m *MCP) AddPrompt(prompt Prompt, fn PromptFunc) {
	m.mu.Lock()
	m.prompts[prompt.Name] = promptEntry{prompt: prompt, fn: fn}
	m.mu.Unlock()
}

// Register installs the MCP methods on d.
func (m *MCP) Register(d *Dispatcher) {
	d.Register(MethodInitialize, m.initialize)
	d.Register(MethodPing, func(context.Context, envelope.Meta, json.RawMessage) (any, error) {
		return struct{}{}, nil
	})
	d.Register(MethodToolsList, m.listTools)
	d.Register(MethodToolsCall, m.callTool)
	d.Register(MethodResourcesList, m.listResources)
	d.Register(MethodResourcesRead, m.readResource)
	d.Register(MethodPromptsList, m.listPrompts)
	d.Register(MethodPromptsGet, m.getPrompt)
}

func (m *MCP) initialize(context.Context, envelope.Meta, json.RawMessage) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	caps := make(map[string]any)
	if len(m.tools) > 0 {
		caps["tools"] = map[string]any{}
	}
	if len(m.resources) > 0 {
		caps["resources"] = map[string]any{}
	}
	if len(m.prompts) > 0 {
		caps["prompts"] = map[string]any{}
	}
	return InitializeResult{ProtocolVersion: MCPProtocolVersion, ServerInfo: m.info, Capabilities: caps}, nil
}

func (m *MCP) listTools(context.Context, envelope.Meta, json.RawMessage) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := toolsList{Tools: make([]Tool, 0, len(m.tools))}
	for _, e := range m.tools {
		out.Tools = append(out.Tools, e.tool)
	}
	slices.SortFunc(out.Tools, func(a, b Tool) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *MCP) callTool(ctx context.Context, meta envelope.Meta, params json.RawMessage) (any, error) {
	const op = "httpx.MCP.callTool"
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, errors.New(errors.KindValidation, op, "tools/call requires a name")
	}
	m.mu.RLock()
	entry, ok := m.tools[p.Name]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, op, "unknown tool %q", p.Name)
	}
	return entry.fn(ctx, meta, p.Arguments)
}

func (m *MCP) listResources(context.Context, envelope.Meta, json.RawMessage) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := resourcesList{Resources: make([]Resource, 0, len(m.resources))}
	for _, e := range m.resources {
		out.Resources = append(out.Resources, e.resource)
	}
	slices.SortFunc(out.Resources, func(a, b Resource) int { return strings.Compare(a.URI, b.URI) })
	return out, nil
}

func (m *MCP) readResource(ctx context.Context, meta envelope.Meta, params json.RawMessage) (any, error) {
	const op = "httpx.MCP.readResource"
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return nil, errors.New(errors.KindValidation, op, "resources/read requires a uri")
	}
	m.mu.RLock()
	entry, ok := m.resources[p.URI]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, op, "unknown resource %q", p.URI)
	}
	contents, err := entry.fn(ctx, meta, p.URI)
	if err != nil {
		return nil, err
	}
	return resourcesRead{Contents: contents}, nil
}

func (m *MCP) listPrompts(context.Context, envelope.Meta, json.RawMessage) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := promptsList{Prompts: make([]Prompt, 0, len(m.prompts))}
	for _, e := range m.prompts {
		out.Prompts = append(out.Prompts, e.prompt)
	}
	slices.SortFunc(out.Prompts, func(a, b Prompt) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *MCP) getPrompt(ctx context.Context, meta envelope.Meta, params json.RawMessage) (any, error) {
	const op = "httpx.MCP.getPrompt"
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, errors.New(errors.KindValidation, op, "prompts/get requires a name")
	}
	m.mu.RLock()
	entry, ok := m.prompts[p.Name]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, op, "unknown prompt %q", p.Name)
	}
	for _, arg := range entry.prompt.Arguments {
		if _, set := p.Arguments[arg.Name]; arg.Required && !set {
			return nil, errors.Newf(errors.KindValidation, op, "prompt %q requires argument %q", p.Name, arg.Name)
		}
	}
	return entry.fn(ctx, meta, p.Arguments)
}
