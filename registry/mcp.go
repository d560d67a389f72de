package registry

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/transport/httpx"
)

// Names of the registry tools and resources exposed over JSON-RPC.
const (
	ToolDiscoverAgents    = "discover_agents"
	ToolAgentCapabilities = "agent_capabilities"
	ResourceAgents        = "registry://agents"
	ResourceCapabilities  = "registry://capabilities"
)

var discoverSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "capability": {"type": "string"},
    "name": {"type": "string"},
    "tenant": {"type": "string"}
  }
}`)

var capabilitiesSchema = json.RawMessage(`{
  "type": "object",
  "properties": {"id": {"type": "string"}},
  "required": ["id"]
}`)

// RegisterMCP adds tools and resources that read reg to m, so HTTP clients can browse the
// registry through the JSON-RPC endpoint.
func RegisterMCP(m *httpx.MCP, reg *Registry) {
	m.AddTool(httpx.Tool{
		Name:        ToolDiscoverAgents,
		Description: "List agents matching a capability, name or tenant",
		InputSchema: discoverSchema,
	}, func(_ context.Context, meta envelope.Meta, args json.RawMessage) (httpx.ToolResult, error) {
		var q Query
		if len(args) > 0 && string(args) != "null" {
			if err := json.Unmarshal(args, &q); err != nil {
				return httpx.ToolResult{}, &errors.Error{Kind: errors.KindValidation, Op: "registry.discover_agents", Err: err}
			}
		}
		if q.Tenant == "" {
			q.Tenant = meta.Tenant
		}
		return jsonResult(reg.Discover(q))
	})

	m.AddTool(httpx.Tool{
		Name:        ToolAgentCapabilities,
		Description: "Capabilities of one agent",
		InputSchema: capabilitiesSchema,
	}, func(_ context.Context, _ envelope.Meta, args json.RawMessage) (httpx.ToolResult, error) {
		var q CapabilitiesQuery
		if err := json.Unmarshal(args, &q); err != nil || q.ID == "" {
			return httpx.ToolResult{}, errors.New(errors.KindValidation, "registry.agent_capabilities", "id is required")
		}
		caps, err := reg.Capabilities(q.ID)
		if err != nil {
			return httpx.ToolResult{Content: []httpx.Content{httpx.TextContent(err.Error())}, IsError: true}, nil
		}
		return jsonResult(CapabilitiesReply{ID: q.ID, Capabilities: caps})
	})

	m.AddResource(httpx.Resource{
		URI:      ResourceAgents,
		Name:     "agents",
		MimeType: "application/json",
	}, func(_ context.Context, meta envelope.Meta, uri string) ([]httpx.ResourceContents, error) {
		return jsonContents(uri, reg.Discover(Query{Tenant: meta.Tenant}))
	})

	m.AddResource(httpx.Resource{
		URI:      ResourceCapabilities,
		Name:     "capability index",
		MimeType: "application/json",
	}, func(_ context.Context, _ envelope.Meta, uri string) ([]httpx.ResourceContents, error) {
		return jsonContents(uri, reg.CapabilityIndex())
	})

	m.AddPrompt(httpx.Prompt{
		Name:        "route_task",
		Description: "Ask which agent should handle a task",
		Arguments:   []httpx.PromptArgument{{Name: "task", Required: true}},
	}, func(_ context.Context, _ envelope.Meta, args map[string]string) (httpx.PromptResult, error) {
		task := strings.TrimSpace(args["task"])
		if task == "" {
			return httpx.PromptResult{}, errors.New(errors.KindValidation, "registry.route_task", "task is required")
		}
		index := reg.CapabilityIndex()
		var b strings.Builder
		b.WriteString("Pick the capability best suited to this task.\n\nTask: ")
		b.WriteString(task)
		b.WriteString("\n\nAvailable capabilities:\n")
		for _, capability := range slices.Sorted(maps.Keys(index)) {
			b.WriteString("- ")
			b.WriteString(capability)
			b.WriteString(" (")
			b.WriteString(strings.Join(index[capability], ", "))
			b.WriteString(")\n")
		}
		return httpx.PromptResult{
			Description: "Capability routing",
			Messages:    []httpx.PromptMessage{{Role: "user", Content: httpx.TextContent(b.String())}},
		}, nil
	})
}

func jsonResult(v any) (httpx.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return httpx.ToolResult{}, &errors.Error{Kind: errors.KindSerialization, Op: "registry.jsonResult", Err: err}
	}
	return httpx.ToolResult{Content: []httpx.Content{httpx.TextContent(string(data))}}, nil
}

func jsonContents(uri string, v any) ([]httpx.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindSerialization, Op: "registry.jsonContents", Err: err}
	}
	return []httpx.ResourceContents{{URI: uri, MimeType: "application/json", Text: string(data)}}, nil
}
