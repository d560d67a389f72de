package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/c360/qollective/transport/httpx"
)

func newMCPDispatcher(t *testing.T) (*httpx.Dispatcher, *Registry) {
	t.Helper()
	r, _ := newTestRegistry(Config{})
	for _, info := range []AgentInfo{
		{ID: "agent-a", Name: "Data", Capabilities: []string{"tactical-analysis", "logic"}, Tenant: "fleet"},
		{ID: "agent-b", Name: "Spock", Capabilities: []string{"logic"}, Tenant: "vulcan"},
	} {
		_, err := r.Register(info)
		require.NoError(t, err)
	}
	m := httpx.NewMCP(httpx.Implementation{Name: "qollective-registry", Version: "test"})
	RegisterMCP(m, r)
	d := httpx.NewDispatcher(nil)
	m.Register(d)
	return d, r
}

func call(t *testing.T, d *httpx.Dispatcher, body string) gjson.Result {
	t.Helper()
	out := d.Handle(context.Background(), []byte(body))
	require.NotNil(t, out)
	return gjson.ParseBytes(out)
}

func TestMCP_ListsRegistryTools(t *testing.T) {
	d, _ := newMCPDispatcher(t)
	resp := call(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	names := resp.Get("result.tools.#.name").Array()
	require.Len(t, names, 2)
	assert.Equal(t, ToolAgentCapabilities, names[0].String())
	assert.Equal(t, ToolDiscoverAgents, names[1].String())
}

func TestMCP_DiscoverAgents(t *testing.T) {
	d, _ := newMCPDispatcher(t)

	resp := call(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"discover_agents","arguments":{"capability":"logic"}}}`)
	text := resp.Get("result.content.0.text").String()
	assert.Equal(t, []any{"agent-a", "agent-b"}, gjson.Get(text, "#.id").Value())

	// Tenant comes from the injected meta when the arguments leave it empty.
	resp = call(t, d, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"discover_agents","arguments":{},"_meta":{"tenant":"vulcan"}}}`)
	text = resp.Get("result.content.0.text").String()
	assert.Equal(t, []any{"agent-b"}, gjson.Get(text, "#.id").Value())
}

func TestMCP_AgentCapabilities(t *testing.T) {
	d, _ := newMCPDispatcher(t)

	resp := call(t, d, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"agent_capabilities","arguments":{"id":"agent-a"}}}`)
	text := resp.Get("result.content.0.text").String()
	assert.JSONEq(t, `{"id":"agent-a","capabilities":["logic","tactical-analysis"]}`, text)

	resp = call(t, d, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"agent_capabilities","arguments":{"id":"ghost"}}}`)
	assert.True(t, resp.Get("result.isError").Bool())

	resp = call(t, d, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"agent_capabilities","arguments":{}}}`)
	assert.True(t, resp.Get("error").Exists())
}

func TestMCP_Resources(t *testing.T) {
	d, r := newMCPDispatcher(t)

	resp := call(t, d, `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"registry://capabilities"}}`)
	text := resp.Get("result.contents.0.text").String()
	assert.Equal(t, []any{"agent-a", "agent-b"}, gjson.Get(text, "logic").Value())

	r.Deregister("agent-a")
	resp = call(t, d, `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"registry://agents"}}`)
	text = resp.Get("result.contents.0.text").String()
	assert.Equal(t, []any{"agent-b"}, gjson.Get(text, "#.id").Value())
}

func TestMCP_RouteTaskPrompt(t *testing.T) {
	d, _ := newMCPDispatcher(t)

	resp := call(t, d, `{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"route_task","arguments":{"task":"analyse sensor logs"}}}`)
	text := resp.Get("result.messages.0.content.text").String()
	assert.Contains(t, text, "analyse sensor logs")
	assert.Contains(t, text, "- logic (agent-a, agent-b)")
	assert.Contains(t, text, "- tactical-analysis (agent-a)")

	resp = call(t, d, `{"jsonrpc":"2.0","id":2,"method":"prompts/get","params":{"name":"route_task","arguments":{}}}`)
	assert.True(t, resp.Get("error").Exists())
}
