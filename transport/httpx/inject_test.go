package httpx

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
)

func sampleMeta() envelope.Meta {
	meta := envelope.NewMeta()
	meta.Tenant = "acme"
	meta.Tracing = envelope.NewTracing("tools.call")
	meta.Context = map[string]any{"region": "eu-west", "ignored": true}
	meta.Security = &envelope.Security{
		UserID:     "u-1",
		SessionID:  "s-1",
		AuthMethod: "jwt",
		Roles:      []string{"admin"},
	}
	return meta
}

func TestInjectContext_DefaultFields(t *testing.T) {
	meta := sampleMeta()
	out, err := InjectContext(json.RawMessage(`{"query":"x"}`), meta, DefaultContextInjection())
	require.NoError(t, err)

	assert.Equal(t, "x", gjson.GetBytes(out, "query").String())
	assert.Equal(t, "acme", gjson.GetBytes(out, "_meta.tenant").String())
	assert.Equal(t, "u-1", gjson.GetBytes(out, "_meta.user_id").String())
	assert.Equal(t, "s-1", gjson.GetBytes(out, "_meta.session_id").String())
	assert.Equal(t, meta.TraceID(), gjson.GetBytes(out, "_meta.trace_id").String())
	assert.Equal(t, meta.RequestID, gjson.GetBytes(out, "_meta.request_id").String())
	assert.False(t, gjson.GetBytes(out, "_meta.region").Exists())
	assert.False(t, gjson.GetBytes(out, "_meta.security").Exists())
}

func TestInjectContext_CustomAndSecurityFields(t *testing.T) {
	cfg := ContextInjection{
		Enabled:        true,
		IncludeTenant:  true,
		CustomFields:   []string{"region", "missing"},
		SecurityFields: []string{"authMethod", "roles"},
	}
	out, err := InjectContext(nil, sampleMeta(), cfg)
	require.NoError(t, err)

	assert.Equal(t, "eu-west", gjson.GetBytes(out, "_meta.region").String())
	assert.False(t, gjson.GetBytes(out, "_meta.missing").Exists())
	assert.False(t, gjson.GetBytes(out, "_meta.user_id").Exists())
	assert.Equal(t, "jwt", gjson.GetBytes(out, "_meta.security.authMethod").String())
	assert.Equal(t, "admin", gjson.GetBytes(out, "_meta.security.roles.0").String())
}

func TestInjectContext_EdgeCases(t *testing.T) {
	meta := sampleMeta()

	out, err := InjectContext(json.RawMessage(`null`), meta, ContextInjection{})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(out))

	out, err = InjectContext(json.RawMessage(`[1,2]`), meta, DefaultContextInjection())
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", string(out))

	_, err = InjectContext(json.RawMessage(`{broken`), meta, DefaultContextInjection())
	assert.ErrorIs(t, err, errors.ErrSerialization)

	out, err = InjectContext(json.RawMessage(`{"a":1}`), envelope.Meta{}, DefaultContextInjection())
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestExtractContext_ReversesInjection(t *testing.T) {
	meta := sampleMeta()
	cfg := DefaultContextInjection()
	cfg.CustomFields = []string{"region"}
	cfg.SecurityFields = []string{"authMethod", "roles"}

	out, err := InjectContext(json.RawMessage(`{}`), meta, cfg)
	require.NoError(t, err)

	got := ExtractContext(out)
	assert.Equal(t, "acme", got.Tenant)
	assert.Equal(t, meta.RequestID, got.RequestID)
	assert.Equal(t, meta.TraceID(), got.TraceID())
	require.NotNil(t, got.Security)
	assert.Equal(t, "u-1", got.Security.UserID)
	assert.Equal(t, "s-1", got.Security.SessionID)
	assert.Equal(t, "jwt", got.Security.AuthMethod)
	assert.Equal(t, []string{"admin"}, got.Security.Roles)
	assert.Equal(t, "eu-west", got.Context["region"])

	assert.Equal(t, envelope.Meta{}, ExtractContext(json.RawMessage(`{"x":1}`)))
}
