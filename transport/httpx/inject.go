package httpx

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
)

// metaKey is the params key carrying injected envelope context.
const metaKey = "_meta"

// InjectContext writes the meta fields selected by cfg into params under "_meta". Params
// that are empty or null become an object. Array params are returned unchanged since they
// have nowhere to put the block.
func InjectContext(params json.RawMessage, meta envelope.Meta, cfg ContextInjection) (json.RawMessage, error) {
	const op = "httpx.InjectContext"
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if !cfg.Enabled {
		return trimmed, nil
	}
	if !gjson.ValidBytes(trimmed) {
		return nil, errors.New(errors.KindSerialization, op, "params are not valid JSON")
	}
	if trimmed[0] != '{' {
		return trimmed, nil
	}

	block := contextBlock(meta, cfg)
	if len(block) == 0 {
		return trimmed, nil
	}
	out, err := sjson.SetBytes(trimmed, metaKey, block)
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindSerialization, Op: op, Err: err}
	}
	return out, nil
}

func contextBlock(meta envelope.Meta, cfg ContextInjection) map[string]any {
	block := make(map[string]any)
	if cfg.IncludeTenant && meta.Tenant != "" {
		block["tenant"] = meta.Tenant
	}
	if meta.Security != nil {
		if cfg.IncludeUser && meta.Security.UserID != "" {
			block["user_id"] = meta.Security.UserID
		}
		if cfg.IncludeSession && meta.Security.SessionID != "" {
			block["session_id"] = meta.Security.SessionID
		}
	}
	if cfg.IncludeTrace {
		if id := meta.TraceID(); id != "" {
			block["trace_id"] = id
		}
		if meta.RequestID != "" {
			block["request_id"] = meta.RequestID
		}
	}
	for _, key := range cfg.CustomFields {
		if v, ok := meta.Context[key]; ok {
			block[key] = v
		}
	}
	if len(cfg.SecurityFields) > 0 && meta.Security != nil {
		data, err := json.Marshal(meta.Security)
		if err == nil {
			security := make(map[string]any)
			for _, field := range cfg.SecurityFields {
				if v := gjson.GetBytes(data, field); v.Exists() {
					security[field] = v.Value()
				}
			}
			if len(security) > 0 {
				block["security"] = security
			}
		}
	}
	return block
}

// ExtractContext rebuilds meta from an injected "_meta" block. Keys other than the
// well-known ones land in meta.Context.
func ExtractContext(params json.RawMessage) envelope.Meta {
	var meta envelope.Meta
	block := gjson.GetBytes(params, metaKey)
	if !block.IsObject() {
		return meta
	}
	block.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "tenant":
			meta.Tenant = value.String()
		case "request_id":
			meta.RequestID = value.String()
		case "trace_id":
			meta.Tracing = &envelope.Tracing{TraceID: value.String()}
		case "user_id":
			security(&meta).UserID = value.String()
		case "session_id":
			security(&meta).SessionID = value.String()
		case "security":
			var s envelope.Security
			if json.Unmarshal([]byte(value.Raw), &s) == nil {
				merged := security(&meta)
				if merged.UserID == "" {
					merged.UserID = s.UserID
				}
				if merged.SessionID == "" {
					merged.SessionID = s.SessionID
				}
				merged.IPAddress = s.IPAddress
				merged.AuthMethod = s.AuthMethod
				merged.Roles = s.Roles
				merged.Permissions = s.Permissions
			}
		default:
			if meta.Context == nil {
				meta.Context = make(map[string]any)
			}
			meta.Context[key.String()] = value.Value()
		}
		return true
	})
	return meta
}

func security(m *envelope.Meta) *envelope.Security {
	if m.Security == nil {
		m.Security = &envelope.Security{}
	}
	return m.Security
}
