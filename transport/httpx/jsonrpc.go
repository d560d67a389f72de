package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
	"github.com/c360/qollective/transport"
)

// JSONRPCVersion is the protocol version carried by every request and response.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeServerError is used for application failures that carry an error kind in Data.
	CodeServerError = -32000
)

// RPCRequest is a JSON-RPC request. A request without an ID is a notification.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a JSON-RPC response. Exactly one of Result and Error is set.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. Data holds the error kind name when the failure
// came from a kinded error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc %d: %s", e.Code, e.Message)
}

// Kind maps the error onto the error taxonomy.
func (e *RPCError) Kind() errors.Kind {
	switch e.Code {
	case CodeParseError:
		return errors.KindDeserialization
	case CodeInvalidRequest, CodeInvalidParams:
		return errors.KindValidation
	case CodeMethodNotFound:
		return errors.KindNotFound
	}
	if name, ok := e.Data.(string); ok {
		if kind := errors.ParseKind(name); kind != errors.KindUnknown {
			return kind
		}
	}
	return errors.KindTransport
}

// AsError wraps e in a kinded error.
func (e *RPCError) AsError(op string) error {
	return &errors.Error{Kind: e.Kind(), Op: op, Err: e}
}

// rpcErrorFrom converts a handler error into a JSON-RPC error object.
func rpcErrorFrom(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	kind := errors.KindOf(err)
	code := CodeServerError
	switch kind {
	case errors.KindValidation, errors.KindDeserialization:
		code = CodeInvalidParams
	case errors.KindUnknown:
		code = CodeInternalError
	}
	return &RPCError{Code: code, Message: err.Error(), Data: kind.String()}
}

// RPCClient calls JSON-RPC methods over a Client. Params are enriched with the caller's
// envelope context.
type RPCClient struct {
	client   *Client
	endpoint transport.Endpoint
	seq      atomic.Int64
}

// NewRPCClient returns a JSON-RPC client posting to endpoint, an http(s) URL.
func NewRPCClient(client *Client, endpoint string) (*RPCClient, error) {
	ep, err := transport.ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if ep.Kind != transport.KindHTTP {
		return nil, errors.Newf(errors.KindConfig, "httpx.NewRPCClient", "%s is not an http endpoint", endpoint)
	}
	return &RPCClient{client: client, endpoint: ep}, nil
}

// Call invokes method with params and decodes the result into result, which may be nil.
// The request id of meta becomes the JSON-RPC id when set.
func (r *RPCClient) Call(ctx context.Context, meta envelope.Meta, method string, params, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	out, err := r.call(ctx, meta, method, raw)
	if err != nil {
		return err
	}
	if result == nil || len(out) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, result); err != nil {
		return &errors.Error{Kind: errors.KindDeserialization, Op: "httpx.RPCClient.Call", Message: method + " result", Err: err}
	}
	return nil
}

// CallEnvelope sends the envelope payload as params and wraps the result in a reply
// envelope.
func (r *RPCClient) CallEnvelope(ctx context.Context, method string, env envelope.Raw) (envelope.Raw, error) {
	out, err := r.call(ctx, env.Meta, method, env.Payload)
	if err != nil {
		return envelope.Raw{}, err
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	return envelope.Raw{Meta: env.Meta.ReplyMeta(), Payload: out}, nil
}

func (r *RPCClient) call(ctx context.Context, meta envelope.Meta, method string, params json.RawMessage) (json.RawMessage, error) {
	const op = "httpx.RPCClient.Call"
	params, err := InjectContext(params, meta, r.client.cfg.Context)
	if err != nil {
		return nil, err
	}

	id := json.RawMessage(fmt.Sprintf("%d", r.seq.Add(1)))
	if meta.RequestID != "" {
		id, _ = json.Marshal(meta.RequestID)
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindSerialization, Op: op, Err: err}
	}

	data, err := r.client.sendRaw(ctx, r.endpoint, body, meta.RequestID, meta.Tenant)
	if err != nil {
		return nil, err
	}
	var resp RPCResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &errors.Error{Kind: errors.KindDeserialization, Op: op, Message: "malformed json-rpc response", Err: err}
	}
	if resp.Error != nil {
		return nil, resp.Error.AsError(op)
	}
	return resp.Result, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindSerialization, Op: "httpx.marshalParams", Err: err}
	}
	return data, nil
}
