package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
)

// RPCHandler answers one JSON-RPC method. meta is rebuilt from the "_meta" block of params.
type RPCHandler func(ctx context.Context, meta envelope.Meta, params json.RawMessage) (any, error)

// Dispatcher routes JSON-RPC requests to registered methods. Batches are supported;
// notifications are run but produce no response entry.
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[string]RPCHandler
	logger  *slog.Logger
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{methods: make(map[string]RPCHandler), logger: logger}
}

// Register installs or replaces the handler for method.
func (d *Dispatcher) Register(method string, h RPCHandler) {
	d.mu.Lock()
	d.methods[method] = h
	d.mu.Unlock()
}

// Methods returns the registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Handle processes a request or batch body. It returns nil when nothing needs to be sent
// back, which happens when every request was a notification.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return d.handleBatch(ctx, trimmed)
	}
	resp := d.handleOne(ctx, trimmed)
	if resp == nil {
		return nil
	}
	return mustMarshal(resp)
}

func (d *Dispatcher) handleBatch(ctx context.Context, body []byte) []byte {
	var batch []json.RawMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		return mustMarshal(errorResponse(nil, &RPCError{Code: CodeParseError, Message: "parse error"}))
	}
	if len(batch) == 0 {
		return mustMarshal(errorResponse(nil, &RPCError{Code: CodeInvalidRequest, Message: "empty batch"}))
	}
	out := make([]*RPCResponse, 0, len(batch))
	for _, item := range batch {
		if resp := d.handleOne(ctx, item); resp != nil {
			out = append(out, resp)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return mustMarshal(out)
}

func (d *Dispatcher) handleOne(ctx context.Context, body []byte) *RPCResponse {
	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return errorResponse(nil, &RPCError{Code: CodeParseError, Message: "parse error"})
	}
	if req.JSONRPC != JSONRPCVersion || req.Method == "" {
		return errorResponse(req.ID, &RPCError{Code: CodeInvalidRequest, Message: "invalid request"})
	}
	notification := len(req.ID) == 0

	d.mu.RLock()
	h, ok := d.methods[req.Method]
	d.mu.RUnlock()
	if !ok {
		if notification {
			return nil
		}
		return errorResponse(req.ID, &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + req.Method})
	}

	meta := ExtractContext(req.Params)
	if meta.RequestID == "" {
		meta.RequestID = RequestIDFromContext(ctx)
	}
	result, err := h(ctx, meta, req.Params)
	if notification {
		if err != nil {
			d.logger.Warn("json-rpc notification failed", "method", req.Method, "error", err)
		}
		return nil
	}
	if err != nil {
		d.logger.Debug("json-rpc method failed", "method", req.Method, "request_id", meta.RequestID, "error", err)
		return errorResponse(req.ID, rpcErrorFrom(err))
	}

	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, &RPCError{Code: CodeInternalError, Message: "result encoding failed", Data: errors.KindSerialization.String()})
	}
	return &RPCResponse{JSONRPC: JSONRPCVersion, ID: req.ID, Result: data}
}

func errorResponse(id json.RawMessage, rpcErr *RPCError) *RPCResponse {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &RPCResponse{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
