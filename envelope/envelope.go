// Package envelope defines the message container exchanged by every Qollective transport:
// metadata plus a typed payload, with a JSON codec that preserves unknown meta keys.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/c360/qollective/errors"
)

// Envelope pairs metadata with a payload of type T. Error is set on error replies.
type Envelope[T any] struct {
	Meta    Meta   `json:"meta"`
	Payload T      `json:"payload"`
	Error   *Error `json:"error,omitempty"`
}

// Raw is an envelope whose payload has not been decoded.
type Raw = Envelope[json.RawMessage]

// New attaches meta to payload.
func New[T any](meta Meta, payload T) Envelope[T] {
	return Envelope[T]{Meta: meta, Payload: payload}
}

// Extract returns the meta and payload.
func (e Envelope[T]) Extract() (Meta, T) {
	return e.Meta, e.Payload
}

// HasError reports whether the envelope is an error reply.
func (e Envelope[T]) HasError() bool {
	return e.Error != nil
}

// Err returns the error reply as a kinded error, or nil.
func (e Envelope[T]) Err() error {
	if e.Error == nil {
		return nil
	}
	return e.Error.AsError()
}

// Reply builds a response to e carrying payload, with meta derived by ReplyMeta.
func Reply[R, T any](req Envelope[T], payload R) Envelope[R] {
	return Envelope[R]{Meta: req.Meta.ReplyMeta(), Payload: payload}
}

// ReplyRaw builds a response to req from an arbitrary result. A json.RawMessage is used as
// is; nil becomes a JSON null payload.
func ReplyRaw[T any](req Envelope[T], result any) (Raw, error) {
	var payload json.RawMessage
	switch p := result.(type) {
	case nil:
		payload = json.RawMessage("null")
	case json.RawMessage:
		payload = p
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
	default:
		data, err := json.Marshal(result)
		if err != nil {
			return Raw{}, &errors.Error{Kind: errors.KindSerialization, Op: "envelope.ReplyRaw", Err: err}
		}
		payload = data
	}
	return Raw{Meta: req.Meta.ReplyMeta(), Payload: payload}, nil
}

// ErrorReply builds an error response to req.
func ErrorReply[T any](req Envelope[T], err error) Raw {
	return Raw{Meta: req.Meta.ReplyMeta(), Payload: json.RawMessage("null"), Error: ErrorFrom(err)}
}

// Encode serializes e as JSON. Failures carry KindSerialization.
func Encode[T any](e Envelope[T]) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindSerialization, Op: "envelope.Encode", Err: err}
	}
	return data, nil
}

// Decode parses an envelope. Malformed JSON, a non-object document and a payload that does
// not fit T all fail with KindDeserialization.
func Decode[T any](data []byte) (Envelope[T], error) {
	var e Envelope[T]
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return e, errors.New(errors.KindDeserialization, "envelope.Decode", "envelope must be a JSON object")
	}
	if err := json.Unmarshal(trimmed, &e); err != nil {
		return e, &errors.Error{Kind: errors.KindDeserialization, Op: "envelope.Decode", Err: err}
	}
	return e, nil
}

// Convert decodes the payload of a raw envelope into T.
func Convert[T any](raw Raw) (Envelope[T], error) {
	out := Envelope[T]{Meta: raw.Meta, Error: raw.Error}
	if len(raw.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw.Payload, &out.Payload); err != nil {
		return out, &errors.Error{
			Kind:    errors.KindDeserialization,
			Op:      "envelope.Convert",
			Message: fmt.Sprintf("payload does not match %T", out.Payload),
			Err:     err,
		}
	}
	return out, nil
}

// ToRaw encodes the payload of e, leaving meta untouched.
func ToRaw[T any](e Envelope[T]) (Raw, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Raw{}, &errors.Error{Kind: errors.KindSerialization, Op: "envelope.ToRaw", Err: err}
	}
	return Raw{Meta: e.Meta, Payload: payload, Error: e.Error}, nil
}

// Error is the error body of an error reply. Code is an error kind name such as "timeout".
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Kind returns the error kind named by Code.
func (e *Error) Kind() errors.Kind {
	return errors.ParseKind(e.Code)
}

// AsError converts the body into a kinded error. Unknown codes become KindTransport.
func (e *Error) AsError() error {
	kind := e.Kind()
	if kind == errors.KindUnknown {
		kind = errors.KindTransport
	}
	return &errors.Error{Kind: kind, Op: "remote", Message: e.Message}
}

// Is matches kind sentinels such as errors.ErrTimeout.
func (e *Error) Is(target error) bool {
	var ke *errors.Error
	if !errors.As(target, &ke) {
		return false
	}
	return ke.Op == "" && ke.Message == "" && ke.Err == nil && ke.Kind == e.Kind()
}

// ErrorFrom converts err into an error body, keeping the most specific kind.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var body *Error
	if errors.As(err, &body) {
		return body
	}
	kind := errors.KindOf(err)
	if kind == errors.KindUnknown {
		kind = errors.KindTransport
	}
	return &Error{Code: kind.String(), Message: err.Error()}
}
