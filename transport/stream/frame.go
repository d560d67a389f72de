package stream

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
)

// FrameType discriminates frames on the wire.
type FrameType string

// Frame types
const (
	FrameEnvelope FrameType = "envelope"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameError    FrameType = "error"
)

// Frame is one logical message on a stream connection: an envelope or a control frame.
type Frame struct {
	Type FrameType `json:"type"`
	// Payload holds the envelope JSON of an envelope frame.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Timestamp is Unix milliseconds on ping and pong frames. A pong echoes its ping.
	Timestamp int64 `json:"timestamp,omitempty"`
	// Message and Code describe an error frame. Code is an error kind name.
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	// RequestID ties an error frame to the request that caused it, when known.
	RequestID string `json:"request_id,omitempty"`
}

// ErrMessageTooLarge is returned for frames over the configured maximum size.
var ErrMessageTooLarge = errors.New(errors.KindValidation, "stream", "message size exceeds maximum")

// EnvelopeFrame wraps env in an envelope frame.
func EnvelopeFrame(env envelope.Raw) (Frame, error) {
	data, err := envelope.Encode(env)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameEnvelope, Payload: data}, nil
}

// PingFrame returns a ping stamped with t.
func PingFrame(t time.Time) Frame {
	return Frame{Type: FramePing, Timestamp: t.UnixMilli()}
}

// ErrorFrame describes err, optionally tied to a request.
func ErrorFrame(err error, requestID string) Frame {
	return Frame{
		Type:      FrameError,
		Message:   err.Error(),
		Code:      errors.KindOf(err).String(),
		RequestID: requestID,
	}
}

// Envelope decodes the payload of an envelope frame.
func (f Frame) Envelope() (envelope.Raw, error) {
	if f.Type != FrameEnvelope {
		return envelope.Raw{}, errors.Newf(errors.KindProtocol, "stream.Frame.Envelope", "%s frame carries no envelope", f.Type)
	}
	return envelope.Decode[json.RawMessage](f.Payload)
}

// Err converts an error frame into a kinded error.
func (f Frame) Err() error {
	kind := errors.ParseKind(f.Code)
	if kind == errors.KindUnknown {
		kind = errors.KindTransport
	}
	return &errors.Error{Kind: kind, Op: "stream.remote", Message: f.Message}
}

// EncodeFrame serializes f. Frames longer than maxSize bytes fail with ErrMessageTooLarge;
// a maxSize of zero disables the check.
func EncodeFrame(f Frame, maxSize int) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindSerialization, Op: "stream.EncodeFrame", Err: err}
	}
	if maxSize > 0 && len(data) > maxSize {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

// DecodeFrame parses a frame. Oversized input fails with ErrMessageTooLarge, malformed JSON
// with KindValidation and an unknown type tag with KindProtocol.
func DecodeFrame(data []byte, maxSize int) (Frame, error) {
	if maxSize > 0 && len(data) > maxSize {
		return Frame{}, ErrMessageTooLarge
	}
	var f Frame
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil {
		return Frame{}, &errors.Error{Kind: errors.KindValidation, Op: "stream.DecodeFrame", Message: "malformed frame", Err: err}
	}
	switch f.Type {
	case FrameEnvelope:
		if len(f.Payload) == 0 {
			return Frame{}, errors.New(errors.KindValidation, "stream.DecodeFrame", "envelope frame without payload")
		}
	case FramePing, FramePong, FrameError:
	default:
		return Frame{}, errors.Newf(errors.KindProtocol, "stream.DecodeFrame", "unknown frame type %q", f.Type)
	}
	return f, nil
}
