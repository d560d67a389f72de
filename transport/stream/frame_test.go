package stream

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/qollective/envelope"
	"github.com/c360/qollective/errors"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		max     int
		want    FrameType
		wantErr error
	}{
		{name: "envelope", data: `{"type":"envelope","payload":{"meta":{},"payload":1}}`, want: FrameEnvelope},
		{name: "ping", data: `{"type":"ping","timestamp":1700000000000}`, want: FramePing},
		{name: "pong", data: `{"type":"pong","timestamp":1700000000000}`, want: FramePong},
		{name: "error", data: `{"type":"error","code":"timeout","message":"slow"}`, want: FrameError},
		{name: "malformed", data: `{"type":`, wantErr: errors.ErrValidation},
		{name: "envelope without payload", data: `{"type":"envelope"}`, wantErr: errors.ErrValidation},
		{name: "unknown type", data: `{"type":"hello"}`, wantErr: errors.ErrProtocol},
		{name: "too large", data: `{"type":"ping","timestamp":1}`, max: 10, wantErr: ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.data), tt.max)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Type)
		})
	}
}

func TestEnvelopeFrame_CarriesEnvelope(t *testing.T) {
	meta := envelope.NewMeta()
	meta.Tenant = "acme"
	f, err := EnvelopeFrame(envelope.New(meta, json.RawMessage(`{"q":"x"}`)))
	require.NoError(t, err)

	data, err := EncodeFrame(f, 0)
	require.NoError(t, err)
	decoded, err := DecodeFrame(data, 0)
	require.NoError(t, err)

	env, err := decoded.Envelope()
	require.NoError(t, err)
	assert.Equal(t, meta.RequestID, env.Meta.RequestID)
	assert.Equal(t, "acme", env.Meta.Tenant)
	assert.JSONEq(t, `{"q":"x"}`, string(env.Payload))
}

func TestEncodeFrame_EnforcesMaxSize(t *testing.T) {
	f, err := EnvelopeFrame(envelope.New(envelope.Meta{}, json.RawMessage(`"`+strings.Repeat("z", 100)+`"`)))
	require.NoError(t, err)

	_, err = EncodeFrame(f, 50)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.ErrorIs(t, err, errors.ErrValidation)

	_, err = EncodeFrame(f, 0)
	assert.NoError(t, err)
}

func TestPingFrame_Timestamp(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	assert.Equal(t, int64(1700000000123), PingFrame(at).Timestamp)
}

func TestFrameErr_MapsCode(t *testing.T) {
	assert.ErrorIs(t, Frame{Type: FrameError, Code: "no_responders"}.Err(), errors.ErrNoResponders)
	assert.ErrorIs(t, Frame{Type: FrameError, Code: "something_else"}.Err(), errors.ErrTransport)

	_, err := Frame{Type: FramePing}.Envelope()
	assert.ErrorIs(t, err, errors.ErrProtocol)
}
