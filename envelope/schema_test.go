package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/qollective/errors"
)

const echoSchema = `{
	"type": "object",
	"required": ["message"],
	"properties": {
		"message": {"type": "string", "minLength": 1},
		"id": {"type": "integer"}
	}
}`

func TestSchemaValidator(t *testing.T) {
	v, err := NewSchemaValidator([]byte(echoSchema))
	require.NoError(t, err)

	assert.NoError(t, v.Validate(echoRequest{Message: "hello", ID: 1}))

	err = v.Validate(map[string]any{"id": 1})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	assert.Contains(t, err.Error(), "message")
}

func TestNewSchemaValidator_InvalidSchema(t *testing.T) {
	_, err := NewSchemaValidator([]byte(`{"type": 12}`))
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
}

func TestDecodeValidated(t *testing.T) {
	v, err := NewSchemaValidator([]byte(echoSchema))
	require.NoError(t, err)

	env, err := DecodeValidated[echoRequest]([]byte(`{"meta":{"tenant":"t1"},"payload":{"message":"hi","id":2}}`), v)
	require.NoError(t, err)
	assert.Equal(t, "hi", env.Payload.Message)

	_, err = DecodeValidated[echoRequest]([]byte(`{"meta":{},"payload":{"message":""}}`), v)
	require.Error(t, err)
	assert.Equal(t, errors.KindDeserialization, errors.KindOf(err))
	assert.ErrorIs(t, err, errors.ErrValidation)
}
