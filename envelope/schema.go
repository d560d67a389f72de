package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/qollective/errors"
)

// SchemaValidator checks payloads against a compiled JSON schema.
type SchemaValidator struct {
	schema *gojsonschema.Schema
}

// NewSchemaValidator compiles schemaJSON. An invalid schema is a KindConfig error.
func NewSchemaValidator(schemaJSON []byte) (*SchemaValidator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return nil, &errors.Error{Kind: errors.KindConfig, Op: "envelope.NewSchemaValidator", Err: err}
	}
	return &SchemaValidator{schema: schema}, nil
}

// ValidateJSON validates an encoded payload. Violations are reported together as a single
// KindValidation error.
func (v *SchemaValidator) ValidateJSON(data []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &errors.Error{Kind: errors.KindValidation, Op: "envelope.Validate", Message: "payload is not valid JSON", Err: err}
	}
	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.Newf(errors.KindValidation, "envelope.Validate",
		"payload schema validation failed: %s", strings.Join(violations, "; "))
}

// Validate encodes payload and validates it.
func (v *SchemaValidator) Validate(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &errors.Error{Kind: errors.KindSerialization, Op: "envelope.Validate", Err: err}
	}
	return v.ValidateJSON(data)
}

// DecodeValidated decodes an envelope whose payload must satisfy v. A schema violation is a
// KindDeserialization error wrapping the validation failure.
func DecodeValidated[T any](data []byte, v *SchemaValidator) (Envelope[T], error) {
	raw, err := Decode[json.RawMessage](data)
	if err != nil {
		return Envelope[T]{}, err
	}
	if v != nil {
		if err := v.ValidateJSON(raw.Payload); err != nil {
			return Envelope[T]{}, &errors.Error{Kind: errors.KindDeserialization, Op: "envelope.DecodeValidated", Err: err}
		}
	}
	return Convert[T](raw)
}
