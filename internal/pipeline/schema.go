package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/matthewcove-stack/intent-normaliser/internal/apperr"
)

const packetSchemaURL = "https://intent-normaliser.local/schemas/intent-packet.json"

// packetSchema is the envelope contract for inbound intent packets. The
// intent_type enum is enforced by the classify step so that an unknown type
// is reported against the field rather than as a schema failure.
const packetSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "intent_type"],
  "properties": {
    "kind": {"const": "intent"},
    "intent_type": {"type": "string", "minLength": 1},
    "natural_language": {"type": "string"},
    "fields": {"type": "object"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "source": {"type": "string"},
    "timestamp": {"type": "string"},
    "request_id": {"type": "string"},
    "intent_id": {"type": "string", "minLength": 1},
    "correlation_id": {"type": "string", "minLength": 1},
    "supersedes_intent_id": {"type": "string"}
  }
}`

// Schema validates raw packets against the envelope contract.
type Schema struct {
	schema *jsonschema.Schema
}

// NewSchema compiles the packet schema.
func NewSchema() (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(packetSchemaURL, strings.NewReader(packetSchema)); err != nil {
		return nil, fmt.Errorf("add packet schema: %w", err)
	}
	s, err := c.Compile(packetSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile packet schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// Validate checks raw against the schema. The returned error is always a
// VALIDATION_ERROR naming the offending field when one can be identified.
func (s *Schema) Validate(raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "packet is not valid JSON", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		field, msg := describe(err)
		e := apperr.Wrap(apperr.CodeValidation, msg, err)
		if field != "" {
			e.Details = map[string]any{"field": field}
		}
		return e
	}
	return nil
}

// describe reduces a schema failure to the deepest cause.
func describe(err error) (string, string) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "", err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	field = strings.ReplaceAll(field, "/", ".")
	if field == "" && strings.HasPrefix(ve.Message, "missing properties") {
		if i := strings.Index(ve.Message, "'"); i >= 0 {
			rest := ve.Message[i+1:]
			if j := strings.Index(rest, "'"); j >= 0 {
				field = rest[:j]
			}
		}
	}
	msg := ve.Message
	if field != "" {
		msg = field + ": " + msg
	}
	return field, msg
}
