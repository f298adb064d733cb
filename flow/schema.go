package flow

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// flowSchema is the JSON Schema a flow definition must satisfy before the
// open node options are interpreted. It guards the envelope shape only;
// node-specific options are validated by the nodes themselves.
const flowSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "nodes"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "description": {"type": "string"},
    "version": {"type": "string"},
    "disabled": {"type": "boolean"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "wires": {
            "type": "array",
            "items": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    }
  }
}`

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(flowSchema)))
	if err != nil {
		return nil, fmt.Errorf("decode flow schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("flow.json", doc); err != nil {
		return nil, fmt.Errorf("add flow schema resource: %w", err)
	}
	schema, err := c.Compile("flow.json")
	if err != nil {
		return nil, fmt.Errorf("compile flow schema: %w", err)
	}
	return schema, nil
})

// ValidateSchema checks raw flow JSON against the envelope schema.
func ValidateSchema(data []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode flow json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid flow definition: %w", err)
	}
	return nil
}
