// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plexus Contributors

package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the schema $id advertised for plexus.yaml files.
const SchemaID = "https://plexushq.dev/schemas/plexus.schema.json"

// JSONSchema emits the union shape of an event-table entry: a bare plugin
// name, or a map naming the plugin plus an argument override.
func (RouteValue) JSONSchema() *jsonschema.Schema {
	withArgs := &jsonschema.Schema{
		Type:                 "object",
		Properties:           jsonschema.NewProperties(),
		Required:             []string{"plugin"},
		AdditionalProperties: jsonschema.FalseSchema,
	}
	withArgs.Properties.Set("plugin", &jsonschema.Schema{
		Type:        "string",
		Description: "Name of the registered plugin to invoke.",
	})
	withArgs.Properties.Set("args", &jsonschema.Schema{
		Description: "Argument override for this route. Omit to invoke with the plugin's registered defaults.",
	})
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string", Description: "Plugin name, invoked with its registered default arguments."},
			withArgs,
		},
	}
}

// GenerateSchema generates the JSON Schema for plexus.yaml files.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&File{})

	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "Plexus Configuration"
	schema.Description = "Schema for plexus.yaml configuration files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// ValidateSchema validates raw YAML config data against the generated JSON
// Schema. An empty document is a valid all-defaults config.
func ValidateSchema(data []byte) error {
	var yamlData any
	if err := yaml.Unmarshal(data, &yamlData); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	if yamlData == nil {
		yamlData = map[string]any{}
	}

	jsonData := convertToJSONTypes(yamlData)

	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	if err := sch.Validate(jsonData); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

var (
	schemaOnce   sync.Once
	schemaCached *jschema.Schema
	schemaErr    error
)

func compiledSchema() (*jschema.Schema, error) {
	schemaOnce.Do(func() {
		schemaBytes, err := GenerateSchema()
		if err != nil {
			schemaErr = err
			return
		}

		var schemaData any
		if err := json.Unmarshal(schemaBytes, &schemaData); err != nil {
			schemaErr = fmt.Errorf("failed to parse schema JSON: %w", err)
			return
		}

		c := jschema.NewCompiler()
		if err := c.AddResource("schema.json", schemaData); err != nil {
			schemaErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		schemaCached, schemaErr = c.Compile("schema.json")
	})
	return schemaCached, schemaErr
}

// convertToJSONTypes converts YAML-parsed data to JSON-compatible types.
// yaml.v3 already yields map[string]any, but nested values need recursive
// handling and exotic scalars go through a JSON round-trip.
func convertToJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			result[k] = convertToJSONTypes(v)
		}
		return result
	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			result[i] = convertToJSONTypes(v)
		}
		return result
	case string, int, int64, float64, bool, nil:
		return val
	default:
		if b, err := json.Marshal(val); err == nil {
			var result any
			if err := json.Unmarshal(b, &result); err == nil {
				return result
			}
		}
		return val
	}
}

// FormatSchemaError formats a schema validation error for display.
func FormatSchemaError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	return strings.TrimPrefix(msg, "schema validation failed: ")
}
