package elicitation

import (
	"fmt"

	"github.com/lighthouse-core/lighthouse/core"
)

// ValidateAgainstSchema checks data against schema's structural subset of
// JSON Schema (spec §3 JSONSchema, §4.6 "validate data against the stored
// schema"). Returns the first violation found.
func ValidateAgainstSchema(schema *core.JSONSchema, data map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	return validateValue(schema, data)
}

func validateValue(schema *core.JSONSchema, value interface{}) error {
	switch schema.Type {
	case "object", "":
		obj, ok := value.(map[string]interface{})
		if !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
		for _, req := range schema.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("missing required field %q", req)
			}
		}
		for key, propSchema := range schema.Properties {
			v, present := obj[key]
			if !present {
				continue
			}
			if err := validateValue(propSchema, v); err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
		}
		return nil

	case "array":
		arr, ok := value.([]interface{})
		if !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
		if schema.Items == nil {
			return nil
		}
		for i, item := range arr {
			if err := validateValue(schema.Items, item); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
		return nil

	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		return nil

	case "number", "integer":
		switch value.(type) {
		case float64, int, int64:
			return nil
		default:
			return fmt.Errorf("expected number, got %T", value)
		}

	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
		return nil

	default:
		return nil
	}
}
