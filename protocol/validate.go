package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/firebirdmcp/firebird-mcp-go/mcp"
)

// ValidateArguments checks a raw argument payload against a tool's declared
// input schema before the handler runs. It enforces the simplified schema
// dialect used in tool declarations: object shape, required fields, property
// types, and the additionalProperties policy. Violations produce the exact
// message surfaced to the client as a validation error.
func ValidateArguments(schema mcp.ToolInputSchema, raw json.RawMessage) error {
	var args map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("arguments must be an object")
		}
	}

	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required argument: %s", name)
		}
	}

	for name, val := range args {
		prop, declared := schema.Properties[name]
		if !declared {
			if !schema.AdditionalProperties {
				return fmt.Errorf("unknown argument: %s", name)
			}
			continue
		}
		if err := checkType(name, prop, val); err != nil {
			return err
		}
	}

	return nil
}

func checkType(name string, prop mcp.SchemaProperty, val any) error {
	if val == nil || prop.Type == "" {
		return nil
	}
	switch prop.Type {
	case "string":
		if _, ok := val.(string); !ok {
			return typeError(name, "string")
		}
	case "number":
		if _, ok := val.(float64); !ok {
			return typeError(name, "number")
		}
	case "integer":
		f, ok := val.(float64)
		if !ok || f != float64(int64(f)) {
			return typeError(name, "integer")
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return typeError(name, "boolean")
		}
	case "array":
		items, ok := val.([]any)
		if !ok {
			return typeError(name, "array")
		}
		if prop.Items != nil {
			for i, item := range items {
				if err := checkType(fmt.Sprintf("%s[%d]", name, i), *prop.Items, item); err != nil {
					return err
				}
			}
		}
	case "object":
		obj, ok := val.(map[string]any)
		if !ok {
			return typeError(name, "object")
		}
		for key, sub := range prop.Properties {
			if v, present := obj[key]; present {
				if err := checkType(name+"."+key, sub, v); err != nil {
					return err
				}
			}
		}
	}

	if len(prop.Enum) > 0 {
		for _, allowed := range prop.Enum {
			if fmt.Sprint(allowed) == fmt.Sprint(val) {
				return nil
			}
		}
		return fmt.Errorf("argument %s: value not in allowed set", name)
	}

	return nil
}

func typeError(name, want string) error {
	return fmt.Errorf("argument %s: expected %s", name, want)
}
