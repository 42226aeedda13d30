package registry

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/firebirdmcp/firebird-mcp-go/mcp"
	"github.com/invopop/jsonschema"
)

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithTitle sets the human-readable tool title.
func WithTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithAllowAdditionalProperties controls whether unknown argument fields are
// allowed. When false (default), the generated schema sets
// additionalProperties=false and runtime decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a ToolDef from a typed argument struct A. It reflects a
// JSON Schema from A, down-converts it to the simplified MCP input schema,
// and wraps the handler with runtime JSON decoding of the arguments.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (*Result, error), opts ...ToolOption) ToolDef {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Title:       cfg.title,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, raw json.RawMessage) (*Result, error) {
		var a A
		if len(raw) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(raw, &a); err != nil {
					return Failf("invalid arguments: %v", err), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(raw))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return Failf("invalid arguments: %v", err), nil
				}
			}
		}
		return fn(ctx, a)
	}

	return ToolDef{Tool: desc, Handler: handler}
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema and
// converts it to the simplified mcp.ToolInputSchema. Unknown field policy is
// surfaced via the AdditionalProperties flag on the returned schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to the MCP input schema. Anything else
	// becomes an empty object with the configured additionalProperties policy.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema to the simplified MCP
// property shape.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
