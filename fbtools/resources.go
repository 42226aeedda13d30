package fbtools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/firebirdmcp/firebird-mcp-go/mcp"
	"github.com/firebirdmcp/firebird-mcp-go/registry"
)

func registerResources(reg *registry.Registry, deps Deps) error {
	client := deps.DB

	resources := []registry.ResourceDef{
		{
			Resource: mcp.Resource{
				URI:         "fb://schema/tables",
				Name:        "Database Tables",
				Description: "All user tables in the database",
				MimeType:    "application/json",
			},
			Handler: jsonResource(func(ctx context.Context) (any, error) {
				return client.ListTables(ctx)
			}),
		},
		{
			Resource: mcp.Resource{
				URI:         "fb://schema/views",
				Name:        "Database Views",
				Description: "All user views in the database",
				MimeType:    "application/json",
			},
			Handler: jsonResource(func(ctx context.Context) (any, error) {
				return client.ListViews(ctx)
			}),
		},
		{
			Resource: mcp.Resource{
				URI:         "fb://schema/procedures",
				Name:        "Stored Procedures",
				Description: "All user stored procedures in the database",
				MimeType:    "application/json",
			},
			Handler: jsonResource(func(ctx context.Context) (any, error) {
				return client.ListProcedures(ctx)
			}),
		},
		{
			Resource: mcp.Resource{
				URI:         "fb://schema/indexes",
				Name:        "Indexes",
				Description: "All user indexes with their target table and uniqueness",
				MimeType:    "application/json",
			},
			Handler: jsonResource(func(ctx context.Context) (any, error) {
				return client.ListIndexes(ctx)
			}),
		},
		{
			Resource: mcp.Resource{
				URI:         "fb://database/info",
				Name:        "Database Info",
				Description: "Page size, ODS version, dialect and other database characteristics",
				MimeType:    "application/json",
			},
			Handler: jsonResource(func(ctx context.Context) (any, error) {
				return client.Info(ctx)
			}),
		},
	}

	for _, def := range resources {
		if err := reg.RegisterResource(def); err != nil {
			return fmt.Errorf("failed to register resource: %w", err)
		}
	}
	return nil
}

// jsonResource adapts a data producer into a resource handler returning one
// JSON text content item.
func jsonResource(fn func(ctx context.Context) (any, error)) registry.ResourceHandler {
	return func(ctx context.Context, uri string) ([]mcp.ResourceContents, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode resource: %w", err)
		}
		return []mcp.ResourceContents{{
			URI:      uri,
			MimeType: "application/json",
			Text:     string(b),
		}}, nil
	}
}
