package fbtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebirdmcp/firebird-mcp-go/db"
	"github.com/firebirdmcp/firebird-mcp-go/mcp"
	"github.com/firebirdmcp/firebird-mcp-go/registry"
)

func registerPrompts(reg *registry.Registry, deps Deps) error {
	client := deps.DB

	prompts := []registry.PromptDef{
		{
			Prompt: mcp.Prompt{
				Name:        "query-builder",
				Description: "Build a Firebird SQL query for a described goal using the live schema",
				Arguments: []mcp.PromptArgument{
					{Name: "goal", Description: "What the query should answer", Required: true},
					{Name: "tables", Description: "Comma-separated tables to focus on"},
				},
			},
			Handler: func(ctx context.Context, args map[string]string) ([]mcp.PromptMessage, error) {
				schema, err := schemaSummary(ctx, client, splitList(args["tables"]))
				if err != nil {
					return nil, err
				}
				text := fmt.Sprintf(
					"You are writing SQL for a Firebird database (dialect 3). "+
						"Use Firebird syntax: FIRST/SKIP instead of LIMIT, and || for concatenation.\n\n"+
						"Schema:\n%s\nGoal: %s\n\nWrite the query and explain what it returns.",
					schema, args["goal"],
				)
				return []mcp.PromptMessage{userText(text)}, nil
			},
		},
		{
			Prompt: mcp.Prompt{
				Name:        "database-analysis",
				Description: "Analyze the structure and health of the attached database",
			},
			Handler: func(ctx context.Context, args map[string]string) ([]mcp.PromptMessage, error) {
				schema, err := schemaSummary(ctx, client, nil)
				if err != nil {
					return nil, err
				}
				info, err := client.Info(ctx)
				if err != nil {
					return nil, err
				}
				text := fmt.Sprintf(
					"Analyze this Firebird database.\n\n"+
						"Page size: %d, ODS %d.%d, dialect %d, read-only: %t\n\n"+
						"Schema:\n%s\n"+
						"Comment on normalization, indexing gaps, naming consistency and anything unusual.",
					info.PageSize, info.ODSMajor, info.ODSMinor, info.Dialect, info.ReadOnly, schema,
				)
				return []mcp.PromptMessage{userText(text)}, nil
			},
		},
		{
			Prompt: mcp.Prompt{
				Name:        "optimize-query",
				Description: "Suggest optimizations for a slow Firebird query",
				Arguments: []mcp.PromptArgument{
					{Name: "sql", Description: "The query to optimize", Required: true},
				},
			},
			Handler: func(ctx context.Context, args map[string]string) ([]mcp.PromptMessage, error) {
				sql := args["sql"]
				var planNote string
				if plan, err := client.ExecutionPlan(ctx, sql); err == nil {
					planNote = "Execution plan:\n" + plan + "\n\n"
				}
				text := fmt.Sprintf(
					"Optimize this Firebird query.\n\n%s\n\n%s"+
						"Consider index usage, join order, and Firebird-specific features such as "+
						"FIRST/SKIP and computed indexes. Suggest a rewritten query if possible.",
					sql, planNote,
				)
				return []mcp.PromptMessage{userText(text)}, nil
			},
		},
	}

	for _, def := range prompts {
		if err := reg.RegisterPrompt(def); err != nil {
			return fmt.Errorf("failed to register prompt: %w", err)
		}
	}
	return nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func userText(text string) mcp.PromptMessage {
	return mcp.PromptMessage{
		Role:    mcp.RoleUser,
		Content: mcp.ContentBlock{Type: "text", Text: text},
	}
}

// schemaSummary renders a compact text view of table structures for prompt
// embedding. With a filter, only the named tables are included.
func schemaSummary(ctx context.Context, client dbSchema, only []string) (string, error) {
	tables, err := client.ListTables(ctx)
	if err != nil {
		return "", err
	}

	filter := map[string]bool{}
	for _, t := range only {
		filter[strings.ToUpper(strings.TrimSpace(t))] = true
	}

	var b strings.Builder
	for _, t := range tables {
		if len(filter) > 0 && !filter[t] {
			continue
		}
		cols, err := client.DescribeTable(ctx, t)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "TABLE %s\n", t)
		for _, c := range cols {
			marker := ""
			if c.PrimaryKey {
				marker = " PK"
			}
			if !c.Nullable {
				marker += " NOT NULL"
			}
			fmt.Fprintf(&b, "  %s %s%s\n", c.Name, c.Type, marker)
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "(no user tables)\n", nil
	}
	return b.String(), nil
}

// dbSchema is the slice of the database client the prompt renderers need.
type dbSchema interface {
	ListTables(ctx context.Context) ([]string, error)
	DescribeTable(ctx context.Context, table string) ([]db.Column, error)
}
