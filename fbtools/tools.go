// Package fbtools registers the Firebird capabilities (tools, resources and
// prompts) on the capability registry. It is the only package that knows both
// the database layer and the protocol surface.
package fbtools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebirdmcp/firebird-mcp-go/db"
	"github.com/firebirdmcp/firebird-mcp-go/registry"
)

// Deps carries the domain dependencies the capabilities need.
type Deps struct {
	DB    *db.Client
	Admin *db.Admin
	Log   *slog.Logger
}

// RegisterAll installs every Firebird capability on the registry. Errors are
// boot failures (duplicate names or missing handlers).
func RegisterAll(reg *registry.Registry, deps Deps) error {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if err := registerTools(reg, deps); err != nil {
		return err
	}
	if err := registerResources(reg, deps); err != nil {
		return err
	}
	if err := registerPrompts(reg, deps); err != nil {
		return err
	}
	deps.Log.Debug("capabilities.registered",
		slog.Int("tools", len(reg.Tools())),
		slog.Int("resources", len(reg.Resources())),
		slog.Int("prompts", len(reg.Prompts())),
	)
	return nil
}

type queryArgs struct {
	SQL    string `json:"sql" jsonschema:"description=SQL statement to execute. Examples: 'SELECT * FROM USERS'"`
	Params []any  `json:"params,omitempty" jsonschema:"description=Positional parameters for ? placeholders"`
}

type tableArgs struct {
	TableName string `json:"tableName" jsonschema:"description=Name of the table"`
}

type batchQueryArgs struct {
	Queries []string `json:"queries" jsonschema:"description=SQL statements to execute in sequence"`
}

type batchTableArgs struct {
	TableNames []string `json:"tableNames" jsonschema:"description=Names of the tables to describe"`
}

type analyzeArgs struct {
	SQL  string `json:"sql" jsonschema:"description=SELECT statement to profile"`
	Runs int    `json:"runs,omitempty" jsonschema:"description=Number of timed executions (1-10, default 3)"`
}

type planArgs struct {
	SQL string `json:"sql" jsonschema:"description=SELECT statement to explain"`
}

type backupArgs struct {
	BackupPath string `json:"backupPath" jsonschema:"description=Destination path for the backup file"`
}

type restoreArgs struct {
	BackupPath   string `json:"backupPath" jsonschema:"description=Path of the backup file to restore from"`
	DatabasePath string `json:"databasePath" jsonschema:"description=Path of the database file to create"`
	Replace      bool   `json:"replace,omitempty" jsonschema:"description=Overwrite an existing database file"`
}

type emptyArgs struct{}

func registerTools(reg *registry.Registry, deps Deps) error {
	client := deps.DB
	admin := deps.Admin

	tools := []registry.ToolDef{
		registry.NewTool("execute-query", func(ctx context.Context, args queryArgs) (*registry.Result, error) {
			if strings.TrimSpace(args.SQL) == "" {
				return registry.Failf("sql is required"), nil
			}
			if isReadQuery(args.SQL) {
				rows, err := client.Query(ctx, args.SQL, args.Params...)
				if err != nil {
					return registry.Failf("query failed: %v", err), nil
				}
				return registry.JSON(map[string]any{"rows": rows, "rowCount": len(rows)})
			}
			affected, err := client.Execute(ctx, args.SQL, args.Params...)
			if err != nil {
				return registry.Failf("statement failed: %v", err), nil
			}
			return registry.JSON(map[string]any{"rowsAffected": affected})
		}, registry.WithDescription("Execute a single SQL statement against the Firebird database. SELECT statements return rows; other statements return the affected row count.")),

		registry.NewTool("list-tables", func(ctx context.Context, _ emptyArgs) (*registry.Result, error) {
			tables, err := client.ListTables(ctx)
			if err != nil {
				return registry.Failf("failed to list tables: %v", err), nil
			}
			return registry.JSON(map[string]any{"tables": tables, "count": len(tables)})
		}, registry.WithDescription("List all user tables in the database.")),

		registry.NewTool("describe-table", func(ctx context.Context, args tableArgs) (*registry.Result, error) {
			cols, err := client.DescribeTable(ctx, args.TableName)
			if err != nil {
				return registry.Failf("failed to describe table: %v", err), nil
			}
			return registry.JSON(map[string]any{"table": strings.ToUpper(strings.TrimSpace(args.TableName)), "columns": cols})
		}, registry.WithDescription("Describe the columns of a table: types, nullability, defaults, primary key membership and comments.")),

		registry.NewTool("get-field-descriptions", func(ctx context.Context, args tableArgs) (*registry.Result, error) {
			descrs, err := client.FieldDescriptions(ctx, args.TableName)
			if err != nil {
				return registry.Failf("failed to read field descriptions: %v", err), nil
			}
			return registry.JSON(map[string]any{"table": strings.ToUpper(strings.TrimSpace(args.TableName)), "descriptions": descrs})
		}, registry.WithDescription("Get the column comments of a table, keyed by column name.")),

		registry.NewTool("execute-batch-queries", func(ctx context.Context, args batchQueryArgs) (*registry.Result, error) {
			if len(args.Queries) == 0 {
				return registry.Failf("queries is required"), nil
			}
			results := make([]map[string]any, 0, len(args.Queries))
			for i, q := range args.Queries {
				entry := map[string]any{"index": i, "sql": q}
				if isReadQuery(q) {
					rows, err := client.Query(ctx, q)
					if err != nil {
						entry["error"] = err.Error()
					} else {
						entry["rows"] = rows
						entry["rowCount"] = len(rows)
					}
				} else {
					affected, err := client.Execute(ctx, q)
					if err != nil {
						entry["error"] = err.Error()
					} else {
						entry["rowsAffected"] = affected
					}
				}
				results = append(results, entry)
			}
			return registry.JSON(map[string]any{"results": results})
		}, registry.WithDescription("Execute several SQL statements in sequence. Each statement succeeds or fails independently.")),

		registry.NewTool("describe-batch-tables", func(ctx context.Context, args batchTableArgs) (*registry.Result, error) {
			if len(args.TableNames) == 0 {
				return registry.Failf("tableNames is required"), nil
			}
			results := make([]map[string]any, 0, len(args.TableNames))
			for _, name := range args.TableNames {
				entry := map[string]any{"table": strings.ToUpper(strings.TrimSpace(name))}
				cols, err := client.DescribeTable(ctx, name)
				if err != nil {
					entry["error"] = err.Error()
				} else {
					entry["columns"] = cols
				}
				results = append(results, entry)
			}
			return registry.JSON(map[string]any{"results": results})
		}, registry.WithDescription("Describe several tables in one call.")),

		registry.NewTool("analyze-query-performance", func(ctx context.Context, args analyzeArgs) (*registry.Result, error) {
			analysis, err := client.AnalyzeQuery(ctx, args.SQL, args.Runs)
			if err != nil {
				return registry.Failf("analysis failed: %v", err), nil
			}
			return registry.JSON(analysis)
		}, registry.WithDescription("Run a SELECT statement several times and report min/max/average latency.")),

		registry.NewTool("get-execution-plan", func(ctx context.Context, args planArgs) (*registry.Result, error) {
			plan, err := client.ExecutionPlan(ctx, args.SQL)
			if err != nil {
				return registry.Failf("plan retrieval failed: %v", err), nil
			}
			return registry.Text(plan), nil
		}, registry.WithDescription("Get the optimizer's execution plan for a SELECT statement without running it.")),

		registry.NewTool("backup-database", func(ctx context.Context, args backupArgs) (*registry.Result, error) {
			if admin == nil {
				return registry.Failf("backup tooling is not configured"), nil
			}
			out, err := admin.Backup(ctx, args.BackupPath)
			if err != nil {
				return registry.Failf("backup failed: %v", err), nil
			}
			return registry.JSON(map[string]any{"backupPath": args.BackupPath, "output": out})
		}, registry.WithDescription("Create a gbak backup of the database.")),

		registry.NewTool("restore-database", func(ctx context.Context, args restoreArgs) (*registry.Result, error) {
			if admin == nil {
				return registry.Failf("backup tooling is not configured"), nil
			}
			out, err := admin.Restore(ctx, args.BackupPath, args.DatabasePath, args.Replace)
			if err != nil {
				return registry.Failf("restore failed: %v", err), nil
			}
			return registry.JSON(map[string]any{"databasePath": args.DatabasePath, "output": out})
		}, registry.WithDescription("Restore a database from a gbak backup file.")),

		registry.NewTool("validate-database", func(ctx context.Context, _ emptyArgs) (*registry.Result, error) {
			if admin == nil {
				return registry.Failf("maintenance tooling is not configured"), nil
			}
			out, err := admin.Validate(ctx)
			if err != nil {
				return registry.Failf("validation failed: %v", err), nil
			}
			if out == "" {
				out = "validation completed with no reported errors"
			}
			return registry.Text(out), nil
		}, registry.WithDescription("Run a full gfix validation pass against the database.")),

		registry.NewTool("ping", func(ctx context.Context, _ emptyArgs) (*registry.Result, error) {
			if err := client.Ping(ctx); err != nil {
				return registry.Failf("database unreachable: %v", err), nil
			}
			return registry.Text("pong"), nil
		}, registry.WithDescription("Check database connectivity.")),
	}

	// get-methods is self-referential: it lists the registered tools, so it is
	// installed after the rest.
	for _, def := range tools {
		if err := reg.RegisterTool(def); err != nil {
			return fmt.Errorf("failed to register tool: %w", err)
		}
	}

	getMethods := registry.NewTool("get-methods", func(ctx context.Context, _ emptyArgs) (*registry.Result, error) {
		type method struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		methods := []method{}
		for _, t := range reg.Tools() {
			methods = append(methods, method{Name: t.Name, Description: t.Description})
		}
		return registry.JSON(map[string]any{"methods": methods})
	}, registry.WithDescription("List the tools this server exposes with their descriptions."))

	if err := reg.RegisterTool(getMethods); err != nil {
		return fmt.Errorf("failed to register tool: %w", err)
	}
	return nil
}

// isReadQuery reports whether the statement should go through Query rather
// than Execute.
func isReadQuery(q string) bool {
	s := strings.ToUpper(strings.TrimSpace(q))
	return strings.HasPrefix(s, "SELECT") || strings.HasPrefix(s, "WITH") || strings.HasPrefix(s, "EXECUTE BLOCK") && strings.Contains(s, "RETURNS")
}
