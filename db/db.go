// Package db wraps the Firebird driver behind a small client with guard
// rails: per-query timeouts, a row cap, and a single-statement rule so a tool
// invocation can never smuggle a second statement behind the first.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/nakagami/firebirdsql"
)

const (
	// DefaultQueryTimeout bounds a single statement's execution.
	DefaultQueryTimeout = 30 * time.Second
	// DefaultMaxRows caps the result set returned to a client.
	DefaultMaxRows = 1000
)

// Row is one result row keyed by column name.
type Row = map[string]any

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithQueryTimeout overrides the per-statement timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxRows overrides the result row cap. Zero means unlimited.
func WithMaxRows(n int) Option {
	return func(c *Client) { c.maxRows = n }
}

// Client is a Firebird database handle. Safe for concurrent use; the
// underlying *sql.DB pools connections.
type Client struct {
	db      *sql.DB
	log     *slog.Logger
	timeout time.Duration
	maxRows int
}

// Open creates a Client for the given DSN. The connection is established
// lazily; call Ping to verify reachability.
func Open(dsn string, opts ...Option) (*Client, error) {
	sqlDB, err := sql.Open("firebirdsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	c := &Client{
		db:      sqlDB,
		log:     slog.Default(),
		timeout: DefaultQueryTimeout,
		maxRows: DefaultMaxRows,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping verifies the database is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.db.PingContext(ctx)
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Query runs one SELECT-shaped statement and returns its rows. The statement
// is rejected if it is empty or contains more than one statement.
func (c *Client) Query(ctx context.Context, query string, params ...any) ([]Row, error) {
	if err := checkSingleStatement(query); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	rows, err := c.db.QueryContext(ctx, query, params...)
	if err != nil {
		c.log.WarnContext(ctx, "db.query.fail", slog.String("err", err.Error()))
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out, err := c.scanRows(rows)
	if err != nil {
		return nil, err
	}

	c.log.DebugContext(ctx, "db.query.ok",
		slog.Int("rows", len(out)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// Execute runs one DML/DDL statement and returns the affected row count.
func (c *Client) Execute(ctx context.Context, query string, params ...any) (int64, error) {
	if err := checkSingleStatement(query); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.db.ExecContext(ctx, query, params...)
	if err != nil {
		c.log.WarnContext(ctx, "db.exec.fail", slog.String("err", err.Error()))
		return 0, fmt.Errorf("execute failed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		// DDL statements report no row count.
		return 0, nil
	}
	return affected, nil
}

// scanRows materializes rows as maps, honoring the row cap. Byte slices are
// converted to strings since the driver returns CHAR/VARCHAR columns as
// []byte.
func (c *Client) scanRows(rows *sql.Rows) ([]Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	out := []Row{}
	for rows.Next() {
		if c.maxRows > 0 && len(out) >= c.maxRows {
			c.log.Warn("db.query.truncated", slog.Int("max_rows", c.maxRows))
			break
		}

		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[strings.TrimSpace(col)] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}

// checkSingleStatement rejects empty input and statement batching. Semicolons
// inside string literals and comments do not count as separators.
func checkSingleStatement(query string) error {
	stripped := stripLiteralsAndComments(query)
	if strings.TrimSpace(stripped) == "" {
		return fmt.Errorf("empty statement")
	}

	// A trailing semicolon is tolerated; anything after one is a second
	// statement.
	if i := strings.IndexByte(stripped, ';'); i >= 0 {
		if strings.TrimSpace(stripped[i+1:]) != "" {
			return fmt.Errorf("multiple statements are not allowed")
		}
	}
	return nil
}

// stripLiteralsAndComments blanks out quoted strings, quoted identifiers and
// SQL comments so separator scanning can't be fooled by their contents.
func stripLiteralsAndComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		switch {
		case s[i] == '\'' || s[i] == '"':
			quote := s[i]
			b.WriteByte(' ')
			i++
			for i < len(s) {
				if s[i] == quote {
					// Doubled quote is an escape, not a terminator.
					if i+1 < len(s) && s[i+1] == quote {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
		case s[i] == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case s[i] == '/' && i+1 < len(s) && s[i+1] == '*':
			i += 2
			for i+1 < len(s) && !(s[i] == '*' && s[i+1] == '/') {
				i++
			}
			i += 2
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}
