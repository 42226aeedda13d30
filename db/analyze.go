package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QueryAnalysis is the timing profile of a repeatedly executed query.
type QueryAnalysis struct {
	Query     string        `json:"query"`
	Runs      int           `json:"runs"`
	RowCount  int           `json:"rowCount"`
	MinMillis float64       `json:"minMs"`
	MaxMillis float64       `json:"maxMs"`
	AvgMillis float64       `json:"avgMs"`
	Durations []float64     `json:"durationsMs"`
	Total     time.Duration `json:"-"`
}

// AnalyzeQuery executes a SELECT-shaped query several times and reports the
// observed latency spread. Only read statements are accepted; timing a
// mutation would repeat its side effects.
func (c *Client) AnalyzeQuery(ctx context.Context, query string, runs int, params ...any) (*QueryAnalysis, error) {
	if !isReadStatement(query) {
		return nil, fmt.Errorf("only SELECT statements can be analyzed")
	}
	if runs < 1 {
		runs = 3
	}
	if runs > 10 {
		runs = 10
	}

	analysis := &QueryAnalysis{Query: query, Runs: runs}
	for i := 0; i < runs; i++ {
		start := time.Now()
		rows, err := c.Query(ctx, query, params...)
		elapsed := time.Since(start)
		if err != nil {
			return nil, fmt.Errorf("analysis run %d failed: %w", i+1, err)
		}

		ms := float64(elapsed.Microseconds()) / 1000
		analysis.Durations = append(analysis.Durations, ms)
		analysis.Total += elapsed
		analysis.RowCount = len(rows)
		if i == 0 || ms < analysis.MinMillis {
			analysis.MinMillis = ms
		}
		if ms > analysis.MaxMillis {
			analysis.MaxMillis = ms
		}
	}
	analysis.AvgMillis = float64(analysis.Total.Microseconds()) / 1000 / float64(runs)
	return analysis, nil
}

// ExecutionPlan compiles the statement on a dedicated connection and reads the
// optimizer's plan for it from the monitoring tables. The statement is
// prepared but never executed.
func (c *Client) ExecutionPlan(ctx context.Context, query string) (string, error) {
	if !isReadStatement(query) {
		return "", fmt.Errorf("only SELECT statements have a readable plan")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	stmt, err := conn.PrepareContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	// The prepared statement is visible to this attachment in MON$STATEMENTS
	// until the statement handle is released.
	rows, err := conn.QueryContext(ctx, `
		SELECT MON$EXPLAINED_PLAN AS PLAN
		FROM MON$STATEMENTS
		WHERE MON$ATTACHMENT_ID = CURRENT_CONNECTION
		  AND MON$SQL_TEXT CONTAINING ?`, planProbe(query))
	if err != nil {
		return "", fmt.Errorf("failed to read plan: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var plan any
		if err := rows.Scan(&plan); err != nil {
			return "", fmt.Errorf("failed to scan plan: %w", err)
		}
		if s := strings.TrimSpace(asString(plan)); s != "" {
			return s, nil
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("plan lookup failed: %w", err)
	}
	return "", fmt.Errorf("no plan available for statement")
}

// planProbe picks a distinctive fragment of the query for matching against
// MON$SQL_TEXT, which the server may store truncated.
func planProbe(query string) string {
	q := strings.TrimSpace(query)
	if len(q) > 120 {
		q = q[:120]
	}
	return q
}

func isReadStatement(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(stripLiteralsAndComments(query)))
	return strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH")
}
