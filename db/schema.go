package db

import (
	"context"
	"fmt"
	"strings"
)

// Column describes one column of a table or view.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Length      int    `json:"length,omitempty"`
	Precision   int    `json:"precision,omitempty"`
	Scale       int    `json:"scale,omitempty"`
	Nullable    bool   `json:"nullable"`
	Default     string `json:"default,omitempty"`
	PrimaryKey  bool   `json:"primaryKey"`
	Description string `json:"description,omitempty"`
}

// Index describes one user index.
type Index struct {
	Name   string `json:"name"`
	Table  string `json:"table"`
	Unique bool   `json:"unique"`
}

// DatabaseInfo is the monitoring snapshot of the attached database.
type DatabaseInfo struct {
	Database     string `json:"database"`
	PageSize     int    `json:"pageSize"`
	Pages        int64  `json:"pages"`
	ODSMajor     int    `json:"odsMajor"`
	ODSMinor     int    `json:"odsMinor"`
	Dialect      int    `json:"dialect"`
	SweepLimit   int64  `json:"sweepInterval"`
	ReadOnly     bool   `json:"readOnly"`
	CreationDate string `json:"creationDate,omitempty"`
}

// ListTables returns user table names, excluding views and system relations.
func (c *Client) ListTables(ctx context.Context) ([]string, error) {
	return c.listNames(ctx, `
		SELECT TRIM(RDB$RELATION_NAME)
		FROM RDB$RELATIONS
		WHERE COALESCE(RDB$SYSTEM_FLAG, 0) = 0 AND RDB$VIEW_BLR IS NULL
		ORDER BY RDB$RELATION_NAME`)
}

// ListViews returns user view names.
func (c *Client) ListViews(ctx context.Context) ([]string, error) {
	return c.listNames(ctx, `
		SELECT TRIM(RDB$RELATION_NAME)
		FROM RDB$RELATIONS
		WHERE COALESCE(RDB$SYSTEM_FLAG, 0) = 0 AND RDB$VIEW_BLR IS NOT NULL
		ORDER BY RDB$RELATION_NAME`)
}

// ListProcedures returns user stored procedure names.
func (c *Client) ListProcedures(ctx context.Context) ([]string, error) {
	return c.listNames(ctx, `
		SELECT TRIM(RDB$PROCEDURE_NAME)
		FROM RDB$PROCEDURES
		WHERE COALESCE(RDB$SYSTEM_FLAG, 0) = 0
		ORDER BY RDB$PROCEDURE_NAME`)
}

func (c *Client) listNames(ctx context.Context, query string) ([]string, error) {
	rows, err := c.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		for _, v := range r {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
	}
	return names, nil
}

// ListIndexes returns user indexes with their target table and uniqueness.
func (c *Client) ListIndexes(ctx context.Context) ([]Index, error) {
	rows, err := c.Query(ctx, `
		SELECT TRIM(RDB$INDEX_NAME) AS IDX, TRIM(RDB$RELATION_NAME) AS REL, COALESCE(RDB$UNIQUE_FLAG, 0) AS UNIQ
		FROM RDB$INDICES
		WHERE COALESCE(RDB$SYSTEM_FLAG, 0) = 0
		ORDER BY RDB$RELATION_NAME, RDB$INDEX_NAME`)
	if err != nil {
		return nil, err
	}

	out := make([]Index, 0, len(rows))
	for _, r := range rows {
		out = append(out, Index{
			Name:   asString(r["IDX"]),
			Table:  asString(r["REL"]),
			Unique: asInt64(r["UNIQ"]) != 0,
		})
	}
	return out, nil
}

// DescribeTable returns the column definitions for a table or view, including
// primary key membership and column comments.
func (c *Client) DescribeTable(ctx context.Context, table string) ([]Column, error) {
	table = strings.ToUpper(strings.TrimSpace(table))
	if table == "" {
		return nil, fmt.Errorf("table name is required")
	}

	rows, err := c.Query(ctx, `
		SELECT
			TRIM(rf.RDB$FIELD_NAME) AS COL_NAME,
			f.RDB$FIELD_TYPE AS FTYPE,
			COALESCE(f.RDB$FIELD_SUB_TYPE, 0) AS FSUBTYPE,
			COALESCE(f.RDB$CHARACTER_LENGTH, f.RDB$FIELD_LENGTH, 0) AS FLEN,
			COALESCE(f.RDB$FIELD_PRECISION, 0) AS FPREC,
			COALESCE(f.RDB$FIELD_SCALE, 0) AS FSCALE,
			COALESCE(rf.RDB$NULL_FLAG, f.RDB$NULL_FLAG, 0) AS NOTNULL,
			rf.RDB$DEFAULT_SOURCE AS DEFSRC,
			rf.RDB$DESCRIPTION AS DESCR
		FROM RDB$RELATION_FIELDS rf
		JOIN RDB$FIELDS f ON f.RDB$FIELD_NAME = rf.RDB$FIELD_SOURCE
		WHERE rf.RDB$RELATION_NAME = ?
		ORDER BY rf.RDB$FIELD_POSITION`, table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}

	pk, err := c.primaryKeyColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	out := make([]Column, 0, len(rows))
	for _, r := range rows {
		name := asString(r["COL_NAME"])
		scale := int(asInt64(r["FSCALE"]))
		col := Column{
			Name:        name,
			Type:        fieldTypeName(int(asInt64(r["FTYPE"])), int(asInt64(r["FSUBTYPE"])), scale),
			Length:      int(asInt64(r["FLEN"])),
			Precision:   int(asInt64(r["FPREC"])),
			Nullable:    asInt64(r["NOTNULL"]) == 0,
			Default:     strings.TrimSpace(asString(r["DEFSRC"])),
			PrimaryKey:  pk[name],
			Description: strings.TrimSpace(asString(r["DESCR"])),
		}
		if scale < 0 {
			col.Scale = -scale
		}
		out = append(out, col)
	}
	return out, nil
}

// FieldDescriptions returns the column comments of a table, keyed by column
// name. Columns without a comment map to an empty string.
func (c *Client) FieldDescriptions(ctx context.Context, table string) (map[string]string, error) {
	table = strings.ToUpper(strings.TrimSpace(table))
	if table == "" {
		return nil, fmt.Errorf("table name is required")
	}

	rows, err := c.Query(ctx, `
		SELECT TRIM(RDB$FIELD_NAME) AS COL_NAME, RDB$DESCRIPTION AS DESCR
		FROM RDB$RELATION_FIELDS
		WHERE RDB$RELATION_NAME = ?
		ORDER BY RDB$FIELD_POSITION`, table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("table %q not found", table)
	}

	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[asString(r["COL_NAME"])] = strings.TrimSpace(asString(r["DESCR"]))
	}
	return out, nil
}

// primaryKeyColumns resolves the set of column names in the table's PRIMARY
// KEY constraint, if any.
func (c *Client) primaryKeyColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := c.Query(ctx, `
		SELECT TRIM(sg.RDB$FIELD_NAME) AS COL_NAME
		FROM RDB$RELATION_CONSTRAINTS rc
		JOIN RDB$INDEX_SEGMENTS sg ON sg.RDB$INDEX_NAME = rc.RDB$INDEX_NAME
		WHERE rc.RDB$RELATION_NAME = ? AND rc.RDB$CONSTRAINT_TYPE = 'PRIMARY KEY'`, table)
	if err != nil {
		return nil, err
	}
	pk := make(map[string]bool, len(rows))
	for _, r := range rows {
		pk[asString(r["COL_NAME"])] = true
	}
	return pk, nil
}

// Info queries MON$DATABASE for the attachment's database characteristics.
func (c *Client) Info(ctx context.Context) (*DatabaseInfo, error) {
	rows, err := c.Query(ctx, `
		SELECT
			TRIM(MON$DATABASE_NAME) AS DB_NAME,
			MON$PAGE_SIZE AS PAGE_SIZE,
			MON$PAGES AS PAGES,
			MON$ODS_MAJOR AS ODS_MAJOR,
			MON$ODS_MINOR AS ODS_MINOR,
			MON$SQL_DIALECT AS DIALECT,
			MON$SWEEP_INTERVAL AS SWEEP,
			MON$READ_ONLY AS RO,
			MON$CREATION_DATE AS CREATED
		FROM MON$DATABASE`)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("MON$DATABASE returned no rows")
	}

	r := rows[0]
	return &DatabaseInfo{
		Database:     asString(r["DB_NAME"]),
		PageSize:     int(asInt64(r["PAGE_SIZE"])),
		Pages:        asInt64(r["PAGES"]),
		ODSMajor:     int(asInt64(r["ODS_MAJOR"])),
		ODSMinor:     int(asInt64(r["ODS_MINOR"])),
		Dialect:      int(asInt64(r["DIALECT"])),
		SweepLimit:   asInt64(r["SWEEP"]),
		ReadOnly:     asInt64(r["RO"]) != 0,
		CreationDate: asString(r["CREATED"]),
	}, nil
}

// fieldTypeName maps Firebird's RDB$FIELD_TYPE codes to SQL type names.
func fieldTypeName(fieldType, subType, scale int) string {
	switch fieldType {
	case 7:
		if scale < 0 {
			return "NUMERIC"
		}
		return "SMALLINT"
	case 8:
		if scale < 0 {
			return "NUMERIC"
		}
		return "INTEGER"
	case 10:
		return "FLOAT"
	case 12:
		return "DATE"
	case 13:
		return "TIME"
	case 14:
		return "CHAR"
	case 16:
		if scale < 0 {
			return "NUMERIC"
		}
		return "BIGINT"
	case 23:
		return "BOOLEAN"
	case 27:
		return "DOUBLE PRECISION"
	case 35:
		return "TIMESTAMP"
	case 37:
		return "VARCHAR"
	case 261:
		if subType == 1 {
			return "BLOB SUB_TYPE TEXT"
		}
		return "BLOB"
	default:
		return fmt.Sprintf("TYPE_%d", fieldType)
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
