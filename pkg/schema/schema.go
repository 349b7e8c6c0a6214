// Package schema derives PostgREST-style metadata (tables, columns, keys,
// functions, views) from the engine's own catalogs. Metadata is built fresh
// on every call; callers treat the result as a snapshot, not a live view.
package schema

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pgbridge/pgbridge/pkg/engine"
)

type Metadata struct {
	Tables    []Table    `json:"tables"`
	Functions []Function `json:"functions"`
	Views     []View     `json:"views"`
	// Partial is set when one or more catalog queries were unsupported by
	// the engine; Warnings records what was skipped.
	Partial  bool     `json:"partial,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKeys []string     `json:"primary_keys"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
}

type Column struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	IsNullable bool   `json:"is_nullable"`
	Position   int    `json:"position"`
}

type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

type Function struct {
	Schema     string `json:"schema"`
	Name       string `json:"name"`
	ReturnType string `json:"return_type"`
}

type View struct {
	Schema     string `json:"schema"`
	Name       string `json:"name"`
	Definition string `json:"definition,omitempty"`
}

// IntrospectionError reports that the engine's catalogs could not be read at
// all. Partial catalog failures degrade to Metadata.Partial instead.
type IntrospectionError struct {
	Query string
	Err   error
}

func (e *IntrospectionError) Error() string {
	return fmt.Sprintf("introspection failed (%s): %v", e.Query, e.Err)
}

func (e *IntrospectionError) Unwrap() error { return e.Err }

// Introspector assembles Metadata by querying the engine's catalog views.
type Introspector struct {
	engine engine.Engine
	logger *zap.Logger
}

func NewIntrospector(eng engine.Engine, logger *zap.Logger) *Introspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Introspector{engine: eng, logger: logger}
}

// Introspect builds metadata for one schema. When the table catalog itself
// is unreadable it returns the empty metadata together with an
// IntrospectionError; failures of the secondary catalogs (keys, functions,
// views) only mark the result partial.
func (in *Introspector) Introspect(ctx context.Context, schemaName string) (*Metadata, error) {
	md := &Metadata{}

	tables, err := in.loadTables(ctx, schemaName)
	if err != nil {
		md.Partial = true
		md.Warnings = append(md.Warnings, fmt.Sprintf("tables: %v", err))
		return md, &IntrospectionError{Query: "tables", Err: err}
	}

	for i := range tables {
		pkeys, err := in.loadPrimaryKeys(ctx, tables[i].Schema, tables[i].Name)
		if err != nil {
			// Constraint-usage views may be missing on a reduced engine;
			// primary keys degrade to an empty list, never an error.
			in.logger.Debug("primary key lookup unsupported",
				zap.String("table", tables[i].Name), zap.Error(err))
			md.Partial = true
			md.Warnings = append(md.Warnings, fmt.Sprintf("primary keys for %s: %v", tables[i].Name, err))
			pkeys = []string{}
		}
		tables[i].PrimaryKeys = pkeys

		fkeys, err := in.loadForeignKeys(ctx, tables[i].Schema, tables[i].Name)
		if err != nil {
			md.Partial = true
			md.Warnings = append(md.Warnings, fmt.Sprintf("foreign keys for %s: %v", tables[i].Name, err))
			fkeys = []ForeignKey{}
		}
		tables[i].ForeignKeys = fkeys
	}
	md.Tables = tables

	functions, err := in.loadFunctions(ctx, schemaName)
	if err != nil {
		md.Partial = true
		md.Warnings = append(md.Warnings, fmt.Sprintf("functions: %v", err))
	} else {
		md.Functions = functions
	}

	views, err := in.loadViews(ctx, schemaName)
	if err != nil {
		md.Partial = true
		md.Warnings = append(md.Warnings, fmt.Sprintf("views: %v", err))
	} else {
		md.Views = views
	}

	return md, nil
}

// loadTables discovers tables and their columns in one catalog join, grouping
// the flat rows by (schema, table) with columns in ordinal order.
func (in *Introspector) loadTables(ctx context.Context, schemaName string) ([]Table, error) {
	result, err := in.engine.Query(ctx, `
		SELECT c.table_schema, c.table_name, c.column_name, c.data_type,
			c.is_nullable, c.ordinal_position
		FROM information_schema.columns c
		JOIN information_schema.tables t
			ON t.table_schema = c.table_schema AND t.table_name = c.table_name
		WHERE c.table_schema = $1 AND t.table_type = 'BASE TABLE'
		ORDER BY c.table_schema, c.table_name, c.ordinal_position`, schemaName)
	if err != nil {
		return nil, err
	}

	var tables []Table
	index := map[string]int{}

	for _, row := range result.Rows {
		key := asString(row["table_schema"]) + "." + asString(row["table_name"])
		i, ok := index[key]
		if !ok {
			tables = append(tables, Table{
				Schema: asString(row["table_schema"]),
				Name:   asString(row["table_name"]),
			})
			i = len(tables) - 1
			index[key] = i
		}

		tables[i].Columns = append(tables[i].Columns, Column{
			Name:       asString(row["column_name"]),
			DataType:   asString(row["data_type"]),
			IsNullable: asString(row["is_nullable"]) == "YES" || asBool(row["is_nullable"]),
			Position:   asInt(row["ordinal_position"]),
		})
	}
	return tables, nil
}

func (in *Introspector) loadPrimaryKeys(ctx context.Context, schemaName, table string) ([]string, error) {
	result, err := in.engine.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
			AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY kcu.ordinal_position`, schemaName, table)
	if err != nil {
		return nil, err
	}

	pkeys := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		pkeys = append(pkeys, asString(row["column_name"]))
	}
	return pkeys, nil
}

func (in *Introspector) loadForeignKeys(ctx context.Context, schemaName, table string) ([]ForeignKey, error) {
	result, err := in.engine.Query(ctx, `
		SELECT kcu.column_name, ccu.table_name AS referenced_table,
			ccu.column_name AS referenced_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = $1 AND tc.table_name = $2`, schemaName, table)
	if err != nil {
		return nil, err
	}

	fkeys := make([]ForeignKey, 0, len(result.Rows))
	for _, row := range result.Rows {
		fkeys = append(fkeys, ForeignKey{
			Column:           asString(row["column_name"]),
			ReferencedTable:  asString(row["referenced_table"]),
			ReferencedColumn: asString(row["referenced_column"]),
		})
	}
	return fkeys, nil
}

func (in *Introspector) loadFunctions(ctx context.Context, schemaName string) ([]Function, error) {
	result, err := in.engine.Query(ctx, `
		SELECT routine_schema, routine_name, data_type
		FROM information_schema.routines
		WHERE routine_schema = $1
		ORDER BY routine_name`, schemaName)
	if err != nil {
		return nil, err
	}

	functions := make([]Function, 0, len(result.Rows))
	for _, row := range result.Rows {
		functions = append(functions, Function{
			Schema:     asString(row["routine_schema"]),
			Name:       asString(row["routine_name"]),
			ReturnType: asString(row["data_type"]),
		})
	}
	return functions, nil
}

func (in *Introspector) loadViews(ctx context.Context, schemaName string) ([]View, error) {
	result, err := in.engine.Query(ctx, `
		SELECT table_schema, table_name, view_definition
		FROM information_schema.views
		WHERE table_schema = $1
		ORDER BY table_name`, schemaName)
	if err != nil {
		return nil, err
	}

	views := make([]View, 0, len(result.Rows))
	for _, row := range result.Rows {
		views = append(views, View{
			Schema:     asString(row["table_schema"]),
			Name:       asString(row["table_name"]),
			Definition: asString(row["view_definition"]),
		})
	}
	return views, nil
}

// Catalog rows arrive as loosely typed values; these conversions keep the
// introspector tolerant of the engine's scan types.

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

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
