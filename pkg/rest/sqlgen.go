package rest

import (
	"fmt"
	"sort"
	"strings"
)

// Plan is a generated SQL statement with its positional parameters. The
// number of $N placeholders in SQL always equals len(Params), numbered
// contiguously from 1.
type Plan struct {
	SQL    string
	Params []any
}

// ToSQL generates a parameterized SELECT plan from the descriptor.
func (d *Descriptor) ToSQL() (*Plan, error) {
	if !validIdent(d.Table) {
		return nil, validationErrorf("table", "%q is not a valid identifier", d.Table)
	}
	if d.Schema != "" && !validIdent(d.Schema) {
		return nil, validationErrorf("schema", "%q is not a valid identifier", d.Schema)
	}

	var query strings.Builder
	var params []any
	argIndex := 1

	query.WriteString("SELECT ")
	if len(d.Select) > 0 {
		cols := make([]string, len(d.Select))
		for i, col := range d.Select {
			if col == "*" {
				cols[i] = "*"
				continue
			}
			if !validIdent(col) {
				return nil, validationErrorf("select", "%q is not a valid column", col)
			}
			cols[i] = quoteIdent(col)
		}
		query.WriteString(strings.Join(cols, ", "))
	} else {
		query.WriteString("*")
	}

	query.WriteString(" FROM ")
	query.WriteString(d.qualifiedTable())

	where, whereParams, err := buildWhere(d.Where, &argIndex)
	if err != nil {
		return nil, err
	}
	if where != "" {
		query.WriteString(" WHERE ")
		query.WriteString(where)
		params = append(params, whereParams...)
	}

	if len(d.Order) > 0 {
		query.WriteString(" ORDER BY ")
		clauses := make([]string, len(d.Order))
		for i, o := range d.Order {
			if !validIdent(o.Column) {
				return nil, validationErrorf("order", "%q is not a valid column", o.Column)
			}
			dir := "ASC"
			if !o.Ascending {
				dir = "DESC"
			}
			clauses[i] = fmt.Sprintf("%s %s", quoteIdent(o.Column), dir)
		}
		query.WriteString(strings.Join(clauses, ", "))
	}

	if d.Limit != nil {
		query.WriteString(fmt.Sprintf(" LIMIT $%d", argIndex))
		params = append(params, *d.Limit)
		argIndex++
	}

	if d.Offset != nil {
		query.WriteString(fmt.Sprintf(" OFFSET $%d", argIndex))
		params = append(params, *d.Offset)
		argIndex++
	}

	return &Plan{SQL: query.String(), Params: params}, nil
}

// buildWhere renders the conjunction of filters, advancing argIndex as
// placeholders are consumed. An empty filter list renders to "".
func buildWhere(filters []Filter, argIndex *int) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	var params []any
	clauses := make([]string, 0, len(filters))

	for _, f := range filters {
		if !validIdent(f.Column) {
			return "", nil, validationErrorf("filter", "%q is not a valid column", f.Column)
		}

		switch v := f.Value.(type) {
		case nil:
			clauses = append(clauses, fmt.Sprintf("%s IS NULL", quoteIdent(f.Column)))
		case []any:
			// An empty IN list is invalid SQL and semantically always false;
			// rejected explicitly rather than silently emitted.
			if len(v) == 0 {
				return "", nil, validationErrorf(f.Column, "IN filter requires at least one value")
			}
			placeholders := make([]string, len(v))
			for i, item := range v {
				placeholders[i] = fmt.Sprintf("$%d", *argIndex)
				params = append(params, item)
				*argIndex = *argIndex + 1
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)",
				quoteIdent(f.Column), strings.Join(placeholders, ", ")))
		default:
			clauses = append(clauses, fmt.Sprintf("%s = $%d", quoteIdent(f.Column), *argIndex))
			params = append(params, v)
			*argIndex = *argIndex + 1
		}
	}

	return strings.Join(clauses, " AND "), params, nil
}

// InsertSQL generates an INSERT plan for one row. Columns are emitted in
// sorted order so the plan is deterministic.
func InsertSQL(schema, table string, row map[string]any) (*Plan, error) {
	if !validIdent(table) {
		return nil, validationErrorf("table", "%q is not a valid identifier", table)
	}
	if len(row) == 0 {
		return nil, validationErrorf("body", "no columns to insert")
	}

	keys := sortedKeys(row)
	columns := make([]string, 0, len(keys))
	placeholders := make([]string, 0, len(keys))
	params := make([]any, 0, len(keys))

	argIndex := 1
	for _, key := range keys {
		if !validIdent(key) {
			return nil, validationErrorf("body", "%q is not a valid column", key)
		}
		columns = append(columns, quoteIdent(key))
		placeholders = append(placeholders, fmt.Sprintf("$%d", argIndex))
		params = append(params, row[key])
		argIndex++
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		qualify(schema, table), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	return &Plan{SQL: sql, Params: params}, nil
}

// UpdateSQL generates an UPDATE plan applying row to rows matching the
// descriptor's filters.
func UpdateSQL(d *Descriptor, row map[string]any) (*Plan, error) {
	if !validIdent(d.Table) {
		return nil, validationErrorf("table", "%q is not a valid identifier", d.Table)
	}
	if len(row) == 0 {
		return nil, validationErrorf("body", "no columns to update")
	}

	var params []any
	argIndex := 1

	keys := sortedKeys(row)
	setClauses := make([]string, 0, len(keys))
	for _, key := range keys {
		if !validIdent(key) {
			return nil, validationErrorf("body", "%q is not a valid column", key)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", quoteIdent(key), argIndex))
		params = append(params, row[key])
		argIndex++
	}

	var query strings.Builder
	query.WriteString("UPDATE ")
	query.WriteString(d.qualifiedTable())
	query.WriteString(" SET ")
	query.WriteString(strings.Join(setClauses, ", "))

	where, whereParams, err := buildWhere(d.Where, &argIndex)
	if err != nil {
		return nil, err
	}
	if where != "" {
		query.WriteString(" WHERE ")
		query.WriteString(where)
		params = append(params, whereParams...)
	}

	query.WriteString(" RETURNING *")
	return &Plan{SQL: query.String(), Params: params}, nil
}

// DeleteSQL generates a DELETE plan for rows matching the descriptor's
// filters.
func DeleteSQL(d *Descriptor) (*Plan, error) {
	if !validIdent(d.Table) {
		return nil, validationErrorf("table", "%q is not a valid identifier", d.Table)
	}

	var params []any
	argIndex := 1

	var query strings.Builder
	query.WriteString("DELETE FROM ")
	query.WriteString(d.qualifiedTable())

	where, whereParams, err := buildWhere(d.Where, &argIndex)
	if err != nil {
		return nil, err
	}
	if where != "" {
		query.WriteString(" WHERE ")
		query.WriteString(where)
		params = append(params, whereParams...)
	}

	query.WriteString(" RETURNING *")
	return &Plan{SQL: query.String(), Params: params}, nil
}

// CallSQL generates a stored-procedure call plan with named arguments bound
// positionally, in sorted argument order.
func CallSQL(schema, function string, args map[string]any) (*Plan, error) {
	if !validIdent(function) {
		return nil, validationErrorf("function", "%q is not a valid identifier", function)
	}

	keys := sortedKeys(args)
	named := make([]string, 0, len(keys))
	params := make([]any, 0, len(keys))

	argIndex := 1
	for _, key := range keys {
		if !validIdent(key) {
			return nil, validationErrorf("body", "%q is not a valid argument name", key)
		}
		named = append(named, fmt.Sprintf("%s => $%d", quoteIdent(key), argIndex))
		params = append(params, args[key])
		argIndex++
	}

	sql := fmt.Sprintf("SELECT * FROM %s(%s)", qualify(schema, function), strings.Join(named, ", "))
	return &Plan{SQL: sql, Params: params}, nil
}

func (d *Descriptor) qualifiedTable() string {
	return qualify(d.Schema, d.Table)
}

func qualify(schema, name string) string {
	if schema == "" {
		return quoteIdent(name)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
