package rest

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Descriptor is the structured representation of a REST-style query before
// SQL generation. It is built once per request and never mutated afterwards.
type Descriptor struct {
	Schema string
	Table  string
	Select []string
	// Where holds filters in a fixed order so the generated SQL is
	// deterministic regardless of map iteration order upstream.
	Where  []Filter
	Order  []Order
	Limit  *int
	Offset *int
	Single bool
}

// Filter constrains one column. A scalar Value means equality, a []any means
// IN, nil means IS NULL.
type Filter struct {
	Column string
	Value  any
}

type Order struct {
	Column    string
	Ascending bool
}

// identPattern is the allow-list for identifiers appearing in SQL text.
// Identifiers are never parameterized, so anything outside this pattern is
// rejected before query generation.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(s string) bool {
	return identPattern.MatchString(s)
}

// reserved query parameter names that are not column filters
func isReservedParam(name string) bool {
	switch name {
	case "select", "order", "limit", "offset", "single":
		return true
	}
	return false
}

// ParseQuery builds a Descriptor for table from raw URL query parameters.
// Any parameter that is not one of the reserved keys (select, order, limit,
// offset) becomes a filter on the column of that name.
func ParseQuery(schema, table string, query url.Values) (*Descriptor, error) {
	if !validIdent(table) {
		return nil, validationErrorf("table", "%q is not a valid identifier", table)
	}
	if schema != "" && !validIdent(schema) {
		return nil, validationErrorf("schema", "%q is not a valid identifier", schema)
	}

	d := &Descriptor{
		Schema: schema,
		Table:  table,
	}

	if sel := query.Get("select"); sel != "" {
		cols := strings.Split(sel, ",")
		for i, col := range cols {
			cols[i] = strings.TrimSpace(col)
			if cols[i] != "*" && !validIdent(cols[i]) {
				return nil, validationErrorf("select", "%q is not a valid column", cols[i])
			}
		}
		d.Select = cols
	}

	if order := query.Get("order"); order != "" {
		parsed, err := parseOrder(order)
		if err != nil {
			return nil, err
		}
		d.Order = parsed
	}

	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return nil, validationErrorf("limit", "%q is not a non-negative integer", limit)
		}
		d.Limit = &n
	}

	if offset := query.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return nil, validationErrorf("offset", "%q is not a non-negative integer", offset)
		}
		d.Offset = &n
	}

	// single=true requests a bare object, equivalent to the PostgREST
	// single-object Accept media type.
	if single := query.Get("single"); single != "" {
		v, err := strconv.ParseBool(single)
		if err != nil {
			return nil, validationErrorf("single", "%q is not a boolean", single)
		}
		d.Single = v
	}

	// Filter keys are sorted so two requests with the same parameters always
	// produce the same plan, independent of map iteration order.
	keys := make([]string, 0, len(query))
	for key := range query {
		if !isReservedParam(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		values := query[key]
		if len(values) == 0 {
			continue
		}
		if !validIdent(key) {
			return nil, validationErrorf("filter", "%q is not a valid column", key)
		}
		value, err := parseFilterValue(key, values[0])
		if err != nil {
			return nil, err
		}
		d.Where = append(d.Where, Filter{Column: key, Value: value})
	}

	return d, nil
}

// parseOrder parses "col.asc,col2.desc". Direction defaults to ascending.
func parseOrder(order string) ([]Order, error) {
	parts := strings.Split(order, ",")
	result := make([]Order, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		ascending := true
		if strings.HasSuffix(part, ".desc") {
			part = strings.TrimSuffix(part, ".desc")
			ascending = false
		} else if strings.HasSuffix(part, ".asc") {
			part = strings.TrimSuffix(part, ".asc")
		}

		if !validIdent(part) {
			return nil, validationErrorf("order", "%q is not a valid column", part)
		}
		result = append(result, Order{Column: part, Ascending: ascending})
	}
	return result, nil
}

// parseFilterValue maps the PostgREST-style value syntax onto the constrained
// filter grammar: equality, IN, IS NULL.
//
//	status=published        equality
//	id=in.(1,2,3)           IN list
//	deleted_at=is.null      IS NULL (plain "null" also accepted)
func parseFilterValue(column, raw string) (any, error) {
	switch {
	case raw == "null" || raw == "is.null":
		return nil, nil
	case strings.HasPrefix(raw, "eq."):
		return raw[len("eq."):], nil
	case strings.HasPrefix(raw, "in.(") && strings.HasSuffix(raw, ")"):
		inner := raw[len("in.(") : len(raw)-1]
		if inner == "" {
			return nil, validationErrorf(column, "IN filter requires at least one value")
		}
		parts := strings.Split(inner, ",")
		values := make([]any, len(parts))
		for i, p := range parts {
			values[i] = strings.TrimSpace(p)
		}
		return values, nil
	default:
		return raw, nil
	}
}
