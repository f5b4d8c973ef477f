package store

import (
	"fmt"
	"regexp"
	"strings"
)

// Op enumerates the native filter operators the store adapter can compile
// directly into SQL. Anything else is the Filter & Aggregation Compiler's
// job to fall back to app-level filtering.
type Op string

const (
	OpEq       Op = "eq"
	OpNeq      Op = "neq"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpIn       Op = "in"       // value is []any; payload field must equal one of them
	OpContains Op = "contains" // value is a scalar; payload field (a json array) must contain it
	OpILike    Op = "ilike"    // value is a string; payload field must contain it, case-insensitively
	OpIsNull   Op = "is_null"
)

// Condition is one native predicate over a payload field (or a top-level
// column for point_type/id).
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Filter is the store adapter's native filter representation — the output
// of the Filter & Aggregation Compiler's "native" branch.
type Filter struct {
	PointType  string // empty means "any point_type"
	IDs        []string
	Conditions []Condition
}

// fieldNamePattern guards every identifier interpolated into SQL text
// (payload keys can't be bound as query parameters). Odoo field/model names
// are always lower_snake_case ASCII.
var fieldNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validField rejects any field name not shaped like a real identifier,
// closing the SQL-injection surface identifier interpolation would
// otherwise open.
func validField(name string) error {
	if !fieldNamePattern.MatchString(name) {
		return fmt.Errorf("store: invalid field name %q", name)
	}
	return nil
}

// buildWhere compiles f into a "WHERE ..." clause (or "" if f is empty) plus
// the positional args to pass alongside it, continuing the numbering from
// startArg (the next unused $N).
func buildWhere(f Filter, startArg int) (clause string, args []any, err error) {
	var parts []string
	n := startArg

	next := func(v any) string {
		args = append(args, v)
		s := fmt.Sprintf("$%d", n)
		n++
		return s
	}

	if f.PointType != "" {
		parts = append(parts, "point_type = "+next(f.PointType))
	}
	if len(f.IDs) > 0 {
		ids := make([]any, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = id
		}
		parts = append(parts, "id = ANY("+next(ids)+")")
	}

	for _, c := range f.Conditions {
		if err := validField(c.Field); err != nil {
			return "", nil, err
		}
		expr, err := compileCondition(c, next)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, expr)
	}

	if len(parts) == 0 {
		return "", nil, nil
	}
	return "WHERE " + strings.Join(parts, "\n  AND "), args, nil
}

// compileCondition renders one Condition as a SQL fragment, casting the
// JSONB payload accessor based on the Go type of Value so numeric/boolean
// comparisons aren't done as text.
func compileCondition(c Condition, next func(any) string) (string, error) {
	textAccessor := fmt.Sprintf("payload->>'%s'", c.Field)
	jsonAccessor := fmt.Sprintf("payload->'%s'", c.Field)

	switch c.Op {
	case OpIsNull:
		return fmt.Sprintf("%s IS NULL", textAccessor), nil

	case OpIn:
		values, ok := c.Value.([]any)
		if !ok {
			return "", fmt.Errorf("store: %q: OpIn requires []any, got %T", c.Field, c.Value)
		}
		return fmt.Sprintf("%s = ANY(%s)", castAccessor(textAccessor, values), next(toSQLArray(values))), nil

	case OpContains:
		// The payload field holds a JSON array (e.g. a *_qdrant list); test
		// membership with jsonb `@>` against the value rendered as a JSON
		// string, so only string elements match; numeric elements do not.
		return fmt.Sprintf("%s @> to_jsonb(%s::text)", jsonAccessor, next(fmt.Sprintf("%v", c.Value))), nil

	case OpILike:
		return fmt.Sprintf("%s ILIKE %s", textAccessor, next("%"+fmt.Sprintf("%v", c.Value)+"%")), nil

	default:
		sqlOp, ok := comparisonOps[c.Op]
		if !ok {
			return "", fmt.Errorf("store: unsupported operator %q", c.Op)
		}
		accessor := castAccessorForValue(textAccessor, c.Value)
		return fmt.Sprintf("%s %s %s", accessor, sqlOp, next(c.Value)), nil
	}
}

var comparisonOps = map[Op]string{
	OpEq:  "=",
	OpNeq: "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// castAccessorForValue wraps accessor with an explicit cast matching the Go
// type of v, since `payload->>'field'` always yields text.
func castAccessorForValue(accessor string, v any) string {
	switch v.(type) {
	case int, int32, int64:
		return fmt.Sprintf("(%s)::bigint", accessor)
	case float32, float64:
		return fmt.Sprintf("(%s)::double precision", accessor)
	case bool:
		return fmt.Sprintf("(%s)::boolean", accessor)
	default:
		return accessor
	}
}

func castAccessor(accessor string, values []any) string {
	if len(values) == 0 {
		return accessor
	}
	return castAccessorForValue(accessor, values[0])
}

func toSQLArray(values []any) []any {
	out := make([]any, len(values))
	copy(out, values)
	return out
}
