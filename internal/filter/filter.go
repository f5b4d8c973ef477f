// Package filter implements the Filter & Aggregation Compiler: it
// translates a logical predicate list into the store's native filter
// language where possible, resolves one-level-deep dotted FK conditions via
// a targeted sub-query, and falls back to app-level evaluation for anything
// the store can't index directly.
package filter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nexsuslabs/nexsus/internal/schema"
	"github.com/nexsuslabs/nexsus/internal/store"
)

// Op enumerates the predicate grammar's operators.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpIn       Op = "in"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains"
	OpBetween  Op = "between"
)

// Range is the value shape for [OpBetween].
type Range struct{ Lo, Hi any }

// Condition is one predicate-grammar condition. Field may be dotted
// ("partner_id.name"), one level deep.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Store is the slice of the Unified Store Adapter the compiler needs — to
// run sub-queries for dotted-field resolution and to run the scroll-and-fold
// aggregation fallback.
type Store interface {
	Scroll(ctx context.Context, filter store.Filter, limit int, cursor string) ([]store.Point, string, error)
	Aggregate(ctx context.Context, filter store.Filter, groupBy []string, field string, op store.AggOp) ([]store.AggregateRow, error)
}

// SchemaResolver is the slice of the Schema Registry the compiler needs.
type SchemaResolver interface {
	FieldByName(ctx context.Context, model, name string) (schema.Field, error)
	IsAggregationSafe(ctx context.Context, model, field string, op schema.AggOp) (bool, error)
	IndexedFieldNames(ctx context.Context, model string) (map[string]struct{}, error)
}

// Config tunes the compiler.
type Config struct {
	DottedSubqueryCap int // record ids collected per dotted sub-query before warning+truncating. Default 1000.
	DottedScrollBatch int // page size used while running a dotted sub-query. Default 500.
}

func (c Config) withDefaults() Config {
	if c.DottedSubqueryCap <= 0 {
		c.DottedSubqueryCap = 1000
	}
	if c.DottedScrollBatch <= 0 {
		c.DottedScrollBatch = 500
	}
	return c
}

// Compiled is the compiler's output: the store-native filter, the residual
// app-level conditions, and any warnings accumulated on the way.
type Compiled struct {
	NativeFilter store.Filter
	AppFilters   []Condition
	// AlwaysEmpty is set when a dotted sub-query matched no records, making
	// the parent query trivially empty — the caller should skip querying
	// the store entirely rather than run a filter that happens to match
	// zero.
	AlwaysEmpty bool
	Warnings    []string
}

// Compiler runs the compilation pipeline against one backing store and
// schema registry.
type Compiler struct {
	store  Store
	schema SchemaResolver
	cfg    Config
}

// New constructs a Compiler.
func New(s Store, schemaResolver SchemaResolver, cfg Config) *Compiler {
	return &Compiler{store: s, schema: schemaResolver, cfg: cfg.withDefaults()}
}

// Compile compiles conditions (implicitly AND'd) against model's point_type
// "data" points into native, app-level, and dotted parts.
func (c *Compiler) Compile(ctx context.Context, model string, conditions []Condition) (Compiled, error) {
	var warnings []string
	native := store.Filter{
		PointType:  "data",
		Conditions: []store.Condition{{Field: "model_name", Op: store.OpEq, Value: model}},
	}
	var app []Condition

	for _, cond := range conditions {
		if left, right, ok := splitDotted(cond.Field); ok {
			resolved, w, err := c.resolveDotted(ctx, model, left, right, cond)
			warnings = append(warnings, w...)
			if err != nil {
				return Compiled{}, fmt.Errorf("filter: resolve dotted field %q: %w", cond.Field, err)
			}
			if resolved == nil {
				return Compiled{Warnings: warnings, AlwaysEmpty: true}, nil
			}
			native.Conditions = append(native.Conditions, *resolved)
			continue
		}

		appLevel, w, err := c.isAppLevel(ctx, model, cond)
		if err != nil {
			return Compiled{}, fmt.Errorf("filter: classify field %q: %w", cond.Field, err)
		}
		warnings = append(warnings, w...)
		if appLevel {
			app = append(app, cond)
			continue
		}

		nativeConds, err := toNativeConditions(cond)
		if err != nil {
			return Compiled{}, fmt.Errorf("filter: compile field %q: %w", cond.Field, err)
		}
		native.Conditions = append(native.Conditions, nativeConds...)
	}

	return Compiled{NativeFilter: native, AppFilters: app, Warnings: warnings}, nil
}

// splitDotted splits a one-level dotted field ("partner_id.name") into its
// FK segment and target-model segment. Fields with no dot are not dotted.
// A field with more than one dot is split at its first dot and then
// rejected by resolveDotted as nesting beyond one level.
func splitDotted(field string) (left, right string, ok bool) {
	i := strings.IndexByte(field, '.')
	if i < 0 {
		return "", "", false
	}
	return field[:i], field[i+1:], true
}

// isAppLevel reports whether cond must be evaluated app-side: date/datetime
// range comparisons (not natively range-queryable in this store's payload
// encoding), or a contains match on a field with no text index.
func (c *Compiler) isAppLevel(ctx context.Context, model string, cond Condition) (bool, []string, error) {
	field, err := c.schema.FieldByName(ctx, model, cond.Field)
	if err != nil {
		return false, nil, err
	}

	if field.FieldType.IsTemporal() {
		switch cond.Op {
		case OpGt, OpGte, OpLt, OpLte, OpBetween:
			return true, nil, nil
		}
	}

	if cond.Op == OpContains {
		indexed, err := c.schema.IndexedFieldNames(ctx, model)
		if err != nil {
			return false, nil, err
		}
		if _, ok := indexed[cond.Field]; !ok {
			return true, []string{fmt.Sprintf("contains on %s.%s has no text index; falling back to app-level scan", model, cond.Field)}, nil
		}
	}
	return false, nil, nil
}

// resolveDotted issues a sub-query against the FK target of leftField on
// model, applying the scalar condition on the target field, and substitutes
// the original condition with a native "<left>_id IN (...)" condition over
// the matching record ids.
func (c *Compiler) resolveDotted(ctx context.Context, model, leftField, targetField string, cond Condition) (*store.Condition, []string, error) {
	if strings.Contains(targetField, ".") {
		return nil, nil, fmt.Errorf("nesting depth beyond one level is not supported: %q", cond.Field)
	}

	fkField, err := c.schema.FieldByName(ctx, model, leftField)
	if err != nil {
		return nil, nil, err
	}
	if !fkField.HasKnownFKTarget() {
		return nil, nil, fmt.Errorf("%q is not a resolvable FK field on %s", leftField, model)
	}

	subCompiled, err := c.Compile(ctx, fkField.FKLocationModel, []Condition{{Field: targetField, Op: cond.Op, Value: cond.Value}})
	if err != nil {
		return nil, nil, err
	}

	ids, truncated, err := c.scrollRecordIDs(ctx, subCompiled, c.cfg.DottedSubqueryCap+1)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	if truncated {
		warnings = append(warnings, fmt.Sprintf(
			"dotted sub-query on %s.%s matched more than %d records; results truncated",
			fkField.FKLocationModel, targetField, c.cfg.DottedSubqueryCap))
		ids = ids[:c.cfg.DottedSubqueryCap]
	}
	if len(ids) == 0 {
		return nil, warnings, nil
	}

	values := make([]any, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return &store.Condition{Field: leftField + "_id", Op: store.OpIn, Value: values}, warnings, nil
}

// scrollRecordIDs runs compiled against the store, applying its app-level
// filters in-process, and returns the matching record ids up to cap.
// truncated reports whether cap matches were reached; the scan stops
// there, so callers pass one more than the number of ids they keep.
func (c *Compiler) scrollRecordIDs(ctx context.Context, compiled Compiled, cap int) ([]int64, bool, error) {
	if compiled.AlwaysEmpty {
		return nil, false, nil
	}

	var ids []int64
	cursor := ""
	for len(ids) < cap {
		points, next, err := c.store.Scroll(ctx, compiled.NativeFilter, c.cfg.DottedScrollBatch, cursor)
		if err != nil {
			return nil, false, err
		}
		for _, p := range points {
			if !matchesAppFilters(p.Payload, compiled.AppFilters) {
				continue
			}
			ids = append(ids, toInt64(p.Payload["record_id"]))
			if len(ids) >= cap {
				break
			}
		}
		if next == "" || len(ids) >= cap {
			break
		}
		cursor = next
	}

	if len(ids) > cap-1 {
		return ids, true, nil
	}
	return ids, false, nil
}

// toNativeConditions compiles one non-dotted, non-app-level Condition into
// the store's native Condition language. "between" decomposes into a pair
// of gte/lte conditions on the same field.
func toNativeConditions(cond Condition) ([]store.Condition, error) {
	if cond.Op == OpBetween {
		r, ok := cond.Value.(Range)
		if !ok {
			return nil, fmt.Errorf("between requires a Range value, got %T", cond.Value)
		}
		return []store.Condition{
			{Field: cond.Field, Op: store.OpGte, Value: r.Lo},
			{Field: cond.Field, Op: store.OpLte, Value: r.Hi},
		}, nil
	}

	storeOp, ok := nativeOpMap[cond.Op]
	if !ok {
		return nil, fmt.Errorf("unsupported operator %q", cond.Op)
	}
	return []store.Condition{{Field: cond.Field, Op: storeOp, Value: cond.Value}}, nil
}

var nativeOpMap = map[Op]store.Op{
	OpEq:       store.OpEq,
	OpNe:       store.OpNeq,
	OpIn:       store.OpIn,
	OpGt:       store.OpGt,
	OpGte:      store.OpGte,
	OpLt:       store.OpLt,
	OpLte:      store.OpLte,
	OpContains: store.OpILike,
}

// matchesAppFilters evaluates filters (implicitly AND'd) against a fetched
// point's payload, for the app-level fallback paths.
func matchesAppFilters(payload map[string]any, filters []Condition) bool {
	for _, f := range filters {
		if !matchesOne(payload[f.Field], f) {
			return false
		}
	}
	return true
}

func matchesOne(v any, f Condition) bool {
	switch f.Op {
	case OpEq:
		return fmt.Sprint(v) == fmt.Sprint(f.Value)
	case OpNe:
		return fmt.Sprint(v) != fmt.Sprint(f.Value)
	case OpContains:
		return strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(fmt.Sprint(f.Value)))
	case OpIn:
		values, _ := f.Value.([]any)
		for _, want := range values {
			if fmt.Sprint(v) == fmt.Sprint(want) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		a, b := toFloat(v), toFloat(f.Value)
		switch f.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	case OpBetween:
		r, ok := f.Value.(Range)
		if !ok {
			return false
		}
		a := toFloat(v)
		return a >= toFloat(r.Lo) && a <= toFloat(r.Hi)
	default:
		return false
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// AggregationSpec describes one aggregation request.
type AggregationSpec struct {
	Field   string // ignored when Op is schema.AggCount
	Op      schema.AggOp
	GroupBy []string
}

// AggregationPlan is the compiler's chosen execution strategy for an
// AggregationSpec: a store-native grouped query, or a scroll-and-fold path
// when the group-by keys reach through a dotted FK the store can't join
// natively.
type AggregationPlan struct {
	Native  bool
	Field   string
	Op      schema.AggOp
	GroupBy []string
}

// CompileAggregation validates spec against model's schema and chooses an
// execution plan.
func (c *Compiler) CompileAggregation(ctx context.Context, model string, spec AggregationSpec) (AggregationPlan, []string, error) {
	var warnings []string

	if spec.Op != schema.AggCount {
		safe, err := c.schema.IsAggregationSafe(ctx, model, spec.Field, spec.Op)
		if err != nil {
			return AggregationPlan{}, nil, fmt.Errorf("filter: aggregation safety check: %w", err)
		}
		if !safe {
			return AggregationPlan{}, nil, fmt.Errorf("filter: %s.%s is not aggregation-safe for %s", model, spec.Field, spec.Op)
		}
	}

	indexed, err := c.schema.IndexedFieldNames(ctx, model)
	if err != nil {
		return AggregationPlan{}, nil, err
	}

	native := true
	for _, g := range spec.GroupBy {
		if strings.Contains(g, ".") {
			native = false
			continue
		}
		if _, ok := indexed[g]; !ok {
			warnings = append(warnings, fmt.Sprintf("group-by key %s.%s is not payload-indexed; aggregation may scan", model, g))
		}
	}

	return AggregationPlan{Native: native, Field: spec.Field, Op: spec.Op, GroupBy: spec.GroupBy}, warnings, nil
}

// AggregateResult is one grouped aggregation result, the common output
// shape both the native and scroll-and-fold execution paths produce.
type AggregateResult struct {
	GroupValues []any
	Value       float64
}

// ExecuteAggregation runs plan against model, restricted by filter, via
// whichever path the plan selected.
func (c *Compiler) ExecuteAggregation(ctx context.Context, model string, filter Compiled, plan AggregationPlan) ([]AggregateResult, error) {
	if filter.AlwaysEmpty {
		return nil, nil
	}
	if plan.Native {
		return c.executeNativeAggregation(ctx, filter, plan)
	}
	return c.executeScrollFold(ctx, filter, plan)
}

func (c *Compiler) executeNativeAggregation(ctx context.Context, filter Compiled, plan AggregationPlan) ([]AggregateResult, error) {
	rows, err := c.store.Aggregate(ctx, filter.NativeFilter, plan.GroupBy, plan.Field, store.AggOp(plan.Op))
	if err != nil {
		return nil, fmt.Errorf("filter: native aggregate: %w", err)
	}
	out := make([]AggregateResult, len(rows))
	for i, r := range rows {
		out[i] = AggregateResult{GroupValues: r.GroupValues, Value: r.Value}
	}
	return out, nil
}

// executeScrollFold scrolls every matching point, applies app-level filters
// in-process, and folds plan's aggregation by group key client-side —
// the path taken when GroupBy reaches through a dotted field the store
// can't group by natively.
func (c *Compiler) executeScrollFold(ctx context.Context, filter Compiled, plan AggregationPlan) ([]AggregateResult, error) {
	type acc struct {
		groupValues []any
		sum         float64
		count       int
		min, max    float64
		haveMinMax  bool
	}
	byKey := make(map[string]*acc)

	cursor := ""
	for {
		points, next, err := c.store.Scroll(ctx, filter.NativeFilter, c.cfg.DottedScrollBatch, cursor)
		if err != nil {
			return nil, fmt.Errorf("filter: scroll-and-fold: %w", err)
		}
		for _, p := range points {
			if !matchesAppFilters(p.Payload, filter.AppFilters) {
				continue
			}
			groupValues := make([]any, len(plan.GroupBy))
			for i, g := range plan.GroupBy {
				groupValues[i] = p.Payload[g]
			}
			key := fmt.Sprint(groupValues)

			a, ok := byKey[key]
			if !ok {
				a = &acc{groupValues: groupValues}
				byKey[key] = a
			}
			a.count++
			if plan.Op != schema.AggCount {
				v := toFloat(p.Payload[plan.Field])
				a.sum += v
				if !a.haveMinMax || v < a.min {
					a.min = v
				}
				if !a.haveMinMax || v > a.max {
					a.max = v
				}
				a.haveMinMax = true
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]AggregateResult, 0, len(byKey))
	for _, k := range keys {
		a := byKey[k]
		var v float64
		switch plan.Op {
		case schema.AggCount:
			v = float64(a.count)
		case schema.AggSum:
			v = a.sum
		case schema.AggAvg:
			if a.count > 0 {
				v = a.sum / float64(a.count)
			}
		case schema.AggMin:
			v = a.min
		case schema.AggMax:
			v = a.max
		}
		out = append(out, AggregateResult{GroupValues: a.groupValues, Value: v})
	}
	return out, nil
}
