package filter

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/nexsuslabs/nexsus/internal/schema"
	"github.com/nexsuslabs/nexsus/internal/store"
)

// fakeStore serves canned data points and evaluates native filters with the
// same semantics the real adapter compiles to SQL, so compiled filters can be
// exercised end to end without Postgres.
type fakeStore struct {
	points      []store.Point
	scrollCalls int
}

func (f *fakeStore) Scroll(_ context.Context, filter store.Filter, limit int, cursor string) ([]store.Point, string, error) {
	f.scrollCalls++
	var out []store.Point
	for _, p := range f.points {
		if filter.PointType != "" && p.PointType != filter.PointType {
			continue
		}
		if matchesNative(p.Payload, filter.Conditions) {
			out = append(out, p)
		}
	}
	return out, "", nil
}

func (f *fakeStore) Aggregate(_ context.Context, filter store.Filter, groupBy []string, field string, op store.AggOp) ([]store.AggregateRow, error) {
	byKey := make(map[string]*store.AggregateRow)
	var keys []string
	counts := make(map[string]int)
	for _, p := range f.points {
		if filter.PointType != "" && p.PointType != filter.PointType {
			continue
		}
		if !matchesNative(p.Payload, filter.Conditions) {
			continue
		}
		groupValues := make([]any, len(groupBy))
		for i, g := range groupBy {
			groupValues[i] = p.Payload[g]
		}
		key := fmt.Sprint(groupValues)
		row, ok := byKey[key]
		if !ok {
			row = &store.AggregateRow{GroupValues: groupValues}
			byKey[key] = row
			keys = append(keys, key)
		}
		counts[key]++
		switch op {
		case store.AggCount:
			row.Value++
		case store.AggSum, store.AggAvg:
			row.Value += toFloat(p.Payload[field])
		}
	}
	out := make([]store.AggregateRow, 0, len(keys))
	for _, k := range keys {
		row := byKey[k]
		if op == store.AggAvg && counts[k] > 0 {
			row.Value /= float64(counts[k])
		}
		out = append(out, *row)
	}
	return out, nil
}

func matchesNative(payload map[string]any, conds []store.Condition) bool {
	for _, c := range conds {
		v := payload[c.Field]
		switch c.Op {
		case store.OpEq:
			if fmt.Sprint(v) != fmt.Sprint(c.Value) {
				return false
			}
		case store.OpIn:
			values, _ := c.Value.([]any)
			found := false
			for _, want := range values {
				if fmt.Sprint(v) == fmt.Sprint(want) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case store.OpILike:
			if !strings.Contains(strings.ToLower(fmt.Sprint(v)), strings.ToLower(fmt.Sprint(c.Value))) {
				return false
			}
		case store.OpGte:
			if toFloat(v) < toFloat(c.Value) {
				return false
			}
		case store.OpLte:
			if toFloat(v) > toFloat(c.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// fakeSchema serves two models: m_parent with a many2one partner_id to
// res_partner, plus scalar fields of assorted types.
type fakeSchema struct{}

var schemaFields = map[string]map[string]schema.Field{
	"m_parent": {
		"partner_id": {
			FieldName: "partner_id", FieldType: schema.FieldMany2One,
			FKLocationModel: "res_partner", FKLocationModelID: 7,
		},
		"state":      {FieldName: "state", FieldType: schema.FieldSelection},
		"date_order": {FieldName: "date_order", FieldType: schema.FieldDateTime},
		"amount":     {FieldName: "amount", FieldType: schema.FieldMonetary},
		"note":       {FieldName: "note", FieldType: schema.FieldText},
	},
	"res_partner": {
		"name": {FieldName: "name", FieldType: schema.FieldChar},
		"city": {FieldName: "city", FieldType: schema.FieldChar},
	},
}

var indexedByModel = map[string]map[string]struct{}{
	"m_parent":    {"state": {}, "amount": {}, "partner_id_id": {}},
	"res_partner": {"name": {}},
}

func (fakeSchema) FieldByName(_ context.Context, model, name string) (schema.Field, error) {
	fields, ok := schemaFields[model]
	if !ok {
		return schema.Field{}, &schema.ModelNotFoundError{Model: model}
	}
	f, ok := fields[name]
	if !ok {
		return schema.Field{}, &schema.FieldNotFoundError{Model: model, Field: name}
	}
	return f, nil
}

func (fakeSchema) IsAggregationSafe(_ context.Context, model, field string, op schema.AggOp) (bool, error) {
	f, ok := schemaFields[model][field]
	if !ok {
		return false, &schema.FieldNotFoundError{Model: model, Field: field}
	}
	if f.FieldType.IsNumeric() {
		return true, nil
	}
	if f.FieldType.IsTemporal() {
		return op == schema.AggMin || op == schema.AggMax || op == schema.AggCount, nil
	}
	return op == schema.AggCount, nil
}

func (fakeSchema) IndexedFieldNames(_ context.Context, model string) (map[string]struct{}, error) {
	idx, ok := indexedByModel[model]
	if !ok {
		return nil, &schema.ModelNotFoundError{Model: model}
	}
	return idx, nil
}

func dataPoint(model string, recordID int64, extra map[string]any) store.Point {
	payload := map[string]any{"model_name": model, "record_id": recordID}
	for k, v := range extra {
		payload[k] = v
	}
	return store.Point{ID: fmt.Sprintf("%s-%d", model, recordID), PointType: "data", Payload: payload}
}

func TestCompile_NativeCondition(t *testing.T) {
	c := New(&fakeStore{}, fakeSchema{}, Config{})

	compiled, err := c.Compile(context.Background(), "m_parent", []Condition{
		{Field: "state", Op: OpEq, Value: "sale"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(compiled.AppFilters) != 0 {
		t.Fatalf("app filters = %v, want none", compiled.AppFilters)
	}
	if compiled.NativeFilter.PointType != "data" {
		t.Fatalf("point type = %q, want data", compiled.NativeFilter.PointType)
	}
	// model_name restriction plus the state condition.
	if len(compiled.NativeFilter.Conditions) != 2 {
		t.Fatalf("conditions = %v, want model_name + state", compiled.NativeFilter.Conditions)
	}
	if compiled.NativeFilter.Conditions[0].Field != "model_name" || compiled.NativeFilter.Conditions[0].Value != "m_parent" {
		t.Fatalf("first condition = %v, want model_name eq m_parent", compiled.NativeFilter.Conditions[0])
	}
}

func TestCompile_TemporalRangeFallsBackToAppLevel(t *testing.T) {
	c := New(&fakeStore{}, fakeSchema{}, Config{})

	compiled, err := c.Compile(context.Background(), "m_parent", []Condition{
		{Field: "date_order", Op: OpGte, Value: "2025-01-01"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(compiled.AppFilters) != 1 || compiled.AppFilters[0].Field != "date_order" {
		t.Fatalf("app filters = %v, want the date_order range", compiled.AppFilters)
	}
}

func TestCompile_ContainsWithoutIndexWarnsAndFallsBack(t *testing.T) {
	c := New(&fakeStore{}, fakeSchema{}, Config{})

	compiled, err := c.Compile(context.Background(), "m_parent", []Condition{
		{Field: "note", Op: OpContains, Value: "urgent"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(compiled.AppFilters) != 1 {
		t.Fatalf("app filters = %v, want the contains fallback", compiled.AppFilters)
	}
	if len(compiled.Warnings) != 1 {
		t.Fatalf("warnings = %v, want the no-text-index warning", compiled.Warnings)
	}
}

func TestCompile_BetweenDecomposesToRangePair(t *testing.T) {
	c := New(&fakeStore{}, fakeSchema{}, Config{})

	compiled, err := c.Compile(context.Background(), "m_parent", []Condition{
		{Field: "amount", Op: OpBetween, Value: Range{Lo: 100, Hi: 500}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var gte, lte bool
	for _, cond := range compiled.NativeFilter.Conditions {
		if cond.Field == "amount" && cond.Op == store.OpGte {
			gte = true
		}
		if cond.Field == "amount" && cond.Op == store.OpLte {
			lte = true
		}
	}
	if !gte || !lte {
		t.Fatalf("conditions = %v, want amount gte+lte pair", compiled.NativeFilter.Conditions)
	}
}

func TestCompile_DottedResolvesToIDInCondition(t *testing.T) {
	fs := &fakeStore{points: []store.Point{
		dataPoint("res_partner", 7, map[string]any{"name": "Ben Ross"}),
		dataPoint("res_partner", 8, map[string]any{"name": "Ada"}),
	}}
	c := New(fs, fakeSchema{}, Config{})

	compiled, err := c.Compile(context.Background(), "m_parent", []Condition{
		{Field: "partner_id.name", Op: OpContains, Value: "ben"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if compiled.AlwaysEmpty {
		t.Fatal("AlwaysEmpty set, want a resolved IN condition")
	}

	var in *store.Condition
	for i := range compiled.NativeFilter.Conditions {
		if compiled.NativeFilter.Conditions[i].Field == "partner_id_id" {
			in = &compiled.NativeFilter.Conditions[i]
		}
	}
	if in == nil {
		t.Fatalf("conditions = %v, want partner_id_id IN", compiled.NativeFilter.Conditions)
	}
	if in.Op != store.OpIn {
		t.Fatalf("op = %q, want in", in.Op)
	}
	ids, _ := in.Value.([]any)
	if len(ids) != 1 || ids[0] != int64(7) {
		t.Fatalf("ids = %v, want [7]", ids)
	}
}

func TestCompile_DottedSubqueryEmptyShortCircuits(t *testing.T) {
	fs := &fakeStore{points: []store.Point{
		dataPoint("res_partner", 8, map[string]any{"name": "Ada"}),
	}}
	c := New(fs, fakeSchema{}, Config{})

	compiled, err := c.Compile(context.Background(), "m_parent", []Condition{
		{Field: "partner_id.name", Op: OpEq, Value: "nobody"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !compiled.AlwaysEmpty {
		t.Fatal("want AlwaysEmpty when the sub-query matches nothing")
	}
}

func TestCompile_DottedOnNonFKFieldErrors(t *testing.T) {
	c := New(&fakeStore{}, fakeSchema{}, Config{})

	_, err := c.Compile(context.Background(), "m_parent", []Condition{
		{Field: "state.name", Op: OpEq, Value: "x"},
	})
	if err == nil {
		t.Fatal("expected an error for a dotted path through a non-FK field")
	}
}

func TestCompile_DottedDeeperThanOneLevelErrors(t *testing.T) {
	c := New(&fakeStore{}, fakeSchema{}, Config{})

	_, err := c.Compile(context.Background(), "m_parent", []Condition{
		{Field: "partner_id.country_id.name", Op: OpEq, Value: "x"},
	})
	if err == nil {
		t.Fatal("expected an error for two-level nesting")
	}
}

func TestCompileAggregation_RejectsUnsafeOp(t *testing.T) {
	c := New(&fakeStore{}, fakeSchema{}, Config{})

	_, _, err := c.CompileAggregation(context.Background(), "m_parent", AggregationSpec{
		Field: "date_order", Op: schema.AggSum,
	})
	if err == nil {
		t.Fatal("expected an error for sum over a datetime field")
	}
}

func TestCompileAggregation_WarnsOnUnindexedGroupBy(t *testing.T) {
	c := New(&fakeStore{}, fakeSchema{}, Config{})

	plan, warnings, err := c.CompileAggregation(context.Background(), "m_parent", AggregationSpec{
		Field: "amount", Op: schema.AggSum, GroupBy: []string{"note"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.Native {
		t.Fatal("plan should stay native for a flat group-by key")
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want the unindexed group-by warning", warnings)
	}
}

func TestCompileAggregation_DottedGroupByForcesScrollFold(t *testing.T) {
	c := New(&fakeStore{}, fakeSchema{}, Config{})

	plan, _, err := c.CompileAggregation(context.Background(), "m_parent", AggregationSpec{
		Field: "amount", Op: schema.AggSum, GroupBy: []string{"partner_id.name"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Native {
		t.Fatal("a dotted group-by key must select the scroll-and-fold path")
	}
}

func TestExecuteAggregation_NativeAndFoldAgree(t *testing.T) {
	fs := &fakeStore{points: []store.Point{
		dataPoint("m_parent", 1, map[string]any{"state": "sale", "amount": 100.0}),
		dataPoint("m_parent", 2, map[string]any{"state": "sale", "amount": 50.0}),
		dataPoint("m_parent", 3, map[string]any{"state": "draft", "amount": 25.0}),
	}}
	c := New(fs, fakeSchema{}, Config{})

	compiled, err := c.Compile(context.Background(), "m_parent", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sumByState := func(results []AggregateResult) map[string]float64 {
		out := make(map[string]float64)
		for _, r := range results {
			out[fmt.Sprint(r.GroupValues[0])] = r.Value
		}
		return out
	}

	native, err := c.ExecuteAggregation(context.Background(), "m_parent", compiled,
		AggregationPlan{Native: true, Field: "amount", Op: schema.AggSum, GroupBy: []string{"state"}})
	if err != nil {
		t.Fatalf("native path: %v", err)
	}
	folded, err := c.ExecuteAggregation(context.Background(), "m_parent", compiled,
		AggregationPlan{Native: false, Field: "amount", Op: schema.AggSum, GroupBy: []string{"state"}})
	if err != nil {
		t.Fatalf("fold path: %v", err)
	}

	n, f := sumByState(native), sumByState(folded)
	if n["sale"] != 150 || n["draft"] != 25 {
		t.Fatalf("native sums = %v, want sale=150 draft=25", n)
	}
	if f["sale"] != n["sale"] || f["draft"] != n["draft"] {
		t.Fatalf("paths disagree: native=%v fold=%v", n, f)
	}
}

func TestExecuteAggregation_AlwaysEmptySkipsStore(t *testing.T) {
	fs := &fakeStore{}
	c := New(fs, fakeSchema{}, Config{})

	results, err := c.ExecuteAggregation(context.Background(), "m_parent",
		Compiled{AlwaysEmpty: true},
		AggregationPlan{Native: true, Op: schema.AggCount})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results != nil {
		t.Fatalf("results = %v, want nil", results)
	}
	if fs.scrollCalls != 0 {
		t.Fatalf("store was queried %d times for a trivially-empty filter", fs.scrollCalls)
	}
}
