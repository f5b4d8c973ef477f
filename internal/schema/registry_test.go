package schema

import (
	"context"
	"errors"
	"testing"
)

type fakeSource struct {
	fields []Field
	loads  int
}

func (f *fakeSource) LoadFields(context.Context) ([]Field, error) {
	f.loads++
	return f.fields, nil
}

func testFields() []Field {
	return []Field{
		{FieldID: 100, ModelID: 73, ModelName: "sale.order", FieldName: "id", FieldType: FieldInteger, Stored: true},
		{FieldID: 101, ModelID: 73, ModelName: "sale.order", FieldName: "partner_id", FieldType: FieldMany2One, Stored: true,
			FKLocationModel: "res.partner", FKLocationModelID: 12},
		{FieldID: 102, ModelID: 73, ModelName: "sale.order", FieldName: "amount_total", FieldType: FieldMonetary, Stored: true, PayloadFlag: true},
		{FieldID: 103, ModelID: 73, ModelName: "sale.order", FieldName: "date_order", FieldType: FieldDateTime, Stored: true},
		{FieldID: 200, ModelID: 12, ModelName: "res.partner", FieldName: "id", FieldType: FieldInteger, Stored: true},
		{FieldID: 201, ModelID: 12, ModelName: "res.partner", FieldName: "name", FieldType: FieldChar, Stored: false, PayloadFlag: true},
	}
}

func TestRegistry_LoadsOnceAndCaches(t *testing.T) {
	src := &fakeSource{fields: testFields()}
	r := New(src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := r.ModelExists(ctx, "sale.order")
		if err != nil || !ok {
			t.Fatalf("ModelExists = %v, %v", ok, err)
		}
	}
	if src.loads != 1 {
		t.Fatalf("source loaded %d times, want 1", src.loads)
	}

	r.ClearCache()
	if _, err := r.Fields(ctx, "sale.order"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src.loads != 2 {
		t.Fatalf("source loaded %d times after ClearCache, want 2", src.loads)
	}
}

func TestRegistry_ModelNotFound(t *testing.T) {
	r := New(&fakeSource{fields: testFields()})

	_, err := r.Fields(context.Background(), "res.missing")
	var notFound *ModelNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ModelNotFoundError", err)
	}
}

func TestRegistry_FieldLookups(t *testing.T) {
	r := New(&fakeSource{fields: testFields()})
	ctx := context.Background()

	f, err := r.FieldByName(ctx, "sale.order", "partner_id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.HasKnownFKTarget() || f.FKLocationModelID != 12 {
		t.Fatalf("partner_id = %+v, want a resolvable FK to model 12", f)
	}

	_, err = r.FieldByName(ctx, "sale.order", "nope")
	var notFound *FieldNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want FieldNotFoundError", err)
	}
}

func TestRegistry_PayloadFields(t *testing.T) {
	r := New(&fakeSource{fields: testFields()})

	fields, err := r.PayloadFields(context.Background(), "sale.order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fields) != 1 || fields[0].FieldName != "amount_total" {
		t.Fatalf("payload fields = %v, want just amount_total", fields)
	}
}

func TestRegistry_AggregationSafety(t *testing.T) {
	r := New(&fakeSource{fields: testFields()})
	ctx := context.Background()

	tests := []struct {
		field string
		op    AggOp
		want  bool
	}{
		{"amount_total", AggSum, true},
		{"amount_total", AggAvg, true},
		{"date_order", AggMin, true},
		{"date_order", AggSum, false},
		{"partner_id", AggSum, false},
	}
	for _, tt := range tests {
		got, err := r.IsAggregationSafe(ctx, "sale.order", tt.field, tt.op)
		if err != nil {
			t.Fatalf("%s %s: unexpected error: %v", tt.field, tt.op, err)
		}
		if got != tt.want {
			t.Errorf("IsAggregationSafe(%s, %s) = %v, want %v", tt.field, tt.op, got, tt.want)
		}
	}
}

func TestRegistry_RegisterIndexedFields(t *testing.T) {
	r := New(&fakeSource{fields: testFields()})
	ctx := context.Background()

	indexed, err := r.IndexedFieldNames(ctx, "res.partner")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := indexed["name"]; ok {
		t.Fatal("name is not stored, must not be indexed initially")
	}

	if err := r.RegisterIndexedFields(ctx, "res.partner", "name"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	indexed, err = r.IndexedFieldNames(ctx, "res.partner")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := indexed["name"]; !ok {
		t.Fatal("name missing after RegisterIndexedFields")
	}
}

func TestRegistry_ModelIDRoundTrip(t *testing.T) {
	r := New(&fakeSource{fields: testFields()})
	ctx := context.Background()

	id, err := r.ModelIDByName(ctx, "res.partner")
	if err != nil || id != 12 {
		t.Fatalf("ModelIDByName = %d, %v; want 12", id, err)
	}
	name, err := r.ModelNameByID(ctx, 12)
	if err != nil || name != "res.partner" {
		t.Fatalf("ModelNameByID = %q, %v; want res.partner", name, err)
	}
	if _, err := r.ModelNameByID(ctx, 999); err == nil {
		t.Fatal("expected an error for an unknown model id")
	}

	names, err := r.ModelNames(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 || names[0] != "res.partner" || names[1] != "sale.order" {
		t.Fatalf("names = %v, want sorted pair", names)
	}
}
