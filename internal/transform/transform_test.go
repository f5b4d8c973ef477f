package transform

import (
	"testing"

	"github.com/nexsuslabs/nexsus/internal/point"
	"github.com/nexsuslabs/nexsus/internal/schema"
	"github.com/nexsuslabs/nexsus/internal/source"
	"github.com/nexsuslabs/nexsus/pkg/narrative"
)

type fakeResolver struct {
	targets map[string]int64
}

func (f fakeResolver) TargetModelID(field schema.Field) (int64, bool) {
	id, ok := f.targets[field.FieldName]
	return id, ok
}

func TestTransform_FKCrossReference(t *testing.T) {
	fields := []schema.Field{
		{FieldName: "name", FieldLabel: "Name", FieldType: schema.FieldChar, PayloadFlag: true},
		{FieldName: "partner_id", FieldLabel: "Partner", FieldType: schema.FieldMany2One, PayloadFlag: true},
	}
	rec := source.Record{
		ID: 10,
		Fields: map[string]source.Value{
			"name":       {Kind: source.KindString, Str: "Order 1"},
			"partner_id": {Kind: source.KindIDName, IDName: source.IDName{ID: 7, Name: "P"}},
		},
	}

	xf := New(fakeResolver{targets: map[string]int64{"partner_id": 5}})
	res, err := xf.Transform("m_parent", 1, rec, fields, narrative.Pattern{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantQdrant, _ := point.DataUUID(5, 7)
	if got := res.Payload["partner_id_qdrant"]; got != wantQdrant {
		t.Fatalf("partner_id_qdrant = %v, want %v", got, wantQdrant)
	}
	if got := res.Payload["partner_id_id"]; got != int64(7) {
		t.Fatalf("partner_id_id = %v, want 7", got)
	}
	if got := res.Payload["partner_id"]; got != "P" {
		t.Fatalf("partner_id = %v, want P", got)
	}
	if res.Payload["point_type"] != "data" {
		t.Fatalf("point_type = %v, want data", res.Payload["point_type"])
	}
	if res.Payload["record_id"] != int64(10) {
		t.Fatalf("record_id = %v, want 10", res.Payload["record_id"])
	}
}

func TestTransform_FKCrossRefWithoutPayloadEligibility(t *testing.T) {
	// partner_id is NOT payload-eligible, but its target model id is known —
	// the full cross-reference (display name, _id, _qdrant) must still
	// appear.
	fields := []schema.Field{
		{FieldName: "partner_id", FieldLabel: "Partner", FieldType: schema.FieldMany2One, PayloadFlag: false},
	}
	rec := source.Record{
		ID: 1,
		Fields: map[string]source.Value{
			"partner_id": {Kind: source.KindIDName, IDName: source.IDName{ID: 7, Name: "P"}},
		},
	}
	xf := New(fakeResolver{targets: map[string]int64{"partner_id": 5}})
	res, err := xf.Transform("m_parent", 1, rec, fields, narrative.Pattern{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := res.Payload["partner_id"]; got != "P" {
		t.Fatalf("partner_id = %v, want the display name P", got)
	}
	if got := res.Payload["partner_id_id"]; got != int64(7) {
		t.Fatalf("partner_id_id = %v, want 7", got)
	}
	wantQdrant, _ := point.DataUUID(5, 7)
	if got := res.Payload["partner_id_qdrant"]; got != wantQdrant {
		t.Fatalf("partner_id_qdrant = %v, want %v", got, wantQdrant)
	}
}

func TestTransform_UnknownFKTargetSkipsQdrant(t *testing.T) {
	fields := []schema.Field{
		{FieldName: "partner_id", FieldLabel: "Partner", FieldType: schema.FieldMany2One, PayloadFlag: true},
	}
	rec := source.Record{
		ID: 1,
		Fields: map[string]source.Value{
			"partner_id": {Kind: source.KindIDName, IDName: source.IDName{ID: 7, Name: "P"}},
		},
	}
	xf := New(fakeResolver{targets: map[string]int64{}})
	res, err := xf.Transform("m_parent", 1, rec, fields, narrative.Pattern{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := res.Payload["partner_id_qdrant"]; ok {
		t.Fatal("partner_id_qdrant should be absent when target model id is unknown")
	}
}

func TestTransform_ZeroIsValidNumber(t *testing.T) {
	fields := []schema.Field{
		{FieldName: "quantity", FieldLabel: "Quantity", FieldType: schema.FieldInteger, PayloadFlag: true},
	}
	rec := source.Record{
		ID: 1,
		Fields: map[string]source.Value{
			"quantity": {Kind: source.KindInt, Int: 0},
		},
	}
	xf := New(fakeResolver{})
	res, err := xf.Transform("m", 1, rec, fields, narrative.Pattern{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, ok := res.Payload["quantity"]; !ok || got != int64(0) {
		t.Fatalf("quantity = %v (ok=%v), want 0 present", got, ok)
	}
}

func TestTransform_DefaultManyToManyRendering(t *testing.T) {
	fields := []schema.Field{
		{FieldName: "tag_ids", FieldLabel: "Tags", FieldType: schema.FieldMany2Many, PayloadFlag: true},
	}
	rec := source.Record{
		ID: 1,
		Fields: map[string]source.Value{
			"tag_ids": {Kind: source.KindIDList, IDList: []int64{1, 2, 3}},
		},
	}
	xf := New(fakeResolver{})
	res, err := xf.Transform("m", 1, rec, fields, narrative.Pattern{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Narrative == "" {
		t.Fatal("expected non-empty narrative")
	}
	want := "3 items"
	if !contains(res.Narrative, want) {
		t.Fatalf("narrative = %q, want to contain %q", res.Narrative, want)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestHumanize_ValueRendering(t *testing.T) {
	tests := []struct {
		name  string
		field schema.Field
		val   source.Value
		want  string
	}{
		{"monetary grouping", schema.Field{FieldType: schema.FieldMonetary},
			source.Value{Kind: source.KindFloat, Float: 12345.5}, "12,345.5"},
		{"integer grouping", schema.Field{FieldType: schema.FieldInteger},
			source.Value{Kind: source.KindInt, Int: 1000000}, "1,000,000"},
		{"float rounding carry", schema.Field{FieldType: schema.FieldFloat},
			source.Value{Kind: source.KindFloat, Float: 1.996}, "2"},
		{"negative monetary", schema.Field{FieldType: schema.FieldMonetary},
			source.Value{Kind: source.KindFloat, Float: -1234.25}, "-1,234.25"},
		{"boolean true", schema.Field{FieldType: schema.FieldBoolean},
			source.Value{Kind: source.KindBool, Bool: true}, "Yes"},
		{"date long form", schema.Field{FieldType: schema.FieldDate},
			source.Value{Kind: source.KindString, Str: "2025-06-01"}, "June 1, 2025"},
		{"json sorted pairs", schema.Field{FieldType: schema.FieldJSON},
			source.Value{Kind: source.KindJSON, JSONObj: map[string]any{"b": 2, "a": 1}}, "a: 1, b: 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := humanize(tt.field, tt.val)
			if !ok {
				t.Fatal("humanize reported no rendering")
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
