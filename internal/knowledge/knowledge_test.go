package knowledge

import (
	"context"
	"strings"
	"testing"

	"github.com/nexsuslabs/nexsus/internal/embedding"
	"github.com/nexsuslabs/nexsus/internal/point"
	"github.com/nexsuslabs/nexsus/internal/store"
)

type fakeSource struct {
	instance []InstanceConfigItem
	models   []ModelMetadataItem
	fields   []FieldKnowledgeItem
}

func (f *fakeSource) InstanceConfig(context.Context) ([]InstanceConfigItem, error) {
	return f.instance, nil
}
func (f *fakeSource) ModelMetadata(context.Context) ([]ModelMetadataItem, error) {
	return f.models, nil
}
func (f *fakeSource) FieldKnowledge(context.Context) ([]FieldKnowledgeItem, error) {
	return f.fields, nil
}

type fakeEmbedder struct{ texts []string }

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string, _ embedding.InputType) ([][]float32, error) {
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeStore struct {
	upserted []store.Point
	deletes  []store.Filter
}

func (f *fakeStore) Upsert(_ context.Context, points []store.Point) error {
	f.upserted = append(f.upserted, points...)
	return nil
}

func (f *fakeStore) Delete(_ context.Context, filter store.Filter) (int64, error) {
	f.deletes = append(f.deletes, filter)
	return int64(len(f.upserted)), nil
}

type fakeSchema struct{ models map[int64]string }

func (f *fakeSchema) ModelExists(_ context.Context, name string) (bool, error) {
	for _, n := range f.models {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSchema) ModelNameByID(_ context.Context, modelID int64) (string, error) {
	name, ok := f.models[modelID]
	if !ok {
		return "", context.Canceled // any error will do for the probe
	}
	return name, nil
}

func testSource() *fakeSource {
	return &fakeSource{
		instance: []InstanceConfigItem{
			{Index: 1, Key: "company_currency", Value: "EUR", Category: "finance"},
		},
		models: []ModelMetadataItem{
			{ModelID: 73, ModelName: "sale.order", BusinessName: "Sales Orders", Purpose: "Customer orders", UseCases: []string{"revenue reporting"}},
		},
		fields: []FieldKnowledgeItem{
			{FieldID: 412, ModelID: 73, ModelName: "sale.order", FieldName: "state", Meaning: "Order lifecycle stage", ValidValues: []string{"draft", "sale", "done"}},
		},
	}
}

func testSchema() *fakeSchema {
	return &fakeSchema{models: map[int64]string{73: "sale.order"}}
}

func TestSync_UpsertsAllThreeLevels(t *testing.T) {
	st := &fakeStore{}
	emb := &fakeEmbedder{}
	s := New(testSource(), emb, st, testSchema(), Config{})

	summary, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.InstanceItems != 1 || summary.ModelItems != 1 || summary.FieldItems != 1 {
		t.Fatalf("summary = %+v, want one item per level", summary)
	}
	if len(summary.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none", summary.Warnings)
	}
	if len(st.upserted) != 3 {
		t.Fatalf("upserted %d points, want 3", len(st.upserted))
	}
	for _, p := range st.upserted {
		if p.PointType != "knowledge" {
			t.Fatalf("point %s has type %q", p.ID, p.PointType)
		}
		if typ, ok := point.Classify(p.ID); !ok || typ != point.TypeKnowledge {
			t.Fatalf("point id %s does not classify as knowledge", p.ID)
		}
		if p.Payload["point_id"] != p.ID {
			t.Fatalf("payload point_id %v != id %s", p.Payload["point_id"], p.ID)
		}
	}
}

func TestSync_DeterministicIdentities(t *testing.T) {
	run := func() []string {
		st := &fakeStore{}
		s := New(testSource(), &fakeEmbedder{}, st, testSchema(), Config{})
		if _, err := s.Sync(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids := make([]string, len(st.upserted))
		for i, p := range st.upserted {
			ids[i] = p.ID
		}
		return ids
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("runs produced %d and %d points", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("point %d id changed across runs: %s vs %s", i, first[i], second[i])
		}
	}
}

func TestSync_ForceDeletesExistingKnowledgeFirst(t *testing.T) {
	st := &fakeStore{}
	s := New(testSource(), &fakeEmbedder{}, st, testSchema(), Config{Force: true})

	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.deletes) != 1 {
		t.Fatalf("deletes = %v, want exactly one", st.deletes)
	}
	if st.deletes[0].PointType != "knowledge" {
		t.Fatalf("delete filter = %+v, want point_type=knowledge", st.deletes[0])
	}
}

func TestSync_SemanticTextCarriesLabeledFields(t *testing.T) {
	emb := &fakeEmbedder{}
	s := New(testSource(), emb, &fakeStore{}, testSchema(), Config{})

	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var fieldText string
	for _, text := range emb.texts {
		if strings.Contains(text, "Field state of model sale.order") {
			fieldText = text
		}
	}
	if fieldText == "" {
		t.Fatalf("no field-level semantic text in %v", emb.texts)
	}
	if !strings.Contains(fieldText, "Valid values: draft, sale, done") {
		t.Fatalf("text = %q, want the valid-values clause", fieldText)
	}
}

func TestSync_InconsistentReferencesWarnButSucceed(t *testing.T) {
	src := testSource()
	src.fields = append(src.fields, FieldKnowledgeItem{
		FieldID: 999, ModelID: 88, ModelName: "res.missing", FieldName: "x", Meaning: "orphan",
	})
	st := &fakeStore{}
	s := New(src, &fakeEmbedder{}, st, testSchema(), Config{})

	summary, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Warnings) == 0 {
		t.Fatal("expected consistency warnings for the dangling field item")
	}
	// The inconsistent item is still indexed — warnings never block.
	if summary.FieldItems != 2 {
		t.Fatalf("field items = %d, want 2", summary.FieldItems)
	}
}

func TestSync_TruncatesSemanticText(t *testing.T) {
	src := testSource()
	src.models[0].Purpose = strings.Repeat("long purpose ", 100)
	emb := &fakeEmbedder{}
	s := New(src, emb, &fakeStore{}, testSchema(), Config{MaxTextLen: 80})

	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, text := range emb.texts {
		if len([]rune(text)) > 80 {
			t.Fatalf("text of %d runes exceeds the 80-rune cap", len([]rune(text)))
		}
	}
}
