package integrity

import (
	"context"
	"fmt"
	"testing"

	"github.com/nexsuslabs/nexsus/internal/schema"
	"github.com/nexsuslabs/nexsus/internal/store"
)

type fakeStore struct {
	points      []store.Point
	existingIDs map[string]bool
	upserted    []store.Point
}

func (f *fakeStore) Scroll(ctx context.Context, filter store.Filter, limit int, cursor string) ([]store.Point, string, error) {
	if cursor != "" {
		return nil, "", nil
	}
	return f.points, "", nil
}

func (f *fakeStore) Retrieve(ctx context.Context, ids []string, withPayload, withVector bool) ([]store.Point, error) {
	var out []store.Point
	for _, id := range ids {
		if p, ok := f.byID(id); ok {
			out = append(out, p)
			continue
		}
		if f.existingIDs[id] {
			out = append(out, store.Point{ID: id})
		}
	}
	return out, nil
}

func (f *fakeStore) byID(id string) (store.Point, bool) {
	for _, p := range f.points {
		if p.ID == id {
			return p, true
		}
	}
	for _, p := range f.upserted {
		if p.ID == id {
			return p, true
		}
	}
	return store.Point{}, false
}

func (f *fakeStore) Upsert(ctx context.Context, points []store.Point) error {
	f.upserted = append(f.upserted, points...)
	return nil
}

type fakeSchema struct {
	fields  map[string][]schema.Field
	ids     map[string]int64
	names   map[int64]string
}

func (f *fakeSchema) Fields(ctx context.Context, model string) ([]schema.Field, error) {
	return f.fields[model], nil
}

func (f *fakeSchema) ModelIDByName(ctx context.Context, name string) (int64, error) {
	id, ok := f.ids[name]
	if !ok {
		return 0, fmt.Errorf("unknown model %s", name)
	}
	return id, nil
}

func (f *fakeSchema) ModelNameByID(ctx context.Context, modelID int64) (string, error) {
	name, ok := f.names[modelID]
	if !ok {
		return "", fmt.Errorf("unknown model_id %d", modelID)
	}
	return name, nil
}

func saleOrderSchema() *fakeSchema {
	return &fakeSchema{
		fields: map[string][]schema.Field{
			"sale.order": {
				{FieldName: "name", FieldType: schema.FieldChar, PayloadFlag: true},
				{
					FieldName: "partner_id", FieldType: schema.FieldMany2One,
					FieldID: 42, FKLocationModel: "res.partner", FKLocationModelID: 2,
				},
			},
		},
		ids:   map[string]int64{"sale.order": 1, "res.partner": 2},
		names: map[int64]string{2: "res.partner"},
	}
}

func TestValidator_FindsOrphanReferences(t *testing.T) {
	st := &fakeStore{
		points: []store.Point{
			{ID: "data-1", PointType: "data", Payload: map[string]any{
				"record_id":          int64(100),
				"partner_id_qdrant": "00000002-0002-0000-0000-000000000005",
			}},
			{ID: "data-2", PointType: "data", Payload: map[string]any{
				"record_id":          int64(101),
				"partner_id_qdrant": "00000002-0002-0000-0000-000000000006",
			}},
		},
		existingIDs: map[string]bool{
			"00000002-0002-0000-0000-000000000005": true,
		},
	}

	v := New(st, saleOrderSchema(), Config{})
	global, err := v.Validate(context.Background(), []string{"sale.order"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	report := global.Models["sale.order"]
	if report.TotalRecords != 2 {
		t.Fatalf("TotalRecords = %d, want 2", report.TotalRecords)
	}
	if report.FKFieldsChecked != 1 {
		t.Fatalf("FKFieldsChecked = %d, want 1", report.FKFieldsChecked)
	}
	if report.TotalFKReferences != 2 {
		t.Fatalf("TotalFKReferences = %d, want 2", report.TotalFKReferences)
	}
	if report.MissingReferences != 1 {
		t.Fatalf("MissingReferences = %d, want 1", report.MissingReferences)
	}
	if len(report.OrphanDetails) != 1 || report.OrphanDetails[0].SourceRecordID != 101 {
		t.Fatalf("OrphanDetails = %+v, want one detail for record 101", report.OrphanDetails)
	}
	if global.MissingByTargetModel["res.partner"] != 1 {
		t.Fatalf("MissingByTargetModel = %v, want res.partner:1", global.MissingByTargetModel)
	}
}

func TestValidator_OrphanDetailCapTruncatesButStillCountsMissing(t *testing.T) {
	points := make([]store.Point, 0, 5)
	for i := 0; i < 5; i++ {
		points = append(points, store.Point{
			ID: fmt.Sprintf("data-%d", i), PointType: "data",
			Payload: map[string]any{
				"record_id":          int64(100 + i),
				"partner_id_qdrant": fmt.Sprintf("00000002-0002-0000-0000-%012x", 900+i),
			},
		})
	}
	st := &fakeStore{points: points, existingIDs: map[string]bool{}}

	v := New(st, saleOrderSchema(), Config{OrphanDetailCap: 2})
	global, err := v.Validate(context.Background(), []string{"sale.order"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	report := global.Models["sale.order"]
	if report.MissingReferences != 5 {
		t.Fatalf("MissingReferences = %d, want 5", report.MissingReferences)
	}
	if len(report.OrphanDetails) != 2 {
		t.Fatalf("OrphanDetails = %d, want capped at 2", len(report.OrphanDetails))
	}
}

func TestValidator_GraphFeedbackWritesIntegrityScore(t *testing.T) {
	edgeID := "00000001-0001-0002-3100-00000000002a"
	st := &fakeStore{
		points: []store.Point{
			{ID: "data-1", PointType: "data", Payload: map[string]any{
				"record_id":          int64(100),
				"partner_id_qdrant": "00000002-0002-0000-0000-000000000005",
			}},
			{ID: "data-2", PointType: "data", Payload: map[string]any{
				"record_id":          int64(101),
				"partner_id_qdrant": "00000002-0002-0000-0000-000000000006",
			}},
			{ID: edgeID, PointType: "graph", Payload: map[string]any{
				"edge_count": 2,
			}},
		},
		existingIDs: map[string]bool{
			"00000002-0002-0000-0000-000000000005": true,
		},
	}

	v := New(st, saleOrderSchema(), Config{WriteGraphFeedback: true, TrackHistory: true})
	if _, err := v.Validate(context.Background(), []string{"sale.order"}); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if len(st.upserted) != 1 {
		t.Fatalf("upserted = %d points, want 1", len(st.upserted))
	}
	got := st.upserted[0].Payload
	if got["last_validated_orphans"] != 1 {
		t.Fatalf("last_validated_orphans = %v, want 1", got["last_validated_orphans"])
	}
	score, ok := got["integrity_score"].(float64)
	if !ok || score != 0.5 {
		t.Fatalf("integrity_score = %v, want 0.5", got["integrity_score"])
	}
	history, ok := got["validation_history"].([]any)
	if !ok || len(history) != 1 {
		t.Fatalf("validation_history = %v, want one entry", got["validation_history"])
	}
}

func TestValidator_UnreachableStoreIsFatal(t *testing.T) {
	v := New(&erroringStore{}, saleOrderSchema(), Config{})
	if _, err := v.Validate(context.Background(), []string{"sale.order"}); err == nil {
		t.Fatal("expected an error when the store is unreachable")
	}
}

type erroringStore struct{}

func (*erroringStore) Scroll(ctx context.Context, filter store.Filter, limit int, cursor string) ([]store.Point, string, error) {
	return nil, "", fmt.Errorf("connection refused")
}

func (*erroringStore) Retrieve(ctx context.Context, ids []string, withPayload, withVector bool) ([]store.Point, error) {
	return nil, fmt.Errorf("connection refused")
}

func (*erroringStore) Upsert(ctx context.Context, points []store.Point) error {
	return fmt.Errorf("connection refused")
}
