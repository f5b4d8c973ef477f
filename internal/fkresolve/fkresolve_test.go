package fkresolve

import (
	"context"
	"testing"

	"github.com/nexsuslabs/nexsus/internal/cascade"
	"github.com/nexsuslabs/nexsus/internal/store"
)

type fakeStore struct {
	points      []store.Point
	existingIDs map[string]bool
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
		if f.existingIDs[id] {
			out = append(out, store.Point{ID: id})
		}
	}
	return out, nil
}

type fakeSchema struct{ names map[int64]string }

func (f *fakeSchema) ModelNameByID(ctx context.Context, modelID int64) (string, error) {
	name, ok := f.names[modelID]
	if !ok {
		return "", errNotFound
	}
	return name, nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "model not found" }

type fakeScheduler struct {
	enqueued []cascade.Item
	summary  *cascade.RunSummary
}

func (f *fakeScheduler) Enqueue(item cascade.Item) bool {
	f.enqueued = append(f.enqueued, item)
	return false
}

func (f *fakeScheduler) Run(ctx context.Context) (*cascade.RunSummary, error) {
	return f.summary, nil
}

func TestRepair_FindsOrphansAndSubmitsTargetedSync(t *testing.T) {
	store_ := &fakeStore{
		points: []store.Point{
			{ID: "data-1", PointType: "data", Payload: map[string]any{
				"partner_id_qdrant": "00000002-0002-0000-0000-000000000005",
			}},
			{ID: "data-2", PointType: "data", Payload: map[string]any{
				"tag_ids_qdrant": []any{
					"00000002-0009-0000-0000-000000000007",
					"00000002-0009-0000-0000-000000000008",
				},
			}},
		},
		existingIDs: map[string]bool{
			// partner target exists; both tag targets are missing.
			"00000002-0002-0000-0000-000000000005": true,
		},
	}
	schema := &fakeSchema{names: map[int64]string{9: "crm.tag"}}
	sched := &fakeScheduler{summary: &cascade.RunSummary{
		PerModel: map[string]*cascade.ModelSummary{
			"crm.tag": {RecordsUpserted: 2},
		},
	}}

	r := New(store_, schema, sched, Config{})
	summary, err := r.Repair(context.Background(), "sale.order")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}

	if summary.Found != 2 {
		t.Fatalf("Found = %d, want 2", summary.Found)
	}
	if summary.Synced != 2 {
		t.Fatalf("Synced = %d, want 2", summary.Synced)
	}
	if len(sched.enqueued) != 1 || sched.enqueued[0].ModelName != "crm.tag" {
		t.Fatalf("enqueued = %v, want one crm.tag item", sched.enqueued)
	}
	if len(sched.enqueued[0].RecordIDs) != 2 {
		t.Fatalf("RecordIDs = %v, want [7 8]", sched.enqueued[0].RecordIDs)
	}
}

func TestRepair_UnknownTargetModelReportedNotSynced(t *testing.T) {
	store_ := &fakeStore{
		points: []store.Point{
			{ID: "data-1", PointType: "data", Payload: map[string]any{
				"owner_id_qdrant": "00000002-00ff-0000-0000-000000000001",
			}},
		},
		existingIDs: map[string]bool{},
	}
	schema := &fakeSchema{names: map[int64]string{}}
	sched := &fakeScheduler{summary: &cascade.RunSummary{PerModel: map[string]*cascade.ModelSummary{}}}

	r := New(store_, schema, sched, Config{})
	summary, err := r.Repair(context.Background(), "sale.order")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if summary.Found != 1 {
		t.Fatalf("Found = %d, want 1", summary.Found)
	}
	if summary.Synced != 0 {
		t.Fatalf("Synced = %d, want 0 (unknown target model)", summary.Synced)
	}
	if len(sched.enqueued) != 0 {
		t.Fatal("expected no enqueue for an unresolvable target model")
	}
	if summary.ByModel["model_id:255"] == nil || summary.ByModel["model_id:255"].Found != 1 {
		t.Fatalf("expected model_id:255 bucket with Found=1, got %+v", summary.ByModel)
	}
}

func TestRepair_IsIdempotentWhenNothingIsMissing(t *testing.T) {
	store_ := &fakeStore{
		points: []store.Point{
			{ID: "data-1", PointType: "data", Payload: map[string]any{
				"partner_id_qdrant": "00000002-0002-0000-0000-000000000005",
			}},
		},
		existingIDs: map[string]bool{
			"00000002-0002-0000-0000-000000000005": true,
		},
	}
	schema := &fakeSchema{}
	sched := &fakeScheduler{}

	r := New(store_, schema, sched, Config{})
	summary, err := r.Repair(context.Background(), "sale.order")
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if summary.Found != 0 {
		t.Fatalf("Found = %d, want 0", summary.Found)
	}
	if len(sched.enqueued) != 0 {
		t.Fatal("expected zero writes when nothing is missing")
	}
}
