package cleanup

import (
	"context"
	"fmt"
	"testing"

	"github.com/nexsuslabs/nexsus/internal/source"
	"github.com/nexsuslabs/nexsus/internal/store"
)

type fakeStore struct {
	points  []store.Point
	deletes []store.Filter
}

func (f *fakeStore) Scroll(_ context.Context, filter store.Filter, limit int, cursor string) ([]store.Point, string, error) {
	var out []store.Point
	for _, p := range f.points {
		if filter.PointType != "" && p.PointType != filter.PointType {
			continue
		}
		match := true
		for _, c := range filter.Conditions {
			if fmt.Sprint(p.Payload[c.Field]) != fmt.Sprint(c.Value) {
				match = false
			}
		}
		if match {
			out = append(out, p)
		}
	}
	return out, "", nil
}

func (f *fakeStore) Delete(_ context.Context, filter store.Filter) (int64, error) {
	f.deletes = append(f.deletes, filter)
	return int64(len(filter.IDs)), nil
}

type fakeSource struct{ alive map[int64]struct{} }

func (f *fakeSource) Fetch(_ context.Context, _ string, filter source.Filter, _ []string, _, _ int) ([]source.Record, error) {
	var out []source.Record
	for _, id := range filter.RecordIDs {
		if _, ok := f.alive[id]; ok {
			out = append(out, source.Record{ID: id})
		}
	}
	return out, nil
}
func (f *fakeSource) Count(context.Context, string, source.Filter) (int, error) { return 0, nil }
func (f *fakeSource) ListModels(context.Context) ([]string, error)             { return nil, nil }
func (f *fakeSource) Schema(context.Context, string) ([]source.FieldMeta, error) {
	return nil, nil
}

func dataPoint(model string, recordID int64) store.Point {
	return store.Point{
		ID:        fmt.Sprintf("pt-%d", recordID),
		PointType: "data",
		Payload:   map[string]any{"model_name": model, "record_id": recordID},
	}
}

func TestRun_DeletesStalePoints(t *testing.T) {
	st := &fakeStore{points: []store.Point{
		dataPoint("m1", 1),
		dataPoint("m1", 2),
		dataPoint("m1", 3),
	}}
	src := &fakeSource{alive: map[int64]struct{}{1: {}, 3: {}}}
	c := New(st, src, Config{})

	summary, err := c.Run(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Scanned != 3 || summary.Missing != 1 || summary.Deleted != 1 {
		t.Fatalf("summary = %+v, want scanned=3 missing=1 deleted=1", summary)
	}
	if len(st.deletes) != 1 || len(st.deletes[0].IDs) != 1 || st.deletes[0].IDs[0] != "pt-2" {
		t.Fatalf("deletes = %v, want exactly pt-2", st.deletes)
	}
}

func TestRun_DryRunDeletesNothing(t *testing.T) {
	st := &fakeStore{points: []store.Point{dataPoint("m1", 1), dataPoint("m1", 2)}}
	src := &fakeSource{alive: map[int64]struct{}{1: {}}}
	c := New(st, src, Config{DryRun: true})

	summary, err := c.Run(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Missing != 1 || summary.Deleted != 0 || !summary.DryRun {
		t.Fatalf("summary = %+v, want a reported-but-not-deleted stale point", summary)
	}
	if len(st.deletes) != 0 {
		t.Fatalf("deletes = %v, want none on a dry run", st.deletes)
	}
}

func TestRun_AllAliveIsNoop(t *testing.T) {
	st := &fakeStore{points: []store.Point{dataPoint("m1", 1)}}
	src := &fakeSource{alive: map[int64]struct{}{1: {}}}
	c := New(st, src, Config{})

	summary, err := c.Run(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Missing != 0 || summary.Deleted != 0 {
		t.Fatalf("summary = %+v, want nothing to delete", summary)
	}
	if len(st.deletes) != 0 {
		t.Fatalf("deletes = %v, want none", st.deletes)
	}
}

func TestRun_OtherModelsUntouched(t *testing.T) {
	st := &fakeStore{points: []store.Point{
		dataPoint("m1", 1),
		dataPoint("m2", 1),
	}}
	src := &fakeSource{alive: map[int64]struct{}{}}
	c := New(st, src, Config{})

	summary, err := c.Run(context.Background(), "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Scanned != 1 {
		t.Fatalf("scanned = %d, want only m1's point", summary.Scanned)
	}
}
