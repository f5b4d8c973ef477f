package resilience

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDLQ_InsertAndGet(t *testing.T) {
	dir := t.TempDir()
	dlq, err := Open(filepath.Join(dir, "dlq.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	err = dlq.Insert(DLQEntry{
		ModelName:    "sale.order",
		ModelID:      1,
		RecordID:     42,
		FailureStage: StageUpsert,
		ErrorMessage: "boom",
		FailedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	e, ok := dlq.Get("sale.order", 42)
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if e.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", e.RetryCount)
	}
}

func TestDLQ_DuplicateInsertIncrementsRetryCount(t *testing.T) {
	dir := t.TempDir()
	dlq, _ := Open(filepath.Join(dir, "dlq.json"))

	entry := DLQEntry{ModelName: "m", RecordID: 1, FailureStage: StageEmbedding}
	_ = dlq.Insert(entry)
	_ = dlq.Insert(entry)

	e, _ := dlq.Get("m", 1)
	if e.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", e.RetryCount)
	}
	if dlq.Stats().Total != 1 {
		t.Fatalf("Stats().Total = %d, want 1 (dedup by model_name+record_id)", dlq.Stats().Total)
	}
}

func TestDLQ_EvictsOldestAtCapacity(t *testing.T) {
	dir := t.TempDir()
	dlq, _ := Open(filepath.Join(dir, "dlq.json"), WithMaxSize(2))

	_ = dlq.Insert(DLQEntry{ModelName: "m", RecordID: 1})
	_ = dlq.Insert(DLQEntry{ModelName: "m", RecordID: 2})
	_ = dlq.Insert(DLQEntry{ModelName: "m", RecordID: 3})

	if _, ok := dlq.Get("m", 1); ok {
		t.Fatal("expected oldest entry (record 1) to be evicted")
	}
	if dlq.Stats().Total != 2 {
		t.Fatalf("Stats().Total = %d, want 2", dlq.Stats().Total)
	}
}

func TestDLQ_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dlq.json")

	dlq, _ := Open(path)
	_ = dlq.Insert(DLQEntry{ModelName: "m", RecordID: 7, FailureStage: StageConfig})

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, ok := reopened.Get("m", 7); !ok {
		t.Fatal("expected entry to survive reopen from disk")
	}
}

func TestDLQ_ClearScopedToModel(t *testing.T) {
	dir := t.TempDir()
	dlq, _ := Open(filepath.Join(dir, "dlq.json"))
	_ = dlq.Insert(DLQEntry{ModelName: "a", RecordID: 1})
	_ = dlq.Insert(DLQEntry{ModelName: "b", RecordID: 1})

	if err := dlq.Clear("a"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := dlq.Get("a", 1); ok {
		t.Fatal("model a entry should be cleared")
	}
	if _, ok := dlq.Get("b", 1); !ok {
		t.Fatal("model b entry should survive a scoped clear")
	}
}
