package resilience

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FailureStage enumerates where in a sync step a record's processing gave
// up and landed in the DLQ.
type FailureStage string

const (
	StageConfig    FailureStage = "config"
	StageEncoding  FailureStage = "encoding"
	StageEmbedding FailureStage = "embedding"
	StageUpsert    FailureStage = "upsert"
)

// DLQEntry is one dead-lettered record.
type DLQEntry struct {
	ModelName     string       `json:"model_name"`
	ModelID       int64        `json:"model_id"`
	RecordID      int64        `json:"record_id"`
	FailureStage  FailureStage `json:"failure_stage"`
	ErrorMessage  string       `json:"error_message"`
	BatchNumber   int          `json:"batch_number"`
	EncodedString string       `json:"encoded_string,omitempty"`
	FailedAt      time.Time    `json:"failed_at"`
	RetryCount    int          `json:"retry_count"`
}

func dlqKey(modelName string, recordID int64) string {
	return fmt.Sprintf("%s:%d", modelName, recordID)
}

// Stats summarizes DLQ contents by model and by failure stage.
type Stats struct {
	Total   int
	ByModel map[string]int
	ByStage map[FailureStage]int
}

// DLQ is a bounded, deduplicated, file-persisted dead-letter queue. Every
// mutation is written through to disk immediately (atomically, via
// write-to-temp-then-rename) — there is no in-memory-only buffering window
// in which a crash could lose an entry that Insert already returned from.
//
// Safe for concurrent use.
type DLQ struct {
	path    string
	maxSize int

	mu      sync.Mutex
	entries map[string]*DLQEntry
	order   []string // insertion order, oldest first, for eviction
}

// Option configures a DLQ.
type Option func(*DLQ)

// WithMaxSize overrides the default bound of 1000 entries.
func WithMaxSize(n int) Option {
	return func(d *DLQ) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// Open loads an existing DLQ file at path, or starts empty if it doesn't
// exist yet.
func Open(path string, opts ...Option) (*DLQ, error) {
	d := &DLQ{path: path, maxSize: 1000, entries: make(map[string]*DLQEntry)}
	for _, o := range opts {
		o(d)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return nil, fmt.Errorf("dlq: open: %w", err)
	}

	var entries []*DLQEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("dlq: open: decode: %w", err)
	}
	for _, e := range entries {
		key := dlqKey(e.ModelName, e.RecordID)
		d.entries[key] = e
		d.order = append(d.order, key)
	}
	return d, nil
}

// Insert records a failure. If an entry with the same (model_name,
// record_id) already exists, it is updated in place and its retry_count is
// incremented rather than duplicated. When the size cap is exceeded, the
// oldest entry (by original insertion order) is evicted.
func (d *DLQ) Insert(e DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dlqKey(e.ModelName, e.RecordID)
	if existing, ok := d.entries[key]; ok {
		e.RetryCount = existing.RetryCount + 1
		d.entries[key] = &e
	} else {
		e.RetryCount = 1
		d.entries[key] = &e
		d.order = append(d.order, key)
	}

	for len(d.order) > d.maxSize {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.entries, oldest)
		slog.Warn("dlq: evicted oldest entry at capacity", "key", oldest, "max_size", d.maxSize)
	}

	return d.persistLocked()
}

// Get returns the entry for (modelName, recordID), if any.
func (d *DLQ) Get(modelName string, recordID int64) (DLQEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[dlqKey(modelName, recordID)]
	if !ok {
		return DLQEntry{}, false
	}
	return *e, true
}

// Stats reports counts by model and by failure stage.
func (d *DLQ) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{ByModel: make(map[string]int), ByStage: make(map[FailureStage]int)}
	for _, e := range d.entries {
		s.Total++
		s.ByModel[e.ModelName]++
		s.ByStage[e.FailureStage]++
	}
	return s
}

// Clear removes all entries, or only those for model if non-empty.
func (d *DLQ) Clear(model string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if model == "" {
		d.entries = make(map[string]*DLQEntry)
		d.order = nil
		return d.persistLocked()
	}

	var kept []string
	for _, key := range d.order {
		if d.entries[key].ModelName == model {
			delete(d.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	d.order = kept
	return d.persistLocked()
}

// persistLocked rewrites the DLQ file atomically (temp file + rename), the
// same technique every persisted file this gateway owns uses. Must be
// called with d.mu held.
func (d *DLQ) persistLocked() error {
	entries := make([]*DLQEntry, 0, len(d.order))
	for _, key := range d.order {
		entries = append(entries, d.entries[key])
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq: marshal: %w", err)
	}

	dir := filepath.Dir(d.path)
	tmp, err := os.CreateTemp(dir, ".dlq-*.tmp")
	if err != nil {
		return fmt.Errorf("dlq: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("dlq: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("dlq: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, d.path); err != nil {
		return fmt.Errorf("dlq: rename: %w", err)
	}
	return nil
}
