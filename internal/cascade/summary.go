package cascade

import (
	"sync"

	"github.com/google/uuid"
)

// RunSummary is the structured per-run report the CLI renders: items
// processed, records fetched/upserted/failed, graph edges touched, and
// cycles detected. It is
// built incrementally as workers finish items, then returned by
// [Scheduler.Run].
type RunSummary struct {
	mu sync.Mutex

	// RunID identifies this run for correlation across the run's log
	// lines — a random operational handle, not a content-derived point
	// identity, so it is a plain google/uuid.New() rather than anything
	// from internal/point.
	RunID string

	ItemsProcessed    int
	RecordsFetched    int
	RecordsUpserted   int
	RecordsFailed     int
	GraphEdgesTouched int
	CyclesDetected    int
	Cancelled         bool

	// PerModel breaks RecordsFetched/RecordsUpserted/RecordsFailed down by model_name,
	// for the CLI's per-model orphan/sync report.
	PerModel map[string]*ModelSummary
}

// ModelSummary is one model's contribution to a [RunSummary].
type ModelSummary struct {
	RecordsFetched  int
	RecordsUpserted int
	RecordsFailed   int
}

func newRunSummary() *RunSummary {
	return &RunSummary{RunID: uuid.NewString(), PerModel: make(map[string]*ModelSummary)}
}

func (s *RunSummary) modelLocked(model string) *ModelSummary {
	m, ok := s.PerModel[model]
	if !ok {
		m = &ModelSummary{}
		s.PerModel[model] = m
	}
	return m
}

func (s *RunSummary) recordFetched(model string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecordsFetched += n
	s.modelLocked(model).RecordsFetched += n
}

func (s *RunSummary) recordUpserted(model string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecordsUpserted += n
	s.modelLocked(model).RecordsUpserted += n
}

func (s *RunSummary) recordFailed(model string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RecordsFailed += n
	s.modelLocked(model).RecordsFailed += n
}

func (s *RunSummary) recordGraphEdge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GraphEdgesTouched++
}

func (s *RunSummary) recordItem() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ItemsProcessed++
}
