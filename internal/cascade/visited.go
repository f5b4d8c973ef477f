package cascade

import (
	"fmt"
	"sync"
)

// Visited is the scheduler's run-scoped cycle detector: a multiset keyed by
// (model_name, record_id). It never aborts a run; re-entry is silently
// skipped and counted.
//
// Safe for concurrent use.
type Visited struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	cycles int
}

// NewVisited returns an empty visited set.
func NewVisited() *Visited {
	return &Visited{seen: make(map[string]struct{})}
}

func visitedKey(model string, id int64) string {
	return fmt.Sprintf("%s:%d", model, id)
}

// ShouldProcess reports whether (model, id) is being seen for the first
// time in this run, marking it visited as a side effect. A false return
// increments the cycle counter.
func (v *Visited) ShouldProcess(model string, id int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := visitedKey(model, id)
	if _, ok := v.seen[key]; ok {
		v.cycles++
		return false
	}
	v.seen[key] = struct{}{}
	return true
}

// FilterUnvisited partitions ids into the subset not yet seen for model,
// marking that subset visited. Order is preserved.
func (v *Visited) FilterUnvisited(model string, ids []int64) []int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		key := visitedKey(model, id)
		if _, ok := v.seen[key]; ok {
			v.cycles++
			continue
		}
		v.seen[key] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CyclesDetected returns the run-scoped count of re-entries observed so far.
func (v *Visited) CyclesDetected() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cycles
}
