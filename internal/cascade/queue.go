package cascade

import "sync"

// Item is one unit of cascade work: a model and the record ids within it
// that need a sync step run, at a given cascade depth.
type Item struct {
	ModelName        string
	ModelID          int64
	RecordIDs        []int64
	Depth            int
	TriggeredByModel string
	TriggeredByField string

	// SkipExisting, when true, drops record ids already present in the
	// store before fetching. The scheduler applies the same filter to
	// every item when its Config.SkipExisting is set; FK Resolver repair
	// items leave this field false.
	SkipExisting bool
}

// Queue is the scheduler's single-producer, multi-consumer FIFO. Enqueueing
// a work item for a model already queued merges record-id sets instead of
// appending a second item.
//
// Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []*Item
	index map[string]*Item // model_name -> the queued *Item for that model
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]*Item)}
}

// Enqueue adds item to the queue, or merges it into an already-queued item
// for the same model. Merge unions the record-id sets (deduplicated) and
// keeps the shallower depth. Returns true if item was merged into an
// existing entry rather than newly queued.
func (q *Queue) Enqueue(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.index[item.ModelName]; ok {
		existing.RecordIDs = unionInt64(existing.RecordIDs, item.RecordIDs)
		if item.Depth < existing.Depth {
			existing.Depth = item.Depth
			existing.TriggeredByModel = item.TriggeredByModel
			existing.TriggeredByField = item.TriggeredByField
		}
		existing.SkipExisting = existing.SkipExisting && item.SkipExisting
		return true
	}

	stored := item
	q.items = append(q.items, &stored)
	q.index[item.ModelName] = &stored
	return false
}

// DequeueBatch removes and returns up to n items from the front of the
// queue, for parallel execution at the current depth level. Returns fewer
// than n (possibly zero) when the queue is shorter.
func (q *Queue) DequeueBatch(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}

	batch := make([]Item, n)
	for i := 0; i < n; i++ {
		batch[i] = *q.items[i]
		delete(q.index, q.items[i].ModelName)
	}
	q.items = q.items[n:]
	return batch
}

// Len reports the number of distinct work items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func unionInt64(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
