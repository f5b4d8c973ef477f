// Package fkresolve implements the FK Resolver & Orphan Repair: it
// walks a source model's data points for dangling `<field>_qdrant`
// references and submits the missing targets as a targeted cascade sync.
package fkresolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nexsuslabs/nexsus/internal/cascade"
	"github.com/nexsuslabs/nexsus/internal/point"
	"github.com/nexsuslabs/nexsus/internal/store"
)

// Store is the slice of the Unified Store Adapter the resolver needs.
type Store interface {
	Scroll(ctx context.Context, filter store.Filter, limit int, cursor string) ([]store.Point, string, error)
	Retrieve(ctx context.Context, ids []string, withPayload, withVector bool) ([]store.Point, error)
}

// SchemaResolver resolves a model_id back to a model name.
type SchemaResolver interface {
	ModelNameByID(ctx context.Context, modelID int64) (string, error)
}

// Scheduler is the slice of the Cascade Scheduler the resolver drives to
// actually fetch and upsert the missing targets.
type Scheduler interface {
	Enqueue(item cascade.Item) bool
	Run(ctx context.Context) (*cascade.RunSummary, error)
}

// Config tunes [Repairer].
type Config struct {
	ScrollBatchSize int // data points scrolled per page. Default 1000.
	ProbeBatchSize  int // ids per existence-probe Retrieve call. Default 100.
	SyncLimit       int // cap on orphan record ids resynced per target model. Default 5000.
}

func (c Config) withDefaults() Config {
	if c.ScrollBatchSize <= 0 {
		c.ScrollBatchSize = 1000
	}
	if c.ProbeBatchSize <= 0 {
		c.ProbeBatchSize = 100
	}
	if c.SyncLimit <= 0 {
		c.SyncLimit = 5000
	}
	return c
}

// Repairer runs the orphan-repair algorithm for one source model at a time.
type Repairer struct {
	store     Store
	schema    SchemaResolver
	scheduler Scheduler
	cfg       Config
}

// New constructs a Repairer.
func New(s Store, schemaResolver SchemaResolver, scheduler Scheduler, cfg Config) *Repairer {
	return &Repairer{store: s, schema: schemaResolver, scheduler: scheduler, cfg: cfg.withDefaults()}
}

// ModelOrphans is one target model's contribution to a [Summary].
type ModelOrphans struct {
	Found   int
	Synced  int
	Failed  int
	Skipped int
}

// Summary is the repair run's report, grouped by target model.
type Summary struct {
	Found   int
	Synced  int
	Failed  int
	Skipped int
	ByModel map[string]*ModelOrphans
}

func newSummary() *Summary {
	return &Summary{ByModel: make(map[string]*ModelOrphans)}
}

func (s *Summary) model(name string) *ModelOrphans {
	m, ok := s.ByModel[name]
	if !ok {
		m = &ModelOrphans{}
		s.ByModel[name] = m
	}
	return m
}

// unknownModelBucket is the key orphans land under when their target
// model_id isn't known to the Schema Registry — reported, never synced.
func unknownModelBucket(modelID int64) string {
	return fmt.Sprintf("model_id:%d", modelID)
}

// Repair scrolls every data point of sourceModel, finds dangling
// `<field>_qdrant` references, and submits the missing targets as a
// targeted cascade sync. Running Repair twice on an already-repaired
// corpus performs zero writes the second time: every previously-orphaned
// target now exists, so the existence probe finds nothing missing.
func (r *Repairer) Repair(ctx context.Context, sourceModel string) (Summary, error) {
	referenced, err := r.collectReferencedUUIDs(ctx, sourceModel)
	if err != nil {
		return Summary{}, fmt.Errorf("fkresolve: collect references for %s: %w", sourceModel, err)
	}

	orphans, err := r.findOrphans(ctx, referenced)
	if err != nil {
		return Summary{}, fmt.Errorf("fkresolve: probe references for %s: %w", sourceModel, err)
	}

	summary := newSummary()
	byModel := r.groupByTargetModel(ctx, orphans, summary)

	var toRun bool
	for modelName, ids := range byModel {
		ms := summary.model(modelName)
		if len(ids) > r.cfg.SyncLimit {
			ms.Skipped += len(ids) - r.cfg.SyncLimit
			summary.Skipped += len(ids) - r.cfg.SyncLimit
			ids = ids[:r.cfg.SyncLimit]
		}
		if len(ids) == 0 {
			continue
		}
		r.scheduler.Enqueue(cascade.Item{ModelName: modelName, RecordIDs: ids})
		toRun = true
	}

	if !toRun {
		return *summary, nil
	}

	run, err := r.scheduler.Run(ctx)
	if err != nil {
		return *summary, fmt.Errorf("fkresolve: run targeted sync: %w", err)
	}
	for modelName, ms := range run.PerModel {
		target := summary.model(modelName)
		target.Synced += ms.RecordsUpserted
		target.Failed += ms.RecordsFailed
		summary.Synced += ms.RecordsUpserted
		summary.Failed += ms.RecordsFailed
	}
	return *summary, nil
}

// collectReferencedUUIDs scrolls every data point of sourceModel, in pages
// of ScrollBatchSize, and returns the deduplicated set of every
// "<field>_qdrant" UUID referenced by any of them.
func (r *Repairer) collectReferencedUUIDs(ctx context.Context, sourceModel string) ([]string, error) {
	filter := store.Filter{
		PointType:  "data",
		Conditions: []store.Condition{{Field: "model_name", Op: store.OpEq, Value: sourceModel}},
	}

	seen := make(map[string]struct{})
	cursor := ""
	for {
		points, next, err := r.store.Scroll(ctx, filter, r.cfg.ScrollBatchSize, cursor)
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			for key, raw := range p.Payload {
				if !isQdrantKey(key) {
					continue
				}
				for _, uuid := range qdrantUUIDs(raw) {
					seen[uuid] = struct{}{}
				}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// findOrphans probes referenced in chunks of ProbeBatchSize and returns the
// subset the store does not have.
func (r *Repairer) findOrphans(ctx context.Context, referenced []string) ([]string, error) {
	existing := make(map[string]struct{}, len(referenced))
	for start := 0; start < len(referenced); start += r.cfg.ProbeBatchSize {
		end := start + r.cfg.ProbeBatchSize
		if end > len(referenced) {
			end = len(referenced)
		}
		found, err := r.store.Retrieve(ctx, referenced[start:end], false, false)
		if err != nil {
			return nil, err
		}
		for _, p := range found {
			existing[p.ID] = struct{}{}
		}
	}

	var orphans []string
	for _, u := range referenced {
		if _, ok := existing[u]; !ok {
			orphans = append(orphans, u)
		}
	}
	return orphans, nil
}

// groupByTargetModel parses each orphan UUID back into (model_id, record_id)
// and groups record ids by resolved target model name. Unknown model ids
// land in an unknownModelBucket, counted as found but never synced.
func (r *Repairer) groupByTargetModel(ctx context.Context, orphans []string, summary *Summary) map[string][]int64 {
	byModel := make(map[string][]int64)
	dedup := make(map[string]map[int64]struct{})

	for _, uuid := range orphans {
		tuple, err := point.ParseData(uuid)
		if err != nil {
			slog.Info("fkresolve: unparseable orphan uuid, skipping", "uuid", uuid, "err", err)
			continue
		}

		summary.Found++
		modelName, err := r.schema.ModelNameByID(ctx, tuple.ModelID)
		if err != nil {
			modelName = unknownModelBucket(tuple.ModelID)
			summary.model(modelName).Found++
			continue // reported, never synced — the registry has no way to fetch it
		}
		summary.model(modelName).Found++

		if dedup[modelName] == nil {
			dedup[modelName] = make(map[int64]struct{})
		}
		if _, ok := dedup[modelName][tuple.RecordID]; ok {
			continue
		}
		dedup[modelName][tuple.RecordID] = struct{}{}
		byModel[modelName] = append(byModel[modelName], tuple.RecordID)
	}

	for _, ids := range byModel {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return byModel
}

func isQdrantKey(key string) bool {
	const suffix = "_qdrant"
	return len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix
}

func qdrantUUIDs(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
