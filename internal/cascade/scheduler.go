// Package cascade implements the Cascade Scheduler: a single FIFO
// queue of per-model work items, a bounded worker pool, and the per-model
// sync step that ties the Schema Registry, Record Transformer, Embedding
// Gateway, and Unified Store Adapter into one sync run.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nexsuslabs/nexsus/internal/embedding"
	"github.com/nexsuslabs/nexsus/internal/point"
	"github.com/nexsuslabs/nexsus/internal/resilience"
	"github.com/nexsuslabs/nexsus/internal/schema"
	"github.com/nexsuslabs/nexsus/internal/source"
	"github.com/nexsuslabs/nexsus/internal/store"
	"github.com/nexsuslabs/nexsus/internal/transform"
	"github.com/nexsuslabs/nexsus/pkg/narrative"
)

// SchemaResolver is the narrow slice of the Schema Registry the scheduler
// needs: model existence, id/name lookup, and a model's full field list.
type SchemaResolver interface {
	ModelExists(ctx context.Context, name string) (bool, error)
	ModelIDByName(ctx context.Context, name string) (int64, error)
	Fields(ctx context.Context, model string) ([]schema.Field, error)
}

// PatternSource resolves a model's narrative pattern. The zero [narrative.Pattern]
// (default rendering) is a valid answer.
type PatternSource interface {
	Pattern(ctx context.Context, model string) (narrative.Pattern, error)
}

// Embedder is the slice of the Embedding Gateway the scheduler drives.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string, kind embedding.InputType) ([][]float32, error)
}

// PointStore is the slice of the Unified Store Adapter the scheduler drives.
type PointStore interface {
	Upsert(ctx context.Context, points []store.Point) error
	Retrieve(ctx context.Context, ids []string, withPayload, withVector bool) ([]store.Point, error)
}

// fkResolver adapts [schema.Field]'s own FK-target bookkeeping into the
// narrow interface [transform.Transformer] needs, without a Registry
// round-trip: FKLocationModelID is already resolved at schema-load time.
type fkResolver struct{}

func (fkResolver) TargetModelID(f schema.Field) (int64, bool) {
	return f.FKLocationModelID, f.HasKnownFKTarget()
}

// Config tunes a [Scheduler] run.
type Config struct {
	ParallelTargets int  // worker pool size; 1 disables parallelism. Default 3.
	FetchBatchSize  int  // records per source.Fetch call. Default 500.
	EmbedBatchSize  int  // records per embedding sub-chunk. Default 200.
	UpsertBatchSize int  // points per Upsert call. Default 200.
	ExistenceProbe  int  // ids per skip_existing Retrieve probe. Default 100.
	SkipExisting    bool // pre-filter record ids already present in the store.
	UpdateGraph     bool // whether the sync step upserts graph edges.
	IncludeArchived bool // whether fetches include soft-deleted records.
}

func (c Config) withDefaults() Config {
	if c.ParallelTargets <= 0 {
		c.ParallelTargets = 3
	}
	if c.FetchBatchSize <= 0 {
		c.FetchBatchSize = 500
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 200
	}
	if c.UpsertBatchSize <= 0 {
		c.UpsertBatchSize = 200
	}
	if c.ExistenceProbe <= 0 {
		c.ExistenceProbe = 100
	}
	return c
}

// Scheduler is the Cascade Scheduler. Its queue and visited set are
// created by [New] and kept for the Scheduler's lifetime (Run does not
// reset them); each Run call builds and returns a fresh [RunSummary].
type Scheduler struct {
	schema  SchemaResolver
	source  source.RecordSource
	pattern PatternSource
	embed   Embedder
	store   PointStore
	dlq     *resilience.DLQ

	sourceBreaker *resilience.CircuitBreaker
	storeBreaker  *resilience.CircuitBreaker
	retry         resilience.RetryConfig

	cfg Config

	queue     *Queue
	visited   *Visited
	transform *transform.Transformer
}

// New constructs a Scheduler. sourceBreaker and storeBreaker guard the
// record source and vector store respectively — the embedding provider's
// breaker lives inside embed itself (see internal/embedding).
func New(
	schemaResolver SchemaResolver,
	recordSource source.RecordSource,
	patterns PatternSource,
	embed Embedder,
	pointStore PointStore,
	dlq *resilience.DLQ,
	sourceBreaker, storeBreaker *resilience.CircuitBreaker,
	retry resilience.RetryConfig,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		schema:        schemaResolver,
		source:        recordSource,
		pattern:       patterns,
		embed:         embed,
		store:         pointStore,
		dlq:           dlq,
		sourceBreaker: sourceBreaker,
		storeBreaker:  storeBreaker,
		retry:         retry,
		cfg:           cfg.withDefaults(),
		queue:         NewQueue(),
		visited:       NewVisited(),
		transform:     transform.New(fkResolver{}),
	}
}

// Enqueue adds a work item to the run's queue, merging it into an
// already-queued item for the same model if one exists.
func (s *Scheduler) Enqueue(item Item) bool {
	return s.queue.Enqueue(item)
}

// QueueLen reports the number of distinct items currently queued.
func (s *Scheduler) QueueLen() int { return s.queue.Len() }

// pollInterval is how long Run waits before re-checking the queue when it
// is momentarily empty but items are still in flight — those workers may
// enqueue FK-cascade follow-up items any time before they return.
const pollInterval = 20 * time.Millisecond

// Run drains the queue with up to cfg.ParallelTargets concurrent workers
// until it is empty and no items are in flight, or ctx is cancelled. On
// cancellation, workers finish their current batch (not their whole item)
// before returning; the queue's remaining contents are left untouched and
// replayable.
func (s *Scheduler) Run(ctx context.Context) (*RunSummary, error) {
	summary := newRunSummary()
	slog.Info("cascade: run started", "run_id", summary.RunID, "parallel_targets", s.cfg.ParallelTargets)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.ParallelTargets)

	var inFlight atomic.Int32

	for {
		if egCtx.Err() != nil {
			break
		}
		batch := s.queue.DequeueBatch(s.cfg.ParallelTargets)
		if len(batch) == 0 {
			if inFlight.Load() == 0 {
				break
			}
			select {
			case <-egCtx.Done():
			case <-time.After(pollInterval):
			}
			continue
		}
		for _, item := range batch {
			item := item
			inFlight.Add(1)
			eg.Go(func() error {
				defer inFlight.Add(-1)
				if err := s.processItem(egCtx, item, summary); err != nil {
					slog.Error("cascade: item failed", "run_id", summary.RunID, "model", item.ModelName, "err", err)
				}
				summary.recordItem()
				return nil // a single item's failure never aborts the run
			})
		}
	}

	err := eg.Wait()
	summary.CyclesDetected = s.visited.CyclesDetected()
	if ctx.Err() != nil {
		summary.Cancelled = true
	}
	return summary, err
}

// processItem runs the per-model sync step for one work item.
func (s *Scheduler) processItem(ctx context.Context, item Item, summary *RunSummary) error {
	exists, err := s.schema.ModelExists(ctx, item.ModelName)
	if err != nil {
		return fmt.Errorf("cascade: model exists check for %s: %w", item.ModelName, err)
	}
	if !exists {
		s.deadLetterModel(item, resilience.StageConfig, "unknown model")
		return nil
	}

	ids := s.visited.FilterUnvisited(item.ModelName, item.RecordIDs)
	if item.SkipExisting || s.cfg.SkipExisting {
		ids = s.dropExisting(ctx, item.ModelID, ids)
	}
	if len(ids) == 0 {
		return nil
	}

	modelID := item.ModelID
	if modelID == 0 {
		modelID, err = s.schema.ModelIDByName(ctx, item.ModelName)
		if err != nil {
			return fmt.Errorf("cascade: model id for %s: %w", item.ModelName, err)
		}
	}

	fields, err := s.schema.Fields(ctx, item.ModelName)
	if err != nil {
		return fmt.Errorf("cascade: fields for %s: %w", item.ModelName, err)
	}

	pattern := narrative.Pattern{}
	if s.pattern != nil {
		if p, err := s.pattern.Pattern(ctx, item.ModelName); err == nil {
			pattern = p
		} else {
			slog.Info("cascade: no narrative pattern, using default rendering", "model", item.ModelName, "err", err)
		}
	}

	acc := newFKAccumulator()

	for start := 0; start < len(ids); start += s.cfg.FetchBatchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + s.cfg.FetchBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		s.runFetchChunk(ctx, item, modelID, fields, pattern, ids[start:end], acc, summary)
	}

	if s.cfg.UpdateGraph {
		s.upsertGraphEdges(ctx, item, modelID, fields, acc, summary)
	}

	return nil
}

// runFetchChunk fetches, transforms, embeds and upserts one fetch-sized
// chunk of record ids, in fetch order (ordering guarantee (ii) of §5).
func (s *Scheduler) runFetchChunk(
	ctx context.Context,
	item Item,
	modelID int64,
	fields []schema.Field,
	pattern narrative.Pattern,
	ids []int64,
	acc *fkAccumulator,
	summary *RunSummary,
) {
	filter := source.Filter{RecordIDs: ids, Archived: s.cfg.IncludeArchived}

	var records []source.Record
	err := s.sourceBreaker.Execute(func() error {
		return resilience.Retry(ctx, s.retry, func() error {
			recs, err := s.source.Fetch(ctx, item.ModelName, filter, nil, 0, len(ids))
			records = recs
			return err
		})
	})
	if err != nil {
		slog.Error("cascade: fetch failed", "model", item.ModelName, "ids", len(ids), "err", err)
		s.deadLetterRecords(item.ModelName, modelID, ids, resilience.StageEncoding, err)
		summary.recordFailed(item.ModelName, len(ids))
		return
	}
	summary.recordFetched(item.ModelName, len(records))

	for start := 0; start < len(records); start += s.cfg.EmbedBatchSize {
		end := start + s.cfg.EmbedBatchSize
		if end > len(records) {
			end = len(records)
		}
		s.embedAndUpsert(ctx, item.ModelName, modelID, fields, pattern, records[start:end], acc, summary)
	}
}

// embedAndUpsert transforms one embed-sized chunk of records, embeds their
// narratives, and upserts the resulting points in upsert-sized sub-chunks.
func (s *Scheduler) embedAndUpsert(
	ctx context.Context,
	modelName string,
	modelID int64,
	fields []schema.Field,
	pattern narrative.Pattern,
	records []source.Record,
	acc *fkAccumulator,
	summary *RunSummary,
) {
	results := make([]transform.Result, 0, len(records))
	recordIDs := make([]int64, 0, len(records))
	narratives := make([]string, 0, len(records))

	for _, rec := range records {
		res, err := s.transform.Transform(modelName, modelID, rec, fields, pattern)
		if err != nil {
			slog.Error("cascade: transform failed", "model", modelName, "record_id", rec.ID, "err", err)
			s.deadLetterRecords(modelName, modelID, []int64{rec.ID}, resilience.StageEncoding, err)
			summary.recordFailed(modelName, 1)
			continue
		}
		acc.observe(fields, res.Payload)
		results = append(results, res)
		recordIDs = append(recordIDs, rec.ID)
		narratives = append(narratives, res.Narrative)
	}
	if len(results) == 0 {
		return
	}

	vectors, err := s.embed.EmbedTexts(ctx, narratives, embedding.InputDocument)
	if err != nil {
		slog.Error("cascade: embedding failed", "model", modelName, "records", len(results), "err", err)
		s.deadLetterRecords(modelName, modelID, recordIDs, resilience.StageEmbedding, err)
		summary.recordFailed(modelName, len(results))
		return
	}

	points := make([]store.Point, len(results))
	for i, res := range results {
		id, _ := res.Payload["point_id"].(string)
		points[i] = store.Point{ID: id, PointType: "data", Vector: vectors[i], Payload: res.Payload}
	}

	for start := 0; start < len(points); start += s.cfg.UpsertBatchSize {
		end := start + s.cfg.UpsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		chunk := points[start:end]
		err := s.storeBreaker.Execute(func() error {
			return resilience.Retry(ctx, s.retry, func() error {
				return s.store.Upsert(ctx, chunk)
			})
		})
		if err != nil {
			slog.Error("cascade: upsert failed", "model", modelName, "records", len(chunk), "err", err)
			s.deadLetterRecords(modelName, modelID, recordIDs[start:end], resilience.StageUpsert, err)
			summary.recordFailed(modelName, len(chunk))
			continue
		}
		summary.recordUpserted(modelName, len(chunk))
	}
}

// dropExisting further filters ids down to those not already present in
// the store, for skip_existing=true work items.
func (s *Scheduler) dropExisting(ctx context.Context, modelID int64, ids []int64) []int64 {
	if modelID == 0 || len(ids) == 0 {
		return ids
	}
	uuidByID := make(map[string]int64, len(ids))
	uuids := make([]string, 0, len(ids))
	for _, id := range ids {
		u, err := point.DataUUID(modelID, id)
		if err != nil {
			continue
		}
		uuidByID[u] = id
		uuids = append(uuids, u)
	}

	existing := make(map[string]struct{}, len(uuids))
	for start := 0; start < len(uuids); start += s.cfg.ExistenceProbe {
		end := start + s.cfg.ExistenceProbe
		if end > len(uuids) {
			end = len(uuids)
		}
		found, err := s.store.Retrieve(ctx, uuids[start:end], false, false)
		if err != nil {
			slog.Error("cascade: skip_existing probe failed", "err", err)
			continue
		}
		for _, p := range found {
			existing[p.ID] = struct{}{}
		}
	}

	out := make([]int64, 0, len(ids))
	for _, u := range uuids {
		if _, ok := existing[u]; !ok {
			out = append(out, uuidByID[u])
		}
	}
	return out
}

func (s *Scheduler) deadLetterModel(item Item, stage resilience.FailureStage, reason string) {
	s.deadLetterRecords(item.ModelName, item.ModelID, item.RecordIDs, stage, errors.New(reason))
}

func (s *Scheduler) deadLetterRecords(modelName string, modelID int64, ids []int64, stage resilience.FailureStage, err error) {
	if s.dlq == nil {
		return
	}
	for _, id := range ids {
		insertErr := s.dlq.Insert(resilience.DLQEntry{
			ModelName:    modelName,
			ModelID:      modelID,
			RecordID:     id,
			FailureStage: stage,
			ErrorMessage: err.Error(),
			FailedAt:     time.Now(),
		})
		if insertErr != nil {
			slog.Error("cascade: dlq insert failed", "model", modelName, "record_id", id, "err", insertErr)
		}
	}
}
