// Package cleanup removes data points whose source records no longer exist.
// It compares the store's record ids for a model against what the record
// source still serves and deletes the difference. Cascaded child points of a
// removed parent are kept by default — their dangling references surface
// through the integrity validator instead of a destructive sweep.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nexsuslabs/nexsus/internal/source"
	"github.com/nexsuslabs/nexsus/internal/store"
)

// Store is the slice of the Unified Store Adapter the cleaner needs.
type Store interface {
	Scroll(ctx context.Context, filter store.Filter, limit int, cursor string) ([]store.Point, string, error)
	Delete(ctx context.Context, filter store.Filter) (int64, error)
}

// Config tunes a cleanup run.
type Config struct {
	ScrollBatchSize int // data points scrolled per page. Default 1000.
	ProbeBatchSize  int // record ids checked against the source per call. Default 500.

	// DryRun reports what would be deleted without deleting anything.
	DryRun bool
}

func (c Config) withDefaults() Config {
	if c.ScrollBatchSize <= 0 {
		c.ScrollBatchSize = 1000
	}
	if c.ProbeBatchSize <= 0 {
		c.ProbeBatchSize = 500
	}
	return c
}

// Summary reports one cleanup run.
type Summary struct {
	Scanned int   // data points examined
	Missing int   // records gone from the source
	Deleted int64 // points actually removed (0 on dry runs)
	DryRun  bool
}

// Cleaner removes stale data points for one model at a time.
type Cleaner struct {
	store  Store
	source source.RecordSource
	cfg    Config
}

// New constructs a Cleaner.
func New(st Store, src source.RecordSource, cfg Config) *Cleaner {
	return &Cleaner{store: st, source: src, cfg: cfg.withDefaults()}
}

// Run scans every data point of model, probes the source for each record id,
// and deletes the points whose records have disappeared.
func (c *Cleaner) Run(ctx context.Context, model string) (Summary, error) {
	summary := Summary{DryRun: c.cfg.DryRun}

	// Collect every (record_id -> point_id) pair the store holds for model.
	pointByRecord := make(map[int64]string)
	cursor := ""
	for {
		points, next, err := c.store.Scroll(ctx, store.Filter{
			PointType:  "data",
			Conditions: []store.Condition{{Field: "model_name", Op: store.OpEq, Value: model}},
		}, c.cfg.ScrollBatchSize, cursor)
		if err != nil {
			return summary, fmt.Errorf("cleanup: scroll %s: %w", model, err)
		}
		for _, p := range points {
			summary.Scanned++
			if id, ok := recordID(p.Payload); ok {
				pointByRecord[id] = p.ID
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if len(pointByRecord) == 0 {
		return summary, nil
	}

	ids := make([]int64, 0, len(pointByRecord))
	for id := range pointByRecord {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Probe the source in chunks; ids it does not return are gone. Archived
	// records still count as existing — cleanup only removes hard deletes.
	var stale []string
	for start := 0; start < len(ids); start += c.cfg.ProbeBatchSize {
		end := start + c.cfg.ProbeBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		records, err := c.source.Fetch(ctx, model, source.Filter{RecordIDs: chunk, Archived: true}, []string{"id"}, 0, len(chunk))
		if err != nil {
			return summary, fmt.Errorf("cleanup: probe source for %s: %w", model, err)
		}
		alive := make(map[int64]struct{}, len(records))
		for _, r := range records {
			alive[r.ID] = struct{}{}
		}
		for _, id := range chunk {
			if _, ok := alive[id]; !ok {
				summary.Missing++
				stale = append(stale, pointByRecord[id])
			}
		}
	}

	if len(stale) == 0 || c.cfg.DryRun {
		if c.cfg.DryRun && len(stale) > 0 {
			slog.Info("cleanup: dry run, leaving stale points in place", "model", model, "stale", len(stale))
		}
		return summary, nil
	}

	deleted, err := c.store.Delete(ctx, store.Filter{IDs: stale})
	if err != nil {
		return summary, fmt.Errorf("cleanup: delete stale points for %s: %w", model, err)
	}
	summary.Deleted = deleted
	slog.Info("cleanup: removed stale data points", "model", model, "deleted", deleted)
	return summary, nil
}

func recordID(payload map[string]any) (int64, bool) {
	switch v := payload["record_id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
