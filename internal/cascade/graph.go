package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nexsuslabs/nexsus/internal/point"
	"github.com/nexsuslabs/nexsus/internal/schema"
	"github.com/nexsuslabs/nexsus/internal/store"
)

// fkObservation is one FK field's accumulated activity across a work item's
// fetched records: how many times it was referenced, and the distinct
// target record ids observed.
type fkObservation struct {
	field      schema.Field
	refCount   int
	uniqueSeen map[int64]struct{}
}

// fkAccumulator collects fkObservations keyed by field name while a work
// item's fetch chunks are processed, so graph edges are upserted once per
// item rather than once per chunk.
type fkAccumulator struct {
	byField map[string]*fkObservation
}

func newFKAccumulator() *fkAccumulator {
	return &fkAccumulator{byField: make(map[string]*fkObservation)}
}

// observe scans a transformed record's payload for "<field>_qdrant"
// companion keys and folds the target record ids they encode into the
// accumulator. payload is the Transform result for one record.
func (a *fkAccumulator) observe(fields []schema.Field, payload map[string]any) {
	byName := make(map[string]schema.Field, len(fields))
	for _, f := range fields {
		byName[f.FieldName] = f
	}

	for key, raw := range payload {
		fieldName, ok := trimQdrantSuffix(key)
		if !ok {
			continue
		}
		field, ok := byName[fieldName]
		if !ok || !field.HasKnownFKTarget() {
			continue
		}

		obs, ok := a.byField[fieldName]
		if !ok {
			obs = &fkObservation{field: field, uniqueSeen: make(map[int64]struct{})}
			a.byField[fieldName] = obs
		}

		for _, uuid := range qdrantUUIDs(raw) {
			tuple, err := point.ParseData(uuid)
			if err != nil {
				continue
			}
			obs.refCount++
			obs.uniqueSeen[tuple.RecordID] = struct{}{}
		}
	}
}

func trimQdrantSuffix(key string) (string, bool) {
	const suffix = "_qdrant"
	if len(key) <= len(suffix) || key[len(key)-len(suffix):] != suffix {
		return "", false
	}
	return key[:len(key)-len(suffix)], true
}

func qdrantUUIDs(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	default:
		return nil
	}
}

// upsertGraphEdges writes/merges one graph-edge point per FK field observed
// in item's fetched records, and enqueues a new work item per field for the
// target model at depth+1.
func (s *Scheduler) upsertGraphEdges(ctx context.Context, item Item, sourceModelID int64, fields []schema.Field, acc *fkAccumulator, summary *RunSummary) {
	for fieldName, obs := range acc.byField {
		targetIDs := make([]int64, 0, len(obs.uniqueSeen))
		for id := range obs.uniqueSeen {
			targetIDs = append(targetIDs, id)
		}
		sort.Slice(targetIDs, func(i, j int) bool { return targetIDs[i] < targetIDs[j] })

		if err := s.upsertGraphEdge(ctx, item, sourceModelID, obs.field, obs.refCount, len(targetIDs)); err != nil {
			slog.Error("cascade: graph edge upsert failed", "model", item.ModelName, "field", fieldName, "err", err)
			continue
		}
		summary.recordGraphEdge()

		s.Enqueue(Item{
			ModelName:        obs.field.FKLocationModel,
			ModelID:          obs.field.FKLocationModelID,
			RecordIDs:        targetIDs,
			Depth:            item.Depth + 1,
			TriggeredByModel: item.ModelName,
			TriggeredByField: fieldName,
		})
	}
}

func relCodeForFieldType(t schema.FieldType) point.RelationshipCode {
	switch t {
	case schema.FieldMany2One:
		return point.RelManyToOne
	case schema.FieldOne2Many:
		return point.RelOneToMany
	default: // FieldMany2Many and JSON-FK sources, which can reference many targets
		return point.RelManyToMany
	}
}

func (s *Scheduler) upsertGraphEdge(ctx context.Context, item Item, sourceModelID int64, field schema.Field, refCount, uniqueTargets int) error {
	relCode := relCodeForFieldType(field.FieldType)
	edgeID, err := point.GraphUUID(sourceModelID, field.FKLocationModelID, relCode, field.FieldID)
	if err != nil {
		return fmt.Errorf("cascade: derive graph uuid: %w", err)
	}

	edgeCount := refCount
	maxUnique := uniqueTargets
	var cascadeSources []string
	if existing, err := s.store.Retrieve(ctx, []string{edgeID}, true, false); err == nil && len(existing) == 1 {
		if v, ok := existing[0].Payload["edge_count"]; ok {
			edgeCount += toInt(v)
		}
		if v, ok := existing[0].Payload["unique_targets"]; ok {
			if prev := toInt(v); prev > maxUnique {
				maxUnique = prev
			}
		}
		cascadeSources = toStringSlice(existing[0].Payload["cascade_sources"])
	}

	trigger := item.TriggeredByModel
	if trigger == "" {
		trigger = item.ModelName
	}
	cascadeSources = unionStrings(cascadeSources, []string{trigger})

	isLeaf, err := s.isLeafModel(ctx, field.FKLocationModel)
	if err != nil {
		slog.Info("cascade: could not determine is_leaf, defaulting to false", "model", field.FKLocationModel, "err", err)
	}

	payload := map[string]any{
		"point_type":      "graph",
		"point_id":        edgeID,
		"sync_timestamp":  time.Now().UTC().Format(time.RFC3339),
		"source_model":    item.ModelName,
		"source_model_id": sourceModelID,
		"target_model":    field.FKLocationModel,
		"target_model_id": field.FKLocationModelID,
		"field_name":      field.FieldName,
		"field_label":     field.FieldLabel,
		"field_type":      string(field.FieldType),
		"field_id":        field.FieldID,
		"is_leaf":         isLeaf,
		"edge_count":      edgeCount,
		"unique_targets":  maxUnique,
		"cascade_sources": cascadeSources,
		"last_cascade":    time.Now().UTC().Format(time.RFC3339),
	}

	return s.store.Upsert(ctx, []store.Point{{ID: edgeID, PointType: "graph", Payload: payload}})
}

func (s *Scheduler) isLeafModel(ctx context.Context, model string) (bool, error) {
	fields, err := s.schema.Fields(ctx, model)
	if err != nil {
		return false, err
	}
	for _, f := range fields {
		if f.HasKnownFKTarget() {
			return false, nil
		}
	}
	return true, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
