// Package knowledge implements Knowledge Sync: it indexes auxiliary
// documents — per-instance configuration, per-model business metadata, and
// per-field usage guidance — into the unified store as knowledge points, so
// the downstream query layer can retrieve "how to read this data" context
// alongside the data itself.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nexsuslabs/nexsus/internal/embedding"
	"github.com/nexsuslabs/nexsus/internal/point"
	"github.com/nexsuslabs/nexsus/internal/store"
)

// InstanceConfigItem is one instance-level configuration fact.
type InstanceConfigItem struct {
	Index    int64  `yaml:"index" json:"index"` // position in the catalog; part of the point identity
	Key      string `yaml:"key" json:"key"`
	Value    string `yaml:"value" json:"value"`
	Category string `yaml:"category" json:"category"`
}

// ModelMetadataItem describes one model's business meaning.
type ModelMetadataItem struct {
	ModelID      int64    `yaml:"model_id" json:"model_id"`
	ModelName    string   `yaml:"model_name" json:"model_name"`
	BusinessName string   `yaml:"business_name" json:"business_name"`
	Purpose      string   `yaml:"purpose" json:"purpose"`
	UseCases     []string `yaml:"use_cases" json:"use_cases"`
}

// FieldKnowledgeItem describes how to interpret one field.
type FieldKnowledgeItem struct {
	FieldID     int64    `yaml:"field_id" json:"field_id"`
	ModelID     int64    `yaml:"model_id" json:"model_id"`
	ModelName   string   `yaml:"model_name" json:"model_name"`
	FieldName   string   `yaml:"field_name" json:"field_name"`
	Meaning     string   `yaml:"meaning" json:"meaning"`
	ValidValues []string `yaml:"valid_values" json:"valid_values"`
	Format      string   `yaml:"format" json:"format"`
	UsageNotes  string   `yaml:"usage_notes" json:"usage_notes"`
}

// Source supplies the three knowledge streams. [Catalog] in this package
// is a YAML-file-backed implementation.
type Source interface {
	InstanceConfig(ctx context.Context) ([]InstanceConfigItem, error)
	ModelMetadata(ctx context.Context) ([]ModelMetadataItem, error)
	FieldKnowledge(ctx context.Context) ([]FieldKnowledgeItem, error)
}

// Embedder is the slice of the Embedding Gateway the syncer drives.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string, kind embedding.InputType) ([][]float32, error)
}

// Store is the slice of the Unified Store Adapter the syncer drives.
type Store interface {
	Upsert(ctx context.Context, points []store.Point) error
	Delete(ctx context.Context, filter store.Filter) (int64, error)
}

// SchemaResolver answers the cross-level consistency probes: whether a model
// name is known and what model id it carries.
type SchemaResolver interface {
	ModelExists(ctx context.Context, name string) (bool, error)
	ModelNameByID(ctx context.Context, modelID int64) (string, error)
}

// Config tunes a knowledge sync run.
type Config struct {
	Force           bool // delete all existing knowledge points before upserting
	MaxTextLen      int  // semantic-text truncation cap. Default 2000.
	UpsertBatchSize int  // points per Upsert call. Default 200.
}

func (c Config) withDefaults() Config {
	if c.MaxTextLen <= 0 {
		c.MaxTextLen = 2000
	}
	if c.UpsertBatchSize <= 0 {
		c.UpsertBatchSize = 200
	}
	return c
}

// Summary reports one knowledge sync run. Warnings carry the cross-level
// consistency findings — surfaced, never fatal.
type Summary struct {
	InstanceItems int
	ModelItems    int
	FieldItems    int
	Deleted       int64
	Warnings      []string
}

// Syncer runs knowledge sync against one source, embedder, and store.
type Syncer struct {
	source Source
	embed  Embedder
	store  Store
	schema SchemaResolver
	cfg    Config
}

// New constructs a Syncer. schema may be nil, which disables the cross-level
// consistency checks (useful before any schema sync has run).
func New(src Source, embed Embedder, st Store, schema SchemaResolver, cfg Config) *Syncer {
	return &Syncer{source: src, embed: embed, store: st, schema: schema, cfg: cfg.withDefaults()}
}

// Sync reads all three streams, validates cross-level consistency, and
// upserts one knowledge point per item. Re-syncing replaces points in place:
// identities are deterministic, so the same item always lands on the same
// UUID.
func (s *Syncer) Sync(ctx context.Context) (Summary, error) {
	summary := Summary{}

	instance, err := s.source.InstanceConfig(ctx)
	if err != nil {
		return summary, fmt.Errorf("knowledge: load instance config: %w", err)
	}
	models, err := s.source.ModelMetadata(ctx)
	if err != nil {
		return summary, fmt.Errorf("knowledge: load model metadata: %w", err)
	}
	fields, err := s.source.FieldKnowledge(ctx)
	if err != nil {
		return summary, fmt.Errorf("knowledge: load field knowledge: %w", err)
	}

	summary.Warnings = s.checkConsistency(ctx, models, fields)
	for _, w := range summary.Warnings {
		slog.Warn("knowledge: consistency check", "warning", w)
	}

	if s.cfg.Force {
		deleted, err := s.store.Delete(ctx, store.Filter{PointType: "knowledge"})
		if err != nil {
			return summary, fmt.Errorf("knowledge: force delete: %w", err)
		}
		summary.Deleted = deleted
		slog.Info("knowledge: force mode removed existing points", "deleted", deleted)
	}

	points, err := s.buildPoints(instance, models, fields)
	if err != nil {
		return summary, err
	}
	if len(points) == 0 {
		return summary, nil
	}

	texts := make([]string, len(points))
	for i, p := range points {
		texts[i] = p.text
	}
	vectors, err := s.embed.EmbedTexts(ctx, texts, embedding.InputDocument)
	if err != nil {
		return summary, fmt.Errorf("knowledge: embed: %w", err)
	}

	batch := make([]store.Point, len(points))
	for i, p := range points {
		batch[i] = store.Point{ID: p.id, PointType: "knowledge", Vector: vectors[i], Payload: p.payload}
	}
	for start := 0; start < len(batch); start += s.cfg.UpsertBatchSize {
		end := start + s.cfg.UpsertBatchSize
		if end > len(batch) {
			end = len(batch)
		}
		if err := s.store.Upsert(ctx, batch[start:end]); err != nil {
			return summary, fmt.Errorf("knowledge: upsert: %w", err)
		}
	}

	summary.InstanceItems = len(instance)
	summary.ModelItems = len(models)
	summary.FieldItems = len(fields)
	return summary, nil
}

// pendingPoint pairs a derived identity and payload with the semantic text
// awaiting embedding.
type pendingPoint struct {
	id      string
	text    string
	payload map[string]any
}

func (s *Syncer) buildPoints(instance []InstanceConfigItem, models []ModelMetadataItem, fields []FieldKnowledgeItem) ([]pendingPoint, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	var out []pendingPoint

	for _, item := range instance {
		id, err := point.KnowledgeUUID(point.LevelInstance, 0, item.Index)
		if err != nil {
			return nil, fmt.Errorf("knowledge: instance item %d: %w", item.Index, err)
		}
		text := s.truncate(joinLabeled(
			"Configuration "+item.Key, item.Value,
			"Category", item.Category,
		))
		out = append(out, pendingPoint{id: id, text: text, payload: map[string]any{
			"point_type":      "knowledge",
			"point_id":        id,
			"sync_timestamp":  now,
			"knowledge_level": "instance",
			"config_key":      item.Key,
			"config_value":    item.Value,
			"config_category": item.Category,
		}})
	}

	for _, item := range models {
		id, err := point.KnowledgeUUID(point.LevelModel, item.ModelID, 0)
		if err != nil {
			return nil, fmt.Errorf("knowledge: model item %s: %w", item.ModelName, err)
		}
		text := s.truncate(joinLabeled(
			"Model "+item.ModelName, item.BusinessName,
			"Purpose", item.Purpose,
			"Use cases", strings.Join(item.UseCases, "; "),
		))
		out = append(out, pendingPoint{id: id, text: text, payload: map[string]any{
			"point_type":      "knowledge",
			"point_id":        id,
			"sync_timestamp":  now,
			"knowledge_level": "model",
			"model_name":      item.ModelName,
			"model_id":        item.ModelID,
			"business_name":   item.BusinessName,
			"purpose":         item.Purpose,
			"use_cases":       item.UseCases,
		}})
	}

	for _, item := range fields {
		id, err := point.KnowledgeUUID(point.LevelField, item.ModelID, item.FieldID)
		if err != nil {
			return nil, fmt.Errorf("knowledge: field item %s.%s: %w", item.ModelName, item.FieldName, err)
		}
		text := s.truncate(joinLabeled(
			"Field "+item.FieldName+" of model "+item.ModelName, item.Meaning,
			"Valid values", strings.Join(item.ValidValues, ", "),
			"Format", item.Format,
			"Usage", item.UsageNotes,
		))
		out = append(out, pendingPoint{id: id, text: text, payload: map[string]any{
			"point_type":      "knowledge",
			"point_id":        id,
			"sync_timestamp":  now,
			"knowledge_level": "field",
			"model_name":      item.ModelName,
			"model_id":        item.ModelID,
			"field_name":      item.FieldName,
			"field_id":        item.FieldID,
			"meaning":         item.Meaning,
			"valid_values":    item.ValidValues,
			"format":          item.Format,
			"usage_notes":     item.UsageNotes,
		}})
	}

	return out, nil
}

// checkConsistency validates the cross-level references: every field item's
// model should appear in the model-metadata stream, and every model id
// referenced anywhere should resolve against the Schema Registry. Findings
// are warnings, never errors.
func (s *Syncer) checkConsistency(ctx context.Context, models []ModelMetadataItem, fields []FieldKnowledgeItem) []string {
	var warnings []string

	known := make(map[string]struct{}, len(models))
	for _, m := range models {
		known[m.ModelName] = struct{}{}
	}
	for _, f := range fields {
		if _, ok := known[f.ModelName]; !ok {
			warnings = append(warnings, fmt.Sprintf(
				"field knowledge for %s.%s references a model with no model-metadata entry", f.ModelName, f.FieldName))
		}
	}

	if s.schema == nil {
		return warnings
	}
	for _, m := range models {
		exists, err := s.schema.ModelExists(ctx, m.ModelName)
		if err != nil || !exists {
			warnings = append(warnings, fmt.Sprintf(
				"model metadata for %q has no schema points; run schema sync first", m.ModelName))
		}
	}
	seen := make(map[int64]struct{})
	for _, f := range fields {
		if _, ok := seen[f.ModelID]; ok {
			continue
		}
		seen[f.ModelID] = struct{}{}
		if _, err := s.schema.ModelNameByID(ctx, f.ModelID); err != nil {
			warnings = append(warnings, fmt.Sprintf(
				"field knowledge references model_id %d, unknown to the schema registry", f.ModelID))
		}
	}
	return warnings
}

// joinLabeled concatenates (label, value) pairs as "label: value. " runs,
// skipping empty values. The first pair's label doubles as the item heading,
// so its separator is a colon rather than a sentence break.
func joinLabeled(pairs ...string) string {
	var sb strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		label, value := pairs[i], pairs[i+1]
		if strings.TrimSpace(value) == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(". ")
		}
		sb.WriteString(label)
		sb.WriteString(": ")
		sb.WriteString(value)
	}
	return sb.String()
}

func (s *Syncer) truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= s.cfg.MaxTextLen {
		return text
	}
	return string(runes[:s.cfg.MaxTextLen-3]) + "..."
}
