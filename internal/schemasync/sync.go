// Package schemasync writes schema points into the unified store from a
// record source's field metadata. It is the only writer of schema points:
// the Schema Registry (internal/schema) reads them back through
// [StoreSource], and everything else treats them as read-only.
package schemasync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nexsuslabs/nexsus/internal/embedding"
	"github.com/nexsuslabs/nexsus/internal/point"
	"github.com/nexsuslabs/nexsus/internal/source"
	"github.com/nexsuslabs/nexsus/internal/store"
)

// Embedder is the slice of the Embedding Gateway the syncer drives.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string, kind embedding.InputType) ([][]float32, error)
}

// Store is the slice of the Unified Store Adapter the syncer drives.
type Store interface {
	Upsert(ctx context.Context, points []store.Point) error
	Delete(ctx context.Context, filter store.Filter) (int64, error)
}

// Config tunes a schema sync run.
type Config struct {
	// Models restricts the sync to the named models. Empty means every model
	// the source lists.
	Models []string

	// Force deletes all existing schema points before re-upserting
	// (schema-force-recreate).
	Force bool

	// PayloadFields is the per-model key-field allowlist: for a model with
	// an entry, only the named fields get payload_flag=true. Models without
	// an entry default to all stored fields.
	PayloadFields map[string][]string

	// JSONFKMappings declares, per model and JSON field, the JSON keys that
	// carry foreign-key references.
	JSONFKMappings map[string]map[string][]string

	EmbedBatchSize  int // default 200
	UpsertBatchSize int // default 200
}

func (c Config) withDefaults() Config {
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 200
	}
	if c.UpsertBatchSize <= 0 {
		c.UpsertBatchSize = 200
	}
	return c
}

// Summary reports one schema sync run.
type Summary struct {
	Models  int
	Fields  int
	Deleted int64
}

// Syncer writes schema points for a record source's models.
type Syncer struct {
	source source.RecordSource
	embed  Embedder
	store  Store
	cfg    Config
}

// New constructs a Syncer.
func New(src source.RecordSource, embed Embedder, st Store, cfg Config) *Syncer {
	return &Syncer{source: src, embed: embed, store: st, cfg: cfg.withDefaults()}
}

// Sync loads field metadata for every selected model, resolves FK target
// model ids across the whole batch, and upserts one schema point per field.
func (s *Syncer) Sync(ctx context.Context) (Summary, error) {
	summary := Summary{}

	models := s.cfg.Models
	if len(models) == 0 {
		var err error
		models, err = s.source.ListModels(ctx)
		if err != nil {
			return summary, fmt.Errorf("schemasync: list models: %w", err)
		}
	}

	var metas []source.FieldMeta
	for _, model := range models {
		fields, err := s.source.Schema(ctx, model)
		if err != nil {
			return summary, fmt.Errorf("schemasync: schema for %s: %w", model, err)
		}
		metas = append(metas, fields...)
	}

	idByModel := make(map[string]int64)
	pkFieldByModel := make(map[string]int64)
	for _, m := range metas {
		idByModel[m.ModelName] = m.ModelID
		if m.FieldName == "id" {
			pkFieldByModel[m.ModelName] = m.FieldID
		}
	}

	if s.cfg.Force {
		deleted, err := s.store.Delete(ctx, store.Filter{PointType: "schema"})
		if err != nil {
			return summary, fmt.Errorf("schemasync: force delete: %w", err)
		}
		summary.Deleted = deleted
		slog.Info("schemasync: force mode removed existing schema points", "deleted", deleted)
	}

	points := make([]store.Point, 0, len(metas))
	texts := make([]string, 0, len(metas))
	for _, m := range metas {
		p, text, err := s.buildPoint(m, idByModel, pkFieldByModel)
		if err != nil {
			return summary, err
		}
		points = append(points, p)
		texts = append(texts, text)
	}

	for start := 0; start < len(points); start += s.cfg.EmbedBatchSize {
		end := start + s.cfg.EmbedBatchSize
		if end > len(points) {
			end = len(points)
		}
		vectors, err := s.embed.EmbedTexts(ctx, texts[start:end], embedding.InputDocument)
		if err != nil {
			return summary, fmt.Errorf("schemasync: embed: %w", err)
		}
		for i := range vectors {
			points[start+i].Vector = vectors[i]
		}
	}

	for start := 0; start < len(points); start += s.cfg.UpsertBatchSize {
		end := start + s.cfg.UpsertBatchSize
		if end > len(points) {
			end = len(points)
		}
		if err := s.store.Upsert(ctx, points[start:end]); err != nil {
			return summary, fmt.Errorf("schemasync: upsert: %w", err)
		}
	}

	summary.Models = len(models)
	summary.Fields = len(points)
	return summary, nil
}

// buildPoint derives the schema point and its embedding text for one field.
// FK target resolution is best effort: a relation to a model outside this
// sync's scope keeps fk_location_model but leaves fk_location_model_id at 0,
// which downstream code treats as "target unknown".
func (s *Syncer) buildPoint(m source.FieldMeta, idByModel, pkFieldByModel map[string]int64) (store.Point, string, error) {
	id, err := point.SchemaUUID(m.FieldID)
	if err != nil {
		return store.Point{}, "", fmt.Errorf("schemasync: field %s.%s: %w", m.ModelName, m.FieldName, err)
	}

	text := embeddingText(m)

	payload := map[string]any{
		"point_type":     "schema",
		"point_id":       id,
		"sync_timestamp": time.Now().UTC().Format(time.RFC3339),
		"field_id":       m.FieldID,
		"model_id":       m.ModelID,
		"model_name":     m.ModelName,
		"field_name":     m.FieldName,
		"field_label":    m.FieldLabel,
		"field_type":     m.FieldType,
		"stored":         m.Stored,
		"payload_flag":   s.payloadFlag(m),
		"embedding_text": text,
	}

	if m.Relation != "" {
		payload["fk_location_model"] = m.Relation
		if targetID, ok := idByModel[m.Relation]; ok {
			payload["fk_location_model_id"] = targetID
			if pkField, ok := pkFieldByModel[m.Relation]; ok {
				fkQdrantID, err := point.SchemaUUID(pkField)
				if err == nil {
					payload["fk_qdrant_id"] = fkQdrantID
				}
			}
		}
	}

	if mappings, ok := s.cfg.JSONFKMappings[m.ModelName]; ok {
		if keys, ok := mappings[m.FieldName]; ok {
			payload["json_fk_mapping"] = keys
		}
	}

	return store.Point{ID: id, PointType: "schema", Payload: payload}, text, nil
}

func (s *Syncer) payloadFlag(m source.FieldMeta) bool {
	allow, ok := s.cfg.PayloadFields[m.ModelName]
	if !ok {
		return m.Stored
	}
	return slices.Contains(allow, m.FieldName)
}

// embeddingText renders the field's searchable description. This is what a
// query like "which field holds the customer" matches against.
func embeddingText(m source.FieldMeta) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Field %s (%s) on model %s, type %s", m.FieldLabel, m.FieldName, m.ModelName, m.FieldType)
	if m.Relation != "" {
		fmt.Fprintf(&sb, ", references %s", m.Relation)
	}
	if !m.Stored {
		sb.WriteString(", computed")
	}
	return sb.String()
}
