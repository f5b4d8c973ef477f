package schemasync

import (
	"context"
	"fmt"

	"github.com/nexsuslabs/nexsus/internal/schema"
	"github.com/nexsuslabs/nexsus/internal/store"
)

// Scroller is the slice of the Unified Store Adapter [StoreSource] reads
// through.
type Scroller interface {
	Scroll(ctx context.Context, filter store.Filter, limit int, cursor string) ([]store.Point, string, error)
}

// StoreSource implements [schema.Source] by scrolling the store's schema
// points back into [schema.Field] values — the read side of what [Syncer]
// writes. The Schema Registry caches on top of this, so each cache fill is
// one full scroll of point_type='schema'.
type StoreSource struct {
	store     Scroller
	batchSize int
}

// NewStoreSource constructs a StoreSource. batchSize <= 0 defaults to 1000.
func NewStoreSource(st Scroller, batchSize int) *StoreSource {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &StoreSource{store: st, batchSize: batchSize}
}

// LoadFields scrolls every schema point and decodes its payload.
func (s *StoreSource) LoadFields(ctx context.Context) ([]schema.Field, error) {
	var out []schema.Field
	cursor := ""
	for {
		points, next, err := s.store.Scroll(ctx, store.Filter{PointType: "schema"}, s.batchSize, cursor)
		if err != nil {
			return nil, fmt.Errorf("schemasync: scroll schema points: %w", err)
		}
		for _, p := range points {
			f, err := decodeField(p.Payload)
			if err != nil {
				return nil, fmt.Errorf("schemasync: decode schema point %s: %w", p.ID, err)
			}
			out = append(out, f)
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// decodeField maps a schema-point payload back into a [schema.Field].
// Numbers arrive as float64 from the JSONB round-trip; strings and bools as
// themselves.
func decodeField(payload map[string]any) (schema.Field, error) {
	fieldName, _ := payload["field_name"].(string)
	modelName, _ := payload["model_name"].(string)
	if fieldName == "" || modelName == "" {
		return schema.Field{}, fmt.Errorf("missing field_name/model_name")
	}

	fieldType, _ := payload["field_type"].(string)
	label, _ := payload["field_label"].(string)
	embeddingText, _ := payload["embedding_text"].(string)
	fkModel, _ := payload["fk_location_model"].(string)
	fkQdrantID, _ := payload["fk_qdrant_id"].(string)
	stored, _ := payload["stored"].(bool)
	payloadFlag, _ := payload["payload_flag"].(bool)

	return schema.Field{
		FieldID:           asInt64(payload["field_id"]),
		ModelID:           asInt64(payload["model_id"]),
		ModelName:         modelName,
		FieldName:         fieldName,
		FieldLabel:        label,
		FieldType:         schema.FieldType(fieldType),
		Stored:            stored,
		PayloadFlag:       payloadFlag,
		EmbeddingText:     embeddingText,
		FKLocationModel:   fkModel,
		FKLocationModelID: asInt64(payload["fk_location_model_id"]),
		FKQdrantID:        fkQdrantID,
		JSONFKMapping:     asStringSlice(payload["json_fk_mapping"]),
	}, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func asStringSlice(v any) []string {
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
