// Package transform implements the Record Transformer: it turns one raw
// source record into an embeddable narrative plus a typed payload, emitting
// FK cross-reference UUIDs along the way.
package transform

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nexsuslabs/nexsus/internal/point"
	"github.com/nexsuslabs/nexsus/internal/schema"
	"github.com/nexsuslabs/nexsus/internal/source"
	"github.com/nexsuslabs/nexsus/pkg/narrative"
)

// Result is the output of [Transformer.Transform]: the embeddable narrative
// and the typed payload to upsert alongside its embedding.
type Result struct {
	Narrative string
	Payload   map[string]any
}

// ModelFieldResolver resolves an FK field's target model id and, when known,
// the deterministic UUID of its primary-key schema field — the minimal slice
// of the Schema Registry the transformer needs, kept narrow so tests can
// fake it without a full registry.
type ModelFieldResolver interface {
	// TargetModelID returns the model_id known for a field's FK target, and
	// whether it is known at all.
	TargetModelID(field schema.Field) (int64, bool)
}

// Transformer converts raw records into narratives and payloads.
type Transformer struct {
	resolver ModelFieldResolver
	now      func() time.Time
}

// New constructs a Transformer. resolver supplies FK target model ids.
func New(resolver ModelFieldResolver) *Transformer {
	return &Transformer{resolver: resolver, now: time.Now}
}

// Transform converts rec (a record of model modelName, with model_id
// modelID) into a narrative and payload, using fields as the model's full
// field list and pattern as its narrative pattern (zero value = default
// rendering).
func (t *Transformer) Transform(modelName string, modelID int64, rec source.Record, fields []schema.Field, pattern narrative.Pattern) (Result, error) {
	payload := make(map[string]any)

	var narrFields []narrative.Field
	for _, f := range fields {
		val, ok := rec.Fields[f.FieldName]
		if !ok || val.IsEmpty() {
			continue
		}

		if f.PayloadFlag {
			t.applyPayloadField(payload, f, val)
		}

		// FK cross-reference emission happens irrespective of payload
		// eligibility: the *_qdrant companion key is the contract that makes
		// graph traversal possible.
		if f.FieldType.IsFK() {
			t.emitFKCrossRef(payload, f, val)
		} else if f.FieldType == schema.FieldJSON && len(f.JSONFKMapping) > 0 {
			t.emitJSONFKCrossRef(payload, f, val)
		}

		if text, ok := humanize(f, val); ok {
			narrFields = append(narrFields, narrative.Field{Name: f.FieldName, Label: f.FieldLabel, Text: text})
		}
	}

	payload["point_type"] = "data"
	payload["model_id"] = modelID
	payload["model_name"] = modelName
	payload["record_id"] = rec.ID
	payload["sync_timestamp"] = t.now().UTC().Format(time.RFC3339)

	id, err := point.DataUUID(modelID, rec.ID)
	if err != nil {
		return Result{}, fmt.Errorf("transform: derive point id: %w", err)
	}
	payload["point_id"] = id

	text := narrative.Render(modelName, narrFields, pattern)
	return Result{Narrative: text, Payload: payload}, nil
}

// applyPayloadField writes the payload-eligible representation of a single
// field value, independent of FK handling.
func (t *Transformer) applyPayloadField(payload map[string]any, f schema.Field, val source.Value) {
	switch f.FieldType {
	case schema.FieldMany2One:
		if val.Kind == source.KindIDName {
			payload[f.FieldName] = val.IDName.Name
			payload[f.FieldName+"_id"] = val.IDName.ID
		} else if scalar, ok := scalarID(val); ok {
			payload[f.FieldName+"_id"] = scalar
		}
	case schema.FieldOne2Many, schema.FieldMany2Many:
		if val.Kind == source.KindIDList {
			payload[f.FieldName] = val.IDList
		}
	case schema.FieldJSON:
		if val.Kind == source.KindJSON {
			payload[f.FieldName] = val.JSONObj
		}
	case schema.FieldBoolean:
		payload[f.FieldName] = val.Bool
	case schema.FieldInteger:
		if n, ok := asInt(val); ok {
			payload[f.FieldName] = n
		}
	case schema.FieldFloat, schema.FieldMonetary:
		if n, ok := asFloat(val); ok {
			payload[f.FieldName] = n
		}
	default:
		if val.Kind == source.KindString {
			payload[f.FieldName] = strings.TrimSpace(val.Str)
		}
	}
}

// emitFKCrossRef implements the FK cross-reference invariant: whenever the
// raw FK value is non-empty and the target model id is known, write
// <field>_qdrant (and, for many2one, <field>_id) regardless of payload
// eligibility.
func (t *Transformer) emitFKCrossRef(payload map[string]any, f schema.Field, val source.Value) {
	targetModelID, known := t.resolver.TargetModelID(f)
	if !known {
		return
	}

	switch f.FieldType {
	case schema.FieldMany2One:
		fkID, ok := extractScalarFK(val)
		if !ok {
			slog.Info("transform: FK value did not parse, leaving slot empty",
				"field", f.FieldName, "field_type", f.FieldType)
			return
		}
		uuid, err := point.DataUUID(targetModelID, fkID)
		if err != nil {
			slog.Info("transform: FK uuid derivation failed", "field", f.FieldName, "err", err)
			return
		}
		payload[f.FieldName+"_id"] = fkID
		payload[f.FieldName+"_qdrant"] = uuid
		// The display name travels with the cross-reference too, independent
		// of payload eligibility.
		if val.Kind == source.KindIDName && val.IDName.Name != "" {
			payload[f.FieldName] = val.IDName.Name
		}

	case schema.FieldOne2Many, schema.FieldMany2Many:
		if val.Kind != source.KindIDList || len(val.IDList) == 0 {
			return
		}
		uuids := make([]string, 0, len(val.IDList))
		for _, id := range val.IDList {
			uuid, err := point.DataUUID(targetModelID, id)
			if err != nil {
				slog.Info("transform: FK uuid derivation failed", "field", f.FieldName, "id", id, "err", err)
				continue
			}
			uuids = append(uuids, uuid)
		}
		if len(uuids) > 0 {
			payload[f.FieldName+"_qdrant"] = uuids
		}
	}
}

// emitJSONFKCrossRef derives <field>_qdrant from the JSON-FK mapping's
// declared keys when FieldType is json.
func (t *Transformer) emitJSONFKCrossRef(payload map[string]any, f schema.Field, val source.Value) {
	if val.Kind != source.KindJSON {
		return
	}
	targetModelID, known := t.resolver.TargetModelID(f)
	if !known {
		return
	}
	var uuids []string
	for _, key := range f.JSONFKMapping {
		raw, ok := val.JSONObj[key]
		if !ok {
			continue
		}
		id, ok := toInt64(raw)
		if !ok {
			continue
		}
		uuid, err := point.DataUUID(targetModelID, id)
		if err != nil {
			continue
		}
		uuids = append(uuids, uuid)
	}
	if len(uuids) > 0 {
		payload[f.FieldName+"_qdrant"] = uuids
	}
}

// extractScalarFK implements the three-shape FK extraction policy: (a) an
// [id,name] tuple, (b) a bare scalar id, (c) legacy expanded columns are the
// caller's responsibility to have already folded into (a)/(b) before this
// point — those are resolved at the source adapter boundary, not here, since
// they require sibling-column lookups outside a single Value.
func extractScalarFK(val source.Value) (int64, bool) {
	switch val.Kind {
	case source.KindIDName:
		return val.IDName.ID, true
	case source.KindInt:
		return val.Int, true
	case source.KindFloat:
		return int64(val.Float), true
	case source.KindString:
		if n, err := strconv.ParseInt(strings.TrimSpace(val.Str), 10, 64); err == nil {
			return n, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func scalarID(val source.Value) (int64, bool) { return extractScalarFK(val) }

func asInt(val source.Value) (int64, bool) {
	switch val.Kind {
	case source.KindInt:
		return val.Int, true
	case source.KindFloat:
		return int64(val.Float), true
	case source.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(val.Str), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func asFloat(val source.Value) (float64, bool) {
	switch val.Kind {
	case source.KindFloat:
		return val.Float, true
	case source.KindInt:
		return float64(val.Int), true
	case source.KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(val.Str), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// humanize renders val as a display string for the narrative, per
// its humanization rules. ok is false when the field type has no
// narrative rendering (should not normally happen for non-empty values).
func humanize(f schema.Field, val source.Value) (string, bool) {
	switch f.FieldType {
	case schema.FieldMany2One:
		if val.Kind == source.KindIDName {
			return val.IDName.Name, true
		}
		if val.Kind == source.KindString {
			return val.Str, true
		}
		return "", false

	case schema.FieldMonetary, schema.FieldFloat:
		n, ok := asFloat(val)
		if !ok {
			return "", false
		}
		return formatThousands(n), true

	case schema.FieldInteger:
		n, ok := asInt(val)
		if !ok {
			return "", false
		}
		return formatThousands(float64(n)), true

	case schema.FieldDate, schema.FieldDateTime:
		if val.Kind == source.KindString {
			return humanizeDate(val.Str), true
		}
		return "", false

	case schema.FieldBoolean:
		if val.Bool {
			return "Yes", true
		}
		return "No", true

	case schema.FieldJSON:
		if val.Kind == source.KindJSON {
			return humanizeJSON(val.JSONObj), true
		}
		return "", false

	case schema.FieldOne2Many, schema.FieldMany2Many:
		if val.Kind == source.KindIDList {
			return narrative.ManyItemsSummary(len(val.IDList)), true
		}
		return "", false

	default:
		if val.Kind == source.KindString {
			return strings.TrimSpace(val.Str), true
		}
		return "", false
	}
}

// formatThousands renders n with thousands separators, e.g. 12345.5 -> "12,345.5".
func formatThousands(n float64) string {
	s := strconv.FormatFloat(n, 'f', 2, 64)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	digits, frac, _ := strings.Cut(s, ".")

	var grouped strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			grouped.WriteByte(',')
		}
		grouped.WriteRune(d)
	}

	out := grouped.String()
	if frac = strings.TrimRight(frac, "0"); frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// humanizeDate renders an ISO-8601 date/datetime string in long form. Falls
// back to the raw string when it does not parse.
func humanizeDate(s string) string {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.Format("January 2, 2006")
		}
	}
	return s
}

// humanizeJSON renders a JSON object as "k1: v1, k2: v2".
// Keys are sorted so the rendering (and therefore the embedding) is stable
// across map iteration order.
func humanizeJSON(obj map[string]any) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, obj[k]))
	}
	return strings.Join(parts, ", ")
}
