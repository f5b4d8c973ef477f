// Package integrity implements the Integrity Validator: a read-only
// scan of a model's FK references that reports orphans without performing
// any sync, and optionally writes the result back onto the corresponding
// graph edges for later inspection.
package integrity

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

// Store is the slice of the Unified Store Adapter the validator needs. It
// includes Upsert because optional graph feedback writes back through the
// same adapter it reads from.
type Store interface {
	Scroll(ctx context.Context, filter store.Filter, limit int, cursor string) ([]store.Point, string, error)
	Retrieve(ctx context.Context, ids []string, withPayload, withVector bool) ([]store.Point, error)
	Upsert(ctx context.Context, points []store.Point) error
}

// SchemaResolver is the slice of the Schema Registry the validator needs.
type SchemaResolver interface {
	Fields(ctx context.Context, model string) ([]schema.Field, error)
	ModelIDByName(ctx context.Context, name string) (int64, error)
	ModelNameByID(ctx context.Context, modelID int64) (string, error)
}

// Config tunes [Validator].
type Config struct {
	ScrollBatchSize    int  // data points scrolled per page. Default 1000.
	ProbeBatchSize     int  // ids per existence-probe Retrieve call. Default 100.
	OrphanDetailCap    int  // max OrphanDetails kept per model. Default 100.
	WriteGraphFeedback bool // write last-validated orphan count/score back onto graph edges.
	TrackHistory       bool // append a bounded validation-snapshot ring to each edge.
	HistorySize        int  // ring capacity when TrackHistory is set. Default 20.
}

func (c Config) withDefaults() Config {
	if c.ScrollBatchSize <= 0 {
		c.ScrollBatchSize = 1000
	}
	if c.ProbeBatchSize <= 0 {
		c.ProbeBatchSize = 100
	}
	if c.OrphanDetailCap <= 0 {
		c.OrphanDetailCap = 100
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 20
	}
	return c
}

// OrphanDetail identifies one dangling FK reference.
type OrphanDetail struct {
	Field          string
	SourceRecordID int64
	TargetUUID     string
}

// fieldReport accumulates one FK field's activity while a model is scanned.
type fieldReport struct {
	field      schema.Field
	refCount   int
	referenced map[string]int64 // target uuid -> source record id that referenced it
}

// ModelReport is one model's validation result.
type ModelReport struct {
	Model             string
	TotalRecords      int
	FKFieldsChecked   int
	TotalFKReferences int
	MissingReferences int
	Unparseable       int
	OrphanDetails     []OrphanDetail

	// Per-field totals, kept uncapped (unlike OrphanDetails) so graph
	// feedback can compute an exact integrity score per field.
	referencesByField map[string]int
	missingByField    map[string]int
}

// GlobalReport rolls up every model's [ModelReport], plus a histogram of
// missing references grouped by the target model they point at.
type GlobalReport struct {
	Models               map[string]*ModelReport
	TotalRecords         int
	TotalFKReferences    int
	MissingReferences    int
	Unparseable          int
	MissingByTargetModel map[string]int
}

func newGlobalReport() *GlobalReport {
	return &GlobalReport{
		Models:               make(map[string]*ModelReport),
		MissingByTargetModel: make(map[string]int),
	}
}

// Validator runs the FK validation algorithm over a set of source models.
type Validator struct {
	store  Store
	schema SchemaResolver
	cfg    Config
}

// New constructs a Validator.
func New(s Store, schemaResolver SchemaResolver, cfg Config) *Validator {
	return &Validator{store: s, schema: schemaResolver, cfg: cfg.withDefaults()}
}

// Validate scans every model in models and returns the rolled-up report.
// An unreachable store surfaces as an error (fatal);
// individual unparseable UUIDs are logged and counted, never fatal.
func (v *Validator) Validate(ctx context.Context, models []string) (GlobalReport, error) {
	global := newGlobalReport()
	for _, model := range models {
		report, err := v.validateModel(ctx, model)
		if err != nil {
			return GlobalReport{}, fmt.Errorf("integrity: validate %s: %w", model, err)
		}
		global.Models[model] = &report
		global.TotalRecords += report.TotalRecords
		global.TotalFKReferences += report.TotalFKReferences
		global.MissingReferences += report.MissingReferences
		global.Unparseable += report.Unparseable

		for _, d := range report.OrphanDetails {
			targetModel := v.orphanTargetModel(ctx, d.TargetUUID)
			global.MissingByTargetModel[targetModel]++
		}

		if v.cfg.WriteGraphFeedback {
			if err := v.writeGraphFeedback(ctx, model, report); err != nil {
				slog.Error("integrity: graph feedback failed", "model", model, "err", err)
			}
		}
	}
	return *global, nil
}

// validateModel walks model's data points, tallies FK references per field,
// and probes their targets' existence to find orphans.
func (v *Validator) validateModel(ctx context.Context, model string) (ModelReport, error) {
	fields, err := v.schema.Fields(ctx, model)
	if err != nil {
		return ModelReport{}, err
	}

	byField := make(map[string]*fieldReport)
	for _, f := range fields {
		if f.HasKnownFKTarget() {
			byField[f.FieldName] = &fieldReport{field: f, referenced: make(map[string]int64)}
		}
	}

	report := ModelReport{Model: model, FKFieldsChecked: len(byField)}

	filter := store.Filter{
		PointType:  "data",
		Conditions: []store.Condition{{Field: "model_name", Op: store.OpEq, Value: model}},
	}
	cursor := ""
	for {
		points, next, err := v.store.Scroll(ctx, filter, v.cfg.ScrollBatchSize, cursor)
		if err != nil {
			return ModelReport{}, err
		}
		for _, p := range points {
			report.TotalRecords++
			recordID := toInt64(p.Payload["record_id"])
			for fieldName, fr := range byField {
				raw, ok := p.Payload[fieldName+"_qdrant"]
				if !ok {
					continue
				}
				for _, uuid := range qdrantUUIDs(raw) {
					fr.refCount++
					fr.referenced[uuid] = recordID
				}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	report.referencesByField = make(map[string]int)
	report.missingByField = make(map[string]int)
	for fieldName, fr := range byField {
		report.TotalFKReferences += fr.refCount
		report.referencesByField[fieldName] = fr.refCount

		missing := v.findMissing(ctx, fr.referenced)
		report.missingByField[fieldName] = len(missing)
		for uuid, srcID := range missing {
			report.MissingReferences++
			if _, err := point.ParseData(uuid); err != nil {
				report.Unparseable++
				slog.Warn("integrity: unparseable FK reference", "model", model, "field", fr.field.FieldName, "uuid", uuid, "err", err)
			}
			if len(report.OrphanDetails) < v.cfg.OrphanDetailCap {
				report.OrphanDetails = append(report.OrphanDetails, OrphanDetail{
					Field:          fr.field.FieldName,
					SourceRecordID: srcID,
					TargetUUID:     uuid,
				})
			}
		}
	}
	sort.Slice(report.OrphanDetails, func(i, j int) bool {
		if report.OrphanDetails[i].Field != report.OrphanDetails[j].Field {
			return report.OrphanDetails[i].Field < report.OrphanDetails[j].Field
		}
		return report.OrphanDetails[i].SourceRecordID < report.OrphanDetails[j].SourceRecordID
	})
	return report, nil
}

// findMissing probes referenced's keys in chunks of ProbeBatchSize and
// returns the subset the store does not have.
func (v *Validator) findMissing(ctx context.Context, referenced map[string]int64) map[string]int64 {
	uuids := make([]string, 0, len(referenced))
	for u := range referenced {
		uuids = append(uuids, u)
	}
	sort.Strings(uuids)

	existing := make(map[string]struct{}, len(uuids))
	for start := 0; start < len(uuids); start += v.cfg.ProbeBatchSize {
		end := start + v.cfg.ProbeBatchSize
		if end > len(uuids) {
			end = len(uuids)
		}
		found, err := v.store.Retrieve(ctx, uuids[start:end], false, false)
		if err != nil {
			slog.Error("integrity: existence probe failed, treating chunk as present", "err", err)
			for _, u := range uuids[start:end] {
				existing[u] = struct{}{}
			}
			continue
		}
		for _, p := range found {
			existing[p.ID] = struct{}{}
		}
	}

	missing := make(map[string]int64)
	for _, u := range uuids {
		if _, ok := existing[u]; !ok {
			missing[u] = referenced[u]
		}
	}
	return missing
}

// orphanTargetModel resolves an orphan UUID's target model name for the
// global histogram, falling back to a synthetic bucket on any failure.
func (v *Validator) orphanTargetModel(ctx context.Context, uuid string) string {
	tuple, err := point.ParseData(uuid)
	if err != nil {
		return "unparseable"
	}
	name, err := v.schema.ModelNameByID(ctx, tuple.ModelID)
	if err != nil {
		return fmt.Sprintf("model_id:%d", tuple.ModelID)
	}
	return name
}

// writeGraphFeedback writes report's per-field orphan counts and integrity
// scores back onto the corresponding graph edges.
func (v *Validator) writeGraphFeedback(ctx context.Context, model string, report ModelReport) error {
	sourceModelID, err := v.schema.ModelIDByName(ctx, model)
	if err != nil {
		return err
	}
	fields, err := v.schema.Fields(ctx, model)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, f := range fields {
		if !f.HasKnownFKTarget() {
			continue
		}
		total, ok := report.referencesByField[f.FieldName]
		if !ok || total == 0 {
			continue // field was never observed this run
		}
		missing := report.missingByField[f.FieldName]

		edgeID, err := point.GraphUUID(sourceModelID, f.FKLocationModelID, relCodeForFieldType(f.FieldType), f.FieldID)
		if err != nil {
			slog.Error("integrity: derive graph uuid for feedback", "model", model, "field", f.FieldName, "err", err)
			continue
		}

		existing, err := v.store.Retrieve(ctx, []string{edgeID}, true, false)
		if err != nil || len(existing) == 0 {
			continue // edge was never synced by the Cascade Scheduler; nothing to annotate
		}
		payload := existing[0].Payload

		score := 1.0 - float64(missing)/float64(total)

		payload["last_validated"] = now
		payload["last_validated_orphans"] = missing
		payload["integrity_score"] = score

		if v.cfg.TrackHistory {
			history := toSnapshots(payload["validation_history"])
			history = append(history, map[string]any{
				"validated_at": now,
				"orphans":      missing,
				"score":        score,
			})
			if len(history) > v.cfg.HistorySize {
				history = history[len(history)-v.cfg.HistorySize:]
			}
			payload["validation_history"] = history
		}

		if err := v.store.Upsert(ctx, []store.Point{{ID: edgeID, PointType: "graph", Payload: payload}}); err != nil {
			return fmt.Errorf("upsert graph feedback for %s.%s: %w", model, f.FieldName, err)
		}
	}
	return nil
}

// relCodeForFieldType mirrors internal/cascade's mapping: it is small enough,
// and local enough to each package's own upsert path, that sharing it is not
// worth a cross-package dependency for a four-case switch.
func relCodeForFieldType(t schema.FieldType) point.RelationshipCode {
	switch t {
	case schema.FieldMany2One:
		return point.RelManyToOne
	case schema.FieldOne2Many:
		return point.RelOneToMany
	default:
		return point.RelManyToMany
	}
}

func toInt64(v any) int64 {
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

func toSnapshots(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	default:
		return nil
	}
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
