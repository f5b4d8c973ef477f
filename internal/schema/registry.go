package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Source loads the full set of field metadata from the unified store's
// schema points. Implementations typically scroll point_type='schema' and
// decode each payload into a [Field]; see internal/schemasync's StoreSource
// for the concrete adapter.
type Source interface {
	LoadFields(ctx context.Context) ([]Field, error)
}

// Registry is the Schema Registry. It caches model/field metadata read
// from Source and serves lookups without further I/O until [Registry.ClearCache]
// is called.
//
// Registry is safe for concurrent use.
type Registry struct {
	source Source

	mu     sync.RWMutex
	loaded bool
	models map[string]*Model
}

// New constructs a Registry backed by source. The cache is empty until the
// first lookup triggers a load.
func New(source Source) *Registry {
	return &Registry{source: source, models: make(map[string]*Model)}
}

// ClearCache discards the in-memory cache. The next lookup reloads from
// Source. Call this after any schema change (Schema Sync run, force-recreate).
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.models = make(map[string]*Model)
}

// ensureLoaded loads and indexes all fields from Source if the cache is cold.
func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	fields, err := r.source.LoadFields(ctx)
	if err != nil {
		return fmt.Errorf("schema: load fields: %w", err)
	}

	models := make(map[string]*Model)
	for _, f := range fields {
		m, ok := models[f.ModelName]
		if !ok {
			m = &Model{ModelID: f.ModelID, ModelName: f.ModelName}
			models[f.ModelName] = m
		}
		m.Fields = append(m.Fields, f)
	}
	for _, m := range models {
		indexModel(m)
	}

	r.mu.Lock()
	r.models = models
	r.loaded = true
	r.mu.Unlock()

	slog.Info("schema registry loaded", "models", len(models), "fields", len(fields))
	return nil
}

// indexModel precomputes the derived lookup sets for a Model after all of its
// Fields have been appended.
func indexModel(m *Model) {
	m.indexedFieldNames = make(map[string]struct{})
	m.aggregationSafe = make(map[string]map[AggOp]struct{})
	m.fieldsByName = make(map[string]*Field, len(m.Fields))

	for i := range m.Fields {
		f := &m.Fields[i]
		m.fieldsByName[f.FieldName] = f
		if f.Stored {
			m.indexedFieldNames[f.FieldName] = struct{}{}
		}

		ops := make(map[AggOp]struct{})
		switch {
		case f.FieldType.IsNumeric():
			ops[AggSum] = struct{}{}
			ops[AggAvg] = struct{}{}
			ops[AggMin] = struct{}{}
			ops[AggMax] = struct{}{}
			ops[AggCount] = struct{}{}
		case f.FieldType.IsTemporal():
			ops[AggMin] = struct{}{}
			ops[AggMax] = struct{}{}
			ops[AggCount] = struct{}{}
		}
		m.aggregationSafe[f.FieldName] = ops

		if f.FieldID != 0 && f.FieldName == primaryKeyHint(f) {
			m.PrimaryKeyFieldID = f.FieldID
		}
	}
}

// primaryKeyHint returns "id" — Odoo's universal primary-key field name —
// used only to populate Model.PrimaryKeyFieldID opportunistically.
func primaryKeyHint(f *Field) string {
	if f.FieldName == "id" {
		return "id"
	}
	return ""
}

// RegisterIndexedFields records additional field names on model as
// payload-indexed, without a schema reload. The CLI calls this after a data
// sync, once the store adapter has created dynamic indexes for a just-synced
// model's payload fields, so later filter compilation knows they need no
// app-level fallback.
func (r *Registry) RegisterIndexedFields(ctx context.Context, model string, names ...string) error {
	m, err := r.model(ctx, model)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		m.indexedFieldNames[n] = struct{}{}
	}
	return nil
}

// ModelExists reports whether name is a known model.
func (r *Registry) ModelExists(ctx context.Context, name string) (bool, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[name]
	return ok, nil
}

// Fields returns every field declared on model name, in schema order.
func (r *Registry) Fields(ctx context.Context, name string) ([]Field, error) {
	m, err := r.model(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]Field, len(m.Fields))
	copy(out, m.Fields)
	return out, nil
}

// PayloadFields returns the subset of model name's fields eligible for the
// data-point payload (PayloadFlag == true).
func (r *Registry) PayloadFields(ctx context.Context, name string) ([]Field, error) {
	m, err := r.model(ctx, name)
	if err != nil {
		return nil, err
	}
	var out []Field
	for _, f := range m.Fields {
		if f.PayloadFlag {
			out = append(out, f)
		}
	}
	return out, nil
}

// FieldByName returns the named field on model.
func (r *Registry) FieldByName(ctx context.Context, model, name string) (Field, error) {
	m, err := r.model(ctx, model)
	if err != nil {
		return Field{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := m.fieldsByName[name]
	if !ok {
		return Field{}, &FieldNotFoundError{Model: model, Field: name}
	}
	return *f, nil
}

// IsAggregationSafe reports whether op may be applied to field on model,
// numeric types support
// sum/avg/min/max/count; date/datetime types support only min/max/count.
func (r *Registry) IsAggregationSafe(ctx context.Context, model, field string, op AggOp) (bool, error) {
	m, err := r.model(ctx, model)
	if err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops, ok := m.aggregationSafe[field]
	if !ok {
		return false, &FieldNotFoundError{Model: model, Field: field}
	}
	_, safe := ops[op]
	return safe, nil
}

// IndexedFieldNames returns the set of field names on model that are marked
// stored (and therefore payload-indexed by the store adapter).
func (r *Registry) IndexedFieldNames(ctx context.Context, model string) (map[string]struct{}, error) {
	m, err := r.model(ctx, model)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(m.indexedFieldNames))
	for k := range m.indexedFieldNames {
		out[k] = struct{}{}
	}
	return out, nil
}

// ModelNames returns every known model name, sorted.
func (r *Registry) ModelNames(ctx context.Context) ([]string, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.models))
	for name := range r.models {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// ModelIDByName returns the model_id of the named model.
func (r *Registry) ModelIDByName(ctx context.Context, name string) (int64, error) {
	m, err := r.model(ctx, name)
	if err != nil {
		return 0, err
	}
	return m.ModelID, nil
}

// ModelNameByID returns the model name for a model_id, scanning the cache.
// Returns ModelNotFoundError if no loaded model has this id.
func (r *Registry) ModelNameByID(ctx context.Context, modelID int64) (string, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, m := range r.models {
		if m.ModelID == modelID {
			return name, nil
		}
	}
	return "", &ModelNotFoundError{Model: fmt.Sprintf("model_id:%d", modelID)}
}

func (r *Registry) model(ctx context.Context, name string) (*Model, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return nil, &ModelNotFoundError{Model: name}
	}
	return m, nil
}
