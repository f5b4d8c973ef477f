// Package schema implements the Schema Registry: a cached, read-only view
// of model and field metadata sourced from schema points in the unified store.
//
// The Registry never writes; internal/schemasync is the only writer of
// schema points. Call [Registry.ClearCache] after any schema change so
// subsequent reads observe it.
package schema

import "fmt"

// FieldType enumerates the ERP field types the Record Transformer understands.
type FieldType string

const (
	FieldMany2One  FieldType = "many2one"
	FieldOne2Many  FieldType = "one2many"
	FieldMany2Many FieldType = "many2many"
	FieldMonetary  FieldType = "monetary"
	FieldInteger   FieldType = "integer"
	FieldFloat     FieldType = "float"
	FieldDate      FieldType = "date"
	FieldDateTime  FieldType = "datetime"
	FieldSelection FieldType = "selection"
	FieldJSON      FieldType = "json"
	FieldText      FieldType = "text"
	FieldBoolean   FieldType = "boolean"
	FieldChar      FieldType = "char"
)

// IsFK reports whether a field of this type carries a foreign-key reference.
func (t FieldType) IsFK() bool {
	switch t {
	case FieldMany2One, FieldOne2Many, FieldMany2Many:
		return true
	default:
		return false
	}
}

// IsNumeric reports whether a field of this type is aggregation-safe for
// sum/avg/min/max/count.
func (t FieldType) IsNumeric() bool {
	switch t {
	case FieldMonetary, FieldInteger, FieldFloat:
		return true
	default:
		return false
	}
}

// IsTemporal reports whether a field of this type only supports min/max/count
// aggregation.
func (t FieldType) IsTemporal() bool {
	return t == FieldDate || t == FieldDateTime
}

// AggOp enumerates the aggregation operators [Registry.IsAggregationSafe]
// validates against.
type AggOp string

const (
	AggSum   AggOp = "sum"
	AggCount AggOp = "count"
	AggAvg   AggOp = "avg"
	AggMin   AggOp = "min"
	AggMax   AggOp = "max"
)

// Field describes one field of one model, as derived from a schema point.
type Field struct {
	FieldID       int64
	ModelID       int64
	ModelName     string
	FieldName     string
	FieldLabel    string
	FieldType     FieldType
	Stored        bool
	PayloadFlag   bool
	EmbeddingText string

	// FK-only attributes. Zero values when FieldType.IsFK() is false or the
	// target model is unknown.
	FKLocationModel   string
	FKLocationModelID int64
	FKQdrantID        string // deterministic UUID of the target model's primary-key field, if known

	// JSONFKMapping holds, for FieldType==json fields declared as JSON-FK
	// sources, the JSON keys that carry foreign-key references.
	JSONFKMapping []string
}

// HasKnownFKTarget reports whether this field's FK target model id is known
// to the registry (i.e. FKLocationModelID is populated).
func (f Field) HasKnownFKTarget() bool {
	return f.FieldType.IsFK() && f.FKLocationModelID != 0
}

// Model describes one ERP model's field list and derived lookup sets.
type Model struct {
	ModelID           int64
	ModelName         string
	PrimaryKeyFieldID int64
	Fields            []Field

	// Derived, precomputed at registration time.
	indexedFieldNames map[string]struct{}
	aggregationSafe   map[string]map[AggOp]struct{}
	fieldsByName      map[string]*Field
}

// ModelNotFoundError is returned when a model name is not known to the registry.
type ModelNotFoundError struct{ Model string }

func (e *ModelNotFoundError) Error() string { return fmt.Sprintf("schema: model %q not found", e.Model) }

// FieldNotFoundError is returned when a field name is not known on a model.
type FieldNotFoundError struct{ Model, Field string }

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("schema: field %q not found on model %q", e.Field, e.Model)
}
