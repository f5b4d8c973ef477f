// Package source defines the contract Nexsus uses to pull raw records and
// schema metadata from an external record source (the Odoo ERP or an Excel
// workbook adapter). Transport, authentication, and the adapter's own
// retry/pagination concerns belong to the adapter, not to this package.
package source

import "context"

// Value is a tagged union over the handful of shapes an ERP/Excel record
// field can take. Modelling it explicitly (instead of bare interface{})
// keeps the Record Transformer's branch on (FieldType, Value variant)
// total and keeps "false means empty" / "zero is a valid number" distinct.
type Value struct {
	Kind ValueKind

	Bool    bool
	Int     int64
	Float   float64
	Str     string
	IDName  IDName   // many2one tuple [id, name]
	IDList  []int64  // one2many / many2many id list
	JSONObj map[string]any
}

// ValueKind discriminates the active field of a [Value].
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindIDName
	KindIDList
	KindJSON
)

// IDName is the classic Odoo many2one wire shape: a two-element tuple of
// (id, display name).
type IDName struct {
	ID   int64
	Name string
}

// IsEmpty reports whether v carries no meaningful value: null and false
// are empty whatever the field type (false is the ERP's empty sentinel);
// 0 is a valid number; empty arrays and blank/whitespace strings are empty.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindNull:
		return true
	case KindBool:
		return !v.Bool
	case KindString:
		return trimSpace(v.Str) == ""
	case KindIDList:
		return len(v.IDList) == 0
	case KindJSON:
		return len(v.JSONObj) == 0
	case KindIDName:
		return v.IDName.ID == 0 && v.IDName.Name == ""
	case KindInt, KindFloat:
		return false // zero is a valid number, never collapsed to empty
	default:
		return true
	}
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

// Record is one raw record as returned by a [RecordSource], keyed by ERP
// field name.
type Record struct {
	ID     int64
	Fields map[string]Value
}

// Filter is an opaque, source-specific filter expression. Nexsus's filter
// compiler (internal/filter) never constructs one directly for the record
// source; it is used only by the boundary code driving targeted resyncs and
// repair, which pass through whatever the adapter understands (e.g. an Odoo
// domain or an Excel row predicate).
type Filter struct {
	RecordIDs []int64 // when non-empty, restrict to these record ids
	DateFrom  string
	DateTo    string
	Archived  bool // include_archived
}

// RecordSource is the external collaborator that supplies raw records and
// schema metadata. Implementations (Odoo XML-RPC/JSON-RPC, Excel workbook)
// live outside this module's core; Nexsus assumes at-least-once delivery and
// relies on idempotent upserts to absorb duplicates.
type RecordSource interface {
	// Fetch returns up to limit records of model starting at offset, matching
	// filter, restricted to fields (nil/empty means all payload-eligible
	// fields).
	Fetch(ctx context.Context, model string, filter Filter, fields []string, offset, limit int) ([]Record, error)

	// Count returns the number of records of model matching filter.
	Count(ctx context.Context, model string, filter Filter) (int, error)

	// ListModels returns every model name the source can serve.
	ListModels(ctx context.Context) ([]string, error)

	// Schema returns the field metadata for model, in the source's native
	// representation; callers normalise into [schema.Field].
	Schema(ctx context.Context, model string) ([]FieldMeta, error)
}

// FieldMeta is the source-native field description returned by
// [RecordSource.Schema], later normalised by Schema Sync into a
// [schema.Field] and written as a schema point.
type FieldMeta struct {
	FieldID    int64
	FieldName  string
	FieldLabel string
	FieldType  string
	ModelID    int64
	ModelName  string
	Stored     bool
	// Relation is the target model name for many2one/one2many/many2many
	// fields, empty otherwise.
	Relation string
}
