// Package yamlsource implements a file-backed [source.RecordSource] over a
// YAML catalog. It serves local development and fixture-driven tests, where
// standing up an ERP connection is overkill: the catalog declares models,
// their field metadata, and their records in one file.
package yamlsource

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexsuslabs/nexsus/internal/source"
)

// CatalogFile is the top-level structure of a catalog YAML file.
//
// Example:
//
//	models:
//	  - name: res.partner
//	    model_id: 12
//	    fields:
//	      - {field_id: 200, name: id, label: ID, type: integer, stored: true}
//	      - {field_id: 201, name: name, label: Name, type: char, stored: true}
//	    records:
//	      - id: 7
//	        values: {name: "Ben Ross"}
type CatalogFile struct {
	Models []ModelDefinition `yaml:"models"`
}

// ModelDefinition declares one model's metadata and records.
type ModelDefinition struct {
	Name    string             `yaml:"name"`
	ModelID int64              `yaml:"model_id"`
	Fields  []FieldDefinition  `yaml:"fields"`
	Records []RecordDefinition `yaml:"records"`
}

// FieldDefinition declares one field's metadata.
type FieldDefinition struct {
	FieldID  int64  `yaml:"field_id"`
	Name     string `yaml:"name"`
	Label    string `yaml:"label"`
	Type     string `yaml:"type"`
	Stored   bool   `yaml:"stored"`
	Relation string `yaml:"relation"`
}

// RecordDefinition declares one record: its id and a free-form value map.
type RecordDefinition struct {
	ID       int64          `yaml:"id"`
	Archived bool           `yaml:"archived"`
	Values   map[string]any `yaml:"values"`
}

// Source serves a loaded catalog as a [source.RecordSource]. The catalog is
// read once at construction; the file is never re-read.
type Source struct {
	models map[string]*ModelDefinition
	order  []string
}

// Load reads and parses a catalog YAML file from disk.
func Load(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("yamlsource: open catalog %q: %w", path, err)
	}
	defer f.Close()

	s, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("yamlsource: parse catalog %q: %w", path, err)
	}
	return s, nil
}

// LoadFromReader parses catalog YAML from an [io.Reader].
func LoadFromReader(r io.Reader) (*Source, error) {
	var cf CatalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("yamlsource: decode catalog yaml: %w", err)
	}

	s := &Source{models: make(map[string]*ModelDefinition, len(cf.Models))}
	for i := range cf.Models {
		m := &cf.Models[i]
		if m.Name == "" {
			return nil, fmt.Errorf("yamlsource: models[%d] has no name", i)
		}
		if _, ok := s.models[m.Name]; ok {
			return nil, fmt.Errorf("yamlsource: duplicate model %q", m.Name)
		}
		s.models[m.Name] = m
		s.order = append(s.order, m.Name)
	}
	return s, nil
}

// Fetch returns up to limit records of model starting at offset.
func (s *Source) Fetch(_ context.Context, model string, filter source.Filter, _ []string, offset, limit int) ([]source.Record, error) {
	m, ok := s.models[model]
	if !ok {
		return nil, fmt.Errorf("yamlsource: unknown model %q", model)
	}

	wanted := make(map[int64]struct{}, len(filter.RecordIDs))
	for _, id := range filter.RecordIDs {
		wanted[id] = struct{}{}
	}

	var matched []source.Record
	for _, rec := range m.Records {
		if rec.Archived && !filter.Archived {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[rec.ID]; !ok {
				continue
			}
		}
		matched = append(matched, source.Record{ID: rec.ID, Fields: decodeValues(rec.ID, rec.Values)})
	}

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// Count returns the number of records of model matching filter.
func (s *Source) Count(ctx context.Context, model string, filter source.Filter) (int, error) {
	records, err := s.Fetch(ctx, model, filter, nil, 0, 0)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// ListModels returns every model name in the catalog, in declaration order.
func (s *Source) ListModels(context.Context) ([]string, error) {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

// Schema returns model's field metadata.
func (s *Source) Schema(_ context.Context, model string) ([]source.FieldMeta, error) {
	m, ok := s.models[model]
	if !ok {
		return nil, fmt.Errorf("yamlsource: unknown model %q", model)
	}
	out := make([]source.FieldMeta, len(m.Fields))
	for i, f := range m.Fields {
		out[i] = source.FieldMeta{
			FieldID:    f.FieldID,
			FieldName:  f.Name,
			FieldLabel: f.Label,
			FieldType:  f.Type,
			ModelID:    m.ModelID,
			ModelName:  m.Name,
			Stored:     f.Stored,
			Relation:   f.Relation,
		}
	}
	return out, nil
}

// decodeValues maps the catalog's free-form YAML values onto the tagged
// [source.Value] union. The record's own id is always present under "id".
func decodeValues(id int64, values map[string]any) map[string]source.Value {
	out := make(map[string]source.Value, len(values)+1)
	out["id"] = source.Value{Kind: source.KindInt, Int: id}
	for key, raw := range values {
		out[key] = decodeValue(raw)
	}
	return out
}

func decodeValue(raw any) source.Value {
	switch v := raw.(type) {
	case nil:
		return source.Value{Kind: source.KindNull}
	case bool:
		return source.Value{Kind: source.KindBool, Bool: v}
	case int:
		return source.Value{Kind: source.KindInt, Int: int64(v)}
	case int64:
		return source.Value{Kind: source.KindInt, Int: v}
	case float64:
		return source.Value{Kind: source.KindFloat, Float: v}
	case string:
		return source.Value{Kind: source.KindString, Str: v}
	case []any:
		return decodeList(v)
	case map[string]any:
		return source.Value{Kind: source.KindJSON, JSONObj: v}
	default:
		return source.Value{Kind: source.KindString, Str: fmt.Sprint(v)}
	}
}

// decodeList disambiguates the two list shapes the catalog can carry: a
// classic [id, name] pair and a plain id list. A two-element list whose
// first element is a number and second a string is treated as the pair.
func decodeList(list []any) source.Value {
	if len(list) == 2 {
		if id, ok := asInt64(list[0]); ok {
			if name, ok := list[1].(string); ok {
				return source.Value{Kind: source.KindIDName, IDName: source.IDName{ID: id, Name: name}}
			}
		}
	}

	ids := make([]int64, 0, len(list))
	for _, e := range list {
		id, ok := asInt64(e)
		if !ok {
			// Mixed-type lists fall back to a string rendering.
			parts := make([]string, len(list))
			for i, p := range list {
				parts[i] = fmt.Sprint(p)
			}
			return source.Value{Kind: source.KindString, Str: strings.Join(parts, ", ")}
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return source.Value{Kind: source.KindIDList, IDList: ids}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}
