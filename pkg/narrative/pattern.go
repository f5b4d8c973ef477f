// Package narrative renders human-readable sentences from typed field values,
// the sole textual input the Embedding Gateway ever sees. It supports both the
// default sentence form and a per-model loaded [Pattern] template.
package narrative

import (
	"fmt"
	"strings"
)

// Field is one humanized (label, rendered-value) pair ready for narrative
// assembly. Empty values must be filtered out by the caller before building
// a Field — narrative has no concept of "empty".
type Field struct {
	Name  string
	Label string
	Text  string
}

// DefaultMaxLength is applied when a [Pattern] does not set MaxNarrativeLength.
const DefaultMaxLength = 2000

// Pattern is a loaded per-model narrative template. Zero value means "use the
// default sentence form".
type Pattern struct {
	// Template contains "{field}" or "{field:formatter}" placeholders.
	// A non-empty Template takes precedence over KeyFields/dynamic appendix.
	Template string

	// KeyFields lists field names always included, in order, ahead of the
	// dynamic appendix of any remaining non-empty fields.
	KeyFields []string

	// MaxNarrativeLength truncates the rendered narrative with an ellipsis.
	// Zero means [DefaultMaxLength].
	MaxNarrativeLength int

	// ManyToManySummary, when true, renders non-FK many2many/one2many fields
	// as "N items" (count-with-summary). This is the only mode this package
	// supports for that field shape.
	ManyToManySummary bool
}

// Render produces the embeddable narrative for modelName given an ordered
// list of already-humanized, non-empty fields. Template placeholders are
// looked up by [Field.Name].
func Render(modelName string, fields []Field, pattern Pattern) string {
	if pattern.Template != "" {
		return truncate(renderTemplate(pattern.Template, fields), maxLen(pattern))
	}
	return truncate(renderDefault(modelName, fields, pattern), maxLen(pattern))
}

func maxLen(p Pattern) int {
	if p.MaxNarrativeLength > 0 {
		return p.MaxNarrativeLength
	}
	return DefaultMaxLength
}

// renderDefault builds the default single-sentence form:
// "In model <model>, <label1> - <value1>, <label2> - <value2>, ..."
func renderDefault(modelName string, fields []Field, pattern Pattern) string {
	var sb strings.Builder
	sb.WriteString("In model ")
	sb.WriteString(modelName)

	ordered := orderFields(fields, pattern.KeyFields)
	for _, f := range ordered {
		sb.WriteString(", ")
		sb.WriteString(f.Label)
		sb.WriteString(" - ")
		sb.WriteString(f.Text)
	}
	return sb.String()
}

// orderFields places pattern.KeyFields first (in the given order, skipping
// any not present in fields), followed by the remaining fields as a dynamic
// appendix in their original order.
func orderFields(fields []Field, keyFields []string) []Field {
	if len(keyFields) == 0 {
		return fields
	}
	byName := make(map[string]Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	used := make(map[string]struct{}, len(keyFields))
	out := make([]Field, 0, len(fields))
	for _, k := range keyFields {
		if f, ok := byName[k]; ok {
			out = append(out, f)
			used[k] = struct{}{}
		}
	}
	for _, f := range fields {
		if _, ok := used[f.Name]; !ok {
			out = append(out, f)
		}
	}
	return out
}

// renderTemplate substitutes "{field}" and "{field:formatter}" placeholders.
// The formatter name is accepted but ignored here — formatting already
// happened when the caller produced Field.Text (humanization is the
// transformer's job; the template only controls placement).
func renderTemplate(tmpl string, fields []Field) string {
	byName := make(map[string]string, len(fields))
	for _, f := range fields {
		byName[f.Name] = f.Text
	}

	var sb strings.Builder
	i := 0
	for i < len(tmpl) {
		if tmpl[i] == '{' {
			end := strings.IndexByte(tmpl[i:], '}')
			if end < 0 {
				sb.WriteString(tmpl[i:])
				break
			}
			placeholder := tmpl[i+1 : i+end]
			name := placeholder
			if idx := strings.IndexByte(placeholder, ':'); idx >= 0 {
				name = placeholder[:idx]
			}
			if v, ok := byName[name]; ok {
				sb.WriteString(v)
			}
			i += end + 1
			continue
		}
		sb.WriteByte(tmpl[i])
		i++
	}
	return sb.String()
}

// truncate enforces max with an ellipsis, matching
// [Pattern.MaxNarrativeLength]'s contract. Truncation operates on runes so
// multi-byte UTF-8 text is never split mid-character.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return fmt.Sprintf("%s...", string(runes[:max-3]))
}

// ManyItemsSummary renders the default "N items" form for a many2many /
// one2many field that is not itself an FK cross-reference source.
func ManyItemsSummary(n int) string {
	return fmt.Sprintf("%d items", n)
}
