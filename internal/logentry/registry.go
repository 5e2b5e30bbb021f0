package logentry

import "regexp"

// FieldSource selects which part of the entry a field pattern reads.
type FieldSource string

const (
	FromMessage FieldSource = "message"
	FromRaw     FieldSource = "raw"
)

// Field is a configurable extracted field. The pattern's first capture
// group (or the whole match when there are no groups) becomes the
// field value at index time.
type Field struct {
	Name    string
	Pattern *regexp.Regexp
	From    FieldSource
}

// Registry holds the configured extractable fields. It is constructed
// explicitly and injected into the index engine; there is no global
// registry.
type Registry struct {
	fields []Field
}

func NewRegistry(fields ...Field) *Registry {
	return &Registry{fields: fields}
}

// Fields returns the configured fields in registration order.
func (r *Registry) Fields() []Field {
	return r.fields
}

// Extract applies every field pattern to the entry and returns the
// extracted field values. Fields whose pattern does not match are
// absent from the result.
func (r *Registry) Extract(e LogEntry) map[string]string {
	if len(r.fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.fields))
	for _, f := range r.fields {
		text := e.Message
		if f.From == FromRaw {
			text = e.RawContent
		}
		m := f.Pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			out[f.Name] = m[1]
		} else {
			out[f.Name] = m[0]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
