// Package fieldmap converts a document's attributes into the record sent to
// an index backend, applying the configured reference and content renames.
package fieldmap

import "sort"

const (
	// DefaultIDField always carries the document identifier in a Record.
	DefaultIDField = "id"

	// DefaultContentField receives the document body when no target content
	// field is configured.
	DefaultContentField = "content"
)

// Attributes is a multi-valued attribute mapping for a document.
type Attributes map[string][]string

// Get returns the first value for key, or "" when absent.
func (a Attributes) Get(key string) string {
	if vals := a[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Set replaces all values for key.
func (a Attributes) Set(key string, values ...string) {
	a[key] = append([]string(nil), values...)
}

// Add appends values to key.
func (a Attributes) Add(key string, values ...string) {
	a[key] = append(a[key], values...)
}

// Clone returns a deep copy. A nil receiver yields an empty mapping.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Record is the outbound representation of a document.
type Record = Attributes

// Config holds the field renames applied before a document is sent.
type Config struct {
	SourceReferenceField     string
	TargetReferenceField     string
	KeepSourceReferenceField bool

	SourceContentField     string
	TargetContentField     string
	KeepSourceContentField bool
}

// Mapper applies a Config. The zero value maps with the defaults.
type Mapper struct {
	cfg Config
}

// New creates a Mapper for cfg.
func New(cfg Config) Mapper {
	return Mapper{cfg: cfg}
}

// Config returns the mapping configuration.
func (m Mapper) Config() Config {
	return m.cfg
}

// Map builds the outbound record for a document.
func (m Mapper) Map(id string, attrs Attributes, content []byte) Record {
	rec := attrs.Clone()

	refTarget := m.cfg.TargetReferenceField
	if refTarget == "" {
		refTarget = DefaultIDField
	}
	if src := m.cfg.SourceReferenceField; src != "" {
		if src != refTarget {
			rename(rec, src, refTarget, []string{id}, m.cfg.KeepSourceReferenceField)
		}
	} else if refTarget != DefaultIDField {
		rec.Set(refTarget, id)
	}

	contentTarget := m.cfg.TargetContentField
	if contentTarget == "" {
		contentTarget = DefaultContentField
	}
	if src := m.cfg.SourceContentField; src != "" {
		if src != contentTarget {
			rename(rec, src, contentTarget, []string{string(content)}, m.cfg.KeepSourceContentField)
		}
	} else {
		rec.Set(contentTarget, string(content))
	}

	rec.Set(DefaultIDField, id)
	return rec
}

// rename moves src to dst. When src is missing, dst receives fallback so a
// configured target is never absent.
func rename(rec Record, src, dst string, fallback []string, keep bool) {
	vals, ok := rec[src]
	if !ok || len(vals) == 0 {
		vals = fallback
	}
	rec[dst] = append([]string(nil), vals...)
	if !keep {
		delete(rec, src)
	}
}
