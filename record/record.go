// Package record turns documents into normalized records: a block of text plus
// string-keyed metadata. Records are immutable; accessors hand out copies.
package record

import (
	"encoding/json"
	"sort"
	"strings"
)

// Metadata keys set by loaders and Split
const (
	MetaSource = "source"
	MetaHeader = "header"
	MetaTitle  = "title"
	MetaFormat = "format"
	MetaChunk  = "chunk"
	MetaChunks = "chunks"
	MetaID     = "id"
)

// Record is one normalized document
type Record struct {
	text     string
	metadata map[string]any
}

// New creates a record; metadata is copied
func New(text string, metadata map[string]any) Record {
	return Record{text: text, metadata: copyMeta(metadata)}
}

// Text returns the record content
func (r Record) Text() string { return r.text }

// Metadata returns a copy of the record metadata
func (r Record) Metadata() map[string]any { return copyMeta(r.metadata) }

// Meta returns one metadata value
func (r Record) Meta(key string) (any, bool) {
	v, ok := r.metadata[key]
	return v, ok
}

// MetaString returns a metadata value as a string, "" when absent or not a string
func (r Record) MetaString(key string) string {
	s, _ := r.metadata[key].(string)
	return s
}

// With returns a copy of r with key set
func (r Record) With(key string, value any) Record {
	m := copyMeta(r.metadata)
	m[key] = value
	return Record{text: r.text, metadata: m}
}

// Map is the form records take when bound into a prompt context:
// {"text": ..., "metadata": {...}}
func (r Record) Map() map[string]any {
	return map[string]any{
		"text":     r.text,
		"metadata": copyMeta(r.metadata),
	}
}

// MarshalJSON implements json.Marshaler
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw struct {
		Text     string         `json:"text"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = New(raw.Text, raw.Metadata)
	return nil
}

// Split divides the record into n chunks of whole words, balanced by word
// count. Each chunk keeps the metadata and gains chunk (0-based) and chunks.
// Fewer than n chunks come back when the text has fewer than n words; an
// empty record yields itself.
func (r Record) Split(n int) []Record {
	words := strings.Fields(r.text)
	if n <= 1 || len(words) == 0 {
		return []Record{r}
	}
	if n > len(words) {
		n = len(words)
	}

	out := make([]Record, 0, n)
	base, extra := len(words)/n, len(words)%n
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		m := copyMeta(r.metadata)
		m[MetaChunk] = i
		m[MetaChunks] = n
		out = append(out, Record{text: strings.Join(words[start:start+size], " "), metadata: m})
		start += size
	}
	return out
}

// String renders the record for display: header (if any), metadata lines, text
func (r Record) String() string {
	var b strings.Builder
	if h := r.MetaString(MetaHeader); h != "" {
		b.WriteString(h)
		b.WriteString("\n\n")
	}
	keys := make([]string, 0, len(r.metadata))
	for k := range r.metadata {
		if k != MetaHeader {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(stringify(r.metadata[k]))
		b.WriteByte('\n')
	}
	if len(keys) > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(r.text)
	return b.String()
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
