package prompt

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/teranos/loom/errors"
)

// Context is an ordered set of bindings used to render templates.
//
// Keys are unique within a scope. A child scope created with NewScope sees
// every binding of its parents and may shadow them without mutating them.
// A Context is owned by a single run and is not safe for concurrent writes;
// concurrent reads (renders) are fine.
type Context struct {
	parent *Context
	keys   []string
	values map[string]any
}

// NewContext creates an empty root context
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// NewContextFrom creates a root context from a map. Map iteration order is
// random, so keys are bound in sorted order.
func NewContextFrom(m map[string]any) (*Context, error) {
	c := NewContext()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.Set(k, m[k]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ParseJSON builds a root context from a JSON object, keeping key order
func ParseJSON(data []byte) (*Context, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Wrap(err, "read context JSON")
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.NewInvalidRequestError("context JSON must be an object")
	}

	c := NewContext()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "read context key")
		}
		key := tok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, errors.Wrapf(err, "decode context value %q", key)
		}
		if err := c.Set(key, v); err != nil {
			return nil, err
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, errors.Wrap(err, "read context JSON")
	}
	return c, nil
}

// NewScope returns a child scope
func (c *Context) NewScope() *Context {
	child := NewContext()
	child.parent = c
	return child
}

// Parent returns the enclosing scope, nil for a root context
func (c *Context) Parent() *Context {
	if c == nil {
		return nil
	}
	return c.parent
}

// Set binds key in this scope. Binding a key already present in this scope
// is a ContextConflictError; the existing value is left untouched. A nil
// context cannot hold bindings.
func (c *Context) Set(key string, value any) error {
	if c == nil {
		return errors.NewInvalidRequestError("cannot bind %q in a nil context", key)
	}
	if key == "" {
		return errors.NewInvalidRequestError("context key cannot be empty")
	}
	if _, exists := c.values[key]; exists {
		return &ContextConflictError{Key: key}
	}
	v, err := Normalize(value)
	if err != nil {
		return errors.Wrapf(err, "bind %q", key)
	}
	c.keys = append(c.keys, key)
	c.values[key] = v
	return nil
}

// Has reports whether key is bound in this scope (parents are not consulted)
func (c *Context) Has(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c.values[key]
	return ok
}

// Get returns the innermost visible binding for key
func (c *Context) Get(key string) (any, bool) {
	for s := c; s != nil; s = s.parent {
		if v, ok := s.values[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Keys returns the keys bound in this scope, in binding order
func (c *Context) Keys() []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.keys...)
}

// Len is the number of bindings in this scope
func (c *Context) Len() int {
	if c == nil {
		return 0
	}
	return len(c.keys)
}

// Resolve walks path against the visible bindings
func (c *Context) Resolve(p Path) (any, error) {
	elems := p.Elems()
	if len(elems) == 0 {
		return nil, &RenderError{Kind: RenderMissingKey, Detail: "empty path"}
	}
	cur, ok := c.Get(elems[0].Key)
	if !ok {
		return nil, &RenderError{Kind: RenderMissingKey, Path: p.String(), Detail: "key " + strconv.Quote(elems[0].Key) + " is not bound"}
	}

	for i, e := range elems[1:] {
		walked := Path{elems: elems[:i+1]}
		if e.IsIndex {
			seq, ok := cur.([]any)
			if !ok {
				return nil, &RenderError{Kind: RenderTypeMismatch, Path: p.String(), Detail: walked.String() + " is not a sequence"}
			}
			if e.Index >= len(seq) {
				return nil, &RenderError{Kind: RenderMissingKey, Path: p.String(), Detail: "index " + strconv.Itoa(e.Index) + " out of range"}
			}
			cur = seq[e.Index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, &RenderError{Kind: RenderTypeMismatch, Path: p.String(), Detail: walked.String() + " is not a mapping"}
		}
		cur, ok = m[e.Key]
		if !ok {
			return nil, &RenderError{Kind: RenderMissingKey, Path: p.String(), Detail: "key " + strconv.Quote(e.Key) + " is not bound"}
		}
	}
	return cur, nil
}

// Map flattens the visible bindings; inner scopes win
func (c *Context) Map() map[string]any {
	out := make(map[string]any)
	var chain []*Context
	for s := c; s != nil; s = s.parent {
		chain = append(chain, s)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].values {
			out[k] = v
		}
	}
	return out
}

// orderedKeys lists visible keys outermost first, each once
func (c *Context) orderedKeys() []string {
	var chain []*Context
	for s := c; s != nil; s = s.parent {
		chain = append(chain, s)
	}
	seen := make(map[string]bool)
	var keys []string
	for i := len(chain) - 1; i >= 0; i-- {
		for _, k := range chain[i].keys {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// MarshalJSON encodes the visible bindings as an object in binding order
func (c *Context) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.orderedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		v, _ := c.Get(k)
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %q", k)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Normalize converts a Go value into the context value model:
// nil, string, bool, int64, float64, json.Number, []any and map[string]any.
// Other values (structs, typed slices and maps) go through encoding/json.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int64, float64, json.Number:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return normalizeUint(uint64(x)), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return normalizeUint(x), nil
	case float32:
		return float64(x), nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := Normalize(e)
			if err != nil {
				return nil, errors.Wrapf(err, "[%d]", i)
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := Normalize(e)
			if err != nil {
				return nil, errors.Wrapf(err, ".%s", k)
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithSecondaryError(errors.NewInvalidRequestError("value of type %T is not serializable", v), err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "decode %T", v)
	}
	return out, nil
}

func normalizeUint(u uint64) any {
	if u > math.MaxInt64 {
		return json.Number(strconv.FormatUint(u, 10))
	}
	return int64(u)
}

// FormatScalar returns the canonical string form of a scalar context value
func FormatScalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}
