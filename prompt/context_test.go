package prompt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/loom/errors"
)

func TestContext_SetIsAdditive(t *testing.T) {
	c := NewContext()
	require.NoError(t, c.Set("capital", "Paris"))

	err := c.Set("capital", "Lyon")
	require.Error(t, err)

	var conflict *ContextConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "capital", conflict.Key)
	assert.True(t, errors.IsConflictError(err))

	v, _ := c.Get("capital")
	assert.Equal(t, "Paris", v)
}

func TestContext_EmptyKey(t *testing.T) {
	err := NewContext().Set("", 1)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestContext_Nil(t *testing.T) {
	var c *Context
	assert.False(t, c.Has("x"))
	_, ok := c.Get("x")
	assert.False(t, ok)
	assert.Nil(t, c.Keys())
	assert.Zero(t, c.Len())
	assert.Nil(t, c.Parent())
	assert.True(t, errors.IsInvalidRequestError(c.Set("x", 1)))
}

func TestContext_ScopesShadow(t *testing.T) {
	root := NewContext()
	require.NoError(t, root.Set("a", 1))
	require.NoError(t, root.Set("b", 2))

	child := root.NewScope()
	require.NoError(t, child.Set("a", "shadow"))
	require.NoError(t, child.Set("c", 3))

	v, ok := child.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "shadow", v)
	v, _ = child.Get("b")
	assert.Equal(t, int64(2), v)

	v, _ = root.Get("a")
	assert.Equal(t, int64(1), v)
	_, ok = root.Get("c")
	assert.False(t, ok)

	assert.True(t, child.Has("a"))
	assert.False(t, child.Has("b"))
	assert.Same(t, root, child.Parent())

	assert.Equal(t, map[string]any{"a": "shadow", "b": int64(2), "c": int64(3)}, child.Map())

	b, err := json.Marshal(child)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"shadow","b":2,"c":3}`, string(b))
	assert.Equal(t, `{"a":"shadow","b":2,"c":3}`, string(b))
}

func TestContext_KeysKeepBindingOrder(t *testing.T) {
	c := NewContext()
	for _, k := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, c.Set(k, k))
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, c.Keys())
	assert.Equal(t, 3, c.Len())

	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"zeta","alpha":"alpha","mid":"mid"}`, string(b))
}

func TestParseJSON_PreservesOrder(t *testing.T) {
	c, err := ParseJSON([]byte(`{"b": 1, "a": {"x": [1, 2.5]}, "c": null}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, c.Keys())

	v, err := c.Resolve(mustPath(t, "a.x[1]"))
	require.NoError(t, err)
	assert.Equal(t, json.Number("2.5"), v)

	_, err = ParseJSON([]byte(`[1,2]`))
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = ParseJSON([]byte(`{"a":1,"a":2}`))
	assert.True(t, errors.IsConflictError(err))
}

type country struct {
	Name    string   `json:"name"`
	Cities  []string `json:"cities"`
	Founded int      `json:"founded"`
}

func TestNormalize(t *testing.T) {
	v, err := Normalize(country{Name: "France", Cities: []string{"Paris"}, Founded: 843})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":    "France",
		"cities":  []any{"Paris"},
		"founded": json.Number("843"),
	}, v)

	v, err = Normalize(map[string]any{"n": uint8(7), "xs": []string{"a"}, "f": float32(0.5)})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": int64(7), "xs": []any{"a"}, "f": 0.5}, v)

	_, err = Normalize(make(chan int))
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestFormatScalar(t *testing.T) {
	cases := []struct {
		in   any
		want string
		ok   bool
	}{
		{"s", "s", true},
		{true, "true", true},
		{int64(-4), "-4", true},
		{1e21, "1000000000000000000000", true},
		{0.1, "0.1", true},
		{json.Number("12.50"), "12.50", true},
		{[]any{}, "", false},
		{map[string]any{}, "", false},
		{nil, "", false},
	}
	for _, c := range cases {
		got, ok := FormatScalar(c.in)
		assert.Equal(t, c.ok, ok, "%v", c.in)
		assert.Equal(t, c.want, got, "%v", c.in)
	}
}

func mustPath(t *testing.T, s string) Path {
	t.Helper()
	p, err := ParsePath(s)
	require.NoError(t, err)
	return p
}
