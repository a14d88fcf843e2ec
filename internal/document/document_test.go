package document

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValues_AddDedupAndOrder(t *testing.T) {
	t.Parallel()

	c := NewValues()
	c.Add("b")
	c.Add("a")
	c.Add("b")
	c.Add(int64(1))
	c.Add("1")

	assert.Equal(t, []any{"b", "a", int64(1), "1"}, c.All())
	assert.False(t, c.IsNull())
}

func TestValues_NullHandling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		adds     []any
		wantNull bool
		wantJSON string
	}{
		{name: "empty", adds: nil, wantNull: true, wantJSON: "null"},
		{name: "single_nil", adds: []any{nil}, wantNull: true, wantJSON: "null"},
		{name: "nil_then_value", adds: []any{nil, "x"}, wantNull: false, wantJSON: `"x"`},
		{name: "value_then_nil", adds: []any{"x", nil}, wantNull: false, wantJSON: `"x"`},
		{name: "two_values", adds: []any{"x", 2}, wantNull: false, wantJSON: `["x",2]`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewValues(tt.adds...)
			assert.Equal(t, tt.wantNull, c.IsNull())
			b, err := json.Marshal(c)
			require.NoError(t, err)
			assert.Equal(t, tt.wantJSON, string(b))
		})
	}
}

func TestValues_NonComparable(t *testing.T) {
	t.Parallel()

	c := NewValues([]string{"a"}, []string{"a"}, []string{"b"})
	assert.Equal(t, 2, c.Len())
}

func TestObject_PreservesInsertionOrder(t *testing.T) {
	t.Parallel()

	o := NewObject()
	o.Set("z", NewValues(1))
	o.Set("a", NewValues(2))
	nested := NewObject()
	nested.Set("y", NewValues("y"))
	o.Set("m", nested)
	o.Set("z", NewValues(3))

	b, err := json.Marshal(o)
	require.NoError(t, err)
	assert.Equal(t, `{"z":3,"a":2,"m":{"y":"y"}}`, string(b))
	assert.Equal(t, []string{"z", "a", "m"}, o.Keys())
}

func TestObject_HasResolvesPaths(t *testing.T) {
	t.Parallel()

	o := NewObject()
	inner := NewObject()
	inner.Set("name", NewValues("x"))
	seq := &Sequence{}
	el := NewObject()
	el.Set("id", NewValues(1))
	seq.Append(el)
	inner.Set("items", seq)
	o.Set("a", inner)

	assert.True(t, o.Has("a"))
	assert.True(t, o.Has("a.name"))
	assert.True(t, o.Has("a.items[id].id"))
	assert.False(t, o.Has("a.missing"))
	assert.False(t, o.Has("a.name.deeper"))
}

func TestSequence_JSON(t *testing.T) {
	t.Parallel()

	s := &Sequence{}
	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))

	e1 := NewObject()
	e1.Set("id", NewValues("1"))
	e2 := NewObject()
	e2.Set("id", NewValues("2"))
	s.Append(e1)
	s.Append(e2)
	b, err = json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"1"},{"id":"2"}]`, string(b))
}

func TestFromMap(t *testing.T) {
	t.Parallel()

	o := FromMap(map[string]any{
		"b": map[string]any{"c": 1.0},
		"a": []any{"x", "y"},
		"s": []any{map[string]any{"k": "v"}},
	})
	b, err := json.Marshal(o)
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x","y"],"b":{"c":1},"s":[{"k":"v"}]}`, string(b))
}

func TestObject_CloneIsDeep(t *testing.T) {
	t.Parallel()

	nested := NewObject()
	nested.Set("k", NewValues("v"))
	el := NewObject()
	el.Set("id", NewValues("1"))
	seq := &Sequence{}
	seq.Append(el)
	o := NewObject()
	o.Set("name", NewValues("Joe"))
	o.Set("meta", NewValues(nested))
	o.Set("items", seq)

	c := o.Clone()
	c.Set("extra", NewValues(1))
	cn, _ := c.Get("name")
	cn.(*Values).Add("Jo")
	cm, _ := c.Get("meta")
	cm.(*Values).First().(*Object).Set("k2", NewValues(2))
	ci, _ := c.Get("items")
	ci.(*Sequence).Last().Set("id2", NewValues("x"))
	ci.(*Sequence).Append(NewObject())

	b, err := json.Marshal(o)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Joe","meta":{"k":"v"},"items":[{"id":"1"}]}`, string(b))

	b, err = json.Marshal(c)
	require.NoError(t, err)
	assert.Equal(t, `{"name":["Joe","Jo"],"meta":{"k":"v","k2":2},"items":[{"id":"1","id2":"x"},{}],"extra":1}`, string(b))
}

func TestDocument_IsEmptyAndSource(t *testing.T) {
	t.Parallel()

	d := New(Meta{Op: OpIndex, Index: "people", ID: "1"})
	assert.True(t, d.IsEmpty())

	d.Body.Set("name", NewValues("Joe"))
	assert.False(t, d.IsEmpty())
	src, err := d.Source()
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Joe"}`, string(src))

	del := New(Meta{Op: OpDelete, ID: "7"})
	assert.False(t, del.IsEmpty(), "delete needs only an id")

	raw := &Document{Meta: Meta{Op: OpIndex}, Raw: json.RawMessage(`{"x":1}`)}
	m, err := raw.SourceMap()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1.0}, m)
}

func TestParseOpType(t *testing.T) {
	t.Parallel()

	op, err := ParseOpType("", OpIndex)
	require.NoError(t, err)
	assert.Equal(t, OpIndex, op)

	op, err = ParseOpType(" Delete ", OpIndex)
	require.NoError(t, err)
	assert.Equal(t, OpDelete, op)

	_, err = ParseOpType("upsert", OpIndex)
	assert.Error(t, err)
}

func TestDigest_StableAndFramed(t *testing.T) {
	t.Parallel()

	a := NewDigest()
	a.Add("name", "Joe")
	a.Add("age", 42)

	b := NewDigest()
	b.Add("name", "Joe")
	b.Add("age", 42)
	assert.Equal(t, a.Sum(), b.Sum())
	assert.Len(t, a.Sum(), 32)

	c := NewDigest()
	c.Add("nam", "eJoe")
	c.Add("age", 42)
	assert.NotEqual(t, a.Sum(), c.Sum())

	a.Reset()
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, NewDigest().Sum(), a.Sum())
}
