package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = String("test")
	var _ Value = Int(42)
	var _ Value = Float(1.5)
	var _ Value = Bool(true)
	var _ Value = Array{String("a"), Int(1)}
	var _ Value = Object{"key": String("value")}
}

func TestObjectSortedKeys(t *testing.T) {
	obj := Object{
		"zebra":  String("z"),
		"apple":  String("a"),
		"banana": String("b"),
	}
	assert.Equal(t, []string{"apple", "banana", "zebra"}, obj.SortedKeys())
}

func TestObjectSortedKeysUTF16Order(t *testing.T) {
	// U+FF21 (fullwidth A) sorts before U+1F600 in UTF-8 byte order but
	// after it in UTF-16 code unit order (0xFF21 > 0xD83D).
	obj := Object{
		"\uFF21":     Int(1),
		"\U0001F600": Int(2),
	}
	assert.Equal(t, []string{"\U0001F600", "\uFF21"}, obj.SortedKeys())
}

func TestObjectCloneIsDeep(t *testing.T) {
	orig := Object{"tags": Array{String("a")}, "nested": Object{"n": Int(1)}}
	c := orig.Clone()
	c["tags"].(Array)[0] = String("changed")
	c["nested"].(Object)["n"] = Int(2)

	assert.Equal(t, String("a"), orig["tags"].(Array)[0])
	assert.Equal(t, Int(1), orig["nested"].(Object)["n"])
}

func TestObjectMerge(t *testing.T) {
	base := Object{"name": String("Ann"), "age": Int(30)}
	merged := base.Merge(Object{"age": Int(31), "active": Bool(true)})

	assert.Equal(t, Object{"name": String("Ann"), "age": Int(31), "active": Bool(true)}, merged)
	assert.Equal(t, Int(30), base["age"], "merge must not mutate the receiver")

	var empty Object
	assert.Equal(t, Object{"a": Int(1)}, empty.Merge(Object{"a": Int(1)}))
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"same string", String("x"), String("x"), true},
		{"int and float", Int(2), Float(2), true},
		{"int and string", Int(2), String("2"), false},
		{"nil and null", nil, Null{}, true},
		{"arrays", Array{Int(1), String("a")}, Array{Int(1), String("a")}, true},
		{"array length", Array{Int(1)}, Array{Int(1), Int(2)}, false},
		{"objects", Object{"a": Int(1)}, Object{"a": Int(1)}, true},
		{"object missing key", Object{"a": Int(1)}, Object{"b": Int(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(Null{}))
	assert.False(t, Truthy(Bool(false)))
	assert.False(t, Truthy(String("")))
	assert.False(t, Truthy(Int(0)))
	assert.False(t, Truthy(Array{}))
	assert.True(t, Truthy(Bool(true)))
	assert.True(t, Truthy(String("x")))
	assert.True(t, Truthy(Float(0.5)))
	assert.True(t, Truthy(Object{"a": Null{}}))
}

func TestUnmarshalValueKeepsNumberForm(t *testing.T) {
	v, err := UnmarshalValue([]byte(`{"count":3,"ratio":0.25,"big":9007199254740993,"none":null}`))
	require.NoError(t, err)

	obj := v.(Object)
	assert.Equal(t, Int(3), obj["count"])
	assert.Equal(t, Float(0.25), obj["ratio"])
	assert.Equal(t, Int(9007199254740993), obj["big"], "integers beyond 2^53 must not lose precision")
	assert.Equal(t, Null{}, obj["none"])
}

func TestObjectUnmarshalJSON(t *testing.T) {
	var obj Object
	require.NoError(t, json.Unmarshal([]byte(`{"name":"Ann","tags":["a","b"]}`), &obj))
	assert.Equal(t, Object{"name": String("Ann"), "tags": Array{String("a"), String("b")}}, obj)

	err := json.Unmarshal([]byte(`[1,2]`), &obj)
	assert.Error(t, err)
}

func TestFromNativeAndNative(t *testing.T) {
	native := map[string]any{
		"name":   "Ann",
		"age":    float64(30),
		"score":  2.5,
		"active": true,
		"tags":   []any{"a", int64(2)},
		"none":   nil,
	}
	v, err := FromNative(native)
	require.NoError(t, err)

	want := Object{
		"name":   String("Ann"),
		"age":    Int(30),
		"score":  Float(2.5),
		"active": Bool(true),
		"tags":   Array{String("a"), Int(2)},
		"none":   Null{},
	}
	assert.Equal(t, want, v)

	back := Native(v).(map[string]any)
	assert.Equal(t, int64(30), back["age"])
	assert.Equal(t, 2.5, back["score"])
	assert.Nil(t, back["none"])

	_, err = FromNative(struct{}{})
	assert.Error(t, err)
}
