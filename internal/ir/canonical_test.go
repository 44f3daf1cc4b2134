package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"sorted keys", Object{"b": Int(1), "a": String("x")}, `{"a":"x","b":1}`},
		{"nested", Object{"z": Array{Bool(true), Null{}}, "y": Object{}}, `{"y":{},"z":[true,null]}`},
		{"no html escape", String("<a>&</a>"), `"<a>&</a>"`},
		{"line separator literal", String("a\u2028b"), "\"a\u2028b\""},
		{"control escapes", String("tab\there\nnl"), `"tab\there\nnl"`},
		{"low control as hex", String("\x01"), `"\u0001"`},
		{"quote and backslash", String(`"\`), `"\"\\"`},
		{"nfc normalized", String("e\u0301"), "\"\u00e9\""},
		{"integer", Int(-42), `-42`},
		{"float", Float(1.5), `1.5`},
		{"float large exponent", Float(1e21), `1e+21`},
		{"float small exponent", Float(1e-7), `1e-7`},
		{"float whole", Float(100), `100`},
		{"native map", map[string]any{"n": 1, "s": "x"}, `{"n":1,"s":"x"}`},
		{"nil", nil, `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonicalRejectsNonFinite(t *testing.T) {
	_, err := MarshalCanonical(Object{"x": Float(math.NaN())})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `key "x"`)

	_, err = MarshalCanonical(Float(math.Inf(1)))
	assert.Error(t, err)
}

func TestMarshalCanonicalRejectsUnsupported(t *testing.T) {
	_, err := MarshalCanonical(make(chan int))
	assert.Error(t, err)
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	obj := Object{}
	for _, k := range []string{"q", "w", "e", "r", "t", "y", "u", "i", "o", "p"} {
		obj[k] = String(k)
	}
	first := MustMarshalCanonical(obj)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, MustMarshalCanonical(obj))
	}
}
