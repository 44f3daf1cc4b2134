package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWireForm(t *testing.T) {
	rec := Record{ID: "42", Version: "1", Fields: Object{"name": String("Ann")}}

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"42","name":"Ann","version":"1"}`, string(b))

	var back Record
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, rec, back)
}

func TestRecordUnmarshalNumericIdentity(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"id":42,"version":3,"name":"Ann"}`), &rec))

	assert.Equal(t, "42", rec.ID)
	assert.Equal(t, "3", rec.Version)
	assert.Equal(t, Object{"name": String("Ann")}, rec.Fields)
}

func TestRecordUnmarshalRejectsCompositeID(t *testing.T) {
	var rec Record
	err := json.Unmarshal([]byte(`{"id":[1]}`), &rec)
	assert.Error(t, err)
}

func TestRecordSameAndGet(t *testing.T) {
	a := Record{ID: "1", Version: "2", Fields: Object{"x": Int(1)}}
	b := Record{ID: "1", Version: "2", Fields: Object{"x": Int(9)}}
	c := Record{ID: "1", Version: "3"}

	assert.True(t, a.Same(b), "cache equality ignores field values")
	assert.False(t, a.Same(c))

	v, ok := a.Get("id")
	assert.True(t, ok)
	assert.Equal(t, String("1"), v)
	_, ok = a.Get("missing")
	assert.False(t, ok)
}

func TestRecordMergeKeepsIdentity(t *testing.T) {
	rec := Record{ID: "7", Version: "2", Fields: Object{"name": String("Ann")}}
	merged := rec.Merge(Object{"name": String("Bea")})

	assert.Equal(t, "7", merged.ID)
	assert.Equal(t, "2", merged.Version)
	assert.Equal(t, String("Bea"), merged.Fields["name"])
	assert.Equal(t, String("Ann"), rec.Fields["name"])
}
